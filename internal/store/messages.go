package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// AddMessage inserts a message without touching the owning conversation.
// Most callers want AppendMessage instead.
func (s *Store) AddMessage(ctx context.Context, msg MessageRow) (MessageRow, error) {
	if s == nil || s.db == nil {
		return MessageRow{}, ErrNotInitialized
	}
	if err := validateMessage(msg); err != nil {
		return MessageRow{}, err
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var insertErr error
		msg.Seq, insertErr = s.insertMessage(ctx, tx, msg)
		return insertErr
	})
	if err != nil {
		return MessageRow{}, err
	}
	return msg, nil
}

// AppendMessage inserts the message and bumps the owning conversation's
// last_message_at_ms in a single transaction, so a crash can not leave the
// pair half-written.
func (s *Store) AppendMessage(ctx context.Context, msg MessageRow) (MessageRow, error) {
	if s == nil || s.db == nil {
		return MessageRow{}, ErrNotInitialized
	}
	if err := validateMessage(msg); err != nil {
		return MessageRow{}, err
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		touch := `UPDATE conversations SET last_message_at_ms = ? WHERE id = ?;`
		res, err := tx.ExecContext(ctx, s.rebind(touch), msg.CreatedAtMs, msg.ConversationID)
		if err != nil {
			return err
		}
		rows, _ := res.RowsAffected()
		if rows == 0 {
			return fmt.Errorf("%w: conversation", ErrNotFound)
		}

		msg.Seq, err = s.insertMessage(ctx, tx, msg)
		return err
	})
	if err != nil {
		return MessageRow{}, err
	}
	return msg, nil
}

func (s *Store) insertMessage(ctx context.Context, tx *sql.Tx, msg MessageRow) (int64, error) {
	reactions, err := marshalReactions(msg.Reactions)
	if err != nil {
		return 0, err
	}

	q := `INSERT INTO messages (id, conversation_id, sender_id, content, type, media_url, reply_to_id, status, reactions_json, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`
	if _, err := tx.ExecContext(ctx, s.rebind(q),
		msg.ID, msg.ConversationID, msg.SenderID, msg.Content, msg.Type,
		msg.MediaURL, msg.ReplyToID, msg.Status, reactions, msg.CreatedAtMs,
	); err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: message %s", ErrConflict, msg.ID)
		}
		return 0, err
	}

	var seq int64
	if err := tx.QueryRowContext(ctx, s.rebind(`SELECT seq FROM messages WHERE id = ?;`), msg.ID).Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

// PutMessage upserts by id.
func (s *Store) PutMessage(ctx context.Context, msg MessageRow) error {
	if s == nil || s.db == nil {
		return ErrNotInitialized
	}
	if err := validateMessage(msg); err != nil {
		return err
	}

	reactions, err := marshalReactions(msg.Reactions)
	if err != nil {
		return err
	}

	q := `INSERT INTO messages (id, conversation_id, sender_id, content, type, media_url, reply_to_id, status, reactions_json, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			sender_id = excluded.sender_id,
			content = excluded.content,
			type = excluded.type,
			media_url = excluded.media_url,
			reply_to_id = excluded.reply_to_id,
			status = excluded.status,
			reactions_json = excluded.reactions_json;`
	_, err = s.db.ExecContext(ctx, s.rebind(q),
		msg.ID, msg.ConversationID, msg.SenderID, msg.Content, msg.Type,
		msg.MediaURL, msg.ReplyToID, msg.Status, reactions, msg.CreatedAtMs,
	)
	return err
}

func (s *Store) GetMessage(ctx context.Context, messageID string) (MessageRow, error) {
	if s == nil || s.db == nil {
		return MessageRow{}, ErrNotInitialized
	}

	q := messageSelect + ` WHERE id = ?;`
	msg, err := scanMessage(s.db.QueryRowContext(ctx, s.rebind(q), messageID))
	if err != nil {
		if err == sql.ErrNoRows {
			return MessageRow{}, fmt.Errorf("%w: message", ErrNotFound)
		}
		return MessageRow{}, err
	}
	return msg, nil
}

func (s *Store) AllMessages(ctx context.Context) ([]MessageRow, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotInitialized
	}
	return s.queryMessages(ctx, messageSelect+` ORDER BY id;`)
}

// MessagesByConversation lists a conversation's messages in created_at order,
// insertion order breaking ties.
func (s *Store) MessagesByConversation(ctx context.Context, conversationID string) ([]MessageRow, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotInitialized
	}

	q := messageSelect + ` WHERE conversation_id = ? ORDER BY created_at_ms, seq;`
	return s.queryMessages(ctx, q, conversationID)
}

// MessagesByCreatedAt lists every message created at or after sinceMs.
func (s *Store) MessagesByCreatedAt(ctx context.Context, sinceMs int64) ([]MessageRow, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotInitialized
	}

	q := messageSelect + ` WHERE created_at_ms >= ? ORDER BY created_at_ms, seq;`
	return s.queryMessages(ctx, q, sinceMs)
}

func (s *Store) DeleteMessage(ctx context.Context, messageID string) error {
	if s == nil || s.db == nil {
		return ErrNotInitialized
	}

	q := `DELETE FROM messages WHERE id = ?;`
	_, err := s.db.ExecContext(ctx, s.rebind(q), messageID)
	return err
}

// SetReaction records userID's reaction on a message, replacing any previous
// one (one reaction per user, last write wins). An empty emoji clears it.
func (s *Store) SetReaction(ctx context.Context, messageID, userID, emoji string) (MessageRow, error) {
	if s == nil || s.db == nil {
		return MessageRow{}, ErrNotInitialized
	}
	if strings.TrimSpace(userID) == "" {
		return MessageRow{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}

	var updated MessageRow
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		q := messageSelect + ` WHERE id = ?;`
		msg, err := scanMessage(tx.QueryRowContext(ctx, s.rebind(q), messageID))
		if err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("%w: message", ErrNotFound)
			}
			return err
		}

		if msg.Reactions == nil {
			msg.Reactions = map[string]string{}
		}
		if emoji == "" {
			delete(msg.Reactions, userID)
		} else {
			msg.Reactions[userID] = emoji
		}

		reactions, err := marshalReactions(msg.Reactions)
		if err != nil {
			return err
		}
		upd := `UPDATE messages SET reactions_json = ? WHERE id = ?;`
		if _, err := tx.ExecContext(ctx, s.rebind(upd), reactions, messageID); err != nil {
			return err
		}
		updated = msg
		return nil
	})
	if err != nil {
		return MessageRow{}, err
	}
	return updated, nil
}

// UpdateMessageStatus overwrites the delivery status. The store does not
// enforce monotonicity; the chat service only moves it forward.
func (s *Store) UpdateMessageStatus(ctx context.Context, messageID, status string) error {
	if s == nil || s.db == nil {
		return ErrNotInitialized
	}
	if !ValidMessageStatus(status) {
		return fmt.Errorf("%w: unknown message status %q", ErrInvalidInput, status)
	}

	q := `UPDATE messages SET status = ? WHERE id = ?;`
	res, err := s.db.ExecContext(ctx, s.rebind(q), status, messageID)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: message", ErrNotFound)
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func validateMessage(msg MessageRow) error {
	if strings.TrimSpace(msg.ID) == "" || strings.TrimSpace(msg.ConversationID) == "" || strings.TrimSpace(msg.SenderID) == "" {
		return fmt.Errorf("%w: message id, conversationId and senderId are required", ErrInvalidInput)
	}
	if !ValidMessageType(msg.Type) {
		return fmt.Errorf("%w: unknown message type %q", ErrInvalidInput, msg.Type)
	}
	if !ValidMessageStatus(msg.Status) {
		return fmt.Errorf("%w: unknown message status %q", ErrInvalidInput, msg.Status)
	}
	if msg.Type != MessageTypeText && msg.Content == "" && (msg.MediaURL == nil || *msg.MediaURL == "") {
		return fmt.Errorf("%w: %s message needs a mediaUrl or inline content", ErrInvalidInput, msg.Type)
	}
	return nil
}

func marshalReactions(reactions map[string]string) (*string, error) {
	if len(reactions) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(reactions)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

const messageSelect = `SELECT id, seq, conversation_id, sender_id, content, type, media_url, reply_to_id, status, reactions_json, created_at_ms
	FROM messages`

func scanMessage(r rowScanner) (MessageRow, error) {
	var msg MessageRow
	var media, replyTo, reactions sql.NullString
	if err := r.Scan(
		&msg.ID, &msg.Seq, &msg.ConversationID, &msg.SenderID, &msg.Content, &msg.Type,
		&media, &replyTo, &msg.Status, &reactions, &msg.CreatedAtMs,
	); err != nil {
		return MessageRow{}, err
	}
	if media.Valid {
		msg.MediaURL = &media.String
	}
	if replyTo.Valid {
		msg.ReplyToID = &replyTo.String
	}
	if reactions.Valid && reactions.String != "" {
		if err := json.Unmarshal([]byte(reactions.String), &msg.Reactions); err != nil {
			return MessageRow{}, fmt.Errorf("decode reactions_json: %w", err)
		}
	}
	return msg, nil
}

func (s *Store) queryMessages(ctx context.Context, q string, args ...any) ([]MessageRow, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []MessageRow{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
