package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

func computeParticipantsHash(user1ID, user2ID string) string {
	ids := []string{user1ID, user2ID}
	sort.Strings(ids)
	h := sha256.Sum256([]byte(ids[0] + ":" + ids[1]))
	return hex.EncodeToString(h[:])
}

// AddConversation inserts a conversation. For the direct kind the store
// enforces one conversation per unordered participant pair: a concurrent
// duplicate insert loses the unique-index race and converges on the winner's
// row, so the returned bool reports whether this call created it.
func (s *Store) AddConversation(ctx context.Context, conv ConversationRow) (ConversationRow, bool, error) {
	if s == nil || s.db == nil {
		return ConversationRow{}, false, ErrNotInitialized
	}
	if strings.TrimSpace(conv.ID) == "" {
		return ConversationRow{}, false, fmt.Errorf("%w: conversation id is required", ErrInvalidInput)
	}
	if err := validateParticipants(conv.Kind, conv.ParticipantIDs); err != nil {
		return ConversationRow{}, false, err
	}

	if conv.Kind == ConversationKindDirect {
		hash := computeParticipantsHash(conv.ParticipantIDs[0], conv.ParticipantIDs[1])
		conv.ParticipantsHash = &hash

		existing, err := s.getConversationByHash(ctx, hash)
		if err == nil {
			return existing, false, nil
		}
	}

	participants, err := json.Marshal(conv.ParticipantIDs)
	if err != nil {
		return ConversationRow{}, false, err
	}

	q := `INSERT INTO conversations (id, kind, participant_ids, participants_hash, name, avatar_url, last_message_at_ms, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?);`
	if _, err := s.db.ExecContext(ctx, s.rebind(q),
		conv.ID, conv.Kind, string(participants), conv.ParticipantsHash,
		conv.Name, conv.AvatarURL, conv.LastMessageAtMs, conv.CreatedAtMs,
	); err != nil {
		if isUniqueViolation(err) {
			if conv.ParticipantsHash != nil {
				existing, getErr := s.getConversationByHash(ctx, *conv.ParticipantsHash)
				if getErr != nil {
					return ConversationRow{}, false, getErr
				}
				return existing, false, nil
			}
			return ConversationRow{}, false, fmt.Errorf("%w: conversation %s", ErrConflict, conv.ID)
		}
		return ConversationRow{}, false, err
	}

	return conv, true, nil
}

// PutConversation upserts by id. The participants hash is recomputed so a
// direct conversation cannot drift away from its dedup key.
func (s *Store) PutConversation(ctx context.Context, conv ConversationRow) error {
	if s == nil || s.db == nil {
		return ErrNotInitialized
	}
	if strings.TrimSpace(conv.ID) == "" {
		return fmt.Errorf("%w: conversation id is required", ErrInvalidInput)
	}
	if err := validateParticipants(conv.Kind, conv.ParticipantIDs); err != nil {
		return err
	}

	if conv.Kind == ConversationKindDirect {
		hash := computeParticipantsHash(conv.ParticipantIDs[0], conv.ParticipantIDs[1])
		conv.ParticipantsHash = &hash
	} else {
		conv.ParticipantsHash = nil
	}

	participants, err := json.Marshal(conv.ParticipantIDs)
	if err != nil {
		return err
	}

	q := `INSERT INTO conversations (id, kind, participant_ids, participants_hash, name, avatar_url, last_message_at_ms, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			participant_ids = excluded.participant_ids,
			participants_hash = excluded.participants_hash,
			name = excluded.name,
			avatar_url = excluded.avatar_url,
			last_message_at_ms = excluded.last_message_at_ms;`
	if _, err := s.db.ExecContext(ctx, s.rebind(q),
		conv.ID, conv.Kind, string(participants), conv.ParticipantsHash,
		conv.Name, conv.AvatarURL, conv.LastMessageAtMs, conv.CreatedAtMs,
	); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: direct conversation for this pair", ErrConflict)
		}
		return err
	}
	return nil
}

func (s *Store) GetConversation(ctx context.Context, conversationID string) (ConversationRow, error) {
	if s == nil || s.db == nil {
		return ConversationRow{}, ErrNotInitialized
	}

	q := conversationSelect + ` WHERE id = ?;`
	conv, err := scanConversation(s.db.QueryRowContext(ctx, s.rebind(q), conversationID))
	if err != nil {
		if err == sql.ErrNoRows {
			return ConversationRow{}, fmt.Errorf("%w: conversation", ErrNotFound)
		}
		return ConversationRow{}, err
	}
	return conv, nil
}

// GetDirectConversation looks up the direct conversation for an unordered
// user pair.
func (s *Store) GetDirectConversation(ctx context.Context, user1ID, user2ID string) (ConversationRow, error) {
	if s == nil || s.db == nil {
		return ConversationRow{}, ErrNotInitialized
	}
	return s.getConversationByHash(ctx, computeParticipantsHash(user1ID, user2ID))
}

func (s *Store) getConversationByHash(ctx context.Context, hash string) (ConversationRow, error) {
	q := conversationSelect + ` WHERE participants_hash = ?;`
	conv, err := scanConversation(s.db.QueryRowContext(ctx, s.rebind(q), hash))
	if err != nil {
		if err == sql.ErrNoRows {
			return ConversationRow{}, fmt.Errorf("%w: conversation", ErrNotFound)
		}
		return ConversationRow{}, err
	}
	return conv, nil
}

func (s *Store) AllConversations(ctx context.Context) ([]ConversationRow, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotInitialized
	}
	return s.queryConversations(ctx, conversationSelect+` ORDER BY id;`)
}

// ConversationsByLastMessage lists every conversation in last-activity order,
// most recent last (index order, ties by insertion).
func (s *Store) ConversationsByLastMessage(ctx context.Context) ([]ConversationRow, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotInitialized
	}
	return s.queryConversations(ctx, conversationSelect+` ORDER BY last_message_at_ms, created_at_ms, id;`)
}

// TouchConversation bumps last_message_at_ms. Fails with ErrNotFound when the
// conversation does not exist.
func (s *Store) TouchConversation(ctx context.Context, conversationID string, lastMessageAtMs int64) error {
	if s == nil || s.db == nil {
		return ErrNotInitialized
	}

	q := `UPDATE conversations SET last_message_at_ms = ? WHERE id = ?;`
	res, err := s.db.ExecContext(ctx, s.rebind(q), lastMessageAtMs, conversationID)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: conversation", ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteConversation(ctx context.Context, conversationID string) error {
	if s == nil || s.db == nil {
		return ErrNotInitialized
	}

	q := `DELETE FROM conversations WHERE id = ?;`
	_, err := s.db.ExecContext(ctx, s.rebind(q), conversationID)
	return err
}

func validateParticipants(kind string, participantIDs []string) error {
	seen := make(map[string]struct{}, len(participantIDs))
	for _, id := range participantIDs {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("%w: empty participant id", ErrInvalidInput)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: duplicate participant %s", ErrInvalidInput, id)
		}
		seen[id] = struct{}{}
	}

	switch kind {
	case ConversationKindDirect:
		if len(participantIDs) != 2 {
			return fmt.Errorf("%w: direct conversation needs exactly 2 participants", ErrInvalidInput)
		}
	case ConversationKindGroup:
		if len(participantIDs) == 0 {
			return fmt.Errorf("%w: group conversation needs participants", ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: unknown conversation kind %q", ErrInvalidInput, kind)
	}
	return nil
}

const conversationSelect = `SELECT id, kind, participant_ids, participants_hash, name, avatar_url, last_message_at_ms, created_at_ms
	FROM conversations`

func scanConversation(r rowScanner) (ConversationRow, error) {
	var conv ConversationRow
	var participants string
	var hash, name, avatar sql.NullString
	if err := r.Scan(
		&conv.ID, &conv.Kind, &participants, &hash, &name, &avatar,
		&conv.LastMessageAtMs, &conv.CreatedAtMs,
	); err != nil {
		return ConversationRow{}, err
	}
	if err := json.Unmarshal([]byte(participants), &conv.ParticipantIDs); err != nil {
		return ConversationRow{}, fmt.Errorf("decode participant_ids: %w", err)
	}
	if hash.Valid {
		conv.ParticipantsHash = &hash.String
	}
	if name.Valid {
		conv.Name = &name.String
	}
	if avatar.Valid {
		conv.AvatarURL = &avatar.String
	}
	return conv, nil
}

func (s *Store) queryConversations(ctx context.Context, q string, args ...any) ([]ConversationRow, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	convs := []ConversationRow{}
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}
