package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const (
	counterFrameSeq = "frame_seq"
	counterValueRev = "value_rev"
)

// nextCounter increments a named counter inside the caller's transaction.
// The counter row stays locked until commit, so concurrent writers become
// visible in counter order: a cursor reader can never observe value N before
// every lower value has committed. MAX()+1 on the log table itself does not
// give that guarantee on postgres (values assigned at insert, visible at
// commit), which is why the counters exist.
func (s *Store) nextCounter(ctx context.Context, tx *sql.Tx, name string) (int64, error) {
	q := `UPDATE channel_counters SET value = value + 1 WHERE name = ? RETURNING value;`
	var v int64
	if err := tx.QueryRowContext(ctx, s.rebind(q), name).Scan(&v); err != nil {
		return 0, fmt.Errorf("advance counter %s: %w", name, err)
	}
	return v, nil
}

func (s *Store) readCounter(ctx context.Context, name string) (int64, error) {
	q := `SELECT value FROM channel_counters WHERE name = ?;`
	var v int64
	if err := s.db.QueryRowContext(ctx, s.rebind(q), name).Scan(&v); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, err
	}
	return v, nil
}

// PutChannelValue replaces the current value of a channel and returns the new
// global revision. Only the most recent write per channel is retained.
func (s *Store) PutChannelValue(ctx context.Context, name string, payload []byte, origin string, timestampMs int64) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrNotInitialized
	}
	if strings.TrimSpace(name) == "" {
		return 0, fmt.Errorf("%w: channel name is required", ErrInvalidInput)
	}

	var rev int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if rev, err = s.nextCounter(ctx, tx, counterValueRev); err != nil {
			return err
		}

		q := `INSERT INTO channel_values (name, payload, origin, timestamp_ms, rev)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				payload = excluded.payload,
				origin = excluded.origin,
				timestamp_ms = excluded.timestamp_ms,
				rev = excluded.rev;`
		_, err = tx.ExecContext(ctx, s.rebind(q), name, string(payload), origin, timestampMs, rev)
		return err
	})
	if err != nil {
		return 0, err
	}
	return rev, nil
}

func (s *Store) GetChannelValue(ctx context.Context, name string) (ChannelValueRow, error) {
	if s == nil || s.db == nil {
		return ChannelValueRow{}, ErrNotInitialized
	}

	q := `SELECT name, payload, origin, timestamp_ms, rev FROM channel_values WHERE name = ?;`
	var row ChannelValueRow
	var payload string
	if err := s.db.QueryRowContext(ctx, s.rebind(q), name).Scan(
		&row.Name, &payload, &row.Origin, &row.TimestampMs, &row.Rev,
	); err != nil {
		if err == sql.ErrNoRows {
			return ChannelValueRow{}, fmt.Errorf("%w: channel value", ErrNotFound)
		}
		return ChannelValueRow{}, err
	}
	row.Payload = []byte(payload)
	return row, nil
}

// ChannelValuesSince returns every channel whose current value was written
// after the given revision, oldest first.
func (s *Store) ChannelValuesSince(ctx context.Context, rev int64) ([]ChannelValueRow, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotInitialized
	}

	q := `SELECT name, payload, origin, timestamp_ms, rev FROM channel_values WHERE rev > ? ORDER BY rev;`
	rows, err := s.db.QueryContext(ctx, s.rebind(q), rev)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	values := []ChannelValueRow{}
	for rows.Next() {
		var row ChannelValueRow
		var payload string
		if err := rows.Scan(&row.Name, &payload, &row.Origin, &row.TimestampMs, &row.Rev); err != nil {
			return nil, err
		}
		row.Payload = []byte(payload)
		values = append(values, row)
	}
	return values, rows.Err()
}

// MaxChannelRev reports the highest revision handed out so far. It reads the
// counter row rather than MAX(rev) so the answer survives value overwrites.
func (s *Store) MaxChannelRev(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrNotInitialized
	}
	return s.readCounter(ctx, counterValueRev)
}

// AppendChannelFrame adds a frame to the ordered per-channel log and returns
// its sequence number. Unlike channel values, every frame is retained until
// pruned.
func (s *Store) AppendChannelFrame(ctx context.Context, name string, payload []byte, origin string, timestampMs int64) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrNotInitialized
	}
	if strings.TrimSpace(name) == "" {
		return 0, fmt.Errorf("%w: channel name is required", ErrInvalidInput)
	}

	var seq int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if seq, err = s.nextCounter(ctx, tx, counterFrameSeq); err != nil {
			return err
		}

		q := `INSERT INTO channel_frames (seq, name, payload, origin, timestamp_ms)
			VALUES (?, ?, ?, ?, ?);`
		_, err = tx.ExecContext(ctx, s.rebind(q), seq, name, string(payload), origin, timestampMs)
		return err
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// ChannelFramesAfter returns every frame with seq greater than the cursor,
// in order, across all channels.
func (s *Store) ChannelFramesAfter(ctx context.Context, seq int64) ([]ChannelFrameRow, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotInitialized
	}

	q := `SELECT seq, name, payload, origin, timestamp_ms FROM channel_frames WHERE seq > ? ORDER BY seq;`
	rows, err := s.db.QueryContext(ctx, s.rebind(q), seq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	frames := []ChannelFrameRow{}
	for rows.Next() {
		var row ChannelFrameRow
		var payload string
		if err := rows.Scan(&row.Seq, &row.Name, &payload, &row.Origin, &row.TimestampMs); err != nil {
			return nil, err
		}
		row.Payload = []byte(payload)
		frames = append(frames, row)
	}
	return frames, rows.Err()
}

// MaxChannelFrameSeq reports the highest frame sequence handed out so far,
// including frames that have since been pruned.
func (s *Store) MaxChannelFrameSeq(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrNotInitialized
	}
	return s.readCounter(ctx, counterFrameSeq)
}

// PruneChannelFrames drops frames older than beforeMs so the signaling log
// does not grow without bound.
func (s *Store) PruneChannelFrames(ctx context.Context, beforeMs int64) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrNotInitialized
	}

	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM channel_frames WHERE timestamp_ms < ?;`), beforeMs)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}
