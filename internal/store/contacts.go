package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

func (s *Store) AddContact(ctx context.Context, contact ContactRow) error {
	if s == nil || s.db == nil {
		return ErrNotInitialized
	}
	if strings.TrimSpace(contact.ID) == "" || strings.TrimSpace(contact.UserID) == "" || strings.TrimSpace(contact.ContactID) == "" {
		return fmt.Errorf("%w: contact id, userId and contactId are required", ErrInvalidInput)
	}

	q := `INSERT INTO contacts (id, user_id, contact_id, added_at_ms)
		VALUES (?, ?, ?, ?);`
	if _, err := s.db.ExecContext(ctx, s.rebind(q),
		contact.ID, contact.UserID, contact.ContactID, contact.AddedAtMs,
	); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: contact %s", ErrConflict, contact.ID)
		}
		return err
	}
	return nil
}

func (s *Store) GetContact(ctx context.Context, contactID string) (ContactRow, error) {
	if s == nil || s.db == nil {
		return ContactRow{}, ErrNotInitialized
	}

	q := `SELECT id, user_id, contact_id, added_at_ms FROM contacts WHERE id = ?;`
	var c ContactRow
	if err := s.db.QueryRowContext(ctx, s.rebind(q), contactID).Scan(
		&c.ID, &c.UserID, &c.ContactID, &c.AddedAtMs,
	); err != nil {
		if err == sql.ErrNoRows {
			return ContactRow{}, fmt.Errorf("%w: contact", ErrNotFound)
		}
		return ContactRow{}, err
	}
	return c, nil
}

func (s *Store) AllContacts(ctx context.Context) ([]ContactRow, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotInitialized
	}

	q := `SELECT id, user_id, contact_id, added_at_ms FROM contacts ORDER BY id;`
	return s.queryContacts(ctx, q)
}

// ContactsByUser lists the address book entries owned by userID, in the
// order they were added.
func (s *Store) ContactsByUser(ctx context.Context, userID string) ([]ContactRow, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotInitialized
	}

	q := `SELECT id, user_id, contact_id, added_at_ms FROM contacts
		WHERE user_id = ? ORDER BY added_at_ms, id;`
	return s.queryContacts(ctx, q, userID)
}

func (s *Store) DeleteContact(ctx context.Context, contactID string) error {
	if s == nil || s.db == nil {
		return ErrNotInitialized
	}

	q := `DELETE FROM contacts WHERE id = ?;`
	_, err := s.db.ExecContext(ctx, s.rebind(q), contactID)
	return err
}

func (s *Store) queryContacts(ctx context.Context, q string, args ...any) ([]ContactRow, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	contacts := []ContactRow{}
	for rows.Next() {
		var c ContactRow
		if err := rows.Scan(&c.ID, &c.UserID, &c.ContactID, &c.AddedAtMs); err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}
