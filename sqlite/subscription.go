package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/lettermill/lettermill"
)

type subscriptionService struct {
	db *DB
}

func NewSubscriptionService(db *DB) lettermill.SubscriptionService {
	return &subscriptionService{
		db: db,
	}
}

// CreateOrGetPending inserts a new pending subscriber, or returns the
// existing row when the email is already taken. The unique constraint on
// email is the race arbiter: of two concurrent identical requests, exactly
// one insert lands and the other falls through to the lookup.
func (ss *subscriptionService) CreateOrGetPending(email, name string) (*lettermill.Subscriber, bool, error) {
	s := lettermill.NewSubscriber(email, name)
	res, err := ss.db.sqlDB.Exec(
		`INSERT INTO subscribers (id, email, name, status, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (email) DO NOTHING`,
		s.ID, s.Email, s.Name, s.Status, s.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert subscriber: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if n == 1 {
		return s, true, nil
	}

	existing, err := ss.FindByEmail(email)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("subscriber %s vanished after conflicting insert", email)
	}
	return existing, false, nil
}

// FindByEmail finds a subscriber by email
func (ss *subscriptionService) FindByEmail(email string) (*lettermill.Subscriber, error) {
	var s lettermill.Subscriber
	err := ss.db.sqlDB.QueryRow(
		`SELECT id, email, name, status, created_at FROM subscribers WHERE email = ?`, email).
		Scan(&s.ID, &s.Email, &s.Name, &s.Status, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Subscriber not found
		}
		return nil, fmt.Errorf("failed to find by email %s: %w", email, err)
	}
	return &s, nil
}

// MarkConfirmed flips a pending subscriber to confirmed. The transition is
// monotonic: a second confirmation attempt is rejected, not re-applied.
func (ss *subscriptionService) MarkConfirmed(id string) error {
	res, err := ss.db.sqlDB.Exec(
		`UPDATE subscribers SET status = ? WHERE id = ? AND status = ?`,
		lettermill.StatusConfirmed, id, lettermill.StatusPendingConfirmation)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var status string
	err = ss.db.sqlDB.QueryRow(`SELECT status FROM subscribers WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return &lettermill.Error{Code: lettermill.ErrNotFound, Op: "MarkConfirmed", Message: "subscriber not found"}
	}
	if err != nil {
		return err
	}
	return &lettermill.Error{Code: lettermill.ErrConflict, Op: "MarkConfirmed", Message: "subscriber is already confirmed"}
}

// ForEachConfirmed streams confirmed subscribers to fn without loading the
// whole list; a non-nil error from fn stops the scan.
func (ss *subscriptionService) ForEachConfirmed(fn func(lettermill.Subscriber) error) error {
	rows, err := ss.db.sqlDB.Query(
		`SELECT id, email, name, status, created_at FROM subscribers WHERE status = ?`,
		lettermill.StatusConfirmed)
	if err != nil {
		return fmt.Errorf("failed to list confirmed subscribers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var s lettermill.Subscriber
		if err := rows.Scan(&s.ID, &s.Email, &s.Name, &s.Status, &s.CreatedAt); err != nil {
			return fmt.Errorf("failed to scan row: %w", err)
		}
		if err := fn(s); err != nil {
			return err
		}
	}

	return rows.Err()
}
