package bolt

import (
	"github.com/asdine/storm/v3"
	"github.com/go-errors/errors"

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

// CreateOrGetPending inserts a new pending subscriber or returns the row
// already holding the email. Lookup and insert share one write transaction,
// so concurrent identical requests cannot both create.
func (ss *subscriptionService) CreateOrGetPending(email, name string) (*lettermill.Subscriber, bool, error) {
	tx, err := ss.db.stormDB.Begin(true)
	if err != nil {
		return nil, false, errors.Errorf("failed to begin transaction: %v", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var existing lettermill.Subscriber
	err = tx.One("Email", email, &existing)
	if err == nil {
		return &existing, false, tx.Commit()
	}
	if err != storm.ErrNotFound {
		return nil, false, errors.Errorf("failed to find by email: %v", err)
	}

	s := lettermill.NewSubscriber(email, name)
	if err := tx.Save(s); err != nil {
		return nil, false, errors.Errorf("failed to save: %v", err)
	}

	return s, true, tx.Commit()
}

// FindByEmail finds a subscriber by email
func (ss *subscriptionService) FindByEmail(email string) (*lettermill.Subscriber, error) {
	var s lettermill.Subscriber
	if err := ss.db.stormDB.One("Email", email, &s); err != nil {
		if err == storm.ErrNotFound {
			return nil, nil
		}
		return nil, errors.Errorf("failed to find by email: %v", err)
	}

	return &s, nil
}

// MarkConfirmed flips a pending subscriber to confirmed, once.
func (ss *subscriptionService) MarkConfirmed(id string) error {
	tx, err := ss.db.stormDB.Begin(true)
	if err != nil {
		return errors.Errorf("failed to begin transaction: %v", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var s lettermill.Subscriber
	if err := tx.One("ID", id, &s); err != nil {
		if err == storm.ErrNotFound {
			return &lettermill.Error{Code: lettermill.ErrNotFound, Op: "MarkConfirmed", Message: "subscriber not found"}
		}
		return errors.Errorf("failed to find by id: %v", err)
	}

	if s.Status == lettermill.StatusConfirmed {
		return &lettermill.Error{Code: lettermill.ErrConflict, Op: "MarkConfirmed", Message: "subscriber is already confirmed"}
	}

	s.Status = lettermill.StatusConfirmed
	if err := tx.Save(&s); err != nil {
		return errors.Errorf("failed to save: %v", err)
	}

	return tx.Commit()
}

// ForEachConfirmed calls fn for every confirmed subscriber.
func (ss *subscriptionService) ForEachConfirmed(fn func(lettermill.Subscriber) error) error {
	var subscribers []lettermill.Subscriber
	if err := ss.db.stormDB.Find("Status", lettermill.StatusConfirmed, &subscribers); err != nil {
		if err == storm.ErrNotFound {
			return nil
		}
		return errors.Errorf("failed to find by status: %v", err)
	}

	for _, s := range subscribers {
		if err := fn(s); err != nil {
			return err
		}
	}

	return nil
}
