package bolt

import (
	"time"

	"github.com/asdine/storm/v3"
	"github.com/go-errors/errors"
	uuid "github.com/satori/go.uuid"

	"github.com/lettermill/lettermill"
)

type issueService struct {
	db *DB
}

func NewIssueService(db *DB) lettermill.IssueService {
	return &issueService{
		db: db,
	}
}

// GetOrCreate records a new issue or returns the one already recorded under
// the idempotency key; lookup and insert share one write transaction.
func (is *issueService) GetOrCreate(key, title, html, text string) (*lettermill.Issue, bool, error) {
	tx, err := is.db.stormDB.Begin(true)
	if err != nil {
		return nil, false, errors.Errorf("failed to begin transaction: %v", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var existing lettermill.Issue
	err = tx.One("IdempotencyKey", key, &existing)
	if err == nil {
		return &existing, true, tx.Commit()
	}
	if err != storm.ErrNotFound {
		return nil, false, errors.Errorf("failed to find issue: %v", err)
	}

	issue := &lettermill.Issue{
		ID:             uuid.NewV4().String(),
		IdempotencyKey: key,
		Title:          title,
		HTML:           html,
		Text:           text,
		CreatedAt:      time.Now().UTC(),
	}
	if err := tx.Save(issue); err != nil {
		return nil, false, errors.Errorf("failed to save issue: %v", err)
	}

	return issue, false, tx.Commit()
}

// FindByID finds an issue by id
func (is *issueService) FindByID(id string) (*lettermill.Issue, error) {
	var issue lettermill.Issue
	if err := is.db.stormDB.One("ID", id, &issue); err != nil {
		if err == storm.ErrNotFound {
			return nil, nil
		}
		return nil, errors.Errorf("failed to find issue: %v", err)
	}
	return &issue, nil
}

// ReserveDelivery claims the (issue, subscriber) pair, reporting false when
// another attempt already holds it.
func (is *issueService) ReserveDelivery(issueID, subscriberID string) (bool, error) {
	tx, err := is.db.stormDB.Begin(true)
	if err != nil {
		return false, errors.Errorf("failed to begin transaction: %v", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	key := lettermill.DeliveryKey(issueID, subscriberID)
	var existing lettermill.DeliveryRecord
	err = tx.One("Key", key, &existing)
	if err == nil {
		return false, tx.Commit()
	}
	if err != storm.ErrNotFound {
		return false, errors.Errorf("failed to find delivery record: %v", err)
	}

	record := &lettermill.DeliveryRecord{
		Key:          key,
		IssueID:      issueID,
		SubscriberID: subscriberID,
		Outcome:      lettermill.DeliveryReserved,
		ReservedAt:   time.Now().UTC(),
	}
	if err := tx.Save(record); err != nil {
		return false, errors.Errorf("failed to save delivery record: %v", err)
	}

	return true, tx.Commit()
}

// FindDelivery returns the record for the (issue, subscriber) pair, or nil.
func (is *issueService) FindDelivery(issueID, subscriberID string) (*lettermill.DeliveryRecord, error) {
	var record lettermill.DeliveryRecord
	err := is.db.stormDB.One("Key", lettermill.DeliveryKey(issueID, subscriberID), &record)
	if err == storm.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Errorf("failed to find delivery record: %v", err)
	}
	return &record, nil
}

// ReclaimDelivery takes over a reservation left behind by a crashed attempt.
// Check and re-stamp share one write transaction, so exactly one of N
// concurrent reclaimers wins.
func (is *issueService) ReclaimDelivery(issueID, subscriberID string, staleBefore time.Time) (bool, error) {
	tx, err := is.db.stormDB.Begin(true)
	if err != nil {
		return false, errors.Errorf("failed to begin transaction: %v", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var record lettermill.DeliveryRecord
	err = tx.One("Key", lettermill.DeliveryKey(issueID, subscriberID), &record)
	if err == storm.ErrNotFound {
		return false, tx.Commit()
	}
	if err != nil {
		return false, errors.Errorf("failed to find delivery record: %v", err)
	}
	if record.Outcome != lettermill.DeliveryReserved || record.ReservedAt.After(staleBefore) {
		return false, tx.Commit()
	}

	record.ReservedAt = time.Now().UTC()
	if err := tx.Save(&record); err != nil {
		return false, errors.Errorf("failed to save delivery record: %v", err)
	}

	return true, tx.Commit()
}

// MarkDelivered settles a reservation as delivered.
func (is *issueService) MarkDelivered(issueID, subscriberID string) error {
	return is.settle(issueID, subscriberID, lettermill.DeliveryDelivered, "")
}

// MarkFailed settles a reservation as permanently failed.
func (is *issueService) MarkFailed(issueID, subscriberID, reason string) error {
	return is.settle(issueID, subscriberID, lettermill.DeliveryFailed, reason)
}

func (is *issueService) settle(issueID, subscriberID, outcome, reason string) error {
	tx, err := is.db.stormDB.Begin(true)
	if err != nil {
		return errors.Errorf("failed to begin transaction: %v", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var record lettermill.DeliveryRecord
	if err := tx.One("Key", lettermill.DeliveryKey(issueID, subscriberID), &record); err != nil {
		return errors.Errorf("failed to find delivery record: %v", err)
	}
	if record.Outcome != lettermill.DeliveryReserved {
		return &lettermill.Error{Code: lettermill.ErrConflict, Op: "settle", Message: "delivery record is not reserved"}
	}

	now := time.Now().UTC()
	record.Outcome = outcome
	record.Reason = reason
	record.DeliveredAt = &now
	if err := tx.Save(&record); err != nil {
		return errors.Errorf("failed to save delivery record: %v", err)
	}

	return tx.Commit()
}

// ReleaseDelivery rolls back a reservation after a transient send failure.
func (is *issueService) ReleaseDelivery(issueID, subscriberID string) error {
	tx, err := is.db.stormDB.Begin(true)
	if err != nil {
		return errors.Errorf("failed to begin transaction: %v", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var record lettermill.DeliveryRecord
	err = tx.One("Key", lettermill.DeliveryKey(issueID, subscriberID), &record)
	if err == storm.ErrNotFound {
		return tx.Commit()
	}
	if err != nil {
		return errors.Errorf("failed to find delivery record: %v", err)
	}
	if record.Outcome != lettermill.DeliveryReserved {
		return tx.Commit()
	}

	if err := tx.DeleteStruct(&record); err != nil {
		return errors.Errorf("failed to delete delivery record: %v", err)
	}

	return tx.Commit()
}

// MarkCompleted stamps the issue; the first stamp wins. Refuses while any
// record of the issue is still reserved, so the issue stays visible to
// resume sweeps.
func (is *issueService) MarkCompleted(issueID string) error {
	tx, err := is.db.stormDB.Begin(true)
	if err != nil {
		return errors.Errorf("failed to begin transaction: %v", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var issue lettermill.Issue
	if err := tx.One("ID", issueID, &issue); err != nil {
		return errors.Errorf("failed to find issue: %v", err)
	}
	if issue.CompletedAt != nil {
		return tx.Commit()
	}

	var records []lettermill.DeliveryRecord
	if err := tx.Find("IssueID", issueID, &records); err != nil && err != storm.ErrNotFound {
		return errors.Errorf("failed to list delivery records: %v", err)
	}
	for _, record := range records {
		if record.Outcome == lettermill.DeliveryReserved {
			return &lettermill.Error{Code: lettermill.ErrUnavailable, Op: "MarkCompleted", Message: "issue still has reserved deliveries"}
		}
	}

	now := time.Now().UTC()
	issue.CompletedAt = &now
	if err := tx.Save(&issue); err != nil {
		return errors.Errorf("failed to save issue: %v", err)
	}

	return tx.Commit()
}

// ListIncomplete returns issues whose fan-out has not converged.
func (is *issueService) ListIncomplete() ([]lettermill.Issue, error) {
	var all []lettermill.Issue
	if err := is.db.stormDB.All(&all); err != nil {
		if err == storm.ErrNotFound {
			return nil, nil
		}
		return nil, errors.Errorf("failed to list issues: %v", err)
	}

	var incomplete []lettermill.Issue
	for _, issue := range all {
		if issue.CompletedAt == nil {
			incomplete = append(incomplete, issue)
		}
	}

	return incomplete, nil
}
