package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	uuid "github.com/satori/go.uuid"

	"github.com/lettermill/lettermill"
)

func newID() string {
	return uuid.NewV4().String()
}

type issueService struct {
	db *DB
}

func NewIssueService(db *DB) lettermill.IssueService {
	return &issueService{
		db: db,
	}
}

// GetOrCreate records a new issue, or returns the one already recorded under
// the same idempotency key. The unique key makes creation-and-lookup a single
// atomic operation.
func (is *issueService) GetOrCreate(key, title, html, text string) (*lettermill.Issue, bool, error) {
	issue := &lettermill.Issue{
		ID:             newID(),
		IdempotencyKey: key,
		Title:          title,
		HTML:           html,
		Text:           text,
		CreatedAt:      time.Now().UTC(),
	}

	res, err := is.db.sqlDB.Exec(
		`INSERT INTO newsletter_issues (id, idempotency_key, title, html_body, text_body, created_at)
		 VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT (idempotency_key) DO NOTHING`,
		issue.ID, issue.IdempotencyKey, issue.Title, issue.HTML, issue.Text, issue.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert issue: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if n == 1 {
		return issue, false, nil
	}

	existing, err := is.findBy("idempotency_key", key)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("issue %q vanished after conflicting insert", key)
	}
	return existing, true, nil
}

// FindByID finds an issue by id
func (is *issueService) FindByID(id string) (*lettermill.Issue, error) {
	return is.findBy("id", id)
}

func (is *issueService) findBy(column, value string) (*lettermill.Issue, error) {
	var (
		issue       lettermill.Issue
		completedAt sql.NullTime
	)
	err := is.db.sqlDB.QueryRow(
		`SELECT id, idempotency_key, title, html_body, text_body, created_at, completed_at
		 FROM newsletter_issues WHERE `+column+` = ?`, value).
		Scan(&issue.ID, &issue.IdempotencyKey, &issue.Title, &issue.HTML, &issue.Text, &issue.CreatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find issue by %s: %w", column, err)
	}
	if completedAt.Valid {
		t := completedAt.Time
		issue.CompletedAt = &t
	}
	return &issue, nil
}

// ReserveDelivery claims the (issue, subscriber) pair. A false return means
// another attempt already holds (or held) it; the caller inspects the record
// to decide between skipping and reclaiming.
func (is *issueService) ReserveDelivery(issueID, subscriberID string) (bool, error) {
	res, err := is.db.sqlDB.Exec(
		`INSERT INTO delivery_records (issue_id, subscriber_id, outcome, reserved_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (issue_id, subscriber_id) DO NOTHING`,
		issueID, subscriberID, lettermill.DeliveryReserved, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to reserve delivery: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// FindDelivery returns the record for the (issue, subscriber) pair, or nil.
func (is *issueService) FindDelivery(issueID, subscriberID string) (*lettermill.DeliveryRecord, error) {
	var (
		record      lettermill.DeliveryRecord
		deliveredAt sql.NullTime
	)
	err := is.db.sqlDB.QueryRow(
		`SELECT issue_id, subscriber_id, outcome, reason, reserved_at, delivered_at
		 FROM delivery_records WHERE issue_id = ? AND subscriber_id = ?`,
		issueID, subscriberID).
		Scan(&record.IssueID, &record.SubscriberID, &record.Outcome, &record.Reason, &record.ReservedAt, &deliveredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find delivery record: %w", err)
	}
	record.Key = lettermill.DeliveryKey(issueID, subscriberID)
	if deliveredAt.Valid {
		t := deliveredAt.Time
		record.DeliveredAt = &t
	}
	return &record, nil
}

// ReclaimDelivery takes over a reservation left behind by a crashed attempt.
// The conditional update only succeeds while the record is still reserved and
// old enough, so exactly one of N concurrent reclaimers wins.
func (is *issueService) ReclaimDelivery(issueID, subscriberID string, staleBefore time.Time) (bool, error) {
	res, err := is.db.sqlDB.Exec(
		`UPDATE delivery_records SET reserved_at = ?
		 WHERE issue_id = ? AND subscriber_id = ? AND outcome = ? AND reserved_at <= ?`,
		time.Now().UTC(), issueID, subscriberID, lettermill.DeliveryReserved, staleBefore)
	if err != nil {
		return false, fmt.Errorf("failed to reclaim delivery: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
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
	res, err := is.db.sqlDB.Exec(
		`UPDATE delivery_records SET outcome = ?, reason = ?, delivered_at = ?
		 WHERE issue_id = ? AND subscriber_id = ? AND outcome = ?`,
		outcome, reason, time.Now().UTC(), issueID, subscriberID, lettermill.DeliveryReserved)
	if err != nil {
		return fmt.Errorf("failed to settle delivery: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &lettermill.Error{Code: lettermill.ErrConflict, Op: "settle", Message: "delivery record is not reserved"}
	}
	return nil
}

// ReleaseDelivery rolls back a reservation after a transient send failure so
// a later retry of the publish can re-attempt the recipient.
func (is *issueService) ReleaseDelivery(issueID, subscriberID string) error {
	_, err := is.db.sqlDB.Exec(
		`DELETE FROM delivery_records WHERE issue_id = ? AND subscriber_id = ? AND outcome = ?`,
		issueID, subscriberID, lettermill.DeliveryReserved)
	if err != nil {
		return fmt.Errorf("failed to release delivery: %w", err)
	}
	return nil
}

// MarkCompleted stamps the issue once every confirmed subscriber holds a
// terminal record. Idempotent: the first stamp wins. Refuses while any record
// of the issue is still reserved, so the issue stays visible to resume sweeps.
func (is *issueService) MarkCompleted(issueID string) error {
	res, err := is.db.sqlDB.Exec(
		`UPDATE newsletter_issues SET completed_at = ?
		 WHERE id = ? AND completed_at IS NULL
		   AND NOT EXISTS (SELECT 1 FROM delivery_records WHERE issue_id = ? AND outcome = ?)`,
		time.Now().UTC(), issueID, issueID, lettermill.DeliveryReserved)
	if err != nil {
		return fmt.Errorf("failed to mark issue completed: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	issue, err := is.findBy("id", issueID)
	if err != nil {
		return err
	}
	if issue == nil {
		return &lettermill.Error{Code: lettermill.ErrNotFound, Op: "MarkCompleted", Message: "issue not found"}
	}
	if issue.CompletedAt == nil {
		return &lettermill.Error{Code: lettermill.ErrUnavailable, Op: "MarkCompleted", Message: "issue still has reserved deliveries"}
	}
	return nil
}

// ListIncomplete returns issues whose fan-out has not converged, oldest first.
func (is *issueService) ListIncomplete() ([]lettermill.Issue, error) {
	rows, err := is.db.sqlDB.Query(
		`SELECT id, idempotency_key, title, html_body, text_body, created_at
		 FROM newsletter_issues WHERE completed_at IS NULL ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list incomplete issues: %w", err)
	}
	defer rows.Close()

	var issues []lettermill.Issue
	for rows.Next() {
		var issue lettermill.Issue
		if err := rows.Scan(&issue.ID, &issue.IdempotencyKey, &issue.Title, &issue.HTML, &issue.Text, &issue.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		issues = append(issues, issue)
	}

	return issues, rows.Err()
}
