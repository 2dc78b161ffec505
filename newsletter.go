package lettermill

import (
	"errors"
	"time"
)

// Issue represents one newsletter broadcast, identified by a caller-supplied
// idempotency key. Immutable after creation; CompletedAt is set once every
// confirmed subscriber holds a terminal delivery record.
type Issue struct {
	ID             string `storm:"id"`
	IdempotencyKey string `storm:"unique"`
	Title          string
	HTML           string
	Text           string
	CreatedAt      time.Time
	CompletedAt    *time.Time
}

// Delivery record outcomes
const (
	DeliveryReserved  = "reserved"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)

// DeliveryRecord is the durable proof that an issue was (or was not) sent to
// a subscriber. The (issue, subscriber) pair is unique; reserving it is what
// makes fan-out safe under retry and crash-resume.
type DeliveryRecord struct {
	Key          string `storm:"id"`
	IssueID      string `storm:"index"`
	SubscriberID string
	Outcome      string
	Reason       string
	ReservedAt   time.Time
	DeliveredAt  *time.Time
}

// DeliveryKey builds the composite key for a (issue, subscriber) pair.
func DeliveryKey(issueID, subscriberID string) string {
	return issueID + "/" + subscriberID
}

// IssueService tracks newsletter issues and per-recipient delivery records.
// GetOrCreate, ReserveDelivery and ReclaimDelivery are atomic: two concurrent
// identical calls never both succeed. ReclaimDelivery takes over a record
// still reserved at or before staleBefore, so a crashed attempt's claim can
// be re-driven; MarkCompleted refuses to stamp an issue while any of its
// records is still reserved.
type IssueService interface {
	GetOrCreate(key, title, html, text string) (issue *Issue, wasExisting bool, err error)
	FindByID(id string) (*Issue, error)
	ReserveDelivery(issueID, subscriberID string) (reserved bool, err error)
	FindDelivery(issueID, subscriberID string) (*DeliveryRecord, error)
	ReclaimDelivery(issueID, subscriberID string, staleBefore time.Time) (reclaimed bool, err error)
	MarkDelivered(issueID, subscriberID string) error
	MarkFailed(issueID, subscriberID, reason string) error
	ReleaseDelivery(issueID, subscriberID string) error
	MarkCompleted(issueID string) error
	ListIncomplete() ([]Issue, error)
}

// NewsletterService is the interface that wraps the outbound email capability
type NewsletterService interface {
	SendConfirmationEmail(to, token string) error
	SendIssue(to, subject, html, text string) error
	Stop() error
}

// SendError classifies an email-send failure. Permanent means retrying the
// same recipient will not succeed (bad address); everything else is safe to
// retry later.
type SendError struct {
	Permanent bool
	Err       error
}

func (e *SendError) Error() string {
	if e.Permanent {
		return "permanent send failure: " + e.Err.Error()
	}
	return "transient send failure: " + e.Err.Error()
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// IsPermanentSendError reports whether err is a send failure that retrying
// cannot fix.
func IsPermanentSendError(err error) bool {
	var se *SendError
	return errors.As(err, &se) && se.Permanent
}

// PublishRequest is the payload accepted by the HTTP and queue ingresses.
type PublishRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	Title          string `json:"title"`
	Content        struct {
		Text string `json:"text"`
		HTML string `json:"html"`
	} `json:"content"`
}

// Validate reports the first missing field, if any.
func (r *PublishRequest) Validate() error {
	switch {
	case r.Title == "":
		return &Error{Code: ErrInvalid, Message: "title is required"}
	case r.Content.Text == "":
		return &Error{Code: ErrInvalid, Message: "content.text is required"}
	case r.Content.HTML == "":
		return &Error{Code: ErrInvalid, Message: "content.html is required"}
	}
	return nil
}
