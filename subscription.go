package lettermill

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	uuid "github.com/satori/go.uuid"
)

// SubscriptionService is the interface that wraps methods related to subscriber lifecycle
type SubscriptionService interface {
	CreateOrGetPending(email, name string) (s *Subscriber, isNew bool, err error)
	FindByEmail(email string) (*Subscriber, error)
	MarkConfirmed(id string) error
	ForEachConfirmed(fn func(Subscriber) error) error
}

// Subscriber represents one mailing-list recipient and its confirmation lifecycle
type Subscriber struct {
	ID        string `storm:"id"`
	Email     string `storm:"unique"`
	Name      string
	Status    string `storm:"index"`
	CreatedAt time.Time
}

// Subscriber status
const (
	StatusPendingConfirmation = "pending_confirmation"
	StatusConfirmed           = "confirmed"
)

// NewSubscriber returns a new pending subscriber
func NewSubscriber(email, name string) *Subscriber {
	return &Subscriber{
		ID:        uuid.NewV4().String(),
		Email:     email,
		Name:      name,
		Status:    StatusPendingConfirmation,
		CreatedAt: time.Now().UTC(),
	}
}

const maxEmailLength = 254

// ValidateEmail rejects a malformed address before anything is written.
func ValidateEmail(email string) error {
	if strings.TrimSpace(email) == "" {
		return &Error{Code: ErrInvalid, Message: "email is required"}
	}
	if len(email) > maxEmailLength {
		return &Error{Code: ErrInvalid, Message: fmt.Sprintf("email exceeds %d characters", maxEmailLength)}
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return &Error{Code: ErrInvalid, Message: fmt.Sprintf("%q is not a valid email address", email)}
	}
	return nil
}

const maxNameLength = 256

// ValidateName rejects an empty or hostile display name.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return &Error{Code: ErrInvalid, Message: "name is required"}
	}
	if len(name) > maxNameLength {
		return &Error{Code: ErrInvalid, Message: fmt.Sprintf("name exceeds %d characters", maxNameLength)}
	}
	if strings.ContainsAny(name, `/(){}"<>\`) {
		return &Error{Code: ErrInvalid, Message: "name contains forbidden characters"}
	}
	return nil
}

type SubscriptionResponse struct {
	Message string `json:"message"`
}
