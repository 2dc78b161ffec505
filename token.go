package lettermill

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"
)

// Token redemption failures. The subscriber's state is never touched on any of these.
var (
	ErrTokenInvalid     = errors.New("confirmation token is not recognized")
	ErrTokenExpired     = errors.New("confirmation token has expired")
	ErrTokenAlreadyUsed = errors.New("confirmation token has already been used")
)

// TokenService issues and redeems single-use confirmation tokens.
// Redeem is atomic: of any number of concurrent attempts with the same
// token, exactly one succeeds and the rest observe ErrTokenAlreadyUsed.
type TokenService interface {
	Issue(subscriberID string) (string, error)
	Redeem(token string) (subscriberID string, err error)
}

// ConfirmationToken is the stored form of an issued token. Only the keyed
// digest is persisted; the raw token exists nowhere but the email.
type ConfirmationToken struct {
	Digest       string `storm:"id"`
	SubscriberID string `storm:"index"`
	IssuedAt     time.Time
	RedeemedAt   *time.Time
}

const tokenBytes = 32

// GenerateToken mints a URL-safe token with 256 bits of entropy.
func GenerateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
