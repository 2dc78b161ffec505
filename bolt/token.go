package bolt

import (
	"time"

	"github.com/asdine/storm/v3"
	"github.com/go-errors/errors"

	"github.com/lettermill/lettermill"
	"github.com/lettermill/lettermill/pkg/hash"
)

type tokenService struct {
	db     *DB
	secret string
	ttl    time.Duration
}

// NewTokenService returns a token service storing keyed digests of issued tokens.
func NewTokenService(db *DB, secret string, ttl time.Duration) lettermill.TokenService {
	return &tokenService{
		db:     db,
		secret: secret,
		ttl:    ttl,
	}
}

// Issue mints a fresh token; earlier tokens for the subscriber stay live.
func (ts *tokenService) Issue(subscriberID string) (string, error) {
	token, err := lettermill.GenerateToken()
	if err != nil {
		return "", errors.Errorf("failed to generate token: %v", err)
	}

	digest, err := hash.ComputeHmac256(token, ts.secret)
	if err != nil {
		return "", err
	}

	ct := &lettermill.ConfirmationToken{
		Digest:       digest,
		SubscriberID: subscriberID,
		IssuedAt:     time.Now().UTC(),
	}
	if err := ts.db.stormDB.Save(ct); err != nil {
		return "", errors.Errorf("failed to save token: %v", err)
	}

	return token, nil
}

// Redeem consumes a token inside one write transaction; the single-writer
// guarantee of bbolt makes the read-check-write atomic.
func (ts *tokenService) Redeem(token string) (string, error) {
	digest, err := hash.ComputeHmac256(token, ts.secret)
	if err != nil {
		return "", err
	}

	tx, err := ts.db.stormDB.Begin(true)
	if err != nil {
		return "", errors.Errorf("failed to begin transaction: %v", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var ct lettermill.ConfirmationToken
	if err := tx.One("Digest", digest, &ct); err != nil {
		if err == storm.ErrNotFound {
			return "", lettermill.ErrTokenInvalid
		}
		return "", errors.Errorf("failed to find token: %v", err)
	}

	if ct.RedeemedAt != nil {
		return "", lettermill.ErrTokenAlreadyUsed
	}
	if time.Since(ct.IssuedAt) > ts.ttl {
		return "", lettermill.ErrTokenExpired
	}

	now := time.Now().UTC()
	ct.RedeemedAt = &now
	if err := tx.Save(&ct); err != nil {
		return "", errors.Errorf("failed to save token: %v", err)
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return ct.SubscriberID, nil
}
