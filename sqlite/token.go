package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lettermill/lettermill"
	"github.com/lettermill/lettermill/pkg/hash"
)

type tokenService struct {
	db     *DB
	secret string
	ttl    time.Duration
}

// NewTokenService returns a token service storing keyed digests of issued
// tokens. The raw token never touches the database.
func NewTokenService(db *DB, secret string, ttl time.Duration) lettermill.TokenService {
	return &tokenService{
		db:     db,
		secret: secret,
		ttl:    ttl,
	}
}

// Issue mints a fresh token for the subscriber. Earlier tokens stay live:
// re-requesting a confirmation email must not invalidate the link already
// sitting in the subscriber's inbox.
func (ts *tokenService) Issue(subscriberID string) (string, error) {
	token, err := lettermill.GenerateToken()
	if err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}

	digest, err := hash.ComputeHmac256(token, ts.secret)
	if err != nil {
		return "", err
	}

	_, err = ts.db.sqlDB.Exec(
		`INSERT INTO confirmation_tokens (digest, subscriber_id, issued_at) VALUES (?, ?, ?)`,
		digest, subscriberID, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to insert token: %w", err)
	}

	return token, nil
}

// Redeem consumes a token. The conditional update is the arbiter between
// concurrent redemptions: exactly one caller flips redeemed_at, the rest
// observe ErrTokenAlreadyUsed.
func (ts *tokenService) Redeem(token string) (string, error) {
	digest, err := hash.ComputeHmac256(token, ts.secret)
	if err != nil {
		return "", err
	}

	var (
		subscriberID string
		issuedAt     time.Time
		redeemedAt   sql.NullTime
	)
	err = ts.db.sqlDB.QueryRow(
		`SELECT subscriber_id, issued_at, redeemed_at FROM confirmation_tokens WHERE digest = ?`, digest).
		Scan(&subscriberID, &issuedAt, &redeemedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", lettermill.ErrTokenInvalid
	}
	if err != nil {
		return "", fmt.Errorf("failed to find token: %w", err)
	}

	if redeemedAt.Valid {
		return "", lettermill.ErrTokenAlreadyUsed
	}
	if time.Since(issuedAt) > ts.ttl {
		return "", lettermill.ErrTokenExpired
	}

	res, err := ts.db.sqlDB.Exec(
		`UPDATE confirmation_tokens SET redeemed_at = ? WHERE digest = ? AND redeemed_at IS NULL`,
		time.Now().UTC(), digest)
	if err != nil {
		return "", fmt.Errorf("failed to redeem token: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", lettermill.ErrTokenAlreadyUsed
	}

	return subscriberID, nil
}
