package http

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/hlog"
	"golang.org/x/crypto/bcrypt"

	"github.com/lettermill/lettermill"
	"github.com/lettermill/lettermill/delivery"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"
	authChallenge        = `Basic realm="publish"`

	publishedMessage = "The newsletter issue has been delivered to all confirmed subscribers."
)

type PublishResponse struct {
	Message string           `json:"message"`
	Report  *delivery.Report `json:"report"`
}

// publishNewsletterHandler accepts a broadcast request from the operator,
// records it under its idempotency key and fans it out. A retried request
// with the same key resumes the existing issue instead of re-sending.
func (s *Server) publishNewsletterHandler(w http.ResponseWriter, r *http.Request) error {
	if err := s.authenticate(r); err != nil {
		return err
	}

	var req *lettermill.PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req == nil {
		return NewError(err, http.StatusBadRequest, "cannot parse request body")
	}

	key := r.Header.Get(idempotencyKeyHeader)
	if key == "" {
		key = req.IdempotencyKey
	}
	if key == "" {
		return NewError(nil, http.StatusBadRequest, "idempotency key is required")
	}

	if err := req.Validate(); err != nil {
		return NewError(err, http.StatusBadRequest, lettermill.ErrorMessage(err))
	}

	logger := hlog.FromRequest(r)

	issue, wasExisting, err := s.IssueService.GetOrCreate(key, req.Title, req.Content.HTML, req.Content.Text)
	if err != nil {
		return err
	}
	if wasExisting {
		logger.Info().Str("issue", issue.ID).Str("key", key).Msg("Issue already recorded, resuming delivery")
	}

	report, err := s.Publisher.Deliver(r.Context(), issue)
	if err != nil {
		if lettermill.ErrorCode(err) == lettermill.ErrUnavailable {
			return NewError(err, http.StatusServiceUnavailable, "Delivery is incomplete. Retry with the same idempotency key.")
		}
		return err
	}

	writeJSONResponse(w, http.StatusOK, &PublishResponse{
		Message: publishedMessage,
		Report:  report,
	})

	return nil
}

// authenticate verifies the operator credential from Basic auth. Absent or
// wrong credentials get a 401 carrying the Basic challenge.
func (s *Server) authenticate(r *http.Request) error {
	username, password, ok := r.BasicAuth()
	if !ok {
		return s.authError("credentials are missing")
	}

	usernameMatch := subtle.ConstantTimeCompare([]byte(username), []byte(s.AdminUsername)) == 1
	passwordErr := bcrypt.CompareHashAndPassword([]byte(s.AdminPasswordHash), []byte(password))
	if !usernameMatch || passwordErr != nil {
		return s.authError("invalid credentials")
	}

	return nil
}

func (s *Server) authError(message string) error {
	return &Error{
		Message: message,
		Status:  http.StatusUnauthorized,
		Header: map[string]string{
			"WWW-Authenticate": authChallenge,
		},
	}
}
