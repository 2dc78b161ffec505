package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/hlog"

	"github.com/lettermill/lettermill"
)

const (
	confirmationMessage      = "A confirmation email has been sent to %s. Click the link in the email to confirm and activate your subscription. Check your spam folder if you don't see it within a couple of minutes."
	thankyouMessage          = "Thank you for subscribing to this newsletter."
	alreadySubscribedMessage = "You had been subscribed to this newsletter already."
)

// subscriptionsHandler runs the subscribe workflow: validate, create or
// fetch the pending subscriber, mint a token, email the confirmation link.
// A duplicate pending submission re-issues a token against the existing row
// instead of failing.
func (s *Server) subscriptionsHandler(w http.ResponseWriter, r *http.Request) error {
	if err := r.ParseForm(); err != nil {
		return NewError(err, http.StatusBadRequest, "cannot parse form data")
	}
	email := r.PostFormValue("email")
	name := r.PostFormValue("name")

	if err := lettermill.ValidateEmail(email); err != nil {
		return NewError(err, http.StatusBadRequest, lettermill.ErrorMessage(err))
	}
	if err := lettermill.ValidateName(name); err != nil {
		return NewError(err, http.StatusBadRequest, lettermill.ErrorMessage(err))
	}

	logger := hlog.FromRequest(r)

	subscriber, isNew, err := s.SubscriptionService.CreateOrGetPending(email, name)
	if err != nil {
		return err
	}

	resp := new(lettermill.SubscriptionResponse)
	if subscriber.Status == lettermill.StatusConfirmed {
		resp.Message = alreadySubscribedMessage
		writeJSONResponse(w, http.StatusOK, resp)
		return nil
	}

	logger.Info().Bool("new", isNew).Str("subscriber", subscriber.ID).Msg("Issuing confirmation token")
	token, err := s.TokenService.Issue(subscriber.ID)
	if err != nil {
		return err
	}

	logger.Info().Msg("Sending confirmation email")
	if err := s.NewsletterService.SendConfirmationEmail(email, token); err != nil {
		if lettermill.IsPermanentSendError(err) {
			return NewError(err, http.StatusBadRequest, fmt.Sprintf("The address %s was rejected by the mail server.", email))
		}
		return NewError(err, http.StatusServiceUnavailable, "Could not send the confirmation email. Please try again.")
	}

	resp.Message = fmt.Sprintf(confirmationMessage, email)
	writeJSONResponse(w, http.StatusOK, resp)

	return nil
}

// confirmHandler redeems the emailed token and flips the subscriber to
// confirmed. Any token rejection leaves the subscriber untouched.
func (s *Server) confirmHandler(w http.ResponseWriter, r *http.Request) error {
	token := r.URL.Query().Get("token")
	if len(token) == 0 {
		return NewError(nil, http.StatusBadRequest, "token is not present")
	}

	subscriberID, err := s.TokenService.Redeem(token)
	if err != nil {
		switch {
		case errors.Is(err, lettermill.ErrTokenInvalid),
			errors.Is(err, lettermill.ErrTokenExpired),
			errors.Is(err, lettermill.ErrTokenAlreadyUsed):
			return NewError(err, http.StatusUnauthorized, err.Error())
		}
		return err
	}

	if err := s.SubscriptionService.MarkConfirmed(subscriberID); err != nil {
		if lettermill.ErrorCode(err) == lettermill.ErrConflict {
			return NewError(err, http.StatusConflict, lettermill.ErrorMessage(err))
		}
		return err
	}

	writeJSONResponse(w, http.StatusOK, &lettermill.SubscriptionResponse{
		Message: thankyouMessage,
	})

	return nil
}

func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	//nolint:errcheck
	json.NewEncoder(w).Encode(response)
}
