package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	tmock "github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/lettermill/lettermill"
	"github.com/lettermill/lettermill/delivery"
	"github.com/lettermill/lettermill/mock"
)

const (
	adminUsername = "operator"
	adminPassword = "hunter2"
)

var s *Server

func TestMain(m *testing.M) {
	var err error
	s, err = NewServer()
	if err != nil {
		log.Fatal(err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(adminPassword), bcrypt.MinCost)
	if err != nil {
		log.Fatal(err)
	}
	s.AdminUsername = adminUsername
	s.AdminPasswordHash = string(hash)

	os.Exit(m.Run())
}

func postSubscription(email, name string) *httptest.ResponseRecorder {
	form := url.Values{}
	form.Set("email", email)
	form.Set("name", name)

	req := httptest.NewRequest(http.MethodPost, "/subscriptions", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestSubscriptionsHandler(t *testing.T) {
	email := "ursula@example.com"
	name := "Le Guin"
	subscriber := lettermill.NewSubscriber(email, name)
	token := "a-token"

	subscriptionService := new(mock.SubscriptionService)
	subscriptionService.On("CreateOrGetPending", email, name).Return(subscriber, true, nil)

	tokenService := new(mock.TokenService)
	tokenService.On("Issue", subscriber.ID).Return(token, nil)

	newsletterService := new(mock.NewsletterService)
	newsletterService.On("SendConfirmationEmail", email, token).Return(nil)

	s.SubscriptionService = subscriptionService
	s.TokenService = tokenService
	s.NewsletterService = newsletterService

	w := postSubscription(email, name)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp *lettermill.SubscriptionResponse
	require.NoError(t, json.NewDecoder(w.Result().Body).Decode(&resp))
	assert.Equal(t, fmt.Sprintf(confirmationMessage, email), resp.Message)

	newsletterService.AssertExpectations(t)
	tokenService.AssertExpectations(t)
}

func TestSubscriptionsHandlerReissuesTokenWhilePending(t *testing.T) {
	email := "ursula@example.com"
	name := "Le Guin"
	subscriber := lettermill.NewSubscriber(email, name)
	token := "a-fresh-token"

	subscriptionService := new(mock.SubscriptionService)
	subscriptionService.On("CreateOrGetPending", email, name).Return(subscriber, false, nil)

	tokenService := new(mock.TokenService)
	tokenService.On("Issue", subscriber.ID).Return(token, nil)

	newsletterService := new(mock.NewsletterService)
	newsletterService.On("SendConfirmationEmail", email, token).Return(nil)

	s.SubscriptionService = subscriptionService
	s.TokenService = tokenService
	s.NewsletterService = newsletterService

	w := postSubscription(email, name)

	assert.Equal(t, http.StatusOK, w.Code)
	newsletterService.AssertExpectations(t)
}

func TestSubscriptionsHandlerAlreadyConfirmed(t *testing.T) {
	email := "ursula@example.com"
	subscriber := lettermill.NewSubscriber(email, "Le Guin")
	subscriber.Status = lettermill.StatusConfirmed

	subscriptionService := new(mock.SubscriptionService)
	subscriptionService.On("CreateOrGetPending", email, "Le Guin").Return(subscriber, false, nil)

	tokenService := new(mock.TokenService)
	newsletterService := new(mock.NewsletterService)

	s.SubscriptionService = subscriptionService
	s.TokenService = tokenService
	s.NewsletterService = newsletterService

	w := postSubscription(email, "Le Guin")

	assert.Equal(t, http.StatusOK, w.Code)
	var resp *lettermill.SubscriptionResponse
	require.NoError(t, json.NewDecoder(w.Result().Body).Decode(&resp))
	assert.Equal(t, alreadySubscribedMessage, resp.Message)

	tokenService.AssertNotCalled(t, "Issue", tmock.Anything)
	newsletterService.AssertNotCalled(t, "SendConfirmationEmail", tmock.Anything, tmock.Anything)
}

func TestSubscriptionsHandlerInvalidInput(t *testing.T) {
	testCases := []struct {
		name     string
		email    string
		formName string
	}{
		{"malformed email", "definitely-not-an-email", "Le Guin"},
		{"empty email", "", "Le Guin"},
		{"empty name", "ursula@example.com", ""},
		{"hostile name", "ursula@example.com", `<script>`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := postSubscription(tc.email, tc.formName)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestSubscriptionsHandlerTransientSendFailure(t *testing.T) {
	email := "ursula@example.com"
	subscriber := lettermill.NewSubscriber(email, "Le Guin")

	subscriptionService := new(mock.SubscriptionService)
	subscriptionService.On("CreateOrGetPending", email, "Le Guin").Return(subscriber, true, nil)

	tokenService := new(mock.TokenService)
	tokenService.On("Issue", subscriber.ID).Return("a-token", nil)

	newsletterService := new(mock.NewsletterService)
	newsletterService.On("SendConfirmationEmail", email, "a-token").
		Return(&lettermill.SendError{Permanent: false, Err: fmt.Errorf("connection refused")})

	s.SubscriptionService = subscriptionService
	s.TokenService = tokenService
	s.NewsletterService = newsletterService

	w := postSubscription(email, "Le Guin")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestConfirmHandler(t *testing.T) {
	token := "a-token"
	subscriberID := "subscriber-1"

	tokenService := new(mock.TokenService)
	tokenService.On("Redeem", token).Return(subscriberID, nil)

	subscriptionService := new(mock.SubscriptionService)
	subscriptionService.On("MarkConfirmed", subscriberID).Return(nil)

	s.TokenService = tokenService
	s.SubscriptionService = subscriptionService

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/subscriptions/confirm?token=%s", token), nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp *lettermill.SubscriptionResponse
	require.NoError(t, json.NewDecoder(w.Result().Body).Decode(&resp))
	assert.Equal(t, thankyouMessage, resp.Message)

	subscriptionService.AssertExpectations(t)
}

func TestConfirmHandlerMissingToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/subscriptions/confirm", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestConfirmHandlerRejectedToken(t *testing.T) {
	testCases := []struct {
		name string
		err  error
	}{
		{"invalid", lettermill.ErrTokenInvalid},
		{"expired", lettermill.ErrTokenExpired},
		{"already used", lettermill.ErrTokenAlreadyUsed},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tokenService := new(mock.TokenService)
			tokenService.On("Redeem", "a-token").Return("", tc.err)

			subscriptionService := new(mock.SubscriptionService)

			s.TokenService = tokenService
			s.SubscriptionService = subscriptionService

			req := httptest.NewRequest(http.MethodGet, "/subscriptions/confirm?token=a-token", nil)
			w := httptest.NewRecorder()
			s.router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			subscriptionService.AssertNotCalled(t, "MarkConfirmed", tmock.Anything)
		})
	}
}

func newsletterBody(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"title": "Issue #1",
		"content": map[string]string{
			"text": "Newsletter body as plain text",
			"html": "<p>Newsletter body as HTML</p>",
		},
	})
	require.NoError(t, err)
	return body
}

func TestPublishNewsletterHandler(t *testing.T) {
	issue := &lettermill.Issue{ID: "issue-1", IdempotencyKey: "2024-w1", Title: "Issue #1"}

	issueService := new(mock.IssueService)
	issueService.On("GetOrCreate", "2024-w1", "Issue #1", "<p>Newsletter body as HTML</p>", "Newsletter body as plain text").
		Return(issue, false, nil)

	publisher := new(mock.Publisher)
	publisher.On("Deliver", tmock.Anything, issue).Return(&delivery.Report{Delivered: 3}, nil)

	s.IssueService = issueService
	s.Publisher = publisher

	req := httptest.NewRequest(http.MethodPost, "/newsletters", bytes.NewReader(newsletterBody(t)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", "2024-w1")
	req.SetBasicAuth(adminUsername, adminPassword)

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp *PublishResponse
	require.NoError(t, json.NewDecoder(w.Result().Body).Decode(&resp))
	assert.Equal(t, int64(3), resp.Report.Delivered)

	issueService.AssertExpectations(t)
	publisher.AssertExpectations(t)
}

func TestPublishNewsletterHandlerMissingAuthorization(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/newsletters", bytes.NewReader(newsletterBody(t)))
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, `Basic realm="publish"`, w.Header().Get("WWW-Authenticate"))
}

func TestPublishNewsletterHandlerWrongPassword(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/newsletters", bytes.NewReader(newsletterBody(t)))
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(adminUsername, "not-the-password")

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, `Basic realm="publish"`, w.Header().Get("WWW-Authenticate"))
}

func TestPublishNewsletterHandlerInvalidData(t *testing.T) {
	testCases := []struct {
		name string
		body map[string]interface{}
	}{
		{
			"missing title",
			map[string]interface{}{
				"content": map[string]string{
					"text": "Newsletter body as plain text",
					"html": "<p>Newsletter body as HTML</p>",
				},
			},
		},
		{
			"missing content",
			map[string]interface{}{"title": "Newsletter!"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			body, err := json.Marshal(tc.body)
			require.NoError(t, err)

			req := httptest.NewRequest(http.MethodPost, "/newsletters", bytes.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Idempotency-Key", "2024-w1")
			req.SetBasicAuth(adminUsername, adminPassword)

			w := httptest.NewRecorder()
			s.router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestPublishNewsletterHandlerMissingIdempotencyKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/newsletters", bytes.NewReader(newsletterBody(t)))
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(adminUsername, adminPassword)

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPublishNewsletterHandlerIncompleteDelivery(t *testing.T) {
	issue := &lettermill.Issue{ID: "issue-2", IdempotencyKey: "2024-w2", Title: "Issue #1"}

	issueService := new(mock.IssueService)
	issueService.On("GetOrCreate", "2024-w2", "Issue #1", "<p>Newsletter body as HTML</p>", "Newsletter body as plain text").
		Return(issue, true, nil)

	publisher := new(mock.Publisher)
	publisher.On("Deliver", tmock.Anything, issue).
		Return(&delivery.Report{Deferred: 1}, &lettermill.Error{Code: lettermill.ErrUnavailable, Message: "deferred"})

	s.IssueService = issueService
	s.Publisher = publisher

	req := httptest.NewRequest(http.MethodPost, "/newsletters", bytes.NewReader(newsletterBody(t)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", "2024-w2")
	req.SetBasicAuth(adminUsername, adminPassword)

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
