package mock

import (
	"github.com/stretchr/testify/mock"
)

type NewsletterService struct {
	mock.Mock
}

func (m *NewsletterService) SendConfirmationEmail(to, token string) error {
	args := m.Called(to, token)
	return args.Error(0)
}

func (m *NewsletterService) SendIssue(to, subject, html, text string) error {
	args := m.Called(to, subject, html, text)
	return args.Error(0)
}

func (m *NewsletterService) Stop() error {
	args := m.Called()
	return args.Error(0)
}
