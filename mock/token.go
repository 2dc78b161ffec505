package mock

import (
	"github.com/stretchr/testify/mock"
)

type TokenService struct {
	mock.Mock
}

func (m *TokenService) Issue(subscriberID string) (string, error) {
	args := m.Called(subscriberID)
	return args.String(0), args.Error(1)
}

func (m *TokenService) Redeem(token string) (string, error) {
	args := m.Called(token)
	return args.String(0), args.Error(1)
}
