// Package mock provides testify mocks for the service contracts.
package mock

import (
	"github.com/stretchr/testify/mock"

	"github.com/lettermill/lettermill"
)

type SubscriptionService struct {
	mock.Mock
}

func (m *SubscriptionService) CreateOrGetPending(email, name string) (*lettermill.Subscriber, bool, error) {
	args := m.Called(email, name)
	var s *lettermill.Subscriber
	if v := args.Get(0); v != nil {
		s = v.(*lettermill.Subscriber)
	}
	return s, args.Bool(1), args.Error(2)
}

func (m *SubscriptionService) FindByEmail(email string) (*lettermill.Subscriber, error) {
	args := m.Called(email)
	var s *lettermill.Subscriber
	if v := args.Get(0); v != nil {
		s = v.(*lettermill.Subscriber)
	}
	return s, args.Error(1)
}

func (m *SubscriptionService) MarkConfirmed(id string) error {
	args := m.Called(id)
	return args.Error(0)
}

func (m *SubscriptionService) ForEachConfirmed(fn func(lettermill.Subscriber) error) error {
	args := m.Called(fn)
	if subscribers, ok := args.Get(0).([]lettermill.Subscriber); ok {
		for _, s := range subscribers {
			if err := fn(s); err != nil {
				return err
			}
		}
	}
	return args.Error(1)
}
