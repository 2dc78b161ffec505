package mock

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/lettermill/lettermill"
	"github.com/lettermill/lettermill/delivery"
)

type IssueService struct {
	mock.Mock
}

func (m *IssueService) GetOrCreate(key, title, html, text string) (*lettermill.Issue, bool, error) {
	args := m.Called(key, title, html, text)
	var issue *lettermill.Issue
	if v := args.Get(0); v != nil {
		issue = v.(*lettermill.Issue)
	}
	return issue, args.Bool(1), args.Error(2)
}

func (m *IssueService) FindByID(id string) (*lettermill.Issue, error) {
	args := m.Called(id)
	var issue *lettermill.Issue
	if v := args.Get(0); v != nil {
		issue = v.(*lettermill.Issue)
	}
	return issue, args.Error(1)
}

func (m *IssueService) ReserveDelivery(issueID, subscriberID string) (bool, error) {
	args := m.Called(issueID, subscriberID)
	return args.Bool(0), args.Error(1)
}

func (m *IssueService) FindDelivery(issueID, subscriberID string) (*lettermill.DeliveryRecord, error) {
	args := m.Called(issueID, subscriberID)
	var record *lettermill.DeliveryRecord
	if v := args.Get(0); v != nil {
		record = v.(*lettermill.DeliveryRecord)
	}
	return record, args.Error(1)
}

func (m *IssueService) ReclaimDelivery(issueID, subscriberID string, staleBefore time.Time) (bool, error) {
	args := m.Called(issueID, subscriberID, staleBefore)
	return args.Bool(0), args.Error(1)
}

func (m *IssueService) MarkDelivered(issueID, subscriberID string) error {
	args := m.Called(issueID, subscriberID)
	return args.Error(0)
}

func (m *IssueService) MarkFailed(issueID, subscriberID, reason string) error {
	args := m.Called(issueID, subscriberID, reason)
	return args.Error(0)
}

func (m *IssueService) ReleaseDelivery(issueID, subscriberID string) error {
	args := m.Called(issueID, subscriberID)
	return args.Error(0)
}

func (m *IssueService) MarkCompleted(issueID string) error {
	args := m.Called(issueID)
	return args.Error(0)
}

func (m *IssueService) ListIncomplete() ([]lettermill.Issue, error) {
	args := m.Called()
	var issues []lettermill.Issue
	if v := args.Get(0); v != nil {
		issues = v.([]lettermill.Issue)
	}
	return issues, args.Error(1)
}

type Publisher struct {
	mock.Mock
}

func (m *Publisher) Deliver(ctx context.Context, issue *lettermill.Issue) (*delivery.Report, error) {
	args := m.Called(ctx, issue)
	var report *delivery.Report
	if v := args.Get(0); v != nil {
		report = v.(*delivery.Report)
	}
	return report, args.Error(1)
}
