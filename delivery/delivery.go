// Package delivery fans one newsletter issue out to every confirmed
// subscriber. Per-recipient delivery records make the fan-out idempotent:
// a retried or resumed publish converges without double-sending.
package delivery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"

	"github.com/lettermill/lettermill"
)

// staleReservationAge is how long a reservation may sit unsettled before a
// retry or resume pass treats its owner as dead and reclaims it. Reclaiming
// re-sends, so the window has to outlast any plausible in-flight SMTP call.
const staleReservationAge = 5 * time.Minute

// Dispatcher drives the fan-out of newsletter issues.
type Dispatcher struct {
	subscriptions lettermill.SubscriptionService
	issues        lettermill.IssueService
	newsletter    lettermill.NewsletterService
	workers       int
	staleAfter    time.Duration
	logger        zerolog.Logger
}

// NewDispatcher returns a dispatcher with a fixed fan-out width.
func NewDispatcher(
	subscriptions lettermill.SubscriptionService,
	issues lettermill.IssueService,
	newsletter lettermill.NewsletterService,
	workers int,
	logger zerolog.Logger,
) *Dispatcher {
	if workers <= 0 {
		workers = lettermill.DefaultWorkers
	}
	return &Dispatcher{
		subscriptions: subscriptions,
		issues:        issues,
		newsletter:    newsletter,
		workers:       workers,
		staleAfter:    staleReservationAge,
		logger:        logger,
	}
}

// Report counts per-recipient outcomes of one Deliver call.
type Report struct {
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Skipped   int64 `json:"skipped"`
	Deferred  int64 `json:"deferred"`
}

// Deliver sends issue to every confirmed subscriber exactly once at the
// record level. Recipients are claimed with a conditional insert before the
// send, so concurrent or repeated Deliver calls for the same issue skip
// anything already settled. Permanent failures are settled and do not abort
// the batch; transient failures release the claim and leave the issue
// incomplete, which callers surface as retryable. A reservation left behind
// by a crashed attempt is reclaimed once it is old enough and re-sent, which
// can duplicate a send whose commit was lost; a reservation held by a live
// attempt defers the recipient instead of completing past it.
func (d *Dispatcher) Deliver(ctx context.Context, issue *lettermill.Issue) (*Report, error) {
	report := &Report{}

	if issue.CompletedAt != nil {
		d.logger.Info().Str("issue", issue.ID).Msg("issue already completed, nothing to deliver")
		return report, nil
	}

	jobs := make(chan lettermill.Subscriber)
	enumDone := make(chan error, 1)

	go func() {
		defer close(jobs)
		enumDone <- d.subscriptions.ForEachConfirmed(func(s lettermill.Subscriber) error {
			select {
			case jobs <- s:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()

	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for s := range jobs {
				d.process(issue, s, report)
			}
		}()
	}
	wg.Wait()

	if err := <-enumDone; err != nil {
		return report, &lettermill.Error{Code: lettermill.ErrUnavailable, Op: "Deliver", Err: err}
	}

	if n := atomic.LoadInt64(&report.Deferred); n > 0 {
		d.logger.Warn().Str("issue", issue.ID).Int64("deferred", n).Msg("issue left incomplete, retry will resume")
		return report, &lettermill.Error{
			Code:    lettermill.ErrUnavailable,
			Op:      "Deliver",
			Message: "some recipients were deferred; retry the publish",
		}
	}

	if err := d.issues.MarkCompleted(issue.ID); err != nil {
		return report, err
	}

	d.logger.Info().
		Str("issue", issue.ID).
		Int64("delivered", report.Delivered).
		Int64("failed", report.Failed).
		Int64("skipped", report.Skipped).
		Msg("issue delivery completed")

	return report, nil
}

func (d *Dispatcher) process(issue *lettermill.Issue, s lettermill.Subscriber, report *Report) {
	logger := d.logger.With().Str("issue", issue.ID).Str("subscriber", s.ID).Logger()

	reserved, err := d.issues.ReserveDelivery(issue.ID, s.ID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to reserve delivery")
		sentry.CaptureException(err)
		atomic.AddInt64(&report.Deferred, 1)
		return
	}
	if !reserved && !d.claimExisting(issue, s, report, logger) {
		return
	}

	d.send(issue, s, report, logger)
}

// claimExisting decides what to do with a recipient whose record already
// exists: terminal records are skipped, a reservation old enough to belong to
// a dead process is reclaimed for re-sending, and a live reservation defers
// the recipient so the issue stays incomplete.
func (d *Dispatcher) claimExisting(issue *lettermill.Issue, s lettermill.Subscriber, report *Report, logger zerolog.Logger) bool {
	record, err := d.issues.FindDelivery(issue.ID, s.ID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to find delivery record")
		sentry.CaptureException(err)
		atomic.AddInt64(&report.Deferred, 1)
		return false
	}
	if record == nil {
		// Released between reserve and lookup; a retry re-attempts it.
		atomic.AddInt64(&report.Deferred, 1)
		return false
	}
	if record.Outcome != lettermill.DeliveryReserved {
		atomic.AddInt64(&report.Skipped, 1)
		return false
	}

	reclaimed, err := d.issues.ReclaimDelivery(issue.ID, s.ID, time.Now().UTC().Add(-d.staleAfter))
	if err != nil {
		logger.Error().Err(err).Msg("failed to reclaim delivery")
		sentry.CaptureException(err)
		atomic.AddInt64(&report.Deferred, 1)
		return false
	}
	if !reclaimed {
		// Still claimed by a live attempt; leave the issue incomplete.
		atomic.AddInt64(&report.Deferred, 1)
		return false
	}

	logger.Warn().Msg("reclaimed stale reservation, sending again")
	return true
}

func (d *Dispatcher) send(issue *lettermill.Issue, s lettermill.Subscriber, report *Report, logger zerolog.Logger) {
	err := d.newsletter.SendIssue(s.Email, issue.Title, issue.HTML, issue.Text)
	switch {
	case err == nil:
		if err := d.issues.MarkDelivered(issue.ID, s.ID); err != nil {
			// The mail went out but the record is still reserved; a later
			// pass may reclaim it and send a duplicate.
			logger.Error().Err(err).Msg("failed to mark delivered")
			sentry.CaptureException(err)
			atomic.AddInt64(&report.Deferred, 1)
			return
		}
		atomic.AddInt64(&report.Delivered, 1)

	case lettermill.IsPermanentSendError(err):
		logger.Warn().Err(err).Msg("permanent send failure, recipient settled as failed")
		if err := d.issues.MarkFailed(issue.ID, s.ID, err.Error()); err != nil {
			logger.Error().Err(err).Msg("failed to mark failed")
			sentry.CaptureException(err)
			atomic.AddInt64(&report.Deferred, 1)
			return
		}
		atomic.AddInt64(&report.Failed, 1)

	default:
		logger.Warn().Err(err).Msg("transient send failure, releasing reservation")
		if err := d.issues.ReleaseDelivery(issue.ID, s.ID); err != nil {
			logger.Error().Err(err).Msg("failed to release reservation")
			sentry.CaptureException(err)
		}
		atomic.AddInt64(&report.Deferred, 1)
	}
}

// Resume re-runs delivery for every issue that has not converged yet. Safe
// to call on a schedule: completed recipients are skipped via their records.
func (d *Dispatcher) Resume(ctx context.Context) error {
	issues, err := d.issues.ListIncomplete()
	if err != nil {
		return err
	}

	for i := range issues {
		issue := issues[i]
		if _, err := d.Deliver(ctx, &issue); err != nil {
			d.logger.Warn().Err(err).Str("issue", issue.ID).Msg("resume pass left issue incomplete")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	return nil
}
