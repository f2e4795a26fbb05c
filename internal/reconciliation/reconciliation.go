// Package reconciliation sweeps the event ledger for stranded events.
//
// An event is stranded when it was admitted but never reached an outcome:
// the process died, or a dependency failed after admission. The provider
// sees the event as delivered and will not resend it, so the sweeper
// reports such events and, when enabled, replays them through the
// pipeline.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/sessionpay/internal/eventledger"
	"github.com/mbd888/sessionpay/internal/reconcile"
)

// StrandedLister returns admitted events without an outcome.
type StrandedLister interface {
	Stranded(ctx context.Context, grace time.Duration, limit int) ([]*eventledger.Record, error)
}

// Replayer re-runs a stored event.
type Replayer interface {
	Replay(ctx context.Context, provider, eventID string) (*reconcile.Response, error)
}

// StrandedEvent is one event found by a sweep.
type StrandedEvent struct {
	Provider   string    `json:"provider"`
	EventID    string    `json:"eventId"`
	EventType  string    `json:"eventType"`
	ReceivedAt time.Time `json:"receivedAt"`
	Replayed   bool      `json:"replayed"`
	Deferred   bool      `json:"deferred,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Result summarizes a sweep.
type Result struct {
	Stranded int             `json:"stranded"`
	Replayed int             `json:"replayed"`
	Deferred int             `json:"deferred"`
	Failed   int             `json:"failed"`
	Events   []StrandedEvent `json:"events"`
}

// Service finds stranded events and optionally replays them.
type Service struct {
	ledger   StrandedLister
	replayer Replayer
	grace    time.Duration
	batch    int
	logger   *slog.Logger
}

// NewService creates a sweeper. Events younger than grace are still in
// flight and are left alone.
func NewService(ledger StrandedLister, grace time.Duration, logger *slog.Logger) *Service {
	if grace <= 0 {
		grace = 5 * time.Minute
	}
	return &Service{
		ledger: ledger,
		grace:  grace,
		batch:  100,
		logger: logger,
	}
}

// WithReplayer enables automatic replay of stranded events.
func (s *Service) WithReplayer(r Replayer) *Service {
	s.replayer = r
	return s
}

// WithBatchSize caps how many events one sweep looks at.
func (s *Service) WithBatchSize(n int) *Service {
	if n > 0 {
		s.batch = n
	}
	return s
}

// Sweep lists stranded events and replays them when a replayer is set.
// A failed replay is reported per event and does not stop the sweep. A
// status update whose payment is still unknown stays open and is counted
// as deferred.
func (s *Service) Sweep(ctx context.Context) (*Result, error) {
	start := time.Now()
	defer func() { sweepDuration.Observe(time.Since(start).Seconds()) }()

	recs, err := s.ledger.Stranded(ctx, s.grace, s.batch)
	if err != nil {
		sweepErrors.Inc()
		return nil, fmt.Errorf("list stranded events: %w", err)
	}
	strandedEvents.Set(float64(len(recs)))

	res := &Result{Stranded: len(recs), Events: make([]StrandedEvent, 0, len(recs))}
	for _, rec := range recs {
		ev := StrandedEvent{
			Provider:   rec.Provider,
			EventID:    rec.EventID,
			EventType:  rec.EventType,
			ReceivedAt: rec.ReceivedAt,
		}
		if s.replayer != nil {
			if ctx.Err() != nil {
				res.Events = append(res.Events, ev)
				continue
			}
			resp, err := s.replayer.Replay(ctx, rec.Provider, rec.EventID)
			switch {
			case err != nil:
				ev.Error = err.Error()
				res.Failed++
				sweepReplays.WithLabelValues("failed").Inc()
				s.logger.Warn("stranded event replay failed",
					"provider", rec.Provider, "event_id", rec.EventID, "error", err)
			case resp != nil && resp.Deferred:
				ev.Deferred = true
				res.Deferred++
				sweepReplays.WithLabelValues("deferred").Inc()
			default:
				ev.Replayed = true
				res.Replayed++
				sweepReplays.WithLabelValues("replayed").Inc()
			}
		}
		res.Events = append(res.Events, ev)
	}

	if res.Stranded > 0 {
		s.logger.Warn("stranded events found",
			"count", res.Stranded, "replayed", res.Replayed, "deferred", res.Deferred, "failed", res.Failed)
	}
	return res, nil
}
