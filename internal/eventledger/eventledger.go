// Package eventledger records which provider events have been admitted for
// processing.
//
// Admission is a single insert against the (provider, event_id) uniqueness
// constraint. Concurrent deliveries of the same event race on that insert and
// exactly one of them is admitted; the rest see AlreadyProcessed. Records are
// append-only: never updated, never deleted.
//
// Completion is tracked separately. An admitted event with no completion
// outcome after a grace period is stranded: the process died or the store
// failed between admission and the transaction write, and the provider will
// not redeliver it. A status update that arrives before its payment is also
// left open; Pending finds it again by payment reference.
package eventledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/sessionpay/internal/dbutil"
)

var (
	ErrNotFound      = errors.New("eventledger: event not found")
	ErrInvalidRecord = errors.New("eventledger: provider and event id are required")
)

// Admission is the outcome of Admit.
type Admission int

const (
	Admitted Admission = iota + 1
	AlreadyProcessed
)

func (a Admission) String() string {
	switch a {
	case Admitted:
		return "admitted"
	case AlreadyProcessed:
		return "already_processed"
	default:
		return "unknown"
	}
}

// Record is one admitted provider event. Payload holds the verified raw body
// so an operator can replay the event without the provider redelivering it.
// PaymentReference is empty for events that do not name a payment.
type Record struct {
	Provider         string    `json:"provider"`
	EventID          string    `json:"eventId"`
	EventType        string    `json:"eventType"`
	PaymentReference string    `json:"paymentReference,omitempty"`
	Payload          []byte    `json:"-"`
	ReceivedAt       time.Time `json:"receivedAt"`

	// Set once processing finished, successfully or with a permanent
	// rejection.
	Outcome     string     `json:"outcome,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Completed reports whether the event reached an outcome.
func (r *Record) Completed() bool { return r.CompletedAt != nil }

// Store persists event records.
type Store interface {
	// Insert writes rec if (provider, event_id) is absent. A key conflict
	// is reported as dbutil.AlreadyExists; any other failure is an error.
	Insert(ctx context.Context, rec *Record) (dbutil.InsertResult, error)
	Get(ctx context.Context, provider, eventID string) (*Record, error)
	// MarkCompleted records the outcome of an admitted event. Calling it
	// again (a replay) overwrites the outcome.
	MarkCompleted(ctx context.Context, provider, eventID, outcome string, at time.Time) error
	// ListStranded returns admitted events received before cutoff that have
	// no outcome, oldest first.
	ListStranded(ctx context.Context, cutoff time.Time, limit int) ([]*Record, error)
	// ListOpen returns admitted events for one payment reference that have
	// no outcome, oldest first.
	ListOpen(ctx context.Context, provider, paymentReference string) ([]*Record, error)
}

// Ledger is the admission gate.
type Ledger struct {
	store Store
	now   func() time.Time
}

// New creates a ledger backed by store.
func New(store Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// Admit records the event and reports whether this caller is the first to
// see it. On error the admission state is unknown and the caller must abort
// without side effects so the provider retries.
func (l *Ledger) Admit(ctx context.Context, rec *Record) (Admission, error) {
	rec.Provider = strings.ToLower(strings.TrimSpace(rec.Provider))
	rec.EventID = strings.TrimSpace(rec.EventID)
	rec.PaymentReference = strings.TrimSpace(rec.PaymentReference)
	if rec.Provider == "" || rec.EventID == "" {
		return 0, ErrInvalidRecord
	}
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = l.now().UTC()
	}

	res, err := l.store.Insert(ctx, rec)
	if err != nil {
		return 0, fmt.Errorf("admit event %s/%s: %w", rec.Provider, rec.EventID, err)
	}
	if res == dbutil.AlreadyExists {
		return AlreadyProcessed, nil
	}
	return Admitted, nil
}

// Get loads a previously admitted event.
func (l *Ledger) Get(ctx context.Context, provider, eventID string) (*Record, error) {
	return l.store.Get(ctx, strings.ToLower(strings.TrimSpace(provider)), strings.TrimSpace(eventID))
}

// Complete records the outcome of an admitted event.
func (l *Ledger) Complete(ctx context.Context, provider, eventID, outcome string) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	eventID = strings.TrimSpace(eventID)
	if provider == "" || eventID == "" {
		return ErrInvalidRecord
	}
	if err := l.store.MarkCompleted(ctx, provider, eventID, outcome, l.now().UTC()); err != nil {
		return fmt.Errorf("complete event %s/%s: %w", provider, eventID, err)
	}
	return nil
}

// Stranded lists events admitted more than grace ago that never completed.
func (l *Ledger) Stranded(ctx context.Context, grace time.Duration, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	return l.store.ListStranded(ctx, l.now().UTC().Add(-grace), limit)
}

// Pending lists events for a payment reference that were admitted but have
// no outcome yet, oldest first.
func (l *Ledger) Pending(ctx context.Context, provider, paymentReference string) ([]*Record, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	paymentReference = strings.TrimSpace(paymentReference)
	if provider == "" || paymentReference == "" {
		return nil, nil
	}
	recs, err := l.store.ListOpen(ctx, provider, paymentReference)
	if err != nil {
		return nil, fmt.Errorf("pending events for %s/%s: %w", provider, paymentReference, err)
	}
	return recs, nil
}
