package transactions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/sessionpay/internal/dbutil"
	"github.com/mbd888/sessionpay/internal/idgen"
	"github.com/mbd888/sessionpay/internal/pagination"
)

// Outcome describes what Apply or Transition did.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeUpdated   Outcome = "updated"
	OutcomeUnchanged Outcome = "unchanged" // self-transition, no write
	OutcomeIgnored   Outcome = "ignored"   // disallowed transition, row untouched
)

// Result is returned by Apply and Transition.
type Result struct {
	Outcome     Outcome
	Transaction *Transaction
	Previous    Status // status before the call; empty when created
}

// maxGuardAttempts bounds the read-guard-update loop when another writer
// changes the row between our read and our conditional update.
const maxGuardAttempts = 3

// Machine applies status changes through the transition guard.
type Machine struct {
	store Store
	now   func() time.Time
}

// NewMachine creates a state machine over store.
func NewMachine(store Store) *Machine {
	return &Machine{store: store, now: time.Now}
}

// Apply records proposed under its business key. If no row exists it is
// inserted as-is; otherwise only the status moves, and only along a legal
// edge evaluated against a freshly read row.
func (m *Machine) Apply(ctx context.Context, proposed *Transaction) (*Result, error) {
	if err := proposed.validate(); err != nil {
		return nil, err
	}

	existing, err := m.store.GetByBusinessKey(ctx, proposed.Key())
	if errors.Is(err, ErrNotFound) {
		created, err := m.insert(ctx, proposed)
		if err != nil {
			return nil, err
		}
		if created != nil {
			return &Result{Outcome: OutcomeCreated, Transaction: created}, nil
		}
		// Lost the insert race to another writer; the row exists now.
		existing = nil
	} else if err != nil {
		return nil, fmt.Errorf("load transaction: %w", err)
	}

	return m.guardedUpdate(ctx, proposed.Key(), proposed.Status, existing)
}

// Transition moves the transaction identified by key to next, if allowed.
// It never creates a record; ErrNotFound is returned for an unknown key.
func (m *Machine) Transition(ctx context.Context, key BusinessKey, next Status) (*Result, error) {
	if key.Provider == "" || key.PaymentReference == "" {
		return nil, ErrMissingBusinessKey
	}
	if !next.Valid() {
		return nil, ErrInvalidStatus
	}
	return m.guardedUpdate(ctx, key, next, nil)
}

// insert writes a fresh row. It returns (nil, nil) when the business key
// already exists.
func (m *Machine) insert(ctx context.Context, proposed *Transaction) (*Transaction, error) {
	tx := *proposed
	if tx.ID == "" {
		tx.ID = idgen.WithPrefix("txn_")
	}
	now := m.now().UTC()
	tx.CreatedAt, tx.UpdatedAt = now, now

	res, err := m.store.Insert(ctx, &tx)
	if err != nil {
		return nil, fmt.Errorf("insert transaction: %w", err)
	}
	if res == dbutil.AlreadyExists {
		return nil, nil
	}
	return &tx, nil
}

// guardedUpdate evaluates the guard against current (or a fresh read when
// current is nil) and issues a conditional update. If the row changed under
// us, it re-reads and tries again.
func (m *Machine) guardedUpdate(ctx context.Context, key BusinessKey, next Status, current *Transaction) (*Result, error) {
	for attempt := 0; attempt < maxGuardAttempts; attempt++ {
		if current == nil {
			var err error
			current, err = m.store.GetByBusinessKey(ctx, key)
			if errors.Is(err, ErrNotFound) {
				return nil, err
			}
			if err != nil {
				return nil, fmt.Errorf("load transaction: %w", err)
			}
		}

		prev := current.Status
		switch {
		case prev == next:
			return &Result{Outcome: OutcomeUnchanged, Transaction: current, Previous: prev}, nil
		case !AllowedTransition(prev, next):
			return &Result{Outcome: OutcomeIgnored, Transaction: current, Previous: prev}, nil
		}

		at := m.now().UTC()
		changed, err := m.store.UpdateStatus(ctx, current.ID, prev, next, at)
		if err != nil {
			return nil, fmt.Errorf("update transaction status: %w", err)
		}
		if changed {
			current.Status = next
			current.UpdatedAt = at
			return &Result{Outcome: OutcomeUpdated, Transaction: current, Previous: prev}, nil
		}
		current = nil
	}
	return nil, ErrConcurrentUpdate
}

// Get loads a transaction by id.
func (m *Machine) Get(ctx context.Context, id string) (*Transaction, error) {
	return m.store.Get(ctx, id)
}

// ListByBuyer returns a buyer's transactions after the cursor, newest first.
func (m *Machine) ListByBuyer(ctx context.Context, buyerID string, limit int, after *pagination.Cursor) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return m.store.ListByBuyer(ctx, buyerID, limit, after)
}
