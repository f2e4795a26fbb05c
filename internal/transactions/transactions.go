// Package transactions owns the durable purchase record and its guarded
// status lifecycle:
//
//	pending ──► succeeded ──► refunded
//	   │
//	   ├──► failed
//	   └──► canceled
//
// Updates that would move a record backwards, or out of a terminal state,
// are ignored rather than applied. Out-of-order provider delivery makes such
// updates routine, so ignoring is not an error.
package transactions

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/sessionpay/internal/checkout"
	"github.com/mbd888/sessionpay/internal/dbutil"
	"github.com/mbd888/sessionpay/internal/economics"
	"github.com/mbd888/sessionpay/internal/pagination"
)

var (
	ErrNotFound           = errors.New("transactions: not found")
	ErrInvalidStatus      = errors.New("transactions: invalid status")
	ErrInvalidTarget      = errors.New("transactions: exactly one of session or challenge must be set")
	ErrConcurrentUpdate   = errors.New("transactions: status changed concurrently")
	ErrMissingBusinessKey = errors.New("transactions: provider and payment reference are required")
)

// BusinessKey identifies a purchase independently of the event that
// announced it.
type BusinessKey struct {
	Provider         string `json:"provider"`
	PaymentReference string `json:"paymentReference"`
}

// Transaction is the durable record of a purchase's economic outcome.
type Transaction struct {
	ID               string          `json:"id"`
	BuyerID          string          `json:"buyerId"`
	CreatorID        string          `json:"creatorId,omitempty"`
	SessionID        string          `json:"sessionId,omitempty"`
	ChallengeID      string          `json:"challengeId,omitempty"`
	Provider         string          `json:"provider"`
	PaymentReference string          `json:"paymentReference"`
	PurchaseType     checkout.Kind   `json:"purchaseType"`
	Status           Status          `json:"status"`
	Split            economics.Split `json:"split"`
	EventID          string          `json:"eventId"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// Key returns the transaction's business key.
func (t *Transaction) Key() BusinessKey {
	return BusinessKey{Provider: t.Provider, PaymentReference: t.PaymentReference}
}

// TargetID returns whichever of SessionID or ChallengeID is set.
func (t *Transaction) TargetID() string {
	if t.ChallengeID != "" {
		return t.ChallengeID
	}
	return t.SessionID
}

// Metadata rebuilds the checkout contract the transaction was created from.
// It is used by the out-of-band re-grant path.
func (t *Transaction) Metadata() checkout.Metadata {
	return checkout.Metadata{
		Kind:       t.PurchaseType,
		TargetID:   t.TargetID(),
		BuyerID:    t.BuyerID,
		CreatorID:  t.CreatorID,
		Currency:   t.Split.Currency,
		PriceCents: t.Split.Gross,
	}
}

func (t *Transaction) validate() error {
	if t.Provider == "" || t.PaymentReference == "" {
		return ErrMissingBusinessKey
	}
	if !t.Status.Valid() {
		return ErrInvalidStatus
	}
	if (t.SessionID == "") == (t.ChallengeID == "") {
		return ErrInvalidTarget
	}
	return nil
}

// Store persists transactions. Implementations must enforce uniqueness of
// (provider, payment_reference) so that Insert reports dbutil.AlreadyExists
// when another writer got there first.
type Store interface {
	Insert(ctx context.Context, tx *Transaction) (dbutil.InsertResult, error)
	Get(ctx context.Context, id string) (*Transaction, error)
	GetByBusinessKey(ctx context.Context, key BusinessKey) (*Transaction, error)
	// UpdateStatus sets status to next only if it is currently prev and
	// reports whether a row changed.
	UpdateStatus(ctx context.Context, id string, prev, next Status, at time.Time) (bool, error)
	// ListByBuyer returns up to limit of a buyer's transactions older than
	// after (all when nil), ordered by created_at then id, newest first.
	ListByBuyer(ctx context.Context, buyerID string, limit int, after *pagination.Cursor) ([]*Transaction, error)
}
