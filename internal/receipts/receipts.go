// Package receipts issues signed purchase receipts and delivers them to the
// notification collaborator.
//
// The reconciliation pipeline enqueues a Job per successful transaction and
// never waits on delivery. A Worker drains the queue, signs and stores one
// receipt per transaction, and hands it to a Sender. Queues deliver at least
// once, so issuing is idempotent on the transaction id.
package receipts

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/sessionpay/internal/dbutil"
	"github.com/mbd888/sessionpay/internal/pagination"
)

var (
	ErrReceiptNotFound = errors.New("receipts: not found")
	ErrSigningDisabled = errors.New("receipts: signing disabled (no HMAC secret configured)")
	ErrInvalidJob      = errors.New("receipts: job requires a transaction id")
)

// Job asks for a receipt for one transaction.
type Job struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transactionId"`
	BuyerID       string    `json:"buyerId"`
	GrossCents    int64     `json:"grossCents"`
	Currency      string    `json:"currency"`
	EnqueuedAt    time.Time `json:"enqueuedAt"`
	// Attempt counts earlier failed runs of this job.
	Attempt int `json:"attempt,omitempty"`
}

// Receipt is a signed proof that a purchase was recorded.
type Receipt struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transactionId"`
	BuyerID       string    `json:"buyerId"`
	GrossCents    int64     `json:"grossCents"`
	Currency      string    `json:"currency"`
	PayloadHash   string    `json:"payloadHash"` // SHA-256 of canonical payload
	Signature     string    `json:"signature,omitempty"`
	IssuedAt      time.Time `json:"issuedAt"`
	CreatedAt     time.Time `json:"createdAt"`
}

// VerifyResponse is the result of receipt verification.
type VerifyResponse struct {
	Valid     bool   `json:"valid"`
	ReceiptID string `json:"receiptId"`
	Error     string `json:"error,omitempty"`
}

// Store persists receipts. Create reports dbutil.AlreadyExists when the
// transaction already has a receipt.
type Store interface {
	Create(ctx context.Context, r *Receipt) (dbutil.InsertResult, error)
	Get(ctx context.Context, id string) (*Receipt, error)
	GetByTransaction(ctx context.Context, transactionID string) (*Receipt, error)
	// ListByBuyer returns up to limit receipts older than after (all when
	// nil), ordered by created_at then id, newest first.
	ListByBuyer(ctx context.Context, buyerID string, limit int, after *pagination.Cursor) ([]*Receipt, error)
}

// Page is one newest-first page of a buyer's receipts.
type Page struct {
	Receipts   []*Receipt
	NextCursor string
	HasMore    bool
}

// receiptPayload is the canonical struct signed by HMAC.
// Field order must be deterministic (JSON marshalling of struct is by field order).
type receiptPayload struct {
	BuyerID       string `json:"buyerId"`
	Currency      string `json:"currency"`
	GrossCents    int64  `json:"grossCents"`
	IssuedAt      string `json:"issuedAt"`
	TransactionID string `json:"transactionId"`
}

func payloadOf(r *Receipt) receiptPayload {
	return receiptPayload{
		BuyerID:       r.BuyerID,
		Currency:      r.Currency,
		GrossCents:    r.GrossCents,
		IssuedAt:      r.IssuedAt.UTC().Format(time.RFC3339),
		TransactionID: r.TransactionID,
	}
}
