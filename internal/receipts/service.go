package receipts

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/sessionpay/internal/dbutil"
	"github.com/mbd888/sessionpay/internal/idgen"
	"github.com/mbd888/sessionpay/internal/pagination"
)

// Service implements receipt business logic.
type Service struct {
	store  Store
	signer *Signer
	sender Sender
	now    func() time.Time
}

// NewService creates a new receipt service. A nil signer issues unsigned
// receipts; a nil sender only stores them.
func NewService(store Store, signer *Signer, sender Sender) *Service {
	return &Service{
		store:  store,
		signer: signer,
		sender: sender,
		now:    time.Now,
	}
}

// Issue creates the receipt for job's transaction, or returns the existing
// one, and sends it. A redelivered job re-sends but never re-issues.
func (s *Service) Issue(ctx context.Context, job *Job) (*Receipt, error) {
	if job.TransactionID == "" {
		return nil, ErrInvalidJob
	}

	r := &Receipt{
		ID:            idgen.WithPrefix("rcpt_"),
		TransactionID: job.TransactionID,
		BuyerID:       job.BuyerID,
		GrossCents:    job.GrossCents,
		Currency:      job.Currency,
		IssuedAt:      s.now().UTC().Truncate(time.Second),
	}
	payload := payloadOf(r)

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("receipts: failed to marshal payload: %w", err)
	}
	r.PayloadHash = fmt.Sprintf("%x", sha256.Sum256(data))

	r.Signature, err = s.signer.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("receipts: failed to sign: %w", err)
	}
	r.CreatedAt = s.now().UTC()

	res, err := s.store.Create(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("receipts: store: %w", err)
	}
	if res == dbutil.AlreadyExists {
		r, err = s.store.GetByTransaction(ctx, job.TransactionID)
		if err != nil {
			return nil, fmt.Errorf("receipts: load existing: %w", err)
		}
	} else {
		receiptsIssued.Inc()
	}

	if s.sender != nil {
		if err := s.sender.Send(ctx, r); err != nil {
			return r, fmt.Errorf("receipts: send %s: %w", r.ID, err)
		}
	}
	return r, nil
}

// Get returns a receipt by ID.
func (s *Service) Get(ctx context.Context, id string) (*Receipt, error) {
	return s.store.Get(ctx, id)
}

// GetByTransaction returns the receipt issued for a transaction.
func (s *Service) GetByTransaction(ctx context.Context, transactionID string) (*Receipt, error) {
	return s.store.GetByTransaction(ctx, transactionID)
}

// ListByBuyer returns one page of a buyer's receipts after the cursor,
// newest first.
func (s *Service) ListByBuyer(ctx context.Context, buyerID string, limit int, after *pagination.Cursor) (*Page, error) {
	if limit <= 0 {
		limit = 50
	}
	items, err := s.store.ListByBuyer(ctx, buyerID, limit+1, after)
	if err != nil {
		return nil, err
	}
	items, next, more := pagination.ComputePage(items, limit, func(r *Receipt) (time.Time, string) {
		return r.CreatedAt, r.ID
	})
	return &Page{Receipts: items, NextCursor: next, HasMore: more}, nil
}

// Verify checks whether a receipt's signature is valid.
func (s *Service) Verify(ctx context.Context, receiptID string) (*VerifyResponse, error) {
	if s.signer == nil {
		return &VerifyResponse{
			Valid:     false,
			ReceiptID: receiptID,
			Error:     ErrSigningDisabled.Error(),
		}, nil
	}

	receipt, err := s.store.Get(ctx, receiptID)
	if errors.Is(err, ErrReceiptNotFound) {
		return &VerifyResponse{
			Valid:     false,
			ReceiptID: receiptID,
			Error:     ErrReceiptNotFound.Error(),
		}, nil
	}
	if err != nil {
		return nil, err
	}

	resp := &VerifyResponse{
		Valid:     s.signer.Verify(payloadOf(receipt), receipt.Signature),
		ReceiptID: receiptID,
	}
	if !resp.Valid {
		resp.Error = "signature verification failed"
	}
	return resp, nil
}
