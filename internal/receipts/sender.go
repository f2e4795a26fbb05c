package receipts

import (
	"context"
	"log/slog"
)

// Sender delivers an issued receipt to the buyer. Email delivery lives in
// another service; implementations forward to it.
type Sender interface {
	Send(ctx context.Context, r *Receipt) error
}

// LogSender records receipts in the log instead of delivering them.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a sender that logs each receipt.
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, r *Receipt) error {
	s.logger.Info("receipt issued",
		"receipt_id", r.ID,
		"transaction_id", r.TransactionID,
		"buyer_id", r.BuyerID,
		"gross_cents", r.GrossCents,
		"currency", r.Currency,
	)
	return nil
}
