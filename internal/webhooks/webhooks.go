// Package webhooks delivers issued receipts to a downstream endpoint (the
// email service) as signed HTTP notifications.
//
// Requests carry X-Sessionpay-Signature in the same "t=<unix>,v1=<hex>"
// form the hmac intake provider verifies, so a receiver can reuse that
// code to authenticate us.
package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mbd888/sessionpay/internal/idgen"
	"github.com/mbd888/sessionpay/internal/provider/hmacsig"
	"github.com/mbd888/sessionpay/internal/receipts"
	"github.com/mbd888/sessionpay/internal/retry"
)

// EventReceiptIssued is the only event type sent today.
const EventReceiptIssued = "receipt.issued"

// Headers set on every notification.
const (
	HeaderEvent     = "X-Sessionpay-Event"
	HeaderSignature = "X-Sessionpay-Signature"
)

// ErrRejected wraps a non-retryable 4xx from the receiver.
var ErrRejected = errors.New("webhooks: notification rejected")

// Event is the notification body.
type Event struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Data      *receipts.Receipt `json:"data"`
}

// Notifier posts receipts to one URL. It implements receipts.Sender.
type Notifier struct {
	url       string
	secret    string
	client    *http.Client
	attempts  int
	baseDelay time.Duration
	now       func() time.Time
}

// NewNotifier creates a notifier. An empty secret sends unsigned requests.
func NewNotifier(url, secret string) *Notifier {
	return &Notifier{
		url:       url,
		secret:    secret,
		client:    &http.Client{Timeout: 10 * time.Second},
		attempts:  3,
		baseDelay: 500 * time.Millisecond,
		now:       time.Now,
	}
}

// Send delivers r, retrying transport errors and 5xx responses.
func (n *Notifier) Send(ctx context.Context, r *receipts.Receipt) error {
	ev := Event{
		ID:        idgen.WithPrefix("ntf_"),
		Type:      EventReceiptIssued,
		Timestamp: n.now().UTC(),
		Data:      r,
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("webhooks: marshal event: %w", err)
	}

	err = retry.Do(ctx, n.attempts, n.baseDelay, func(ctx context.Context) error {
		return n.post(ctx, payload, ev.Timestamp)
	})
	if err != nil {
		notificationsTotal.WithLabelValues("failed").Inc()
		return err
	}
	notificationsTotal.WithLabelValues("delivered").Inc()
	return nil
}

func (n *Notifier) post(ctx context.Context, payload []byte, ts time.Time) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("webhooks: build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, EventReceiptIssued)
	if n.secret != "" {
		req.Header.Set(HeaderSignature, hmacsig.Sign(n.secret, ts, payload))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhooks: post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("webhooks: receiver returned %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode))
	}
}

var _ receipts.Sender = (*Notifier)(nil)
