// Package stripe adapts Stripe webhooks and the PaymentIntents API to
// provider.Provider.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	stripego "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/sessionpay/internal/provider"
)

// Name is the provider name used in URLs and the event ledger.
const Name = "stripe"

// Provider verifies Stripe-Signature headers and looks up fees through the
// Stripe API.
type Provider struct {
	webhookSecret string
	tolerance     time.Duration
	api           *client.API
}

// Option configures a Provider.
type Option func(*Provider)

// WithTolerance sets the maximum accepted age of a signature timestamp.
func WithTolerance(d time.Duration) Option {
	return func(p *Provider) { p.tolerance = d }
}

// WithBackends points the API client at custom backends (tests, proxies).
func WithBackends(secretKey string, b *stripego.Backends) Option {
	return func(p *Provider) { p.api = client.New(secretKey, b) }
}

// New creates a Stripe provider.
func New(secretKey, webhookSecret string, opts ...Option) *Provider {
	p := &Provider{
		webhookSecret: webhookSecret,
		tolerance:     webhook.DefaultTolerance,
		api:           client.New(secretKey, nil),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string            { return Name }
func (p *Provider) SignatureHeader() string { return "Stripe-Signature" }

func (p *Provider) Verify(payload []byte, header string) (*provider.Event, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, header, p.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                p.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if isSignatureError(err) {
			return nil, fmt.Errorf("%w: %v", provider.ErrSignatureInvalid, err)
		}
		return nil, fmt.Errorf("%w: %v", provider.ErrMalformedEvent, err)
	}
	return decode(ev, payload)
}

func (p *Provider) Decode(payload []byte) (*provider.Event, error) {
	var ev stripego.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrMalformedEvent, err)
	}
	return decode(ev, payload)
}

func decode(ev stripego.Event, payload []byte) (*provider.Event, error) {
	if ev.ID == "" || ev.Data == nil {
		return nil, fmt.Errorf("%w: missing id or data", provider.ErrMalformedEvent)
	}

	out := &provider.Event{
		ID:       ev.ID,
		Type:     string(ev.Type),
		Category: provider.CategoryOther,
		Raw:      payload,
	}

	switch ev.Type {
	case stripego.EventTypeCheckoutSessionCompleted,
		stripego.EventTypeCheckoutSessionAsyncPaymentSucceeded,
		stripego.EventTypeCheckoutSessionAsyncPaymentFailed,
		stripego.EventTypeCheckoutSessionExpired:
		var cs stripego.CheckoutSession
		if err := json.Unmarshal(ev.Data.Raw, &cs); err != nil {
			return nil, fmt.Errorf("%w: checkout session: %v", provider.ErrMalformedEvent, err)
		}
		out.Metadata = cs.Metadata
		out.PaymentReference = cs.ID
		if cs.PaymentIntent != nil && cs.PaymentIntent.ID != "" {
			out.PaymentReference = cs.PaymentIntent.ID
		}
		out.Category = checkoutCategory(ev.Type, cs.PaymentStatus)

	case stripego.EventTypeChargeRefunded:
		var ch stripego.Charge
		if err := json.Unmarshal(ev.Data.Raw, &ch); err != nil {
			return nil, fmt.Errorf("%w: charge: %v", provider.ErrMalformedEvent, err)
		}
		if ch.PaymentIntent == nil || ch.PaymentIntent.ID == "" {
			return out, nil
		}
		out.Metadata = ch.Metadata
		out.PaymentReference = ch.PaymentIntent.ID
		if ch.Refunded {
			out.Category = provider.CategoryRefunded
		}
	}
	if err := provider.CheckBounds(out); err != nil {
		return nil, err
	}
	return out, nil
}

func checkoutCategory(t stripego.EventType, status stripego.CheckoutSessionPaymentStatus) provider.Category {
	switch t {
	case stripego.EventTypeCheckoutSessionCompleted:
		// Delayed payment methods complete the session before the money
		// moves; the async_payment_succeeded event follows.
		if status == stripego.CheckoutSessionPaymentStatusPaid {
			return provider.CategoryPaid
		}
	case stripego.EventTypeCheckoutSessionAsyncPaymentSucceeded:
		return provider.CategoryPaid
	case stripego.EventTypeCheckoutSessionAsyncPaymentFailed:
		return provider.CategoryFailed
	case stripego.EventTypeCheckoutSessionExpired:
		return provider.CategoryCanceled
	}
	return provider.CategoryOther
}

func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrTooOld)
}

// FetchFee reads the fee from the balance transaction of the payment
// intent's latest charge.
func (p *Provider) FetchFee(ctx context.Context, paymentRef string) (int64, error) {
	params := &stripego.PaymentIntentParams{}
	params.Context = ctx
	params.AddExpand("latest_charge.balance_transaction")

	pi, err := p.api.PaymentIntents.Get(paymentRef, params)
	if err != nil {
		var se *stripego.Error
		if errors.As(err, &se) && se.HTTPStatusCode == http.StatusNotFound {
			return 0, fmt.Errorf("%w: %s", provider.ErrPaymentNotFound, paymentRef)
		}
		return 0, fmt.Errorf("stripe: get payment intent %s: %w", paymentRef, err)
	}
	if pi.LatestCharge == nil || pi.LatestCharge.BalanceTransaction == nil {
		return 0, fmt.Errorf("%w: %s has no balance transaction yet", provider.ErrFeeUnavailable, paymentRef)
	}
	return pi.LatestCharge.BalanceTransaction.Fee, nil
}

var _ provider.Provider = (*Provider)(nil)
