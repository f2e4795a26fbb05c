// Package provider is the trust boundary for inbound payment notifications.
//
// Each payment provider implements Provider: it authenticates a raw request
// body against its signature header and decodes it into a typed Event, and
// it reports the authoritative processing fee for a payment. Providers are
// registered by name; which ones are active is decided at startup.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrSignatureInvalid means the body was not signed by the provider, was
	// altered in transit, or carries a stale timestamp.
	ErrSignatureInvalid = errors.New("provider: signature invalid")
	// ErrMalformedEvent means the body was authentic but could not be decoded.
	ErrMalformedEvent = errors.New("provider: malformed event")
	// ErrUnknownProvider is returned by Registry.Get for an unregistered name.
	ErrUnknownProvider = errors.New("provider: unknown provider")
	// ErrPaymentNotFound means the provider has no record of the payment.
	// Retrying cannot help.
	ErrPaymentNotFound = errors.New("provider: payment not found")
	// ErrFeeUnavailable means the fee could not be determined right now.
	ErrFeeUnavailable = errors.New("provider: fee unavailable")
)

// Category is the business meaning of an event, independent of the
// provider's own type names.
type Category string

const (
	CategoryPaid     Category = "paid"
	CategoryFailed   Category = "failed"
	CategoryCanceled Category = "canceled"
	CategoryRefunded Category = "refunded"
	CategoryOther    Category = "other"
)

// Event is a verified provider notification.
type Event struct {
	ID       string
	Type     string
	Category Category
	// PaymentReference is the provider's identifier for the payment. It is
	// empty for events that do not concern a payment.
	PaymentReference string
	Metadata         map[string]string
	// FeeCents is set when the provider reports the fee inside the event
	// itself; otherwise the fee must be fetched.
	FeeCents *int64
	Raw      []byte
}

// Widths of the ledger and transaction columns an event's identifiers are
// stored in.
const (
	MaxEventIDLength   = 255
	MaxEventTypeLength = 128
	MaxReferenceLength = 255
)

// CheckBounds returns ErrMalformedEvent when an identifier would not fit
// its column. Providers call it from Decode so oversized events are
// rejected before admission.
func CheckBounds(ev *Event) error {
	switch {
	case len(ev.ID) > MaxEventIDLength:
		return fmt.Errorf("%w: event id longer than %d bytes", ErrMalformedEvent, MaxEventIDLength)
	case len(ev.Type) > MaxEventTypeLength:
		return fmt.Errorf("%w: event type longer than %d bytes", ErrMalformedEvent, MaxEventTypeLength)
	case len(ev.PaymentReference) > MaxReferenceLength:
		return fmt.Errorf("%w: payment reference longer than %d bytes", ErrMalformedEvent, MaxReferenceLength)
	}
	return nil
}

// Provider authenticates and interprets one payment provider's webhooks.
type Provider interface {
	Name() string
	// SignatureHeader is the HTTP header carrying the signature.
	SignatureHeader() string
	// Verify authenticates payload against header. It must operate on the
	// exact bytes received.
	Verify(payload []byte, header string) (*Event, error)
	// Decode interprets a payload that was verified when it was first
	// received. It is used to replay stored events.
	Decode(payload []byte) (*Event, error)
	// FetchFee returns the total fee the provider charged for a payment,
	// in minor currency units.
	FetchFee(ctx context.Context, paymentRef string) (int64, error)
}

// Registry maps provider names to implementations.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry registers ps under their lower-cased names.
func NewRegistry(ps ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(ps))}
	for _, p := range ps {
		r.providers[strings.ToLower(p.Name())] = p
	}
	return r
}

// Get looks up a provider by name.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
