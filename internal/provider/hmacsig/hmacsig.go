// Package hmacsig is a provider for self-hosted payment relays that sign
// their notifications with a shared HMAC-SHA256 secret.
//
// The signature header has the form "t=<unix seconds>,v1=<hex>", where the
// hex digest is computed over "<t>.<raw body>". Several v1 entries may be
// present during secret rotation. The fee is reported inside the event.
package hmacsig

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/sessionpay/internal/provider"
)

// Name is the provider name used in URLs and the event ledger.
const Name = "hmac"

// Header carries the signature.
const Header = "X-Signature"

// Event types understood by this provider.
const (
	TypePaymentSucceeded = "payment.succeeded"
	TypePaymentFailed    = "payment.failed"
	TypePaymentCanceled  = "payment.canceled"
	TypePaymentRefunded  = "payment.refunded"
)

var categories = map[string]provider.Category{
	TypePaymentSucceeded: provider.CategoryPaid,
	TypePaymentFailed:    provider.CategoryFailed,
	TypePaymentCanceled:  provider.CategoryCanceled,
	TypePaymentRefunded:  provider.CategoryRefunded,
}

// Payload is the wire shape of a notification.
type Payload struct {
	ID               string            `json:"id"`
	Type             string            `json:"type"`
	PaymentReference string            `json:"paymentReference"`
	FeeCents         *int64            `json:"feeCents,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// Provider verifies X-Signature headers.
type Provider struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// New creates a provider. tolerance <= 0 disables the timestamp check.
func New(secret string, tolerance time.Duration) *Provider {
	return &Provider{secret: []byte(secret), tolerance: tolerance, now: time.Now}
}

func (p *Provider) Name() string            { return Name }
func (p *Provider) SignatureHeader() string { return Header }

func (p *Provider) Verify(payload []byte, header string) (*provider.Event, error) {
	ts, sigs, err := parseHeader(header)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrSignatureInvalid, err)
	}
	if p.tolerance > 0 {
		age := p.now().Sub(time.Unix(ts, 0))
		if age > p.tolerance || age < -p.tolerance {
			return nil, fmt.Errorf("%w: timestamp outside tolerance", provider.ErrSignatureInvalid)
		}
	}

	expected := computeMAC(p.secret, ts, payload)
	matched := false
	for _, sig := range sigs {
		if hmac.Equal(expected, sig) {
			matched = true
			break
		}
	}
	if !matched {
		return nil, fmt.Errorf("%w: no matching signature", provider.ErrSignatureInvalid)
	}
	return p.Decode(payload)
}

func (p *Provider) Decode(payload []byte) (*provider.Event, error) {
	var body Payload
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrMalformedEvent, err)
	}
	if body.ID == "" || body.Type == "" {
		return nil, fmt.Errorf("%w: id and type are required", provider.ErrMalformedEvent)
	}

	cat, ok := categories[body.Type]
	if !ok {
		cat = provider.CategoryOther
	}
	if cat != provider.CategoryOther && body.PaymentReference == "" {
		return nil, fmt.Errorf("%w: paymentReference is required for %s", provider.ErrMalformedEvent, body.Type)
	}
	if cat == provider.CategoryPaid && body.FeeCents == nil {
		return nil, fmt.Errorf("%w: feeCents is required for %s", provider.ErrMalformedEvent, body.Type)
	}

	ev := &provider.Event{
		ID:               body.ID,
		Type:             body.Type,
		Category:         cat,
		PaymentReference: body.PaymentReference,
		Metadata:         body.Metadata,
		FeeCents:         body.FeeCents,
		Raw:              payload,
	}
	if err := provider.CheckBounds(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// FetchFee always fails: this provider reports fees inline and exposes no
// lookup API.
func (p *Provider) FetchFee(context.Context, string) (int64, error) {
	return 0, fmt.Errorf("%w: hmac provider reports fees inline", provider.ErrFeeUnavailable)
}

// Sign returns a header value for payload signed at ts.
func Sign(secret string, ts time.Time, payload []byte) string {
	mac := computeMAC([]byte(secret), ts.Unix(), payload)
	return "t=" + strconv.FormatInt(ts.Unix(), 10) + ",v1=" + hex.EncodeToString(mac)
}

func computeMAC(secret []byte, ts int64, payload []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return mac.Sum(nil)
}

func parseHeader(header string) (int64, [][]byte, error) {
	if header == "" {
		return 0, nil, fmt.Errorf("missing header")
	}
	var (
		ts    int64
		hasTS bool
		sigs  [][]byte
	)
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("invalid timestamp")
			}
			ts, hasTS = n, true
		case "v1":
			sig, err := hex.DecodeString(v)
			if err != nil {
				continue
			}
			sigs = append(sigs, sig)
		}
	}
	if !hasTS {
		return 0, nil, fmt.Errorf("missing timestamp")
	}
	if len(sigs) == 0 {
		return 0, nil, fmt.Errorf("missing v1 signature")
	}
	return ts, sigs, nil
}

var _ provider.Provider = (*Provider)(nil)
