// Package checkout defines the metadata contract the checkout flow stamps
// onto every provider charge.
//
// The reconciliation engine treats this metadata as its only source of the
// base price and the business keys of a purchase. It arrives inside a signed
// provider event but is untrusted until Parse accepts it.
package checkout

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidMetadata is returned for metadata that fails the contract. It is
// permanent: redelivering the same event can never make it valid.
var ErrInvalidMetadata = errors.New("checkout: invalid metadata")

// Kind is the closed set of purchase types.
type Kind string

const (
	KindSession   Kind = "session"   // a single live session
	KindChallenge Kind = "challenge" // a bundle of sessions
)

// Metadata keys as written by the checkout flow.
const (
	KeyKind       = "kind"
	KeyTargetID   = "target_id"
	KeyBuyerID    = "buyer_id"
	KeyCreatorID  = "creator_id"
	KeyCurrency   = "currency"
	KeyPriceCents = "price_cents"
)

// Metadata is the validated checkout contract.
type Metadata struct {
	Kind       Kind   `json:"kind" validate:"required,oneof=session challenge"`
	TargetID   string `json:"targetId" validate:"required,max=128"`
	BuyerID    string `json:"buyerId" validate:"required,max=128"`
	CreatorID  string `json:"creatorId,omitempty" validate:"omitempty,max=128"`
	Currency   string `json:"currency" validate:"required,len=3,alpha"`
	PriceCents int64  `json:"priceCents" validate:"min=0"`
}

// IsBundle reports whether the purchase fans out to several resources.
func (m Metadata) IsBundle() bool { return m.Kind == KindChallenge }

var validate = validator.New(validator.WithRequiredStructEnabled())

// Parse validates raw provider metadata and returns the typed contract.
// price_cents must be a base-10 integer; anything else (floats, exponents,
// blanks) is rejected rather than coerced.
func Parse(raw map[string]string) (Metadata, error) {
	if len(raw) == 0 {
		return Metadata{}, fmt.Errorf("%w: metadata missing", ErrInvalidMetadata)
	}

	priceStr := strings.TrimSpace(raw[KeyPriceCents])
	if priceStr == "" {
		return Metadata{}, fmt.Errorf("%w: %s is required", ErrInvalidMetadata, KeyPriceCents)
	}
	price, err := strconv.ParseInt(priceStr, 10, 64)
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: %s must be an integer, got %q", ErrInvalidMetadata, KeyPriceCents, priceStr)
	}

	m := Metadata{
		Kind:       Kind(strings.ToLower(strings.TrimSpace(raw[KeyKind]))),
		TargetID:   strings.TrimSpace(raw[KeyTargetID]),
		BuyerID:    strings.TrimSpace(raw[KeyBuyerID]),
		CreatorID:  strings.TrimSpace(raw[KeyCreatorID]),
		Currency:   strings.ToUpper(strings.TrimSpace(raw[KeyCurrency])),
		PriceCents: price,
	}
	if err := m.Validate(); err != nil {
		return Metadata{}, err
	}
	return m, nil
}

// Validate checks the struct rules and reports the offending fields.
func (m Metadata) Validate() error {
	err := validate.Struct(m)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s failed %s", fieldKey(fe.Field()), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrInvalidMetadata, strings.Join(fields, "; "))
}

// Map renders the metadata in the provider's string-valued form. The
// checkout collaborator stamps exactly this map onto the charge.
func (m Metadata) Map() map[string]string {
	out := map[string]string{
		KeyKind:       string(m.Kind),
		KeyTargetID:   m.TargetID,
		KeyBuyerID:    m.BuyerID,
		KeyCurrency:   m.Currency,
		KeyPriceCents: strconv.FormatInt(m.PriceCents, 10),
	}
	if m.CreatorID != "" {
		out[KeyCreatorID] = m.CreatorID
	}
	return out
}

func fieldKey(structField string) string {
	switch structField {
	case "Kind":
		return KeyKind
	case "TargetID":
		return KeyTargetID
	case "BuyerID":
		return KeyBuyerID
	case "CreatorID":
		return KeyCreatorID
	case "Currency":
		return KeyCurrency
	case "PriceCents":
		return KeyPriceCents
	}
	return structField
}
