// Package economics computes the monetary split of a purchase.
//
// All amounts are integer minor currency units (cents). The base price comes
// from the checkout metadata, never from the provider's charged total; the
// provider only contributes its reported total processing fee.
package economics

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidPrice    = errors.New("economics: price must be a non-negative integer")
	ErrInvalidFee      = errors.New("economics: provider fee must be a non-negative integer")
	ErrInvalidCurrency = errors.New("economics: currency must be a 3-letter code")
	ErrInvalidPolicy   = errors.New("economics: invalid fee policy")
)

// BasisPoints is the denominator for CreatorShareBps.
const BasisPoints = 10000

// Policy holds the configured split constants.
type Policy struct {
	FixedFeeCents   int64 // fixed per-transaction provider fee
	CreatorShareBps int64 // creator share of the base price, 8000 = 80%
}

// DefaultPolicy is 30 cents fixed and an 80% creator share.
var DefaultPolicy = Policy{FixedFeeCents: 30, CreatorShareBps: 8000}

// Validate checks the policy constants are in range.
func (p Policy) Validate() error {
	if p.FixedFeeCents < 0 {
		return fmt.Errorf("%w: fixed fee %d", ErrInvalidPolicy, p.FixedFeeCents)
	}
	if p.CreatorShareBps < 0 || p.CreatorShareBps > BasisPoints {
		return fmt.Errorf("%w: creator share %d bps", ErrInvalidPolicy, p.CreatorShareBps)
	}
	return nil
}

// Split is the breakdown of a gross charge.
//
// Invariants: PlatformCut + CreatorCut == Gross and
// Net == Gross - (FixedFee + PercentageFee).
type Split struct {
	Currency      string `json:"currency"`
	Gross         int64  `json:"grossCents"`
	FixedFee      int64  `json:"fixedFeeCents"`
	PercentageFee int64  `json:"percentageFeeCents"`
	PlatformCut   int64  `json:"platformCutCents"`
	CreatorCut    int64  `json:"creatorCutCents"`
	Net           int64  `json:"netCents"`
}

// Compute splits basePriceCents given the provider's reported total fee.
//
// The fixed fee component is subtracted from the reported fee first and the
// remainder is attributed to the percentage component, floored at zero so a
// discounted fee below the fixed component never produces a negative fee.
// The creator cut is floor(base * share); the platform takes the remainder.
func Compute(basePriceCents int64, currency string, totalFeeCents int64, policy Policy) (Split, error) {
	if basePriceCents < 0 {
		return Split{}, fmt.Errorf("%w: got %d", ErrInvalidPrice, basePriceCents)
	}
	if totalFeeCents < 0 {
		return Split{}, fmt.Errorf("%w: got %d", ErrInvalidFee, totalFeeCents)
	}
	cur, err := NormalizeCurrency(currency)
	if err != nil {
		return Split{}, err
	}
	if err := policy.Validate(); err != nil {
		return Split{}, err
	}

	percentage := totalFeeCents - policy.FixedFeeCents
	if percentage < 0 {
		percentage = 0
	}

	creator := mulDivFloor(basePriceCents, policy.CreatorShareBps, BasisPoints)

	return Split{
		Currency:      cur,
		Gross:         basePriceCents,
		FixedFee:      policy.FixedFeeCents,
		PercentageFee: percentage,
		CreatorCut:    creator,
		PlatformCut:   basePriceCents - creator,
		Net:           basePriceCents - policy.FixedFeeCents - percentage,
	}, nil
}

// NormalizeCurrency upper-cases a 3-letter ISO-4217-style code.
func NormalizeCurrency(currency string) (string, error) {
	cur := strings.ToUpper(strings.TrimSpace(currency))
	if len(cur) != 3 {
		return "", fmt.Errorf("%w: got %q", ErrInvalidCurrency, currency)
	}
	for _, r := range cur {
		if r < 'A' || r > 'Z' {
			return "", fmt.Errorf("%w: got %q", ErrInvalidCurrency, currency)
		}
	}
	return cur, nil
}

// mulDivFloor returns floor(a*num/den) for non-negative inputs without
// overflowing when a*num exceeds int64.
func mulDivFloor(a, num, den int64) int64 {
	q, r := a/den, a%den
	return q*num + (r*num)/den
}
