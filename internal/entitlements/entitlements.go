// Package entitlements grants buyers access to the sessions they paid for.
package entitlements

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/sessionpay/internal/checkout"
)

var (
	ErrUnknownBundle = errors.New("entitlements: challenge not found")
	ErrEmptyBundle   = errors.New("entitlements: challenge has no sessions")
)

// Attendance is one (session, user) access grant. JoinedAt stays nil until
// the user actually joins; that write belongs to the join flow.
type Attendance struct {
	SessionID string     `json:"sessionId"`
	UserID    string     `json:"userId"`
	JoinedAt  *time.Time `json:"joinedAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Store persists attendance rows. Other flows write the same table, so
// Upsert must leave an existing row (and its JoinedAt) alone.
type Store interface {
	// Upsert reports whether a new row was written.
	Upsert(ctx context.Context, sessionID, userID string) (bool, error)
	ListByUser(ctx context.Context, userID string) ([]*Attendance, error)
}

// BundleResolver reads challenge membership owned by another service.
type BundleResolver interface {
	Sessions(ctx context.Context, challengeID string) ([]string, error)
}

// Grant summarizes a fan-out.
type Grant struct {
	Sessions []string `json:"sessions"`
	Created  int      `json:"created"`
}

// Granter fans a completed purchase out into attendance rows.
type Granter struct {
	store   Store
	bundles BundleResolver
}

// NewGranter creates a granter.
func NewGranter(store Store, bundles BundleResolver) *Granter {
	return &Granter{store: store, bundles: bundles}
}

// Grant upserts one attendance row per purchased session. Repeating a grant
// writes nothing new. On error some sessions may already be granted; calling
// Grant again completes the set.
func (g *Granter) Grant(ctx context.Context, md checkout.Metadata) (*Grant, error) {
	sessions := []string{md.TargetID}
	if md.IsBundle() {
		members, err := g.bundles.Sessions(ctx, md.TargetID)
		if err != nil {
			return nil, fmt.Errorf("resolve challenge %s: %w", md.TargetID, err)
		}
		if len(members) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrEmptyBundle, md.TargetID)
		}
		sessions = members
	}

	out := &Grant{Sessions: sessions}
	for _, sessionID := range sessions {
		created, err := g.store.Upsert(ctx, sessionID, md.BuyerID)
		if err != nil {
			return out, fmt.Errorf("grant session %s to %s: %w", sessionID, md.BuyerID, err)
		}
		if created {
			out.Created++
		}
	}
	grantsTotal.Add(float64(out.Created))
	return out, nil
}

// ListByUser returns a user's attendance rows.
func (g *Granter) ListByUser(ctx context.Context, userID string) ([]*Attendance, error) {
	return g.store.ListByUser(ctx, userID)
}
