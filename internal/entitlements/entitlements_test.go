package entitlements

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/mbd888/sessionpay/internal/checkout"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sessionPurchase(target, buyer string) checkout.Metadata {
	return checkout.Metadata{Kind: checkout.KindSession, TargetID: target, BuyerID: buyer, Currency: "USD", PriceCents: 1000}
}

func challengePurchase(target, buyer string) checkout.Metadata {
	return checkout.Metadata{Kind: checkout.KindChallenge, TargetID: target, BuyerID: buyer, Currency: "USD", PriceCents: 5000}
}

func TestGrant_SingleSession(t *testing.T) {
	store := NewMemoryStore()
	g := NewGranter(store, NewMemoryBundles())

	res, err := g.Grant(context.Background(), sessionPurchase("sess_1", "user_1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"sess_1"}, res.Sessions)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 1, store.Len())
}

func TestGrant_BundleOfNIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	bundles := NewMemoryBundles()
	const n = 5
	var ids []string
	for i := 0; i < n; i++ {
		ids = append(ids, fmt.Sprintf("sess_%d", i))
	}
	bundles.Set("chal_1", ids...)
	g := NewGranter(store, bundles)
	ctx := context.Background()

	res, err := g.Grant(ctx, challengePurchase("chal_1", "user_1"))
	require.NoError(t, err)
	assert.Equal(t, n, res.Created)
	assert.Equal(t, n, store.Len())

	res, err = g.Grant(ctx, challengePurchase("chal_1", "user_1"))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Created)
	assert.Len(t, res.Sessions, n)
	assert.Equal(t, n, store.Len())

	rows, err := g.ListByUser(ctx, "user_1")
	require.NoError(t, err)
	assert.Len(t, rows, n)
	for _, r := range rows {
		assert.Nil(t, r.JoinedAt)
	}
}

func TestGrant_PreexistingRowLeftAlone(t *testing.T) {
	store := NewMemoryStore()
	bundles := NewMemoryBundles()
	bundles.Set("chal_1", "sess_a", "sess_b")
	g := NewGranter(store, bundles)
	ctx := context.Background()

	created, err := store.Upsert(ctx, "sess_a", "user_1")
	require.NoError(t, err)
	require.True(t, created)

	res, err := g.Grant(ctx, challengePurchase("chal_1", "user_1"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 2, store.Len())
}

func TestGrant_UnknownOrEmptyBundle(t *testing.T) {
	bundles := NewMemoryBundles()
	bundles.Set("chal_empty")
	g := NewGranter(NewMemoryStore(), bundles)
	ctx := context.Background()

	_, err := g.Grant(ctx, challengePurchase("chal_missing", "user_1"))
	assert.ErrorIs(t, err, ErrUnknownBundle)

	_, err = g.Grant(ctx, challengePurchase("chal_empty", "user_1"))
	assert.ErrorIs(t, err, ErrEmptyBundle)
}

type flakyStore struct {
	*MemoryStore
	failOn string
}

func (f *flakyStore) Upsert(ctx context.Context, sessionID, userID string) (bool, error) {
	if sessionID == f.failOn {
		return false, errors.New("db unavailable")
	}
	return f.MemoryStore.Upsert(ctx, sessionID, userID)
}

func TestGrant_PartialFailureCanBeCompleted(t *testing.T) {
	inner := NewMemoryStore()
	store := &flakyStore{MemoryStore: inner, failOn: "sess_c"}
	bundles := NewMemoryBundles()
	bundles.Set("chal_1", "sess_a", "sess_b", "sess_c")
	ctx := context.Background()

	_, err := NewGranter(store, bundles).Grant(ctx, challengePurchase("chal_1", "user_1"))
	require.Error(t, err)
	assert.Equal(t, 2, inner.Len())

	res, err := NewGranter(inner, bundles).Grant(ctx, challengePurchase("chal_1", "user_1"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 3, inner.Len())
}
