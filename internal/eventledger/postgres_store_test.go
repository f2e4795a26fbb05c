package eventledger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sessionpay/internal/testutil"
)

func TestPostgresStore_Admission(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	l := New(NewPostgresStore(db))
	ctx := context.Background()

	a, err := l.Admit(ctx, &Record{Provider: "stripe", EventID: "evt_pg", EventType: "checkout.session.completed", Payload: []byte(`{"id":"evt_pg"}`)})
	require.NoError(t, err)
	assert.Equal(t, Admitted, a)

	a, err = l.Admit(ctx, &Record{Provider: "stripe", EventID: "evt_pg"})
	require.NoError(t, err)
	assert.Equal(t, AlreadyProcessed, a)

	rec, err := l.Get(ctx, "stripe", "evt_pg")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"id":"evt_pg"}`), rec.Payload)

	_, err = l.Get(ctx, "stripe", "evt_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_ConcurrentAdmission(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	l := New(NewPostgresStore(db))
	ctx := context.Background()

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := l.Admit(ctx, &Record{Provider: "stripe", EventID: "evt_race"})
			if assert.NoError(t, err) && a == Admitted {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), admitted.Load())
}

func TestPostgresStore_OutcomesAndStranded(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	l := New(NewPostgresStore(db))
	ctx := context.Background()
	old := time.Now().UTC().Add(-time.Hour)

	for _, id := range []string{"evt_a", "evt_b"} {
		_, err := l.Admit(ctx, &Record{Provider: "hmac", EventID: id, ReceivedAt: old})
		require.NoError(t, err)
	}
	_, err := l.Admit(ctx, &Record{Provider: "hmac", EventID: "evt_new"})
	require.NoError(t, err)

	require.NoError(t, l.Complete(ctx, "hmac", "evt_a", "created"))
	require.NoError(t, l.Complete(ctx, "hmac", "evt_a", "unchanged"))

	rec, err := l.Get(ctx, "hmac", "evt_a")
	require.NoError(t, err)
	assert.Equal(t, "unchanged", rec.Outcome)
	assert.True(t, rec.Completed())

	stranded, err := l.Stranded(ctx, 5*time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, stranded, 1)
	assert.Equal(t, "evt_b", stranded[0].EventID)
	assert.False(t, stranded[0].Completed())

	assert.ErrorIs(t, l.Complete(ctx, "hmac", "evt_missing", "created"), ErrNotFound)
}

func TestPostgresStore_PendingByReference(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	l := New(NewPostgresStore(db))
	ctx := context.Background()

	_, err := l.Admit(ctx, &Record{Provider: "hmac", EventID: "evt_r1", PaymentReference: "pay_ref"})
	require.NoError(t, err)
	_, err = l.Admit(ctx, &Record{Provider: "hmac", EventID: "evt_r2", PaymentReference: "pay_ref"})
	require.NoError(t, err)
	require.NoError(t, l.Complete(ctx, "hmac", "evt_r2", "ignored"))

	pending, err := l.Pending(ctx, "hmac", "pay_ref")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "evt_r1", pending[0].EventID)
	assert.Equal(t, "pay_ref", pending[0].PaymentReference)

	rec, err := l.Get(ctx, "hmac", "evt_r2")
	require.NoError(t, err)
	assert.Equal(t, "pay_ref", rec.PaymentReference)
}
