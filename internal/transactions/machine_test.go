package transactions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/sessionpay/internal/checkout"
	"github.com/mbd888/sessionpay/internal/dbutil"
	"github.com/mbd888/sessionpay/internal/economics"
	"github.com/mbd888/sessionpay/internal/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func proposal(ref string, status Status) *Transaction {
	split, _ := economics.Compute(1000, "usd", 58, economics.DefaultPolicy)
	return &Transaction{
		BuyerID:          "user_1",
		CreatorID:        "creator_1",
		SessionID:        "sess_1",
		Provider:         "stripe",
		PaymentReference: ref,
		PurchaseType:     checkout.KindSession,
		Status:           status,
		Split:            split,
		EventID:          "evt_" + ref,
	}
}

func TestApply_CreatesWithProposedStatus(t *testing.T) {
	m := NewMachine(NewMemoryStore())

	res, err := m.Apply(context.Background(), proposal("pi_1", StatusSucceeded))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Outcome)
	assert.Equal(t, StatusSucceeded, res.Transaction.Status)
	assert.NotEmpty(t, res.Transaction.ID)
	assert.Equal(t, int64(942), res.Transaction.Split.Net)
	assert.False(t, res.Transaction.CreatedAt.IsZero())
	assert.Empty(t, res.Previous)
}

func TestApply_SucceededIgnoresBackwardUpdates(t *testing.T) {
	m := NewMachine(NewMemoryStore())
	ctx := context.Background()

	_, err := m.Apply(ctx, proposal("pi_1", StatusSucceeded))
	require.NoError(t, err)

	for _, next := range []Status{StatusPending, StatusFailed, StatusCanceled} {
		res, err := m.Apply(ctx, proposal("pi_1", next))
		require.NoError(t, err)
		assert.Equal(t, OutcomeIgnored, res.Outcome, "next=%s", next)
		assert.Equal(t, StatusSucceeded, res.Transaction.Status)
	}

	res, err := m.Apply(ctx, proposal("pi_1", StatusRefunded))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, res.Outcome)
	assert.Equal(t, StatusSucceeded, res.Previous)
	assert.Equal(t, StatusRefunded, res.Transaction.Status)

	res, err = m.Apply(ctx, proposal("pi_1", StatusSucceeded))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)
	assert.Equal(t, StatusRefunded, res.Transaction.Status)
}

func TestApply_SameStatusIsUnchanged(t *testing.T) {
	store := NewMemoryStore()
	m := NewMachine(store)
	ctx := context.Background()

	first, err := m.Apply(ctx, proposal("pi_1", StatusSucceeded))
	require.NoError(t, err)

	res, err := m.Apply(ctx, proposal("pi_1", StatusSucceeded))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, res.Outcome)
	assert.Equal(t, first.Transaction.ID, res.Transaction.ID)
	assert.Equal(t, 1, store.Len())
}

func TestApply_PendingThenSucceeded(t *testing.T) {
	m := NewMachine(NewMemoryStore())
	ctx := context.Background()

	_, err := m.Apply(ctx, proposal("pi_1", StatusPending))
	require.NoError(t, err)

	res, err := m.Apply(ctx, proposal("pi_1", StatusSucceeded))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, res.Outcome)
	assert.Equal(t, StatusPending, res.Previous)

	got, err := m.Get(ctx, res.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, got.Status)
}

func TestApply_DoesNotRewriteSplit(t *testing.T) {
	m := NewMachine(NewMemoryStore())
	ctx := context.Background()

	first, err := m.Apply(ctx, proposal("pi_1", StatusPending))
	require.NoError(t, err)

	later := proposal("pi_1", StatusSucceeded)
	later.Split, _ = economics.Compute(5000, "usd", 100, economics.DefaultPolicy)
	res, err := m.Apply(ctx, later)
	require.NoError(t, err)
	assert.Equal(t, first.Transaction.Split, res.Transaction.Split)
}

func TestApply_Validation(t *testing.T) {
	m := NewMachine(NewMemoryStore())
	ctx := context.Background()

	p := proposal("", StatusSucceeded)
	_, err := m.Apply(ctx, p)
	assert.ErrorIs(t, err, ErrMissingBusinessKey)

	p = proposal("pi_1", Status("weird"))
	_, err = m.Apply(ctx, p)
	assert.ErrorIs(t, err, ErrInvalidStatus)

	p = proposal("pi_1", StatusSucceeded)
	p.ChallengeID = "chal_1"
	_, err = m.Apply(ctx, p)
	assert.ErrorIs(t, err, ErrInvalidTarget)

	p = proposal("pi_1", StatusSucceeded)
	p.SessionID = ""
	_, err = m.Apply(ctx, p)
	assert.ErrorIs(t, err, ErrInvalidTarget)
}

func TestApply_ConcurrentCreatesSingleRow(t *testing.T) {
	store := NewMemoryStore()
	m := NewMachine(store)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	outcomes := map[Outcome]int{}
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.Apply(ctx, proposal("pi_race", StatusSucceeded))
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			outcomes[res.Outcome]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, store.Len())
	assert.Equal(t, 1, outcomes[OutcomeCreated])
	assert.Equal(t, 19, outcomes[OutcomeUnchanged])
}

func TestTransition(t *testing.T) {
	m := NewMachine(NewMemoryStore())
	ctx := context.Background()

	_, err := m.Transition(ctx, BusinessKey{Provider: "stripe", PaymentReference: "pi_missing"}, StatusRefunded)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.Apply(ctx, proposal("pi_1", StatusSucceeded))
	require.NoError(t, err)

	key := BusinessKey{Provider: "stripe", PaymentReference: "pi_1"}
	res, err := m.Transition(ctx, key, StatusFailed)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)

	res, err = m.Transition(ctx, key, StatusRefunded)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, res.Outcome)

	_, err = m.Transition(ctx, BusinessKey{Provider: "stripe"}, StatusRefunded)
	assert.ErrorIs(t, err, ErrMissingBusinessKey)
}

// racyStore simulates another writer: the first insert loses to a row that
// appears concurrently, and conditional updates fail a configurable number
// of times.
type racyStore struct {
	*MemoryStore
	loseInsert    bool
	failUpdates   int
	updateCalls   int
	competitorRow *Transaction
}

func (r *racyStore) Insert(ctx context.Context, tx *Transaction) (dbutil.InsertResult, error) {
	if r.loseInsert {
		r.loseInsert = false
		if _, err := r.MemoryStore.Insert(ctx, r.competitorRow); err != nil {
			return 0, err
		}
		return dbutil.AlreadyExists, nil
	}
	return r.MemoryStore.Insert(ctx, tx)
}

func (r *racyStore) UpdateStatus(ctx context.Context, id string, prev, next Status, at time.Time) (bool, error) {
	r.updateCalls++
	if r.failUpdates > 0 {
		r.failUpdates--
		return false, nil
	}
	return r.MemoryStore.UpdateStatus(ctx, id, prev, next, at)
}

func TestApply_LostInsertRaceFallsBackToGuard(t *testing.T) {
	competitor := proposal("pi_1", StatusPending)
	competitor.ID = "txn_competitor"
	store := &racyStore{MemoryStore: NewMemoryStore(), loseInsert: true, competitorRow: competitor}
	m := NewMachine(store)

	res, err := m.Apply(context.Background(), proposal("pi_1", StatusSucceeded))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, res.Outcome)
	assert.Equal(t, "txn_competitor", res.Transaction.ID)
	assert.Equal(t, StatusPending, res.Previous)
	assert.Equal(t, 1, store.Len())
}

func TestApply_RetriesConditionalUpdate(t *testing.T) {
	store := &racyStore{MemoryStore: NewMemoryStore()}
	m := NewMachine(store)
	ctx := context.Background()

	_, err := m.Apply(ctx, proposal("pi_1", StatusPending))
	require.NoError(t, err)

	store.failUpdates = 2
	res, err := m.Apply(ctx, proposal("pi_1", StatusSucceeded))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, res.Outcome)
	assert.Equal(t, 3, store.updateCalls)
}

func TestApply_GivesUpAfterRepeatedConflicts(t *testing.T) {
	store := &racyStore{MemoryStore: NewMemoryStore()}
	m := NewMachine(store)
	ctx := context.Background()

	_, err := m.Apply(ctx, proposal("pi_1", StatusPending))
	require.NoError(t, err)

	store.failUpdates = maxGuardAttempts
	_, err = m.Apply(ctx, proposal("pi_1", StatusSucceeded))
	assert.ErrorIs(t, err, ErrConcurrentUpdate)
}

type failingStore struct {
	*MemoryStore
}

func (failingStore) GetByBusinessKey(context.Context, BusinessKey) (*Transaction, error) {
	return nil, errors.New("connection reset")
}

func TestApply_StoreErrorIsWrapped(t *testing.T) {
	m := NewMachine(failingStore{NewMemoryStore()})
	_, err := m.Apply(context.Background(), proposal("pi_1", StatusSucceeded))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestListByBuyer_NewestFirst(t *testing.T) {
	m := NewMachine(NewMemoryStore())
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	m.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	for _, ref := range []string{"pi_a", "pi_b", "pi_c"} {
		_, err := m.Apply(ctx, proposal(ref, StatusSucceeded))
		require.NoError(t, err)
	}

	list, err := m.ListByBuyer(ctx, "user_1", 0, nil)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "pi_c", list[0].PaymentReference)
	assert.Equal(t, "pi_a", list[2].PaymentReference)

	list, err = m.ListByBuyer(ctx, "user_1", 2, nil)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	list, err = m.ListByBuyer(ctx, "nobody", 10, nil)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestTransaction_Metadata(t *testing.T) {
	tx := proposal("pi_1", StatusSucceeded)
	md := tx.Metadata()
	assert.Equal(t, checkout.KindSession, md.Kind)
	assert.Equal(t, "sess_1", md.TargetID)
	assert.Equal(t, "user_1", md.BuyerID)
	assert.Equal(t, int64(1000), md.PriceCents)
	assert.Equal(t, "USD", md.Currency)
}

func TestListByBuyer_CursorBreaksTimestampTies(t *testing.T) {
	m := NewMachine(NewMemoryStore())
	ctx := context.Background()
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return at }

	for _, ref := range []string{"pi_a", "pi_b", "pi_c", "pi_d", "pi_e"} {
		tx := proposal(ref, StatusSucceeded)
		tx.ID = "txn_" + ref
		_, err := m.Apply(ctx, tx)
		require.NoError(t, err)
	}

	first, err := m.ListByBuyer(ctx, "user_1", 2, nil)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "txn_pi_e", first[0].ID)
	assert.Equal(t, "txn_pi_d", first[1].ID)

	after := &pagination.Cursor{CreatedAt: first[1].CreatedAt, ID: first[1].ID}
	rest, err := m.ListByBuyer(ctx, "user_1", 10, after)
	require.NoError(t, err)
	require.Len(t, rest, 3)
	assert.Equal(t, "txn_pi_c", rest[0].ID)
	assert.Equal(t, "txn_pi_a", rest[2].ID)
}
