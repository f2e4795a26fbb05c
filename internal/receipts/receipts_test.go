package receipts

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-hmac-secret-for-receipts"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSender struct {
	mu   sync.Mutex
	sent []*Receipt
	err  error
}

func (r *recordingSender) Send(_ context.Context, rc *Receipt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, rc)
	return r.err
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func testJob(txID string) *Job {
	return &Job{ID: "job_" + txID, TransactionID: txID, BuyerID: "user_1", GrossCents: 1000, Currency: "USD", EnqueuedAt: time.Now()}
}

func TestIssue_SignsStoresAndSends(t *testing.T) {
	sender := &recordingSender{}
	svc := NewService(NewMemoryStore(), NewSigner(testSecret), sender)
	ctx := context.Background()

	r, err := svc.Issue(ctx, testJob("txn_1"))
	require.NoError(t, err)
	assert.NotEmpty(t, r.ID)
	assert.NotEmpty(t, r.Signature)
	assert.Len(t, r.PayloadHash, 64)
	assert.Equal(t, 1, sender.count())

	got, err := svc.GetByTransaction(ctx, "txn_1")
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)

	v, err := svc.Verify(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, v.Valid)
}

func TestIssue_RedeliveredJobDoesNotReissue(t *testing.T) {
	sender := &recordingSender{}
	svc := NewService(NewMemoryStore(), NewSigner(testSecret), sender)
	ctx := context.Background()

	first, err := svc.Issue(ctx, testJob("txn_1"))
	require.NoError(t, err)
	second, err := svc.Issue(ctx, testJob("txn_1"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Signature, second.Signature)
	assert.Equal(t, 2, sender.count())

	page, err := svc.ListByBuyer(ctx, "user_1", 0, nil)
	require.NoError(t, err)
	assert.Len(t, page.Receipts, 1)
	assert.False(t, page.HasMore)
}

func TestIssue_RequiresTransaction(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil, nil)
	_, err := svc.Issue(context.Background(), &Job{ID: "job_1"})
	assert.ErrorIs(t, err, ErrInvalidJob)
}

func TestIssue_SendFailureKeepsReceipt(t *testing.T) {
	sender := &recordingSender{err: errors.New("smtp down")}
	store := NewMemoryStore()
	svc := NewService(store, nil, sender)
	ctx := context.Background()

	r, err := svc.Issue(ctx, testJob("txn_1"))
	require.Error(t, err)
	require.NotNil(t, r)

	_, err = store.Get(ctx, r.ID)
	assert.NoError(t, err)
}

func TestVerify_DetectsTampering(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, NewSigner(testSecret), nil)
	ctx := context.Background()

	r, err := svc.Issue(ctx, testJob("txn_1"))
	require.NoError(t, err)

	store.mu.Lock()
	store.receipts[r.ID].GrossCents = 1
	store.mu.Unlock()

	v, err := svc.Verify(ctx, r.ID)
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, "signature verification failed", v.Error)

	v, err = svc.Verify(ctx, "rcpt_missing")
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, ErrReceiptNotFound.Error(), v.Error)
}

func TestVerify_SigningDisabled(t *testing.T) {
	svc := NewService(NewMemoryStore(), NewSigner(""), nil)
	r, err := svc.Issue(context.Background(), testJob("txn_1"))
	require.NoError(t, err)
	assert.Empty(t, r.Signature)

	v, err := svc.Verify(context.Background(), r.ID)
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, ErrSigningDisabled.Error(), v.Error)
}

func TestMemoryQueue(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx := context.Background()

	_, err := q.Dequeue(ctx, time.Millisecond)
	assert.ErrorIs(t, err, ErrQueueEmpty)

	require.NoError(t, q.Enqueue(ctx, *testJob("txn_1")))
	assert.ErrorIs(t, q.Enqueue(ctx, *testJob("txn_2")), ErrQueueFull)

	job, err := q.Dequeue(ctx, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "txn_1", job.TransactionID)
}

func TestWorker_DrainsQueue(t *testing.T) {
	q := NewMemoryQueue(10)
	sender := &recordingSender{}
	svc := NewService(NewMemoryStore(), NewSigner(testSecret), sender)
	w := NewWorker(q, svc, testLogger())
	w.pollTimeout = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, id := range []string{"txn_1", "txn_2", "txn_1"} {
		require.NoError(t, q.Enqueue(ctx, *testJob(id)))
	}

	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return sender.count() == 3 }, 2*time.Second, 5*time.Millisecond)
	page, err := svc.ListByBuyer(ctx, "user_1", 10, nil)
	require.NoError(t, err)
	assert.Len(t, page.Receipts, 2)
	assert.True(t, w.Running())

	w.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
	assert.False(t, w.Running())
}

func TestRedisQueue(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping integration test")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	defer func() { _ = client.Close() }()

	ctx := context.Background()
	key := "receipts:test:" + time.Now().Format("150405.000000")
	defer client.Del(ctx, key)

	q := NewRedisQueue(client, key)
	_, err = q.Dequeue(ctx, 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrQueueEmpty)

	require.NoError(t, q.Enqueue(ctx, *testJob("txn_1")))
	require.NoError(t, q.Enqueue(ctx, *testJob("txn_2")))
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "txn_1", job.TransactionID)
	assert.Equal(t, int64(1000), job.GrossCents)
}

func setupRouter(svc *Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(svc).RegisterRoutes(r.Group("/admin"))
	return r
}

func TestHandlers(t *testing.T) {
	svc := NewService(NewMemoryStore(), NewSigner(testSecret), nil)
	rc, err := svc.Issue(context.Background(), testJob("txn_1"))
	require.NoError(t, err)
	router := setupRouter(svc)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/receipts/"+rc.ID, nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/transactions/txn_1/receipt", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/receipts/rcpt_nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/admin/receipts/"+rc.ID+"/verify", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Verification VerifyResponse `json:"verification"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Verification.Valid)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/receipts", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/receipts?buyer=user_1", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
}

func TestHandlers_ListPages(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil, nil)
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return at }
	for _, tx := range []string{"txn_1", "txn_2", "txn_3"} {
		_, err := svc.Issue(context.Background(), testJob(tx))
		require.NoError(t, err)
	}
	router := setupRouter(svc)

	type listBody struct {
		Receipts   []*Receipt `json:"receipts"`
		NextCursor string     `json:"next_cursor"`
		HasMore    bool       `json:"has_more"`
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/receipts?buyer=user_1&limit=2", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var first listBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	require.Len(t, first.Receipts, 2)
	assert.True(t, first.HasMore)
	require.NotEmpty(t, first.NextCursor)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/receipts?buyer=user_1&limit=2&cursor="+first.NextCursor, nil))
	require.Equal(t, http.StatusOK, w.Code)
	var second listBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
	require.Len(t, second.Receipts, 1)
	assert.False(t, second.HasMore)
	assert.Empty(t, second.NextCursor)

	seen := map[string]bool{}
	for _, r := range append(first.Receipts, second.Receipts...) {
		seen[r.TransactionID] = true
	}
	assert.Len(t, seen, 3)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/receipts?buyer=user_1&limit=-1", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"validation_error"`)
}

// flakySender fails its first failures calls.
type flakySender struct {
	recordingSender
	failures int
}

func (f *flakySender) Send(ctx context.Context, rc *Receipt) error {
	f.mu.Lock()
	n := len(f.sent)
	f.mu.Unlock()
	_ = f.recordingSender.Send(ctx, rc)
	if n < f.failures {
		return errors.New("receiver unavailable")
	}
	return nil
}

func runWorker(t *testing.T, w *Worker) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestWorker_RequeuesFailedSend(t *testing.T) {
	q := NewMemoryQueue(10)
	sender := &flakySender{failures: 2}
	svc := NewService(NewMemoryStore(), nil, sender)
	w := NewWorker(q, svc, testLogger())
	w.pollTimeout = 10 * time.Millisecond
	w.errBackoff = time.Millisecond

	retried := testutil.ToFloat64(jobResults.WithLabelValues("retried"))
	done := testutil.ToFloat64(jobResults.WithLabelValues("done"))

	require.NoError(t, q.Enqueue(context.Background(), *testJob("txn_1")))
	stop := runWorker(t, w)
	defer stop()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(jobResults.WithLabelValues("done")) == done+1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, sender.count())
	assert.Equal(t, retried+2, testutil.ToFloat64(jobResults.WithLabelValues("retried")))

	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.Equal(t, sender.sent[0].ID, sender.sent[2].ID, "retries resend the stored receipt")
}

func TestWorker_DropsAfterMaxAttempts(t *testing.T) {
	q := NewMemoryQueue(10)
	sender := &recordingSender{err: errors.New("receiver unavailable")}
	svc := NewService(NewMemoryStore(), nil, sender)
	w := NewWorker(q, svc, testLogger()).WithMaxAttempts(3)
	w.pollTimeout = 10 * time.Millisecond
	w.errBackoff = time.Millisecond

	dropped := testutil.ToFloat64(jobResults.WithLabelValues("dropped"))

	require.NoError(t, q.Enqueue(context.Background(), *testJob("txn_1")))
	stop := runWorker(t, w)
	defer stop()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(jobResults.WithLabelValues("dropped")) == dropped+1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, sender.count())

	_, err := q.Dequeue(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrQueueEmpty)
}
