// Package reconcile turns verified provider webhooks into durable purchase
// records.
//
// A paid event flows through verify, admit, validate, fee lookup, split,
// transition and fan-out, in that order. Admission happens before
// validation so that a malformed event is still recorded as seen and its
// redelivery is deduplicated. Status-update events (failed, canceled,
// refunded) only move an existing transaction through the guard. One that
// arrives before its payment is recorded stays open in the ledger and is
// applied as soon as the paid event creates the transaction.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/sessionpay/internal/checkout"
	"github.com/mbd888/sessionpay/internal/economics"
	"github.com/mbd888/sessionpay/internal/entitlements"
	"github.com/mbd888/sessionpay/internal/eventledger"
	"github.com/mbd888/sessionpay/internal/idgen"
	"github.com/mbd888/sessionpay/internal/logging"
	"github.com/mbd888/sessionpay/internal/pagination"
	"github.com/mbd888/sessionpay/internal/provider"
	"github.com/mbd888/sessionpay/internal/receipts"
	"github.com/mbd888/sessionpay/internal/traces"
	"github.com/mbd888/sessionpay/internal/transactions"
)

// WarningGrantFailed is reported when the transaction was recorded but the
// entitlement fan-out did not finish. An operator can re-grant later.
const WarningGrantFailed = "entitlement_grant_failed"

// Outcome recorded in the ledger for events that changed nothing.
const outcomeIgnored = "ignored"

// outcomeDeferred labels status updates still waiting for their payment.
// Deferred events get no ledger outcome.
const outcomeDeferred = "deferred"

// Response is the body returned to the provider on success.
type Response struct {
	OK            bool                 `json:"ok"`
	Deduped       bool                 `json:"deduped,omitempty"`
	Ignored       bool                 `json:"ignored,omitempty"`
	Replayed      bool                 `json:"replayed,omitempty"`
	Deferred      bool                 `json:"deferred,omitempty"`
	TransactionID string               `json:"transactionId,omitempty"`
	Status        transactions.Status  `json:"status,omitempty"`
	Outcome       transactions.Outcome `json:"outcome,omitempty"`
	Warning       string               `json:"warning,omitempty"`
	Granted       *entitlements.Grant  `json:"granted,omitempty"`
}

// Orchestrator runs the reconciliation pipeline.
type Orchestrator struct {
	providers *provider.Registry
	ledger    *eventledger.Ledger
	machine   *transactions.Machine
	granter   *entitlements.Granter
	fees      *provider.FeeLookup
	policy    economics.Policy
	queue     receipts.Queue
	now       func() time.Time
}

// New creates an orchestrator.
func New(
	providers *provider.Registry,
	ledger *eventledger.Ledger,
	machine *transactions.Machine,
	granter *entitlements.Granter,
	fees *provider.FeeLookup,
	policy economics.Policy,
) *Orchestrator {
	return &Orchestrator{
		providers: providers,
		ledger:    ledger,
		machine:   machine,
		granter:   granter,
		fees:      fees,
		policy:    policy,
		now:       time.Now,
	}
}

// WithReceiptQueue enables receipt jobs for new successful purchases.
func (o *Orchestrator) WithReceiptQueue(q receipts.Queue) *Orchestrator {
	o.queue = q
	return o
}

// HandleWebhook verifies and processes one delivery. A returned error is
// always an *Error.
func (o *Orchestrator) HandleWebhook(ctx context.Context, providerName string, payload []byte, header string) (*Response, error) {
	start := o.now()

	p, err := o.providers.Get(providerName)
	if err != nil {
		webhooksTotal.WithLabelValues("unknown", KindUnknownProvider.Code()).Inc()
		return nil, fail(KindUnknownProvider, err)
	}
	defer func() {
		pipelineDuration.WithLabelValues(p.Name()).Observe(time.Since(start).Seconds())
	}()

	ev, err := p.Verify(payload, header)
	if err != nil {
		kind := KindMalformed
		if errors.Is(err, provider.ErrSignatureInvalid) {
			kind = KindSignature
		}
		logging.L(ctx).Warn("webhook rejected", "provider", p.Name(), "error", err)
		webhooksTotal.WithLabelValues(p.Name(), kind.Code()).Inc()
		return nil, fail(kind, err)
	}

	ctx, span := traces.StartSpan(ctx, "reconcile.webhook",
		traces.Provider(p.Name()), traces.EventID(ev.ID), traces.EventType(ev.Type))
	defer span.End()
	log := logging.ForEvent(ctx, p.Name(), ev.ID)

	if ev.Category == provider.CategoryOther {
		log.Debug("event type not handled", "event_type", ev.Type)
		webhooksTotal.WithLabelValues(p.Name(), "ignored").Inc()
		return &Response{OK: true, Ignored: true}, nil
	}

	adm, err := o.ledger.Admit(ctx, &eventledger.Record{
		Provider:         p.Name(),
		EventID:          ev.ID,
		EventType:        ev.Type,
		PaymentReference: ev.PaymentReference,
		Payload:          payload,
	})
	if err != nil {
		log.Error("event admission failed", "error", err)
		traces.RecordError(span, err)
		webhooksTotal.WithLabelValues(p.Name(), KindStorage.Code()).Inc()
		return nil, fail(KindStorage, err)
	}
	if adm == eventledger.AlreadyProcessed {
		log.Info("duplicate delivery")
		webhooksTotal.WithLabelValues(p.Name(), "deduped").Inc()
		return &Response{OK: true, Deduped: true}, nil
	}

	resp, err := o.process(ctx, p, ev)
	o.complete(ctx, p.Name(), ev.ID, resp, err)
	if err != nil {
		traces.RecordError(span, err)
		webhooksTotal.WithLabelValues(p.Name(), resultOf(nil, err)).Inc()
		return nil, err
	}
	span.SetAttributes(traces.TransactionID(resp.TransactionID), traces.Outcome(string(resp.Outcome)))
	webhooksTotal.WithLabelValues(p.Name(), resultOf(resp, nil)).Inc()
	return resp, nil
}

// Replay re-runs a stored event through the pipeline without admission.
// The transaction business key and the transition guard make this safe to
// repeat.
func (o *Orchestrator) Replay(ctx context.Context, providerName, eventID string) (*Response, error) {
	p, err := o.providers.Get(providerName)
	if err != nil {
		return nil, fail(KindUnknownProvider, err)
	}
	rec, err := o.ledger.Get(ctx, p.Name(), eventID)
	if errors.Is(err, eventledger.ErrNotFound) {
		return nil, fail(KindNotFound, err)
	}
	if err != nil {
		return nil, fail(KindStorage, err)
	}

	ev, err := p.Decode(rec.Payload)
	if err != nil {
		replaysTotal.WithLabelValues(p.Name(), KindMalformed.Code()).Inc()
		return nil, fail(KindMalformed, err)
	}

	ctx, span := traces.StartSpan(ctx, "reconcile.replay",
		traces.Provider(p.Name()), traces.EventID(ev.ID), traces.EventType(ev.Type))
	defer span.End()
	logging.ForEvent(ctx, p.Name(), ev.ID).Info("replaying event", "received_at", rec.ReceivedAt)

	if ev.Category == provider.CategoryOther {
		o.complete(ctx, p.Name(), rec.EventID, &Response{OK: true, Ignored: true}, nil)
		replaysTotal.WithLabelValues(p.Name(), "ignored").Inc()
		return &Response{OK: true, Ignored: true, Replayed: true}, nil
	}

	resp, err := o.process(ctx, p, ev)
	o.complete(ctx, p.Name(), rec.EventID, resp, err)
	if err != nil {
		traces.RecordError(span, err)
		replaysTotal.WithLabelValues(p.Name(), resultOf(nil, err)).Inc()
		return nil, err
	}
	resp.Replayed = true
	replaysTotal.WithLabelValues(p.Name(), resultOf(resp, nil)).Inc()
	return resp, nil
}

// Regrant re-runs the entitlement fan-out for a succeeded transaction.
func (o *Orchestrator) Regrant(ctx context.Context, transactionID string) (*entitlements.Grant, error) {
	tx, err := o.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if tx.Status != transactions.StatusSucceeded {
		return nil, fail(KindConflict, fmt.Errorf("transaction %s is %s, not succeeded", tx.ID, tx.Status))
	}
	grant, err := o.granter.Grant(ctx, tx.Metadata())
	if err != nil {
		entitlementFailures.WithLabelValues(tx.Provider).Inc()
		return grant, fail(KindStorage, err)
	}
	logging.L(ctx).Info("entitlements re-granted",
		"transaction_id", tx.ID, "sessions", len(grant.Sessions), "created", grant.Created)
	return grant, nil
}

// GetTransaction loads a transaction by id.
func (o *Orchestrator) GetTransaction(ctx context.Context, id string) (*transactions.Transaction, error) {
	tx, err := o.machine.Get(ctx, id)
	if errors.Is(err, transactions.ErrNotFound) {
		return nil, fail(KindNotFound, err)
	}
	if err != nil {
		return nil, fail(KindStorage, err)
	}
	return tx, nil
}

// TransactionPage is one newest-first page of a buyer's transactions.
type TransactionPage struct {
	Transactions []*transactions.Transaction
	NextCursor   string
	HasMore      bool
}

// ListTransactions returns one page of a buyer's transactions after the
// cursor, newest first.
func (o *Orchestrator) ListTransactions(ctx context.Context, buyerID string, limit int, after *pagination.Cursor) (*TransactionPage, error) {
	if limit <= 0 {
		limit = 50
	}
	txs, err := o.machine.ListByBuyer(ctx, buyerID, limit+1, after)
	if err != nil {
		return nil, fail(KindStorage, err)
	}
	txs, next, more := pagination.ComputePage(txs, limit, func(tx *transactions.Transaction) (time.Time, string) {
		return tx.CreatedAt, tx.ID
	})
	return &TransactionPage{Transactions: txs, NextCursor: next, HasMore: more}, nil
}

func (o *Orchestrator) process(ctx context.Context, p provider.Provider, ev *provider.Event) (*Response, error) {
	if ev.Category == provider.CategoryPaid {
		return o.processPaid(ctx, p, ev)
	}
	if next, ok := statusFor(ev.Category); ok {
		return o.processStatus(ctx, p, ev, next)
	}
	return &Response{OK: true, Ignored: true}, nil
}

// statusFor maps a status-update category to the status it requests.
func statusFor(c provider.Category) (transactions.Status, bool) {
	switch c {
	case provider.CategoryFailed:
		return transactions.StatusFailed, true
	case provider.CategoryCanceled:
		return transactions.StatusCanceled, true
	case provider.CategoryRefunded:
		return transactions.StatusRefunded, true
	default:
		return "", false
	}
}

func (o *Orchestrator) processPaid(ctx context.Context, p provider.Provider, ev *provider.Event) (*Response, error) {
	log := logging.ForEvent(ctx, p.Name(), ev.ID)

	md, err := checkout.Parse(ev.Metadata)
	if err != nil {
		log.Warn("invalid checkout metadata", "error", err)
		return nil, fail(KindValidation, err)
	}

	fee, err := o.fees.Fee(ctx, p, ev)
	if err != nil {
		log.Error("fee lookup failed", "payment_reference", ev.PaymentReference, "error", err)
		if errors.Is(err, provider.ErrPaymentNotFound) {
			return nil, fail(KindValidation, err)
		}
		return nil, fail(KindUpstream, err)
	}

	split, err := economics.Compute(md.PriceCents, md.Currency, fee, o.policy)
	if err != nil {
		log.Warn("split rejected", "price_cents", md.PriceCents, "fee_cents", fee, "error", err)
		return nil, fail(KindValidation, err)
	}

	proposed := &transactions.Transaction{
		BuyerID:          md.BuyerID,
		CreatorID:        md.CreatorID,
		Provider:         p.Name(),
		PaymentReference: ev.PaymentReference,
		PurchaseType:     md.Kind,
		Status:           transactions.StatusSucceeded,
		Split:            split,
		EventID:          ev.ID,
	}
	if md.IsBundle() {
		proposed.ChallengeID = md.TargetID
	} else {
		proposed.SessionID = md.TargetID
	}

	res, err := o.machine.Apply(ctx, proposed)
	if err != nil {
		log.Error("transaction write failed", "payment_reference", ev.PaymentReference, "error", err)
		if errors.Is(err, transactions.ErrMissingBusinessKey) || errors.Is(err, transactions.ErrInvalidTarget) {
			return nil, fail(KindValidation, err)
		}
		return nil, fail(KindStorage, err)
	}

	tx := res.Transaction
	log = log.With("transaction_id", tx.ID)
	resp := &Response{
		OK:            true,
		TransactionID: tx.ID,
		Status:        tx.Status,
		Outcome:       res.Outcome,
	}
	if res.Outcome == transactions.OutcomeIgnored {
		log.Info("stale paid event ignored", "current_status", tx.Status)
		resp.Ignored = true
		return resp, nil
	}
	log.Info("transaction recorded",
		"outcome", res.Outcome, "gross_cents", split.Gross, "net_cents", split.Net)

	if status := o.applyDeferred(ctx, p, tx, ev.ID); status != tx.Status {
		log.Info("paid event superseded by an earlier status update", "status", status)
		resp.Status = status
		return resp, nil
	}

	// The transaction is the durable effect. Everything below is
	// best-effort and reported, not failed.
	grant, err := o.granter.Grant(ctx, tx.Metadata())
	if err != nil {
		log.Error("entitlement fan-out failed", "error", err)
		entitlementFailures.WithLabelValues(p.Name()).Inc()
		resp.Warning = WarningGrantFailed
	} else {
		resp.Granted = grant
	}

	if res.Outcome == transactions.OutcomeCreated || res.Outcome == transactions.OutcomeUpdated {
		o.enqueueReceipt(ctx, tx)
	}
	return resp, nil
}

func (o *Orchestrator) processStatus(ctx context.Context, p provider.Provider, ev *provider.Event, next transactions.Status) (*Response, error) {
	log := logging.ForEvent(ctx, p.Name(), ev.ID)

	key := transactions.BusinessKey{Provider: p.Name(), PaymentReference: ev.PaymentReference}
	res, err := o.machine.Transition(ctx, key, next)
	if errors.Is(err, transactions.ErrNotFound) {
		log.Info("status update deferred until the payment is recorded",
			"payment_reference", ev.PaymentReference, "status", next)
		return &Response{OK: true, Deferred: true}, nil
	}
	if err != nil {
		log.Error("status update failed", "payment_reference", ev.PaymentReference, "error", err)
		if errors.Is(err, transactions.ErrMissingBusinessKey) {
			return nil, fail(KindValidation, err)
		}
		return nil, fail(KindStorage, err)
	}

	tx := res.Transaction
	log.Info("status update applied",
		"transaction_id", tx.ID, "outcome", res.Outcome, "previous", res.Previous, "status", tx.Status)
	return &Response{
		OK:            true,
		Ignored:       res.Outcome == transactions.OutcomeIgnored,
		TransactionID: tx.ID,
		Status:        tx.Status,
		Outcome:       res.Outcome,
	}, nil
}

// applyDeferred runs status updates for tx's payment that were admitted
// before the transaction existed, and returns the resulting status. Events
// it cannot apply stay open for the sweeper.
func (o *Orchestrator) applyDeferred(ctx context.Context, p provider.Provider, tx *transactions.Transaction, paidEventID string) transactions.Status {
	status := tx.Status
	recs, err := o.ledger.Pending(ctx, p.Name(), tx.PaymentReference)
	if err != nil {
		logging.ForEvent(ctx, p.Name(), paidEventID).Warn("could not load deferred status updates", "error", err)
		return status
	}
	for _, rec := range recs {
		if rec.EventID == paidEventID {
			continue
		}
		ev, err := p.Decode(rec.Payload)
		if err != nil {
			continue
		}
		next, ok := statusFor(ev.Category)
		if !ok {
			continue
		}
		resp, err := o.processStatus(ctx, p, ev, next)
		o.complete(ctx, p.Name(), rec.EventID, resp, err)
		if err != nil {
			continue
		}
		deferredApplied.WithLabelValues(p.Name()).Inc()
		if resp.TransactionID == tx.ID {
			status = resp.Status
		}
	}
	return status
}

func (o *Orchestrator) enqueueReceipt(ctx context.Context, tx *transactions.Transaction) {
	if o.queue == nil {
		return
	}
	job := receipts.Job{
		ID:            idgen.New(),
		TransactionID: tx.ID,
		BuyerID:       tx.BuyerID,
		GrossCents:    tx.Split.Gross,
		Currency:      tx.Split.Currency,
		EnqueuedAt:    o.now().UTC(),
	}
	if err := o.queue.Enqueue(ctx, job); err != nil {
		receiptEnqueueFailures.Inc()
		logging.L(ctx).Warn("receipt enqueue failed", "transaction_id", tx.ID, "error", err)
	}
}

// complete records the event's outcome in the ledger. Transient failures
// are left open so the stranded-event sweeper can pick them up.
func (o *Orchestrator) complete(ctx context.Context, providerName, eventID string, resp *Response, err error) {
	var outcome string
	switch {
	case err == nil && resp.Deferred:
		return
	case err == nil:
		outcome = resultOf(resp, nil)
	default:
		var rerr *Error
		if !errors.As(err, &rerr) || !rerr.Kind.Permanent() {
			return
		}
		outcome = rerr.Kind.Code()
	}
	if cerr := o.ledger.Complete(ctx, providerName, eventID, outcome); cerr != nil {
		logging.ForEvent(ctx, providerName, eventID).Warn("could not record event outcome", "error", cerr)
	}
}

// resultOf is the metric and ledger label for a pipeline result.
func resultOf(resp *Response, err error) string {
	if err != nil {
		var rerr *Error
		if errors.As(err, &rerr) {
			return rerr.Kind.Code()
		}
		return "internal_error"
	}
	switch {
	case resp.Deferred:
		return outcomeDeferred
	case resp.Ignored:
		return outcomeIgnored
	case resp.Outcome != "":
		return string(resp.Outcome)
	default:
		return "processed"
	}
}
