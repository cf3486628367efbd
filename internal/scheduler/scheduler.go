// Package scheduler drives the periodic sync cycle of §5: a
// time.Ticker loop, grounded on mulutu-paymatch's Worker.Run pattern
// (ticker + select over ctx.Done), generalized to the five-step
// deterministic cycle this system requires instead of a single poll.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/omc-payops/nvc-reconciler/internal/adapters"
	"github.com/omc-payops/nvc-reconciler/internal/models"
	"github.com/omc-payops/nvc-reconciler/internal/reconciler"
	"github.com/omc-payops/nvc-reconciler/internal/store"
)

// Sources bundles the four L1 adapters the scheduler drives each cycle.
type Sources struct {
	Email    *adapters.EmailAdapter
	Invoice  *adapters.InvoiceAdapter
	Inbound  *adapters.InboundFundingAdapter
	Outbound *adapters.OutboundPaymentAdapter
}

// Scheduler runs the deterministic 5-step sync cycle on a fixed
// interval: (1) emails, (2) invoices, (3) received payments, (4)
// outbound payments — fanned out concurrently, serialized at the store
// — then (5) the lump-sum pass, gated on steps 1 and 3 (§5).
type Scheduler struct {
	sources  Sources
	engine   *reconciler.Engine
	store    *store.Store
	interval time.Duration
	lookback time.Duration
	log      *logrus.Entry

	mu      sync.RWMutex
	running bool
	status  map[string]models.SyncState
}

func New(sources Sources, engine *reconciler.Engine, s *store.Store, interval, lookback time.Duration, log *logrus.Entry) *Scheduler {
	return &Scheduler{
		sources:  sources,
		engine:   engine,
		store:    s,
		interval: interval,
		lookback: lookback,
		log:      log,
		status:   make(map[string]models.SyncState),
	}
}

// Run blocks, ticking every interval until ctx is cancelled. An
// overrunning cycle is skipped rather than overlapped (§5 "no overlap").
func (sch *Scheduler) Run(ctx context.Context) {
	sch.log.Info("scheduler: started")
	ticker := time.NewTicker(sch.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sch.log.Info("scheduler: stopping")
			return
		case <-ticker.C:
			sch.tick(ctx)
		}
	}
}

func (sch *Scheduler) tick(ctx context.Context) {
	sch.mu.Lock()
	if sch.running {
		sch.log.Warn("scheduler: previous cycle still running, skipping this tick")
		sch.recordSkip()
		sch.mu.Unlock()
		return
	}
	sch.running = true
	sch.mu.Unlock()

	defer func() {
		sch.mu.Lock()
		sch.running = false
		sch.mu.Unlock()
	}()

	cycleCtx, cancel := context.WithTimeout(ctx, sch.interval)
	defer cancel()

	window := adapters.Window{Since: time.Now().Add(-sch.lookback), Until: time.Now()}

	var wg sync.WaitGroup
	var emailErr, invoiceErr, inboundErr, outboundErr error

	wg.Add(4)
	go func() { defer wg.Done(); emailErr = sch.runEmail(cycleCtx, window) }()
	go func() { defer wg.Done(); invoiceErr = sch.runInvoice(cycleCtx, window) }()
	go func() { defer wg.Done(); inboundErr = sch.runInbound(cycleCtx, window) }()
	go func() { defer wg.Done(); outboundErr = sch.runOutbound(cycleCtx, window) }()
	wg.Wait()

	// Step 5 runs only after steps 1 and 3 have both succeeded for the
	// cycle; if either failed it is skipped, and degraded mode still
	// serves cached data (§5, §7).
	if emailErr == nil && inboundErr == nil {
		if n, err := sch.engine.RunLumpSumPass(cycleCtx); err != nil {
			sch.log.WithError(err).Error("lump-sum pass failed")
		} else {
			sch.log.WithField("auto_linked", n).Info("lump-sum pass complete")
		}
	} else {
		sch.log.Warn("lump-sum pass skipped: email or inbound-funding sync did not complete cleanly this cycle")
	}
}

func (sch *Scheduler) runEmail(ctx context.Context, w adapters.Window) error {
	batch, err := sch.sources.Email.Fetch(ctx, w)
	count := 0
	if err == nil {
		eb := batch.(adapters.EmailBatch)
		count = len(eb.Emails)
		err = sch.engine.ApplyEmails(ctx, eb)
	}
	sch.finish("email", count, err)
	return err
}

func (sch *Scheduler) runInvoice(ctx context.Context, w adapters.Window) error {
	batch, err := sch.sources.Invoice.Fetch(ctx, w)
	count := 0
	if err == nil {
		ib := batch.(adapters.InvoiceBatch)
		count = len(ib.Invoices)
		err = sch.engine.ApplyInvoices(ctx, ib)
	}
	sch.finish("invoice", count, err)
	return err
}

func (sch *Scheduler) runInbound(ctx context.Context, w adapters.Window) error {
	batch, err := sch.sources.Inbound.Fetch(ctx, w)
	count := 0
	if err == nil {
		rb := batch.(adapters.ReceivedPaymentBatch)
		count = len(rb.Payments)
		err = sch.engine.ApplyReceivedPayments(ctx, rb)
	}
	sch.finish("inbound_funding", count, err)
	return err
}

func (sch *Scheduler) runOutbound(ctx context.Context, w adapters.Window) error {
	batch, err := sch.sources.Outbound.Fetch(ctx, w)
	count := 0
	if err == nil {
		ob := batch.(adapters.OutboundPaymentBatch)
		count = len(ob.Payments)
		err = sch.engine.ApplyOutboundPayments(ctx, ob)
	}
	sch.finish("outbound_payment", count, err)
	return err
}

// finish records the per-source outcome in both the in-memory Status()
// surface and the persisted sync_state table, and logs a degraded-mode
// warning on failure (§4.5, §7).
func (sch *Scheduler) finish(source string, count int, err error) {
	now := time.Now().UTC()
	state := models.SyncState{LastCount: count, Status: "ok"}
	if err != nil {
		state.Status = "error"
		state.Error = err.Error()
		sch.log.WithError(err).WithField("source", source).Warn("sync step failed, continuing in degraded mode")
	} else {
		state.LastSyncAt = &now
	}

	sch.mu.Lock()
	sch.status[source] = state
	sch.mu.Unlock()

	if persistErr := sch.store.RecordSyncOutcome(context.Background(), source, count, err); persistErr != nil {
		sch.log.WithError(persistErr).WithField("source", source).Error("failed to persist sync_state")
	}
}

func (sch *Scheduler) recordSkip() {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	for source, st := range sch.status {
		st.Status = "skipped"
		sch.status[source] = st
	}
}

// Status returns the most recently observed per-source sync state,
// used by the read API's sync_status() endpoint (§4.6).
func (sch *Scheduler) Status() map[string]models.SyncState {
	sch.mu.RLock()
	defer sch.mu.RUnlock()
	out := make(map[string]models.SyncState, len(sch.status))
	for k, v := range sch.status {
		out[k] = v
	}
	return out
}
