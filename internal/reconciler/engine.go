// Package reconciler is the L4 engine of §4.5: it takes the batches
// the adapters hand back and turns them into reconciliation_records
// upserts, reclassifications, and lump-sum funding propagation. This
// generalizes the teacher's one-shot full-dataset Reconciler.Run (a
// diff over two static slices) into an incremental upsert-and-reclassify
// model that a periodic sync cycle calls per source, per window.
package reconciler

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/omc-payops/nvc-reconciler/internal/adapters"
	"github.com/omc-payops/nvc-reconciler/internal/matcher"
	"github.com/omc-payops/nvc-reconciler/internal/models"
	"github.com/omc-payops/nvc-reconciler/internal/store"
)

// Engine owns the per-source apply steps and the lump-sum matching
// pass described by §4.5. All engine operations are idempotent:
// replaying the same batch converges to the same final row and status.
type Engine struct {
	store   *store.Store
	log     *logrus.Entry
	tol     models.Tolerances
	aliases matcher.AliasTable
}

func New(s *store.Store, log *logrus.Entry, tol models.Tolerances, aliases matcher.AliasTable) *Engine {
	return &Engine{store: s, log: log, tol: tol, aliases: aliases}
}

// ApplyEmails upserts every parsed remittance line and reclassifies
// each NVC it touches (§4.1 leg 1, §4.5 steps 1-3).
func (e *Engine) ApplyEmails(ctx context.Context, batch adapters.EmailBatch) error {
	touched := map[string]bool{}
	for _, msg := range batch.Emails {
		cached := models.CachedEmail{
			ID:              msg.ID,
			Source:          msg.Source,
			Subject:         msg.Subject,
			Sender:          msg.Sender,
			EmailDate:       msg.EmailDate,
			FetchedAt:       msg.FetchedAt,
			AgencyName:      msg.AgencyName,
			RemittanceTotal: msg.Total,
			ManualReview:    msg.ManualReview,
		}
		if err := e.store.UpsertEmail(ctx, cached, msg.Lines); err != nil {
			return fmt.Errorf("apply email %s: %w", msg.ID, err)
		}
		for _, line := range msg.Lines {
			touched[line.NVCCode] = true
		}
		if msg.ManualReview {
			e.log.WithField("email", msg.ID).Warn("email has no decodable remittance lines, flagged for manual review")
		}
	}
	return e.reclassifyAll(ctx, touched)
}

// ApplyInvoices upserts every invoice row and reclassifies its NVC
// (§4.1 leg 2, §4.5 steps 1-3).
func (e *Engine) ApplyInvoices(ctx context.Context, batch adapters.InvoiceBatch) error {
	touched := map[string]bool{}
	for _, inv := range batch.Invoices {
		if err := e.store.UpsertInvoice(ctx, inv); err != nil {
			return fmt.Errorf("apply invoice %s: %w", inv.NVCCode, err)
		}
		touched[inv.NVCCode] = true
	}
	return e.reclassifyAll(ctx, touched)
}

// ApplyReceivedPayments caches every inbound lump-sum receipt. Unlike
// the other three legs, a received payment has no NVC of its own — it
// only reaches reconciliation_records via RunLumpSumPass, so no
// reclassification happens here (§4.1 leg 3, §4.5 step 4).
func (e *Engine) ApplyReceivedPayments(ctx context.Context, batch adapters.ReceivedPaymentBatch) error {
	for _, rp := range batch.Payments {
		if err := e.store.UpsertReceivedPayment(ctx, rp); err != nil {
			return fmt.Errorf("apply received payment %s: %w", rp.ID, err)
		}
	}
	return nil
}

// ApplyOutboundPayments upserts every outbound payment row (already
// NVC-extracted by the adapter) and reclassifies it (§4.1 leg 4, §4.5
// steps 1-3).
func (e *Engine) ApplyOutboundPayments(ctx context.Context, batch adapters.OutboundPaymentBatch) error {
	touched := map[string]bool{}
	for _, p := range batch.Payments {
		if err := e.store.UpsertOutboundPayment(ctx, p); err != nil {
			return fmt.Errorf("apply outbound payment %s: %w", p.NVCCode, err)
		}
		touched[p.NVCCode] = true
	}
	return e.reclassifyAll(ctx, touched)
}

// RunLumpSumPass is sync-cycle step 5 (§4.5 step 4, §5 "lump-sum
// matcher pass"): it scores every unlinked received payment against
// every eligible (unlinked, non-manual-review) email, auto-links the
// best match at or above the auto threshold, and propagates funding to
// every NVC the winning email's remittance lines cover. Suggest-tier
// matches are left for the suggestions() read query rather than
// persisted — §4.5 only requires auto-links to write state here.
func (e *Engine) RunLumpSumPass(ctx context.Context) (int, error) {
	payments, err := e.store.UnlinkedReceivedPayments(ctx)
	if err != nil {
		return 0, fmt.Errorf("lump-sum pass: list received payments: %w", err)
	}
	emails, err := e.store.UnlinkedEmails(ctx)
	if err != nil {
		return 0, fmt.Errorf("lump-sum pass: list emails: %w", err)
	}

	linked := 0
	for _, rp := range payments {
		var best *models.CachedEmail
		var bestScore matcher.LumpSumScore
		for i := range emails {
			candidate := emails[i]
			if candidate.ManualReview {
				continue // §8 boundary: manual_review emails never participate
			}
			score := matcher.ScoreLumpSum(rp, candidate, e.aliases, e.tol)
			if best == nil || score.Total > bestScore.Total {
				best = &emails[i]
				bestScore = score
			}
		}
		if best == nil || bestScore.Outcome != matcher.LinkAuto {
			continue
		}

		if err := e.store.LinkReceivedPaymentToEmail(ctx, best.ID, rp.ID, bestScore.Total, "auto"); err != nil {
			return linked, fmt.Errorf("link %s to %s: %w", rp.ID, best.ID, err)
		}
		nvcs, err := e.store.PropagateFundingToNVCs(ctx, best.ID)
		if err != nil {
			return linked, fmt.Errorf("propagate funding for email %s: %w", best.ID, err)
		}
		touched := make(map[string]bool, len(nvcs))
		for _, nvc := range nvcs {
			touched[nvc] = true
		}
		if err := e.reclassifyAll(ctx, touched); err != nil {
			return linked, fmt.Errorf("reclassify after propagating funding for email %s: %w", best.ID, err)
		}
		e.log.WithFields(logrus.Fields{
			"email":             best.ID,
			"received_payment":  rp.ID,
			"score":             bestScore.Total,
			"nvcs_updated":      len(nvcs),
		}).Info("lump-sum auto-link")
		linked++

		// Remove the just-linked email from further consideration this pass.
		for i := range emails {
			if emails[i].ID == best.ID {
				emails = append(emails[:i], emails[i+1:]...)
				break
			}
		}
	}
	return linked, nil
}

// reclassifyAll reclassifies every NVC in touched using
// matcher.Reclassify, which honors the "resolved" stickiness rule
// (§4.5, §3 Manual).
func (e *Engine) reclassifyAll(ctx context.Context, touched map[string]bool) error {
	for nvc := range touched {
		status, err := e.store.ReclassifyNVC(ctx, nvc, func(rec *models.ReconciliationRecord) (models.MatchStatus, string) {
			return matcher.Reclassify(rec, e.tol)
		})
		if err != nil {
			return fmt.Errorf("reclassify %s: %w", nvc, err)
		}
		e.log.WithFields(logrus.Fields{"nvc": nvc, "status": status}).Debug("reclassified")
	}
	return nil
}
