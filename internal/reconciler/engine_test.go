package reconciler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/omc-payops/nvc-reconciler/internal/adapters"
	"github.com/omc-payops/nvc-reconciler/internal/matcher"
	"github.com/omc-payops/nvc-reconciler/internal/models"
	"github.com/omc-payops/nvc-reconciler/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(context.Background(), filepath.Join(dir, "test.db"), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	log := logrus.New()
	log.SetOutput(os.Stderr)
	return New(s, log.WithField("test", true), models.DefaultTolerances(), matcher.AliasTable{
		"Omnicom Media": {"OMNICOM MEDIA GROUP"},
	}), s
}

func amt(v string) decimal.Decimal {
	d, err := decimal.NewFromString(v)
	if err != nil {
		panic(err)
	}
	return d
}

// TestHappyPath4Way covers §8 seed scenario 1.
func TestHappyPath4Way(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	day := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)

	require.NoError(t, e.ApplyEmails(ctx, adapters.EmailBatch{Emails: []adapters.RemittanceEmail{{
		ID: "E1", Source: models.SourceOasys, AgencyName: "BBDO USA LLC",
		EmailDate: day, FetchedAt: day, Total: amt("4500.00"),
		Lines: []models.RemittanceLine{{NVCCode: "NVC7KAAA", Amount: amt("4500.00")}},
	}}}))
	require.NoError(t, e.ApplyInvoices(ctx, adapters.InvoiceBatch{Invoices: []models.CachedInvoice{{
		NVCCode: "NVC7KAAA", Amount: amt("4500.00"), Status: models.InvoiceApproved, Currency: "USD", FetchedAt: day,
	}}}))
	require.NoError(t, e.ApplyOutboundPayments(ctx, adapters.OutboundPaymentBatch{Payments: []models.CachedPayment{{
		NVCCode: "NVC7KAAA", Amount: amt("4500.00"), Currency: "USD", Date: day, FetchedAt: day,
	}}}))
	require.NoError(t, e.ApplyReceivedPayments(ctx, adapters.ReceivedPaymentBatch{Payments: []models.ReceivedPayment{{
		ID: "P1", Amount: amt("4500.00"), Date: day, PayerRaw: "BBDO USA LLC DES:ACH", FetchedAt: day,
	}}}))

	linked, err := e.RunLumpSumPass(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, linked)

	rec, found, err := s.GetRecord(ctx, "NVC7KAAA")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, models.StatusFull4Way, rec.MatchStatus)
	require.NotNil(t, rec.ReceivedPaymentID)
	require.Equal(t, "P1", *rec.ReceivedPaymentID)
}

// TestAmountMismatch covers §8 seed scenario 2.
func TestAmountMismatch(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	day := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)

	require.NoError(t, e.ApplyEmails(ctx, adapters.EmailBatch{Emails: []adapters.RemittanceEmail{{
		ID: "E2", Source: models.SourceOasys, EmailDate: day, FetchedAt: day,
		Lines: []models.RemittanceLine{{NVCCode: "NVC7KBBB", Amount: amt("1000.00")}},
	}}}))
	require.NoError(t, e.ApplyInvoices(ctx, adapters.InvoiceBatch{Invoices: []models.CachedInvoice{{
		NVCCode: "NVC7KBBB", Amount: amt("900.00"), Status: models.InvoiceApproved, FetchedAt: day,
	}}}))

	rec, found, err := s.GetRecord(ctx, "NVC7KBBB")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, models.StatusAmountMismatch, rec.MatchStatus)
}

// TestStatusOverride covers §8 seed scenario 3: a Rejected invoice with
// an amount that would otherwise match classifies as status_issue, not
// matched.
func TestStatusOverride(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	day := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)

	require.NoError(t, e.ApplyEmails(ctx, adapters.EmailBatch{Emails: []adapters.RemittanceEmail{{
		ID: "E3", Source: models.SourceOasys, EmailDate: day, FetchedAt: day,
		Lines: []models.RemittanceLine{{NVCCode: "NVC7KCCC", Amount: amt("2000.00")}},
	}}}))
	require.NoError(t, e.ApplyInvoices(ctx, adapters.InvoiceBatch{Invoices: []models.CachedInvoice{{
		NVCCode: "NVC7KCCC", Amount: amt("2000.00"), Status: models.InvoiceRejected, FetchedAt: day,
	}}}))

	rec, found, err := s.GetRecord(ctx, "NVC7KCCC")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, models.StatusIssue, rec.MatchStatus)

	summary, err := s.Summary(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.StatusIssues)
	require.Zero(t, summary.ByStatus[models.StatusFull4Way])
}

// TestIdempotentReplay covers §8 invariant 2 and seed scenario 5:
// replaying the same batch twice converges to the same final state.
func TestIdempotentReplay(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	day := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)

	batch := adapters.InvoiceBatch{Invoices: []models.CachedInvoice{{
		NVCCode: "NVC7KDDD", Amount: amt("500.00"), Status: models.InvoiceApproved, FetchedAt: day,
	}}}
	require.NoError(t, e.ApplyInvoices(ctx, batch))
	first, found, err := s.GetRecord(ctx, "NVC7KDDD")
	require.NoError(t, err)
	require.True(t, found)

	require.NoError(t, e.ApplyInvoices(ctx, batch))
	second, found, err := s.GetRecord(ctx, "NVC7KDDD")
	require.NoError(t, err)
	require.True(t, found)

	require.Equal(t, first.MatchStatus, second.MatchStatus)
	require.True(t, !second.LastUpdatedAt.Before(first.FirstSeenAt))
}

// TestDegradedModePreservesQueue covers §8 seed scenario 6: an
// unrelated source failure must not demote an already-classified NVC.
func TestDegradedModePreservesQueue(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	day := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)

	require.NoError(t, e.ApplyInvoices(ctx, adapters.InvoiceBatch{Invoices: []models.CachedInvoice{{
		NVCCode: "NVC7KEEE", Amount: amt("300.00"), Status: models.InvoiceApproved, FetchedAt: day,
	}}}))
	before, _, err := s.GetRecord(ctx, "NVC7KEEE")
	require.NoError(t, err)

	require.NoError(t, s.RecordSyncOutcome(ctx, "invoice", 0, context.DeadlineExceeded))

	after, _, err := s.GetRecord(ctx, "NVC7KEEE")
	require.NoError(t, err)
	require.Equal(t, before.MatchStatus, after.MatchStatus)

	status, err := s.SyncStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, "error", status["invoice"].Status)
}
