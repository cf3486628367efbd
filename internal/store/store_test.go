package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/omc-payops/nvc-reconciler/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(context.Background(), filepath.Join(dir, "test.db"), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func dec(v string) decimal.Decimal {
	d, err := decimal.NewFromString(v)
	if err != nil {
		panic(err)
	}
	return d
}

// TestOpen_MigratesOnceAndIsReentrant covers the additive-migration
// bookkeeping in migrations.go: reopening the same file must not choke
// on "table already exists" and must leave schema_migrations intact.
func TestOpen_MigratesOnceAndIsReentrant(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reopen.db")

	s1, err := Open(context.Background(), path, 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(context.Background(), path, 5*time.Second)
	require.NoError(t, err)
	defer s2.Close()

	var versions []int
	err = s2.withConn(context.Background(), func(conn *sqlx.Conn) error {
		return conn.SelectContext(context.Background(), &versions, `SELECT version FROM schema_migrations ORDER BY version`)
	})
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, versions)
}

// TestEnsureRecord_CreatesShellThenReuses covers §4.5: the first call
// for an unseen nvc creates an unmatched shell; a second call within
// the same or a later transaction returns the existing row rather than
// re-inserting (which would violate the nvc_code primary key).
func TestEnsureRecord_CreatesShellThenReuses(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, found, err := s.GetRecord(ctx, "NVC1")
	require.NoError(t, err)
	require.False(t, found)

	var first, second *models.ReconciliationRecord
	err = s.RunInTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		first, err = s.EnsureRecord(ctx, tx, "NVC1")
		return err
	})
	require.NoError(t, err)
	require.Equal(t, models.StatusUnmatched, first.MatchStatus)

	err = s.RunInTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		second, err = s.EnsureRecord(ctx, tx, "NVC1")
		return err
	})
	require.NoError(t, err)
	require.True(t, first.FirstSeenAt.Equal(second.FirstSeenAt))

	rec, found, err := s.GetRecord(ctx, "NVC1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "NVC1", rec.NVCCode)
}

// TestReclassifyNVC_SingleTransactionPerNVC covers §4.5 "single
// transaction per NVC": classify runs against the freshly loaded row
// and the saved status comes back as ReclassifyNVC's return value.
func TestReclassifyNVC_SingleTransactionPerNVC(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertInvoice(ctx, models.CachedInvoice{
		NVCCode: "NVC2", Amount: dec("100.00"), Status: models.InvoiceApproved, FetchedAt: time.Now().UTC(),
	}))

	status, err := s.ReclassifyNVC(ctx, "NVC2", func(rec *models.ReconciliationRecord) (models.MatchStatus, string) {
		require.Equal(t, "NVC2", rec.NVCCode)
		return models.StatusInvoiceOnly, "forced"
	})
	require.NoError(t, err)
	require.Equal(t, models.StatusInvoiceOnly, status)

	rec, found, err := s.GetRecord(ctx, "NVC2")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, models.StatusInvoiceOnly, rec.MatchStatus)
	require.Equal(t, "forced", rec.MatchFlags)
}

func TestReclassifyNVC_UnknownNVCErrors(t *testing.T) {
	s := newTestStore(t)
	_, err := s.ReclassifyNVC(context.Background(), "GHOST", func(rec *models.ReconciliationRecord) (models.MatchStatus, string) {
		return models.StatusUnmatched, ""
	})
	require.Error(t, err)
}

// TestUpsertLegs_PopulateAllFourLegsOnOneRecord covers §4.1: each leg's
// upsert writes its own fields without clobbering the others.
func TestUpsertLegs_PopulateAllFourLegsOnOneRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.UpsertRemittanceLine(ctx, models.RemittanceLine{
		NVCCode: "NVC3", Amount: dec("250.00"), Contractor: "ACME",
	}, models.SourceOasys, day, "EMAIL3"))

	require.NoError(t, s.UpsertInvoice(ctx, models.CachedInvoice{
		NVCCode: "NVC3", Amount: dec("250.00"), Status: models.InvoiceApproved, Tenant: "t1", FetchedAt: day,
	}))

	require.NoError(t, s.UpsertOutboundPayment(ctx, models.CachedPayment{
		NVCCode: "NVC3", Amount: dec("250.00"), AccountID: "acct-1", Currency: "USD", Date: day, FetchedAt: day,
	}))

	err := s.RunInTx(ctx, func(tx *sqlx.Tx) error {
		return s.ApplyFunding(ctx, tx, "NVC3", models.ReceivedPayment{
			ID: "RP3", Amount: dec("250.00"), Date: day, PayerRaw: "ACME INC", FetchedAt: day,
		})
	})
	require.NoError(t, err)

	rec, found, err := s.GetRecord(ctx, "NVC3")
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, rec.RemittanceAmount.Equal(dec("250.00")))
	require.Equal(t, "EMAIL3", *rec.RemittanceEmailID)
	require.True(t, rec.InvoiceAmount.Equal(dec("250.00")))
	require.Equal(t, "t1", *rec.InvoiceTenant)
	require.True(t, rec.PaymentAmount.Equal(dec("250.00")))
	require.Equal(t, "acct-1", *rec.PaymentAccountID)
	require.True(t, rec.ReceivedPaymentAmount.Equal(dec("250.00")))
	require.Equal(t, "RP3", *rec.ReceivedPaymentID)
}

// TestUpsertInvoice_LatestWriteWins covers §4.5's "latest wins" upsert
// semantics for re-delivered leg 2 data.
func TestUpsertInvoice_LatestWriteWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.UpsertInvoice(ctx, models.CachedInvoice{
		NVCCode: "NVC4", Amount: dec("10.00"), Status: models.InvoiceDraft, FetchedAt: day,
	}))
	require.NoError(t, s.UpsertInvoice(ctx, models.CachedInvoice{
		NVCCode: "NVC4", Amount: dec("10.00"), Status: models.InvoiceApproved, FetchedAt: day.Add(time.Hour),
	}))

	rec, found, err := s.GetRecord(ctx, "NVC4")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, models.InvoiceApproved, *rec.InvoiceStatus)
}

// TestLumpSumLinkAndPropagate covers §8 invariant 5: after an email is
// linked to a received payment and funding is propagated, every NVC
// tied to that email's remittance lines carries the same received
// payment id and amount.
func TestLumpSumLinkAndPropagate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	day := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.UpsertEmail(ctx, models.CachedEmail{
		ID: "EMAIL5", Source: models.SourceOasys, EmailDate: day, FetchedAt: day,
		AgencyName: "Omnicom Media", RemittanceTotal: dec("10000.00"),
	}, []models.RemittanceLine{
		{NVCCode: "NVC5A", Amount: dec("6000.00")},
		{NVCCode: "NVC5B", Amount: dec("4000.00")},
	}))

	require.NoError(t, s.UpsertReceivedPayment(ctx, models.ReceivedPayment{
		ID: "RP5", Amount: dec("10000.00"), Date: day, PayerRaw: "OMNICOM MEDIA GROUP", FetchedAt: day,
	}))

	unlinkedEmails, err := s.UnlinkedEmails(ctx)
	require.NoError(t, err)
	require.Len(t, unlinkedEmails, 1)

	unlinkedRPs, err := s.UnlinkedReceivedPayments(ctx)
	require.NoError(t, err)
	require.Len(t, unlinkedRPs, 1)

	require.NoError(t, s.LinkReceivedPaymentToEmail(ctx, "EMAIL5", "RP5", 0.9, "auto"))

	nvcs, err := s.PropagateFundingToNVCs(ctx, "EMAIL5")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"NVC5A", "NVC5B"}, nvcs)

	for _, nvc := range []string{"NVC5A", "NVC5B"} {
		rec, found, err := s.GetRecord(ctx, nvc)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, "RP5", *rec.ReceivedPaymentID)
		require.True(t, rec.ReceivedPaymentAmount.Equal(dec("10000.00")))
	}

	// Once linked, the email and received payment drop out of the
	// unlinked pools the lump-sum pass scans.
	unlinkedEmails, err = s.UnlinkedEmails(ctx)
	require.NoError(t, err)
	require.Empty(t, unlinkedEmails)
	unlinkedRPs, err = s.UnlinkedReceivedPayments(ctx)
	require.NoError(t, err)
	require.Empty(t, unlinkedRPs)
}

func TestPropagateFundingToNVCs_UnlinkedEmailErrors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertEmail(ctx, models.CachedEmail{
		ID: "EMAIL6", Source: models.SourceOasys, EmailDate: time.Now().UTC(), FetchedAt: time.Now().UTC(),
	}, nil))

	_, err := s.PropagateFundingToNVCs(ctx, "EMAIL6")
	require.Error(t, err)
}

// TestQueue_FiltersAndPages covers §4.6 queue(): status filtering,
// search, and limit/offset paging against the total row count.
func TestQueue_FiltersAndPages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	day := time.Now().UTC()

	for i, status := range []models.MatchStatus{models.StatusInvoiceOnly, models.StatusInvoiceOnly, models.StatusPaymentOnly} {
		nvc := "NVCQ" + string(rune('A'+i))
		require.NoError(t, s.UpsertInvoice(ctx, models.CachedInvoice{NVCCode: nvc, Amount: dec("1.00"), FetchedAt: day}))
		_, err := s.ReclassifyNVC(ctx, nvc, func(rec *models.ReconciliationRecord) (models.MatchStatus, string) {
			return status, ""
		})
		require.NoError(t, err)
	}

	page, err := s.Queue(ctx, QueueFilter{Status: string(models.StatusInvoiceOnly)})
	require.NoError(t, err)
	require.Equal(t, 2, page.Total)
	require.Len(t, page.Records, 2)

	paged, err := s.Queue(ctx, QueueFilter{Limit: 1, Offset: 1, Sort: "nvc_code"})
	require.NoError(t, err)
	require.Equal(t, 3, paged.Total)
	require.Len(t, paged.Records, 1)
}

// TestSummary_CountsSumToRowCount covers §8 invariant 4.
func TestSummary_CountsSumToRowCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	day := time.Now().UTC()

	require.NoError(t, s.UpsertInvoice(ctx, models.CachedInvoice{NVCCode: "NVCS1", Amount: dec("1.00"), Status: models.InvoiceApproved, FetchedAt: day}))
	require.NoError(t, s.UpsertInvoice(ctx, models.CachedInvoice{NVCCode: "NVCS2", Amount: dec("1.00"), Status: models.InvoiceRejected, FetchedAt: day}))
	require.NoError(t, s.UpsertOutboundPayment(ctx, models.CachedPayment{NVCCode: "NVCS3", Amount: dec("1.00"), Date: day, FetchedAt: day}))

	_, err := s.ReclassifyNVC(ctx, "NVCS1", func(rec *models.ReconciliationRecord) (models.MatchStatus, string) { return models.StatusInvoiceOnly, "" })
	require.NoError(t, err)
	_, err = s.ReclassifyNVC(ctx, "NVCS2", func(rec *models.ReconciliationRecord) (models.MatchStatus, string) { return models.StatusIssue, "" })
	require.NoError(t, err)
	_, err = s.ReclassifyNVC(ctx, "NVCS3", func(rec *models.ReconciliationRecord) (models.MatchStatus, string) { return models.StatusPaymentOnly, "" })
	require.NoError(t, err)

	summary, err := s.Summary(ctx)
	require.NoError(t, err)

	sum := 0
	for _, n := range summary.ByStatus {
		sum += n
	}
	require.Equal(t, summary.Total, sum)
	require.Equal(t, 3, summary.Total)
	require.Equal(t, 1, summary.StatusIssues)
}

// TestRecordSyncOutcome_DegradedModeBookkeeping covers §4.5's
// consecutive-failure/degraded tracking and recovery on a later success.
func TestRecordSyncOutcome_DegradedModeBookkeeping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordSyncOutcome(ctx, "email", 0, context.DeadlineExceeded))
	require.NoError(t, s.RecordSyncOutcome(ctx, "email", 0, context.DeadlineExceeded))

	status, err := s.SyncStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, "error", status["email"].Status)
	require.Equal(t, context.DeadlineExceeded.Error(), status["email"].Error)

	require.NoError(t, s.RecordSyncOutcome(ctx, "email", 5, nil))
	status, err = s.SyncStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, "ok", status["email"].Status)
	require.Empty(t, status["email"].Error)
}

// TestAssociateAndFlag covers §4.6 associate()/flag(): manual linking
// and the sticky "resolved" terminal state it can set directly.
func TestAssociateAndFlag(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertInvoice(ctx, models.CachedInvoice{NVCCode: "NVC9", Amount: dec("1.00"), FetchedAt: time.Now().UTC()}))

	require.NoError(t, s.Associate(ctx, "NVC9", "RP9", "received_payment", "linked by ops"))
	rec, found, err := s.GetRecord(ctx, "NVC9")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "RP9", *rec.ReceivedPaymentID)
	require.Contains(t, *rec.Notes, "linked by ops")

	flag := models.FlagResolved
	require.NoError(t, s.Flag(ctx, "NVC9", &flag, "closed out manually", "ops-user"))
	rec, found, err = s.GetRecord(ctx, "NVC9")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, models.FlagResolved, *rec.Flag)
	require.Equal(t, models.StatusResolved, rec.MatchStatus)
	require.NotNil(t, rec.ResolvedAt)
	require.Equal(t, "ops-user", *rec.ResolvedBy)
}

func TestAssociate_UnknownSourceErrors(t *testing.T) {
	s := newTestStore(t)
	err := s.Associate(context.Background(), "NVC10", "X", "not_a_real_leg", "note")
	require.Error(t, err)
}

// TestSuggestions_RanksByAmountWindow covers §4.6 suggestions(): only
// cache rows within the amount window score above zero, and the
// nearest amount should score highest.
func TestSuggestions_RanksByAmountWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	day := time.Now().UTC()

	require.NoError(t, s.UpsertInvoice(ctx, models.CachedInvoice{NVCCode: "NVC11", Amount: dec("500.00"), FetchedAt: day}))
	require.NoError(t, s.UpsertOutboundPayment(ctx, models.CachedPayment{NVCCode: "CANDIDATE1", Amount: dec("500.00"), Date: day, FetchedAt: day}))
	require.NoError(t, s.UpsertOutboundPayment(ctx, models.CachedPayment{NVCCode: "CANDIDATE2", Amount: dec("999.00"), Date: day, FetchedAt: day}))

	suggestions, err := s.Suggestions(ctx, "NVC11", models.DefaultTolerances())
	require.NoError(t, err)
	require.NotEmpty(t, suggestions)
	for _, sug := range suggestions {
		if sug.ID == "CANDIDATE1" {
			require.InDelta(t, 1.0, sug.Score, 0.001)
		}
	}
}

func TestSuggestions_UnknownNVCErrors(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Suggestions(context.Background(), "GHOST", models.DefaultTolerances())
	require.Error(t, err)
}

// TestCrossSearch_FiltersBySourceQueryAndAmount covers §4.6 cross_search().
func TestCrossSearch_FiltersBySourceQueryAndAmount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	day := time.Now().UTC()

	require.NoError(t, s.UpsertOutboundPayment(ctx, models.CachedPayment{
		NVCCode: "NVC12", Amount: dec("42.00"), Recipient: "BBDO USA LLC", Date: day, FetchedAt: day,
	}))

	min := dec("1.00")
	max := dec("100.00")
	results, err := s.CrossSearch(ctx, CrossSearchFilter{Source: "payment", Query: "BBDO", AmountMin: &min, AmountMax: &max})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "NVC12", results[0].ID)

	tooNarrowMax := dec("10.00")
	results, err = s.CrossSearch(ctx, CrossSearchFilter{Source: "payment", Query: "BBDO", AmountMax: &tooNarrowMax})
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestCrossSearch_UnknownSourceErrors(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CrossSearch(context.Background(), CrossSearchFilter{Source: "smoke_signal", Query: "x"})
	require.Error(t, err)
}

// TestOverviewSince_AggregatesRecentRows covers §4.6 overview(): rows
// outside the window are excluded, and a degraded source surfaces in
// the errors map.
func TestOverviewSince_AggregatesRecentRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	day := time.Now().UTC()

	require.NoError(t, s.UpsertInvoice(ctx, models.CachedInvoice{
		NVCCode: "NVC13", Amount: dec("77.00"), Tenant: "tenantA", FetchedAt: day,
	}))
	require.NoError(t, s.RecordSyncOutcome(ctx, "outbound", 0, context.DeadlineExceeded))

	ov, err := s.OverviewSince(ctx, time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, ov.TotalRows)
	require.Equal(t, 1, ov.ByTenant["tenantA"])
	require.True(t, ov.TotalAmount.Equal(dec("77.00")))
	require.Contains(t, ov.Errors, "outbound")

	ov, err = s.OverviewSince(ctx, -time.Hour)
	require.NoError(t, err)
	require.Equal(t, 0, ov.TotalRows)
}
