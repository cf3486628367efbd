package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/omc-payops/nvc-reconciler/internal/models"
)

// Suggestion is one candidate partner for a missing leg, ranked by an
// amount-window score (§4.6 suggestions()).
type Suggestion struct {
	Kind   string // "invoice" | "received_payment" | "payment"
	ID     string
	Amount decimal.Decimal
	Score  float64
}

// Suggestions ranks candidate partners for nvc's missing legs by
// amount-window closeness, highest score first (§4.6 suggestions()).
// Candidates are not filtered by tenant, and cache rows already linked
// to another record are not excluded. This is a narrower, cheaper pass
// than the full lump-sum scorer in internal/matcher — it orders cache
// rows by amount distance rather than scoring a specific pairing.
func (s *Store) Suggestions(ctx context.Context, nvc string, tol models.Tolerances) ([]Suggestion, error) {
	rec, found, err := s.GetRecord(ctx, nvc)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("suggestions: unknown nvc %s", nvc)
	}

	var target decimal.Decimal
	switch {
	case rec.RemittanceAmount != nil:
		target = *rec.RemittanceAmount
	case rec.InvoiceAmount != nil:
		target = *rec.InvoiceAmount
	case rec.PaymentAmount != nil:
		target = *rec.PaymentAmount
	default:
		return nil, nil
	}

	var out []Suggestion
	err = s.withConn(ctx, func(conn *sqlx.Conn) error {
		legs := rec.LegsPresent()
		if !legs.Invoice {
			var invoices []models.CachedInvoice
			if err := conn.SelectContext(ctx, &invoices, `SELECT nvc_code, amount, status, tenant, payrun_ref, currency, fetched_at FROM invoices WHERE nvc_code != ?`, nvc); err != nil {
				return fmt.Errorf("suggestions invoices: %w", err)
			}
			for _, inv := range invoices {
				if sc := amountWindowScore(target, inv.Amount, tol); sc > 0 {
					out = append(out, Suggestion{Kind: "invoice", ID: inv.NVCCode, Amount: inv.Amount, Score: sc})
				}
			}
		}
		if !legs.Payment {
			var payments []models.CachedPayment
			if err := conn.SelectContext(ctx, &payments, `SELECT nvc_code, amount, account_id, currency, status, recipient, recipient_country, date, fetched_at FROM cached_payments WHERE nvc_code != ?`, nvc); err != nil {
				return fmt.Errorf("suggestions payments: %w", err)
			}
			for _, p := range payments {
				if sc := amountWindowScore(target, p.Amount, tol); sc > 0 {
					out = append(out, Suggestion{Kind: "payment", ID: p.NVCCode, Amount: p.Amount, Score: sc})
				}
			}
		}
		if !legs.Inbound {
			var rps []models.ReceivedPayment
			if err := conn.SelectContext(ctx, &rps, `SELECT id, sub_account, amount, date, status, payer_raw, fetched_at FROM received_payments`); err != nil {
				return fmt.Errorf("suggestions received payments: %w", err)
			}
			for _, rp := range rps {
				if sc := amountWindowScore(target, rp.Amount, tol); sc > 0 {
					out = append(out, Suggestion{Kind: "received_payment", ID: rp.ID, Amount: rp.Amount, Score: sc})
				}
			}
		}
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, err
}

// amountWindowScore gives 1.0 for an exact match, decaying linearly to
// 0 at 5x the configured amount tolerance; anything further out is not
// suggested at all.
func amountWindowScore(a, b decimal.Decimal, tol models.Tolerances) float64 {
	diff := a.Sub(b).Abs()
	window := tol.AmountTol.Mul(decimal.NewFromInt(5))
	if window.IsZero() {
		if diff.IsZero() {
			return 1.0
		}
		return 0
	}
	ratio, _ := diff.Div(window).Float64()
	if ratio >= 1 {
		return 0
	}
	return 1 - ratio
}

// CrossSearchFilter holds the §4.6 cross_search() parameters.
type CrossSearchFilter struct {
	Query      string
	Source     string // "invoice" | "received_payment" | "payment" | "email"
	AmountMin  *decimal.Decimal
	AmountMax  *decimal.Decimal
	Tenant     string
}

// CrossSearchResult is one matched cache row, source-tagged.
type CrossSearchResult struct {
	Source string
	ID     string
	Amount decimal.Decimal
	Label  string
}

// CrossSearch searches one source's cache by free text and amount range
// (§4.6 cross_search()).
func (s *Store) CrossSearch(ctx context.Context, f CrossSearchFilter) ([]CrossSearchResult, error) {
	var out []CrossSearchResult
	err := s.withConn(ctx, func(conn *sqlx.Conn) error {
		like := "%" + f.Query + "%"
		switch f.Source {
		case "invoice":
			var rows []models.CachedInvoice
			q := `SELECT nvc_code, amount, status, tenant, payrun_ref, currency, fetched_at FROM invoices WHERE nvc_code LIKE ?`
			args := []any{like}
			if f.Tenant != "" {
				q += ` AND tenant = ?`
				args = append(args, f.Tenant)
			}
			if err := conn.SelectContext(ctx, &rows, q, args...); err != nil {
				return err
			}
			for _, r := range rows {
				if !inRange(r.Amount, f.AmountMin, f.AmountMax) {
					continue
				}
				out = append(out, CrossSearchResult{Source: "invoice", ID: r.NVCCode, Amount: r.Amount, Label: r.Tenant})
			}
		case "payment":
			var rows []models.CachedPayment
			if err := conn.SelectContext(ctx, &rows, `SELECT nvc_code, amount, account_id, currency, status, recipient, recipient_country, date, fetched_at
				FROM cached_payments WHERE nvc_code LIKE ? OR recipient LIKE ?`, like, like); err != nil {
				return err
			}
			for _, r := range rows {
				if !inRange(r.Amount, f.AmountMin, f.AmountMax) {
					continue
				}
				out = append(out, CrossSearchResult{Source: "payment", ID: r.NVCCode, Amount: r.Amount, Label: r.Recipient})
			}
		case "received_payment":
			var rows []models.ReceivedPayment
			if err := conn.SelectContext(ctx, &rows, `SELECT id, sub_account, amount, date, status, payer_raw, fetched_at
				FROM received_payments WHERE id LIKE ? OR payer_raw LIKE ?`, like, like); err != nil {
				return err
			}
			for _, r := range rows {
				if !inRange(r.Amount, f.AmountMin, f.AmountMax) {
					continue
				}
				out = append(out, CrossSearchResult{Source: "received_payment", ID: r.ID, Amount: r.Amount, Label: r.PayerRaw})
			}
		case "email":
			var rows []models.CachedEmail
			if err := conn.SelectContext(ctx, &rows, `SELECT id, source, subject, sender, email_date, fetched_at, agency_name, remittance_total, manual_review, received_payment_id
				FROM emails WHERE id LIKE ? OR agency_name LIKE ? OR subject LIKE ?`, like, like, like); err != nil {
				return err
			}
			for _, r := range rows {
				if !inRange(r.RemittanceTotal, f.AmountMin, f.AmountMax) {
					continue
				}
				out = append(out, CrossSearchResult{Source: "email", ID: r.ID, Amount: r.RemittanceTotal, Label: r.AgencyName})
			}
		default:
			return fmt.Errorf("cross_search: unknown source %q", f.Source)
		}
		return nil
	})
	return out, err
}

func inRange(v decimal.Decimal, min, max *decimal.Decimal) bool {
	if min != nil && v.LessThan(*min) {
		return false
	}
	if max != nil && v.GreaterThan(*max) {
		return false
	}
	return true
}

// Overview is the §4.6 overview() dashboard payload.
type Overview struct {
	Window      time.Duration
	TotalRows   int
	ByStatus    map[models.MatchStatus]int
	ByTenant    map[string]int
	Errors      map[string]string
	TotalAmount decimal.Decimal
}

// OverviewSince aggregates counts and totals for rows last updated
// within window, including per-tenant roll-ups (§4.6 overview()).
func (s *Store) OverviewSince(ctx context.Context, window time.Duration) (Overview, error) {
	ov := Overview{Window: window, ByStatus: make(map[models.MatchStatus]int), ByTenant: make(map[string]int), Errors: make(map[string]string)}
	cutoff := nowUTC().Add(-window)

	err := s.withConn(ctx, func(conn *sqlx.Conn) error {
		var rows []struct {
			Status       string         `db:"match_status"`
			Tenant       *string        `db:"invoice_tenant"`
			InvoiceAmt   *string        `db:"invoice_amount"`
		}
		if err := conn.SelectContext(ctx, &rows, `SELECT match_status, invoice_tenant, invoice_amount
			FROM reconciliation_records WHERE last_updated_at >= ?`, cutoff); err != nil {
			return fmt.Errorf("overview rows: %w", err)
		}
		for _, r := range rows {
			st := models.NormalizeStatus(models.MatchStatus(r.Status))
			ov.ByStatus[st]++
			ov.TotalRows++
			if r.Tenant != nil {
				ov.ByTenant[*r.Tenant]++
			}
			if r.InvoiceAmt != nil {
				if amt, err := decimal.NewFromString(*r.InvoiceAmt); err == nil {
					ov.TotalAmount = ov.TotalAmount.Add(amt)
				}
			}
		}

		var syncRows []struct {
			Source    string `db:"source"`
			LastError string `db:"last_error"`
		}
		if err := conn.SelectContext(ctx, &syncRows, `SELECT source, COALESCE(last_error, '') AS last_error FROM sync_state WHERE degraded = 1`); err != nil {
			return fmt.Errorf("overview sync errors: %w", err)
		}
		for _, r := range syncRows {
			ov.Errors[r.Source] = r.LastError
		}
		return nil
	})
	return ov, err
}

// Associate manually links targetID from source onto nvc's leg and
// appends a note. The caller (internal/api's postAssociate) is
// responsible for reclassifying afterward via ReclassifyNVC, since this
// package stays ignorant of internal/matcher (§4.6 associate()).
func (s *Store) Associate(ctx context.Context, nvc, targetID, source, note string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := s.EnsureRecord(ctx, tx, nvc); err != nil {
			return err
		}
		col := ""
		switch source {
		case "remittance", "email":
			col = "remittance_email_id"
		case "invoice":
			col = "invoice_payrun_ref"
		case "received_payment":
			col = "received_payment_id"
		case "payment":
			col = "payment_account_id"
		default:
			return fmt.Errorf("associate: unknown source %q", source)
		}
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE reconciliation_records SET %s = ?, notes = COALESCE(notes, '') || ?, last_updated_at = ? WHERE nvc_code = ?`, col),
			targetID, "\n"+note, nowUTC(), nvc)
		if err != nil {
			return fmt.Errorf("associate %s -> %s on %s: %w", targetID, nvc, source, err)
		}
		return nil
	})
}

// Flag sets or clears the manual flag on nvc (§3 Manual, §4.6 flag()).
// Setting flag=resolved moves match_status to the sticky "resolved"
// terminal state directly; internal/matcher.Reclassify is what keeps
// it sticky across later upserts.
func (s *Store) Flag(ctx context.Context, nvc string, flag *models.ManualFlag, notes string, resolvedBy string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := s.EnsureRecord(ctx, tx, nvc); err != nil {
			return err
		}
		now := nowUTC()
		var resolvedAt any
		status := ""
		if flag != nil && *flag == models.FlagResolved {
			resolvedAt = now
			status = string(models.StatusResolved)
		}
		q := `UPDATE reconciliation_records SET flag = ?, flag_notes = COALESCE(flag_notes, '') || ?, last_updated_at = ?`
		args := []any{flagArg(flag), "\n" + notes, now}
		if status != "" {
			q += `, match_status = ?, resolved_at = ?, resolved_by = ?`
			args = append(args, status, resolvedAt, resolvedBy)
		}
		q += ` WHERE nvc_code = ?`
		args = append(args, nvc)
		_, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("flag %s: %w", nvc, err)
		}
		return nil
	})
}

func flagArg(f *models.ManualFlag) any {
	if f == nil {
		return nil
	}
	return string(*f)
}
