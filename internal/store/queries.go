package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/omc-payops/nvc-reconciler/internal/models"
)

// recordRow is the nullable-scalar shape reconciliation_records scans
// into; toModel() lifts it to the pointer-typed models.ReconciliationRecord
// the rest of the codebase works with.
type recordRow struct {
	NVCCode string `db:"nvc_code"`

	RemittanceAmount  sql.NullString `db:"remittance_amount"`
	RemittanceDate    sql.NullTime   `db:"remittance_date"`
	RemittanceSource  sql.NullString `db:"remittance_source"`
	RemittanceEmailID sql.NullString `db:"remittance_email_id"`

	InvoiceAmount    sql.NullString `db:"invoice_amount"`
	InvoiceStatus    sql.NullString `db:"invoice_status"`
	InvoiceTenant    sql.NullString `db:"invoice_tenant"`
	InvoicePayrunRef sql.NullString `db:"invoice_payrun_ref"`
	InvoiceCurrency  sql.NullString `db:"invoice_currency"`

	ReceivedPaymentID     sql.NullString `db:"received_payment_id"`
	ReceivedPaymentAmount sql.NullString `db:"received_payment_amount"`
	ReceivedPaymentDate   sql.NullTime   `db:"received_payment_date"`

	PaymentAmount           sql.NullString `db:"payment_amount"`
	PaymentAccountID        sql.NullString `db:"payment_account_id"`
	PaymentDate             sql.NullTime   `db:"payment_date"`
	PaymentCurrency         sql.NullString `db:"payment_currency"`
	PaymentStatus           sql.NullString `db:"payment_status"`
	PaymentRecipient        sql.NullString `db:"payment_recipient"`
	PaymentRecipientCountry sql.NullString `db:"payment_recipient_country"`

	MatchStatus string `db:"match_status"`
	MatchFlags  string `db:"match_flags"`

	Flag       sql.NullString `db:"flag"`
	FlagNotes  sql.NullString `db:"flag_notes"`
	Notes      sql.NullString `db:"notes"`
	ResolvedAt sql.NullTime   `db:"resolved_at"`
	ResolvedBy sql.NullString `db:"resolved_by"`

	FirstSeenAt   time.Time `db:"first_seen_at"`
	LastUpdatedAt time.Time `db:"last_updated_at"`
}

const recordSelect = `SELECT
	nvc_code, remittance_amount, remittance_date, remittance_source, remittance_email_id,
	invoice_amount, invoice_status, invoice_tenant, invoice_payrun_ref, invoice_currency,
	received_payment_id, received_payment_amount, received_payment_date,
	payment_amount, payment_account_id, payment_date, payment_currency, payment_status,
	payment_recipient, payment_recipient_country,
	match_status, match_flags, flag, flag_notes, notes, resolved_at, resolved_by,
	first_seen_at, last_updated_at
	FROM reconciliation_records`

func (row recordRow) toModel() (*models.ReconciliationRecord, error) {
	rec := &models.ReconciliationRecord{
		NVCCode:       row.NVCCode,
		MatchStatus:   models.NormalizeStatus(models.MatchStatus(row.MatchStatus)),
		MatchFlags:    row.MatchFlags,
		FirstSeenAt:   row.FirstSeenAt,
		LastUpdatedAt: row.LastUpdatedAt,
	}

	var err error
	if rec.RemittanceAmount, err = parseDecPtr(row.RemittanceAmount); err != nil {
		return nil, fmt.Errorf("remittance_amount: %w", err)
	}
	rec.RemittanceDate = parseTimePtr(row.RemittanceDate)
	if s := strPtr(row.RemittanceSource); s != nil {
		src := models.EmailSource(*s)
		rec.RemittanceSource = &src
	}
	rec.RemittanceEmailID = strPtr(row.RemittanceEmailID)

	if rec.InvoiceAmount, err = parseDecPtr(row.InvoiceAmount); err != nil {
		return nil, fmt.Errorf("invoice_amount: %w", err)
	}
	if s := strPtr(row.InvoiceStatus); s != nil {
		st := models.InvoiceStatus(*s)
		rec.InvoiceStatus = &st
	}
	rec.InvoiceTenant = strPtr(row.InvoiceTenant)
	rec.InvoicePayrunRef = strPtr(row.InvoicePayrunRef)
	rec.InvoiceCurrency = strPtr(row.InvoiceCurrency)

	rec.ReceivedPaymentID = strPtr(row.ReceivedPaymentID)
	if rec.ReceivedPaymentAmount, err = parseDecPtr(row.ReceivedPaymentAmount); err != nil {
		return nil, fmt.Errorf("received_payment_amount: %w", err)
	}
	rec.ReceivedPaymentDate = parseTimePtr(row.ReceivedPaymentDate)

	if rec.PaymentAmount, err = parseDecPtr(row.PaymentAmount); err != nil {
		return nil, fmt.Errorf("payment_amount: %w", err)
	}
	rec.PaymentAccountID = strPtr(row.PaymentAccountID)
	rec.PaymentDate = parseTimePtr(row.PaymentDate)
	rec.PaymentCurrency = strPtr(row.PaymentCurrency)
	rec.PaymentStatus = strPtr(row.PaymentStatus)
	rec.PaymentRecipient = strPtr(row.PaymentRecipient)
	rec.PaymentRecipientCountry = strPtr(row.PaymentRecipientCountry)

	if s := strPtr(row.Flag); s != nil {
		f := models.ManualFlag(*s)
		rec.Flag = &f
	}
	rec.FlagNotes = strPtr(row.FlagNotes)
	rec.Notes = strPtr(row.Notes)
	rec.ResolvedAt = parseTimePtr(row.ResolvedAt)
	rec.ResolvedBy = strPtr(row.ResolvedBy)

	return rec, nil
}

// QueueFilter holds the §4.6 queue() parameters.
type QueueFilter struct {
	Status       string
	Tenant       string
	InvoiceState string
	Search       string
	Sort         string // "-last_updated_at" (default), "last_updated_at", "nvc_code"
	Limit        int
	Offset       int
}

// QueuePage is one paged listing result.
type QueuePage struct {
	Records []*models.ReconciliationRecord
	Total   int
}

// Queue lists reconciliation records matching filter, paged (§4.6 queue()).
func (s *Store) Queue(ctx context.Context, filter QueueFilter) (QueuePage, error) {
	var page QueuePage
	err := s.withConn(ctx, func(conn *sqlx.Conn) error {
		where, args := filter.whereClause()

		var total int
		if err := conn.GetContext(ctx, &total, `SELECT COUNT(*) FROM reconciliation_records`+where, args...); err != nil {
			return fmt.Errorf("count queue: %w", err)
		}

		limit := filter.Limit
		if limit <= 0 {
			limit = 50
		}
		q := recordSelect + where + " ORDER BY " + filter.orderClause() + " LIMIT ? OFFSET ?"
		var rows []recordRow
		if err := conn.SelectContext(ctx, &rows, q, append(append([]any{}, args...), limit, filter.Offset)...); err != nil {
			return fmt.Errorf("select queue: %w", err)
		}

		page.Total = total
		page.Records = make([]*models.ReconciliationRecord, 0, len(rows))
		for _, r := range rows {
			rec, err := r.toModel()
			if err != nil {
				return err
			}
			page.Records = append(page.Records, rec)
		}
		return nil
	})
	return page, err
}

func (f QueueFilter) whereClause() (string, []any) {
	var conds []string
	var args []any
	if f.Status != "" {
		conds = append(conds, "match_status = ?")
		args = append(args, f.Status)
	}
	if f.Tenant != "" {
		conds = append(conds, "invoice_tenant = ?")
		args = append(args, f.Tenant)
	}
	if f.InvoiceState != "" {
		conds = append(conds, "invoice_status = ?")
		args = append(args, f.InvoiceState)
	}
	if f.Search != "" {
		conds = append(conds, "(nvc_code LIKE ? OR payment_recipient LIKE ? OR notes LIKE ?)")
		like := "%" + f.Search + "%"
		args = append(args, like, like, like)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (f QueueFilter) orderClause() string {
	switch f.Sort {
	case "last_updated_at":
		return "last_updated_at ASC"
	case "nvc_code":
		return "nvc_code ASC"
	default:
		return "last_updated_at DESC"
	}
}

// Summary returns counts per match_status, summing exactly to the
// number of rows in the reconciliation table (§4.6 summary(), §8
// invariant 4).
func (s *Store) Summary(ctx context.Context) (models.SummaryCounts, error) {
	counts := models.SummaryCounts{ByStatus: make(map[models.MatchStatus]int)}
	err := s.withConn(ctx, func(conn *sqlx.Conn) error {
		var rows []struct {
			Status string `db:"match_status"`
			N      int    `db:"n"`
		}
		if err := conn.SelectContext(ctx, &rows, `SELECT match_status, COUNT(*) AS n FROM reconciliation_records GROUP BY match_status`); err != nil {
			return fmt.Errorf("summary: %w", err)
		}
		for _, r := range rows {
			st := models.NormalizeStatus(models.MatchStatus(r.Status))
			counts.ByStatus[st] += r.N
			counts.Total += r.N
			if st == models.StatusIssue {
				counts.StatusIssues += r.N
			}
		}
		return nil
	})
	return counts, err
}

// SyncStatus returns the per-source sync state (§4.6 sync_status()).
func (s *Store) SyncStatus(ctx context.Context) (map[string]models.SyncState, error) {
	out := make(map[string]models.SyncState)
	err := s.withConn(ctx, func(conn *sqlx.Conn) error {
		var rows []struct {
			Source     string         `db:"source"`
			LastSyncAt sql.NullTime   `db:"last_success_at"`
			LastCount  sql.NullInt64  `db:"last_count"`
			Degraded   bool           `db:"degraded"`
			LastError  sql.NullString `db:"last_error"`
		}
		if err := conn.SelectContext(ctx, &rows, `SELECT source, last_success_at, 0 AS last_count, degraded, last_error FROM sync_state`); err != nil {
			return fmt.Errorf("sync_status: %w", err)
		}
		for _, r := range rows {
			status := "ok"
			if r.Degraded {
				status = "error"
			}
			out[r.Source] = models.SyncState{
				LastSyncAt: parseTimePtr(r.LastSyncAt),
				LastCount:  int(r.LastCount.Int64),
				Status:     status,
				Error:      r.LastError.String,
			}
		}
		return nil
	})
	return out, err
}

// RecordSyncOutcome upserts the per-source sync_state row after a sync
// step, implementing the consecutive-failure/degraded-mode bookkeeping
// of §4.5.
func (s *Store) RecordSyncOutcome(ctx context.Context, source string, count int, syncErr error) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var failures int
		_ = tx.GetContext(ctx, &failures, `SELECT consecutive_failures FROM sync_state WHERE source = ?`, source)

		now := nowUTC()
		if syncErr == nil {
			_, err := tx.ExecContext(ctx, `INSERT INTO sync_state (source, last_success_at, last_attempt_at, consecutive_failures, last_error, degraded)
				VALUES (?, ?, ?, 0, NULL, 0)
				ON CONFLICT(source) DO UPDATE SET last_success_at = excluded.last_success_at,
					last_attempt_at = excluded.last_attempt_at, consecutive_failures = 0, last_error = NULL, degraded = 0`,
				source, now, now)
			return err
		}

		failures++
		_, err := tx.ExecContext(ctx, `INSERT INTO sync_state (source, last_attempt_at, consecutive_failures, last_error, degraded)
			VALUES (?, ?, ?, ?, 1)
			ON CONFLICT(source) DO UPDATE SET last_attempt_at = excluded.last_attempt_at,
				consecutive_failures = excluded.consecutive_failures, last_error = excluded.last_error, degraded = 1`,
			source, now, failures, syncErr.Error())
		return err
	})
}
