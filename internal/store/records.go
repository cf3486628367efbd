package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/omc-payops/nvc-reconciler/internal/models"
)

// GetRecord fetches the reconciliation record for nvc, or (nil, false)
// if none exists yet (§4.6 record()).
func (s *Store) GetRecord(ctx context.Context, nvc string) (*models.ReconciliationRecord, bool, error) {
	var rec *models.ReconciliationRecord
	var found bool
	err := s.withConn(ctx, func(conn *sqlx.Conn) error {
		r, ok, err := scanRecord(ctx, conn, nvc)
		rec, found = r, ok
		return err
	})
	return rec, found, err
}

// EnsureRecord returns the existing record for nvc, creating an empty
// unmatched shell (first_seen_at = now) if none exists yet — the entry
// point every leg upsert calls before mutating its own fields (§4.5).
func (s *Store) EnsureRecord(ctx context.Context, tx *sqlx.Tx, nvc string) (*models.ReconciliationRecord, error) {
	rec, ok, err := scanRecordTx(ctx, tx, nvc)
	if err != nil {
		return nil, err
	}
	if ok {
		return rec, nil
	}
	now := nowUTC()
	_, err = tx.ExecContext(ctx, `INSERT INTO reconciliation_records
		(nvc_code, match_status, match_flags, first_seen_at, last_updated_at)
		VALUES (?, ?, '', ?, ?)`, nvc, models.StatusUnmatched, now, now)
	if err != nil {
		return nil, fmt.Errorf("create record shell for %s: %w", nvc, err)
	}
	return &models.ReconciliationRecord{
		NVCCode:       nvc,
		MatchStatus:   models.StatusUnmatched,
		FirstSeenAt:   now,
		LastUpdatedAt: now,
	}, nil
}

// SaveClassification persists the fields the matcher derives —
// match_status and match_flags — plus bumps last_updated_at. Sticky
// "resolved" status is decided by the caller (matcher.Reclassify)
// before this is called (§3 Manual, §4.3).
func (s *Store) SaveClassification(ctx context.Context, tx *sqlx.Tx, nvc string, status models.MatchStatus, flags string) error {
	_, err := tx.ExecContext(ctx, `UPDATE reconciliation_records
		SET match_status = ?, match_flags = ?, last_updated_at = ?
		WHERE nvc_code = ?`, status, flags, nowUTC(), nvc)
	if err != nil {
		return fmt.Errorf("save classification for %s: %w", nvc, err)
	}
	return nil
}

// ReclassifyNVC loads nvc's record, runs it through classify, and saves
// the result — all inside one transaction, per §4.5 "single transaction
// per NVC". classify is injected so this package stays ignorant of the
// matching rules themselves (those live in internal/matcher).
func (s *Store) ReclassifyNVC(ctx context.Context, nvc string, classify func(*models.ReconciliationRecord) (models.MatchStatus, string)) (models.MatchStatus, error) {
	var result models.MatchStatus
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		rec, ok, err := scanRecordTx(ctx, tx, nvc)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("reclassify: unknown nvc %s", nvc)
		}
		status, flags := classify(rec)
		result = status
		return s.SaveClassification(ctx, tx, nvc, status, flags)
	})
	return result, err
}

// UpsertRemittanceLine writes one remittance line's amount/source/date
// onto the nvc's record and associates the owning email (§4.1 leg 1).
// Re-delivery of the same (email_id, nvc_code) line is idempotent: the
// latest write for a given NVC wins, matching §4.5's "latest wins"
// upsert semantics for reconciliation fields.
func (s *Store) UpsertRemittanceLine(ctx context.Context, line models.RemittanceLine, source models.EmailSource, emailDate time.Time, emailID string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := s.EnsureRecord(ctx, tx, line.NVCCode); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `UPDATE remittance_lines SET amount = ?, contractor = ?, notes = ?
			WHERE email_id = ? AND nvc_code = ?`,
			decValArg(line.Amount), line.Contractor, line.Notes, emailID, line.NVCCode)
		if err != nil {
			return fmt.Errorf("update remittance line for %s: %w", line.NVCCode, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			_, err = tx.ExecContext(ctx, `INSERT INTO remittance_lines (email_id, line_no, nvc_code, amount, contractor, notes)
				VALUES (?, (SELECT COALESCE(MAX(line_no), 0) + 1 FROM remittance_lines WHERE email_id = ?), ?, ?, ?, ?)`,
				emailID, emailID, line.NVCCode, decValArg(line.Amount), line.Contractor, line.Notes)
			if err != nil {
				return fmt.Errorf("insert remittance line for %s: %w", line.NVCCode, err)
			}
		}
		_, err = tx.ExecContext(ctx, `UPDATE reconciliation_records
			SET remittance_amount = ?, remittance_date = ?, remittance_source = ?,
			    remittance_email_id = ?, last_updated_at = ?
			WHERE nvc_code = ?`,
			decValArg(line.Amount), timeValArg(emailDate), source, emailID, nowUTC(), line.NVCCode)
		if err != nil {
			return fmt.Errorf("upsert remittance leg for %s: %w", line.NVCCode, err)
		}
		return nil
	})
}

// UpsertInvoice writes leg 2 fields onto the record for inv.NVCCode and
// refreshes the invoices cache table (§4.1 leg 2).
func (s *Store) UpsertInvoice(ctx context.Context, inv models.CachedInvoice) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO invoices (nvc_code, amount, status, tenant, payrun_ref, currency, fetched_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(nvc_code) DO UPDATE SET
				amount = excluded.amount, status = excluded.status, tenant = excluded.tenant,
				payrun_ref = excluded.payrun_ref, currency = excluded.currency, fetched_at = excluded.fetched_at`,
			inv.NVCCode, decValArg(inv.Amount), inv.Status, inv.Tenant, inv.PayrunRef, inv.Currency, inv.FetchedAt)
		if err != nil {
			return fmt.Errorf("upsert invoice cache for %s: %w", inv.NVCCode, err)
		}

		if _, err := s.EnsureRecord(ctx, tx, inv.NVCCode); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE reconciliation_records
			SET invoice_amount = ?, invoice_status = ?, invoice_tenant = ?,
			    invoice_payrun_ref = ?, invoice_currency = ?, last_updated_at = ?
			WHERE nvc_code = ?`,
			decValArg(inv.Amount), inv.Status, inv.Tenant, inv.PayrunRef, inv.Currency, nowUTC(), inv.NVCCode)
		if err != nil {
			return fmt.Errorf("upsert invoice leg for %s: %w", inv.NVCCode, err)
		}
		return nil
	})
}

// UpsertOutboundPayment writes leg 4 fields onto the record for
// p.NVCCode and refreshes the cached_payments table (§4.1 leg 4).
func (s *Store) UpsertOutboundPayment(ctx context.Context, p models.CachedPayment) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO cached_payments
			(nvc_code, amount, account_id, currency, status, recipient, recipient_country, date, fetched_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(nvc_code) DO UPDATE SET
				amount = excluded.amount, account_id = excluded.account_id, currency = excluded.currency,
				status = excluded.status, recipient = excluded.recipient,
				recipient_country = excluded.recipient_country, date = excluded.date, fetched_at = excluded.fetched_at`,
			p.NVCCode, decValArg(p.Amount), p.AccountID, p.Currency, p.Status, p.Recipient, p.RecipientCountry, p.Date, p.FetchedAt)
		if err != nil {
			return fmt.Errorf("upsert payment cache for %s: %w", p.NVCCode, err)
		}

		if _, err := s.EnsureRecord(ctx, tx, p.NVCCode); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE reconciliation_records
			SET payment_amount = ?, payment_account_id = ?, payment_currency = ?, payment_status = ?,
			    payment_recipient = ?, payment_recipient_country = ?, payment_date = ?, last_updated_at = ?
			WHERE nvc_code = ?`,
			decValArg(p.Amount), p.AccountID, p.Currency, p.Status, p.Recipient, p.RecipientCountry, p.Date, nowUTC(), p.NVCCode)
		if err != nil {
			return fmt.Errorf("upsert payment leg for %s: %w", p.NVCCode, err)
		}
		return nil
	})
}

// ApplyFunding stamps leg 3 fields (received payment linkage) onto a
// single NVC's record, used by PropagateFundingToNVCs for every NVC
// covered by a lump-sum email (§4.4, §4.5).
func (s *Store) ApplyFunding(ctx context.Context, tx *sqlx.Tx, nvc string, rp models.ReceivedPayment) error {
	if _, err := s.EnsureRecord(ctx, tx, nvc); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `UPDATE reconciliation_records
		SET received_payment_id = ?, received_payment_amount = ?, received_payment_date = ?, last_updated_at = ?
		WHERE nvc_code = ?`, rp.ID, decValArg(rp.Amount), rp.Date, nowUTC(), nvc)
	if err != nil {
		return fmt.Errorf("apply funding for %s: %w", nvc, err)
	}
	return nil
}

// RunInTx exposes a transaction boundary so a caller can compose
// EnsureRecord/SaveClassification/ApplyFunding into a single per-NVC
// transaction (§4.5 "single transaction per NVC").
func (s *Store) RunInTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	return s.withTx(ctx, fn)
}

func scanRecord(ctx context.Context, conn *sqlx.Conn, nvc string) (*models.ReconciliationRecord, bool, error) {
	var row recordRow
	err := conn.GetContext(ctx, &row, recordSelect+` WHERE nvc_code = ?`, nvc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("scan record %s: %w", nvc, err)
	}
	rec, err := row.toModel()
	return rec, true, err
}

func scanRecordTx(ctx context.Context, tx *sqlx.Tx, nvc string) (*models.ReconciliationRecord, bool, error) {
	var row recordRow
	err := tx.GetContext(ctx, &row, recordSelect+` WHERE nvc_code = ?`, nvc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("scan record %s: %w", nvc, err)
	}
	rec, err := row.toModel()
	return rec, true, err
}
