package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/omc-payops/nvc-reconciler/internal/models"
)

// UpsertEmail records one fetched remittance email in the emails cache
// and, for every parsed line, calls UpsertRemittanceLine (§4.1 leg 1).
// An email with no parsed lines (manual_review) is still cached; the
// lump-sum pass skips it, so it is never auto-linked to a received payment.
// The caller (internal/reconciler) is responsible for translating the
// adapter's RemittanceEmail into this cache-shaped pair.
func (s *Store) UpsertEmail(ctx context.Context, email models.CachedEmail, lines []models.RemittanceLine) error {
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO emails
			(id, source, subject, sender, email_date, fetched_at, agency_name, remittance_total, manual_review)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				source = excluded.source, subject = excluded.subject, sender = excluded.sender,
				email_date = excluded.email_date, fetched_at = excluded.fetched_at,
				agency_name = excluded.agency_name, remittance_total = excluded.remittance_total,
				manual_review = excluded.manual_review`,
			email.ID, email.Source, email.Subject, email.Sender, email.EmailDate, email.FetchedAt,
			email.AgencyName, decValArg(email.RemittanceTotal), email.ManualReview)
		if err != nil {
			return fmt.Errorf("upsert email %s: %w", email.ID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, line := range lines {
		if err := s.UpsertRemittanceLine(ctx, line, email.Source, email.EmailDate, email.ID); err != nil {
			return err
		}
	}
	return nil
}

// GetEmail fetches a cached email by ID, used by the lump-sum pass to
// re-read emails awaiting a funding link (§4.4).
func (s *Store) GetEmail(ctx context.Context, id string) (*models.CachedEmail, bool, error) {
	var email models.CachedEmail
	var found bool
	err := s.withConn(ctx, func(conn *sqlx.Conn) error {
		rows, err := conn.QueryxContext(ctx, `SELECT id, source, subject, sender, email_date, fetched_at,
			agency_name, remittance_total, manual_review, received_payment_id FROM emails WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("get email %s: %w", id, err)
		}
		defer rows.Close()
		if !rows.Next() {
			return nil
		}
		if err := rows.StructScan(&email); err != nil {
			return fmt.Errorf("scan email %s: %w", id, err)
		}
		found = true
		return nil
	})
	if !found {
		return nil, false, err
	}
	return &email, true, err
}

// UnlinkedEmails returns emails with no received_payment_id yet,
// candidates for the lump-sum matching pass (§4.4, §4.5 step 5).
func (s *Store) UnlinkedEmails(ctx context.Context) ([]models.CachedEmail, error) {
	var emails []models.CachedEmail
	err := s.withConn(ctx, func(conn *sqlx.Conn) error {
		return conn.SelectContext(ctx, &emails, `SELECT id, source, subject, sender, email_date, fetched_at,
			agency_name, remittance_total, manual_review, received_payment_id
			FROM emails WHERE received_payment_id IS NULL`)
	})
	return emails, err
}

// UpsertReceivedPayment caches one inbound lump-sum payment row (§4.1 leg 3).
func (s *Store) UpsertReceivedPayment(ctx context.Context, rp models.ReceivedPayment) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO received_payments
			(id, sub_account, amount, date, status, payer_raw, fetched_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				sub_account = excluded.sub_account, amount = excluded.amount, date = excluded.date,
				status = excluded.status, payer_raw = excluded.payer_raw, fetched_at = excluded.fetched_at`,
			rp.ID, rp.SubAccount, decValArg(rp.Amount), rp.Date, rp.Status, rp.PayerRaw, rp.FetchedAt)
		if err != nil {
			return fmt.Errorf("upsert received payment %s: %w", rp.ID, err)
		}
		return nil
	})
}

// UnlinkedReceivedPayments returns received payments not yet linked to
// any email, candidates for the lump-sum matching pass (§4.4).
func (s *Store) UnlinkedReceivedPayments(ctx context.Context) ([]models.ReceivedPayment, error) {
	var rps []models.ReceivedPayment
	err := s.withConn(ctx, func(conn *sqlx.Conn) error {
		return conn.SelectContext(ctx, &rps, `SELECT rp.id, rp.sub_account, rp.amount, rp.date, rp.status, rp.payer_raw, rp.fetched_at
			FROM received_payments rp
			WHERE NOT EXISTS (SELECT 1 FROM emails e WHERE e.received_payment_id = rp.id)`)
	})
	return rps, err
}

// LinkReceivedPaymentToEmail records a lump-sum match outcome on the
// email row, whether auto-linked or merely suggested (§4.4, §4.5).
// Only auto-linked matches (method "auto") go on to propagate funding.
func (s *Store) LinkReceivedPaymentToEmail(ctx context.Context, emailID, rpID string, confidence float64, method string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE emails SET received_payment_id = ?, link_confidence = ?, link_method = ? WHERE id = ?`,
			rpID, confidence, method, emailID)
		if err != nil {
			return fmt.Errorf("link received payment %s to email %s: %w", rpID, emailID, err)
		}
		return nil
	})
}

// PropagateFundingToNVCs stamps leg 3 onto every NVC whose remittance
// line belongs to emailID, once that email has been auto-linked to a
// received payment (§4.4, §4.5). Returns the NVCs updated, so the
// caller can reclassify them (§4.4 "then reclassifies those NVCs").
func (s *Store) PropagateFundingToNVCs(ctx context.Context, emailID string) ([]string, error) {
	email, found, err := s.GetEmail(ctx, emailID)
	if err != nil {
		return nil, err
	}
	if !found || email.ReceivedPaymentID == nil {
		return nil, fmt.Errorf("propagate funding: email %s has no linked received payment", emailID)
	}

	var rp models.ReceivedPayment
	err = s.withConn(ctx, func(conn *sqlx.Conn) error {
		return conn.GetContext(ctx, &rp, `SELECT id, sub_account, amount, date, status, payer_raw, fetched_at
			FROM received_payments WHERE id = ?`, *email.ReceivedPaymentID)
	})
	if err != nil {
		return nil, fmt.Errorf("load received payment %s: %w", *email.ReceivedPaymentID, err)
	}

	var nvcs []string
	err = s.withConn(ctx, func(conn *sqlx.Conn) error {
		return conn.SelectContext(ctx, &nvcs, `SELECT DISTINCT nvc_code FROM remittance_lines WHERE email_id = ?`, emailID)
	})
	if err != nil {
		return nil, fmt.Errorf("list nvcs for email %s: %w", emailID, err)
	}

	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, nvc := range nvcs {
			if err := s.ApplyFunding(ctx, tx, nvc, rp); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return nvcs, nil
}
