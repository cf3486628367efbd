package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// migration is one additive schema step. Migrations never rewrite or
// drop a column that a prior release still reads; renames are carried
// forward as a new column plus a compatibility view (§9 "Column
// renames take one release cycle").
type migration struct {
	version int
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS emails (
				id TEXT PRIMARY KEY,
				source TEXT NOT NULL,
				subject TEXT,
				sender TEXT,
				email_date TIMESTAMP,
				fetched_at TIMESTAMP NOT NULL,
				agency_name TEXT,
				remittance_total TEXT,
				manual_review INTEGER NOT NULL DEFAULT 0,
				received_payment_id TEXT,
				link_confidence REAL,
				link_method TEXT
			)`,
			`CREATE TABLE IF NOT EXISTS remittance_lines (
				email_id TEXT NOT NULL,
				line_no INTEGER NOT NULL,
				nvc_code TEXT NOT NULL,
				amount TEXT NOT NULL,
				contractor TEXT,
				notes TEXT,
				PRIMARY KEY (email_id, line_no)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_remittance_lines_nvc ON remittance_lines (nvc_code)`,
			`CREATE TABLE IF NOT EXISTS invoices (
				nvc_code TEXT PRIMARY KEY,
				amount TEXT,
				status TEXT,
				tenant TEXT,
				payrun_ref TEXT,
				currency TEXT,
				fetched_at TIMESTAMP NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS received_payments (
				id TEXT PRIMARY KEY,
				sub_account TEXT,
				amount TEXT,
				date TIMESTAMP,
				status TEXT,
				payer_raw TEXT,
				fetched_at TIMESTAMP NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS cached_payments (
				nvc_code TEXT PRIMARY KEY,
				amount TEXT,
				account_id TEXT,
				currency TEXT,
				status TEXT,
				recipient TEXT,
				recipient_country TEXT,
				date TIMESTAMP,
				fetched_at TIMESTAMP NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS reconciliation_records (
				nvc_code TEXT PRIMARY KEY,
				remittance_amount TEXT,
				remittance_date TIMESTAMP,
				remittance_source TEXT,
				remittance_email_id TEXT,
				invoice_amount TEXT,
				invoice_status TEXT,
				invoice_tenant TEXT,
				invoice_payrun_ref TEXT,
				invoice_currency TEXT,
				received_payment_id TEXT,
				received_payment_amount TEXT,
				received_payment_date TIMESTAMP,
				payment_amount TEXT,
				payment_account_id TEXT,
				payment_currency TEXT,
				payment_status TEXT,
				payment_recipient TEXT,
				payment_recipient_country TEXT,
				payment_date TIMESTAMP,
				match_status TEXT NOT NULL,
				match_flags TEXT,
				flag TEXT,
				flag_notes TEXT,
				notes TEXT,
				resolved_at TIMESTAMP,
				resolved_by TEXT,
				first_seen_at TIMESTAMP NOT NULL,
				last_updated_at TIMESTAMP NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_reconciliation_status ON reconciliation_records (match_status)`,
			`CREATE TABLE IF NOT EXISTS sync_state (
				source TEXT PRIMARY KEY,
				last_success_at TIMESTAMP,
				last_attempt_at TIMESTAMP,
				consecutive_failures INTEGER NOT NULL DEFAULT 0,
				last_error TEXT,
				degraded INTEGER NOT NULL DEFAULT 0
			)`,
		},
	},
	{
		// §9: the original processor-side column was "funding_amount"
		// (and siblings). reconciliation_records was created directly
		// with the renamed payment_* columns above, so the legacy view
		// below is the one-release-cycle compatibility surface for any
		// caller still reading the old funding_* names.
		version: 2,
		stmts: []string{
			`CREATE VIEW IF NOT EXISTS reconciliation_records_legacy_funding AS
				SELECT
					nvc_code,
					remittance_amount,
					remittance_date,
					remittance_source,
					remittance_email_id,
					invoice_amount,
					invoice_status,
					invoice_tenant,
					invoice_payrun_ref,
					invoice_currency,
					received_payment_id,
					received_payment_amount,
					received_payment_date,
					payment_amount   AS funding_amount,
					payment_account_id AS funding_account_id,
					payment_currency AS funding_currency,
					payment_status   AS funding_status,
					payment_recipient AS funding_recipient,
					payment_recipient_country AS funding_recipient_country,
					payment_date     AS funding_date,
					match_status,
					match_flags,
					flag,
					flag_notes,
					notes,
					resolved_at,
					resolved_by,
					first_seen_at,
					last_updated_at
				FROM reconciliation_records`,
		},
	},
}

func (s *Store) migrate(ctx context.Context) error {
	return s.withConn(ctx, func(conn *sqlx.Conn) error {
		if _, err := conn.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL
		)`); err != nil {
			return fmt.Errorf("create schema_migrations: %w", err)
		}

		for _, m := range migrations {
			var applied int
			if err := conn.GetContext(ctx, &applied, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, m.version); err != nil {
				return fmt.Errorf("check migration %d: %w", m.version, err)
			}
			if applied > 0 {
				continue
			}
			tx, err := conn.BeginTxx(ctx, nil)
			if err != nil {
				return fmt.Errorf("begin migration %d: %w", m.version, err)
			}
			for _, stmt := range m.stmts {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					tx.Rollback()
					return fmt.Errorf("apply migration %d: %w", m.version, err)
				}
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, m.version, nowUTC()); err != nil {
				tx.Rollback()
				return fmt.Errorf("record migration %d: %w", m.version, err)
			}
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("commit migration %d: %w", m.version, err)
			}
		}
		return nil
	})
}
