package store

import (
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
)

// Amounts and timestamps are persisted as TEXT so that decimal
// precision survives the round trip exactly; these helpers convert
// between the optional pointer fields models.go uses and the
// database/sql-friendly nullable scalars sqlite expects.

func decArg(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func decValArg(d decimal.Decimal) any {
	return d.String()
}

func timeArg(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC()
}

func timeValArg(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func strArg(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func parseDecPtr(ns sql.NullString) (*decimal.Decimal, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(ns.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func parseDecVal(ns sql.NullString) (decimal.Decimal, error) {
	if !ns.Valid || ns.String == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(ns.String)
}

func parseTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	v := ns.String
	return &v
}
