// Package models defines the entities shared by the store, matcher,
// reconciliation engine, scheduler, and read API.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// MatchStatus is the closed enumeration of §3 — the derived, never
// hand-authored (except "resolved") classification of a reconciliation
// record.
type MatchStatus string

const (
	StatusFull4Way            MatchStatus = "full_4way"
	Status3WayAwaitingPayment MatchStatus = "3way_awaiting_payment"
	Status3WayNoFunding       MatchStatus = "3way_no_funding"
	Status2WayMatched         MatchStatus = "2way_matched"
	StatusAmountMismatch      MatchStatus = "amount_mismatch"
	StatusInvoicePaymentOnly  MatchStatus = "invoice_payment_only"
	StatusRemittanceOnly      MatchStatus = "remittance_only"
	StatusInvoiceOnly         MatchStatus = "invoice_only"
	StatusPaymentOnly         MatchStatus = "payment_only"
	StatusUnmatched           MatchStatus = "unmatched"
	StatusResolved            MatchStatus = "resolved"
	StatusIssue               MatchStatus = "status_issue"
)

// NormalizeStatus maps any status value to itself, or to StatusUnmatched
// if it falls outside the closed set. Forward-compatible with schema
// evolution per §9 "Status enum extension".
func NormalizeStatus(s MatchStatus) MatchStatus {
	switch s {
	case StatusFull4Way, Status3WayAwaitingPayment, Status3WayNoFunding,
		Status2WayMatched, StatusAmountMismatch, StatusInvoicePaymentOnly,
		StatusRemittanceOnly, StatusInvoiceOnly, StatusPaymentOnly,
		StatusUnmatched, StatusResolved, StatusIssue:
		return s
	default:
		return StatusUnmatched
	}
}

// ManualFlag is the closed enumeration for the manual-flag path (§3 Manual).
type ManualFlag string

const (
	FlagNeedsOutreach ManualFlag = "needs_outreach"
	FlagInvestigating ManualFlag = "investigating"
	FlagEscalated     ManualFlag = "escalated"
	FlagResolved      ManualFlag = "resolved"
)

// InvoiceStatus is the closed enumeration for leg 2, mapped from the
// numeric status code returned by the invoice source (§6).
type InvoiceStatus string

const (
	InvoiceDraft      InvoiceStatus = "Draft"
	InvoiceApproved   InvoiceStatus = "Approved"
	InvoiceProcessing InvoiceStatus = "Processing"
	InvoiceInFlight   InvoiceStatus = "In Flight"
	InvoicePaid       InvoiceStatus = "Paid"
	InvoiceRejected   InvoiceStatus = "Rejected"
	InvoiceCancelled  InvoiceStatus = "Cancelled"
)

// invoiceStatusByCode is the canonical numeric-status mapping from §6.
var invoiceStatusByCode = map[int]InvoiceStatus{
	0: InvoiceDraft,
	1: InvoiceApproved,
	2: InvoiceProcessing,
	3: InvoiceInFlight,
	4: InvoicePaid,
	5: InvoiceRejected,
	6: InvoiceCancelled,
}

// InvoiceStatusFromCode maps a numeric invoice status code to its
// canonical name, defaulting to Draft for unrecognized codes.
func InvoiceStatusFromCode(code int) InvoiceStatus {
	if s, ok := invoiceStatusByCode[code]; ok {
		return s
	}
	return InvoiceDraft
}

// EmailSource identifies which agency email channel a remittance
// originated from (§3, §6).
type EmailSource string

const (
	SourceOasys   EmailSource = "oasys"
	SourceD365ACH EmailSource = "d365_ach"
	SourceLDNGSS  EmailSource = "ldn_gss"
)

// ReconciliationRecord is the central entity, keyed by nvc_code (§3).
type ReconciliationRecord struct {
	NVCCode string `db:"nvc_code"`

	// Leg 1 — Remittance
	RemittanceAmount  *decimal.Decimal `db:"remittance_amount"`
	RemittanceDate    *time.Time       `db:"remittance_date"`
	RemittanceSource  *EmailSource     `db:"remittance_source"`
	RemittanceEmailID *string          `db:"remittance_email_id"`

	// Leg 2 — Invoice
	InvoiceAmount    *decimal.Decimal `db:"invoice_amount"`
	InvoiceStatus    *InvoiceStatus   `db:"invoice_status"`
	InvoiceTenant    *string          `db:"invoice_tenant"`
	InvoicePayrunRef *string          `db:"invoice_payrun_ref"`
	InvoiceCurrency  *string          `db:"invoice_currency"`

	// Leg 3 — Inbound funding (inherited via remittance email linkage)
	ReceivedPaymentID     *string          `db:"received_payment_id"`
	ReceivedPaymentAmount *decimal.Decimal `db:"received_payment_amount"`
	ReceivedPaymentDate   *time.Time       `db:"received_payment_date"`

	// Leg 4 — Outbound payment
	PaymentAmount           *decimal.Decimal `db:"payment_amount"`
	PaymentAccountID        *string          `db:"payment_account_id"`
	PaymentDate             *time.Time       `db:"payment_date"`
	PaymentCurrency         *string          `db:"payment_currency"`
	PaymentStatus           *string          `db:"payment_status"`
	PaymentRecipient        *string          `db:"payment_recipient"`
	PaymentRecipientCountry *string          `db:"payment_recipient_country"`

	// Derived
	MatchStatus MatchStatus `db:"match_status"`
	MatchFlags  string      `db:"match_flags"`

	// Manual
	Flag       *ManualFlag `db:"flag"`
	FlagNotes  *string     `db:"flag_notes"`
	Notes      *string     `db:"notes"`
	ResolvedAt *time.Time  `db:"resolved_at"`
	ResolvedBy *string     `db:"resolved_by"`

	// Audit
	FirstSeenAt   time.Time `db:"first_seen_at"`
	LastUpdatedAt time.Time `db:"last_updated_at"`
}

// LegsPresent reports which of the four legs currently have data, used
// by the classifier's fallback enumeration (§3, §4.3).
type LegsPresent struct {
	Remittance bool
	Invoice    bool
	Inbound    bool
	Payment    bool
}

func (r *ReconciliationRecord) LegsPresent() LegsPresent {
	return LegsPresent{
		Remittance: r.RemittanceAmount != nil,
		Invoice:    r.InvoiceAmount != nil,
		Inbound:    r.ReceivedPaymentAmount != nil,
		Payment:    r.PaymentAmount != nil,
	}
}

// RemittanceLine is a single NVC-coded line item parsed out of a
// remittance email attachment (§4.1).
type RemittanceLine struct {
	NVCCode    string
	Amount     decimal.Decimal
	Contractor string
	Notes      string
}

// CachedEmail fingerprints a remittance email (§3).
type CachedEmail struct {
	ID                string          `db:"id"`
	Source            EmailSource     `db:"source"`
	Subject           string          `db:"subject"`
	Sender            string          `db:"sender"`
	EmailDate         time.Time       `db:"email_date"`
	FetchedAt         time.Time       `db:"fetched_at"`
	AgencyName        string          `db:"agency_name"`
	RemittanceTotal   decimal.Decimal `db:"remittance_total"`
	ManualReview      bool            `db:"manual_review"`
	ReceivedPaymentID *string         `db:"received_payment_id"`
}

// CachedInvoice mirrors an invoice source row (§3).
type CachedInvoice struct {
	NVCCode   string          `db:"nvc_code"`
	Amount    decimal.Decimal `db:"amount"`
	Status    InvoiceStatus   `db:"status"`
	Tenant    string          `db:"tenant"`
	PayrunRef string          `db:"payrun_ref"`
	Currency  string          `db:"currency"`
	FetchedAt time.Time       `db:"fetched_at"`
}

// CachedPayrun mirrors a pay-run batch grouping invoices (§3).
type CachedPayrun struct {
	Ref       string    `db:"ref"`
	Tenant    string    `db:"tenant"`
	FetchedAt time.Time `db:"fetched_at"`
}

// ReceivedPayment is an inbound lump-sum funding event landing at the
// payment processor from a paying agency (§3, leg 3).
type ReceivedPayment struct {
	ID         string          `db:"id"`
	SubAccount string          `db:"sub_account"`
	Amount     decimal.Decimal `db:"amount"`
	Date       time.Time       `db:"date"`
	Status     string          `db:"status"`
	PayerRaw   string          `db:"payer_raw"`
	FetchedAt  time.Time       `db:"fetched_at"`
}

// CachedPayment mirrors an outbound payment source row (§3, leg 4).
type CachedPayment struct {
	NVCCode          string          `db:"nvc_code"`
	Amount           decimal.Decimal `db:"amount"`
	AccountID        string          `db:"account_id"`
	Currency         string          `db:"currency"`
	Status           string          `db:"status"`
	Recipient        string          `db:"recipient"`
	RecipientCountry string          `db:"recipient_country"`
	Date             time.Time       `db:"date"`
	FetchedAt        time.Time       `db:"fetched_at"`
}

// Tolerances holds the matching configuration parameters of §4.3/§4.4/§6.
// Never hard-coded — populated from internal/config.
type Tolerances struct {
	AmountTol      decimal.Decimal
	DateWindowDays int
	AutoMatchConf  float64
	SuggestConf    float64
}

// DefaultTolerances returns the §6 defaults.
func DefaultTolerances() Tolerances {
	return Tolerances{
		AmountTol:      decimal.NewFromFloat(0.01),
		DateWindowDays: 3,
		AutoMatchConf:  0.80,
		SuggestConf:    0.50,
	}
}

// SyncState is the per-source status surfaced by the scheduler (§4.5, §6).
type SyncState struct {
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
	LastCount  int        `json:"last_count"`
	Status     string     `json:"status"` // ok | error | skipped
	Error      string     `json:"error,omitempty"`
}

// SummaryCounts holds the counts per match_status returned by summary() (§4.6).
type SummaryCounts struct {
	ByStatus     map[MatchStatus]int `json:"by_status"`
	StatusIssues int                 `json:"status_issues"`
	Total        int                 `json:"total"`
}
