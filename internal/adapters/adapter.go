// Package adapters implements the four L1 source adapters of §4.1. Each
// adapter is a thin, idempotent pull boundary: the actual network
// transport (email fetching, the database tunnel, the processor API
// client) is an external collaborator per §1/§6 — these types depend on
// small transport interfaces that a real deployment wires to SMTP/IMAP,
// a DB driver, or an HTTP client, none of which live in this module.
package adapters

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/omc-payops/nvc-reconciler/internal/models"
)

// Kind identifies which of the four authoritative sources an adapter
// pulls from (§9 "Polymorphism over sources").
type Kind string

const (
	KindEmail    Kind = "email"
	KindInvoice  Kind = "invoice"
	KindInbound  Kind = "inbound_funding"
	KindOutbound Kind = "outbound_payment"
)

// Window is the bounded lookback an adapter fetches within (§4.1).
type Window struct {
	Since time.Time
	Until time.Time
}

// EmailBatch is the result of EmailAdapter.Fetch.
type EmailBatch struct {
	Emails []RemittanceEmail
}

// RemittanceEmail is a single parsed remittance message (§3, §4.1).
type RemittanceEmail struct {
	ID           string
	Source       models.EmailSource
	Subject      string
	Sender       string
	EmailDate    time.Time
	FetchedAt    time.Time
	AgencyName   string
	Total        decimal.Decimal
	Lines        []models.RemittanceLine
	ManualReview bool
}

// InvoiceBatch is the result of InvoiceAdapter.Fetch.
type InvoiceBatch struct {
	Invoices []models.CachedInvoice
}

// ReceivedPaymentBatch is the result of InboundFundingAdapter.Fetch.
type ReceivedPaymentBatch struct {
	Payments []models.ReceivedPayment
}

// OutboundPaymentBatch is the result of OutboundPaymentAdapter.Fetch.
type OutboundPaymentBatch struct {
	Payments []models.CachedPayment
}

// Adapter is the capability set every source satisfies: fetch a window,
// report its kind. The scheduler type-asserts each batch to its concrete
// type and hands it to the matching reconciliation engine method (§9).
type Adapter interface {
	Kind() Kind
	Fetch(ctx context.Context, w Window) (any, error)
}
