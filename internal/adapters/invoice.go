package adapters

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/omc-payops/nvc-reconciler/internal/models"
)

// RawInvoice is a single invoice row as returned by the invoice source,
// with the numeric status code still unmapped (§6).
type RawInvoice struct {
	NVCCode    string
	Amount     decimal.Decimal
	StatusCode int
	Tenant     string
	PayrunRef  string
	Currency   string
}

// InvoiceTransport is the boundary to the internal operations database
// (the "tunnel"), out of scope per §1/§6.
type InvoiceTransport interface {
	FetchInvoices(ctx context.Context, w Window) ([]RawInvoice, error)
}

// InvoiceAdapter reads invoice rows keyed by NVC (§4.1, §6).
type InvoiceAdapter struct {
	transport InvoiceTransport
	retry     RetryPolicy
}

func NewInvoiceAdapter(transport InvoiceTransport, retry RetryPolicy) *InvoiceAdapter {
	return &InvoiceAdapter{transport: transport, retry: retry}
}

func (a *InvoiceAdapter) Kind() Kind { return KindInvoice }

func (a *InvoiceAdapter) Fetch(ctx context.Context, w Window) (any, error) {
	var raw []RawInvoice
	err := WithRetry(ctx, string(KindInvoice), a.retry, func(ctx context.Context) error {
		var fetchErr error
		raw, fetchErr = a.transport.FetchInvoices(ctx, w)
		return fetchErr
	})
	if err != nil {
		return InvoiceBatch{}, err
	}

	fetchedAt := time.Now().UTC()
	batch := InvoiceBatch{Invoices: make([]models.CachedInvoice, 0, len(raw))}
	for _, r := range raw {
		batch.Invoices = append(batch.Invoices, models.CachedInvoice{
			NVCCode:   r.NVCCode,
			Amount:    r.Amount,
			Status:    models.InvoiceStatusFromCode(r.StatusCode),
			Tenant:    r.Tenant,
			PayrunRef: r.PayrunRef,
			Currency:  r.Currency,
			FetchedAt: fetchedAt,
		})
	}
	return batch, nil
}
