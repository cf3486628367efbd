package adapters

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/omc-payops/nvc-reconciler/internal/errs"
	"github.com/omc-payops/nvc-reconciler/internal/models"
)

// RawOutboundPayment is a single outbound-payment row, with the NVC
// still embedded in a "tenant.NVC_CODE" reference string (§6).
type RawOutboundPayment struct {
	Reference        string
	Amount           decimal.Decimal
	Currency         string
	Recipient        string
	RecipientCountry string
	Status           string
	Date             time.Time
	AccountID        string
}

// OutboundPaymentTransport is the boundary to the processor API for
// outbound disbursements, out of scope per §1/§6.
type OutboundPaymentTransport interface {
	FetchOutboundPayments(ctx context.Context, w Window) ([]RawOutboundPayment, error)
}

// OutboundPaymentAdapter reads outbound payment rows keyed by NVC
// (§4.1, leg 4).
type OutboundPaymentAdapter struct {
	transport OutboundPaymentTransport
	retry     RetryPolicy
}

func NewOutboundPaymentAdapter(transport OutboundPaymentTransport, retry RetryPolicy) *OutboundPaymentAdapter {
	return &OutboundPaymentAdapter{transport: transport, retry: retry}
}

func (a *OutboundPaymentAdapter) Kind() Kind { return KindOutbound }

func (a *OutboundPaymentAdapter) Fetch(ctx context.Context, w Window) (any, error) {
	var raw []RawOutboundPayment
	err := WithRetry(ctx, string(KindOutbound), a.retry, func(ctx context.Context) error {
		var fetchErr error
		raw, fetchErr = a.transport.FetchOutboundPayments(ctx, w)
		return fetchErr
	})
	if err != nil {
		return OutboundPaymentBatch{}, err
	}

	fetchedAt := time.Now().UTC()
	batch := OutboundPaymentBatch{Payments: make([]models.CachedPayment, 0, len(raw))}
	for _, r := range raw {
		nvc, extractErr := ExtractNVC(r.Reference)
		if extractErr != nil {
			// A single malformed reference is skipped; the rest of the
			// batch proceeds (§7 SourceMalformed scope).
			continue
		}
		batch.Payments = append(batch.Payments, models.CachedPayment{
			NVCCode:          nvc,
			Amount:           r.Amount,
			AccountID:        r.AccountID,
			Currency:         r.Currency,
			Status:           r.Status,
			Recipient:        r.Recipient,
			RecipientCountry: r.RecipientCountry,
			Date:             r.Date,
			FetchedAt:        fetchedAt,
		})
	}
	return batch, nil
}

// ExtractNVC pulls the NVC code out of a "tenant.NVC_CODE" reference
// string (§6).
func ExtractNVC(reference string) (string, error) {
	idx := strings.LastIndex(reference, ".")
	if idx < 0 || idx == len(reference)-1 {
		return "", errs.New(errs.SourceMalformed, string(KindOutbound), "reference missing tenant.NVC_CODE separator: "+reference, nil)
	}
	return reference[idx+1:], nil
}
