package adapters

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/omc-payops/nvc-reconciler/internal/models"
)

// RawReceivedPayment is a single inbound-funding row as returned by the
// processor's received-payments feed (§6).
type RawReceivedPayment struct {
	ID         string
	SubAccount string
	Amount     decimal.Decimal
	Date       time.Time
	Status     string
	PayerRaw   string
}

// InboundFundingTransport is the boundary to the payment processor API
// for inbound receipts, out of scope per §1/§6.
type InboundFundingTransport interface {
	FetchReceivedPayments(ctx context.Context, w Window) ([]RawReceivedPayment, error)
}

// InboundFundingAdapter reads lump-sum inbound receipts (§4.1, leg 3).
type InboundFundingAdapter struct {
	transport InboundFundingTransport
	retry     RetryPolicy
}

func NewInboundFundingAdapter(transport InboundFundingTransport, retry RetryPolicy) *InboundFundingAdapter {
	return &InboundFundingAdapter{transport: transport, retry: retry}
}

func (a *InboundFundingAdapter) Kind() Kind { return KindInbound }

func (a *InboundFundingAdapter) Fetch(ctx context.Context, w Window) (any, error) {
	var raw []RawReceivedPayment
	err := WithRetry(ctx, string(KindInbound), a.retry, func(ctx context.Context) error {
		var fetchErr error
		raw, fetchErr = a.transport.FetchReceivedPayments(ctx, w)
		return fetchErr
	})
	if err != nil {
		return ReceivedPaymentBatch{}, err
	}

	fetchedAt := time.Now().UTC()
	batch := ReceivedPaymentBatch{Payments: make([]models.ReceivedPayment, 0, len(raw))}
	for _, r := range raw {
		batch.Payments = append(batch.Payments, models.ReceivedPayment{
			ID:         r.ID,
			SubAccount: r.SubAccount,
			Amount:     r.Amount,
			Date:       r.Date,
			Status:     r.Status,
			PayerRaw:   r.PayerRaw,
			FetchedAt:  fetchedAt,
		})
	}
	return batch, nil
}
