package models

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestNormalizeStatus_UnknownFallsBackToUnmatched(t *testing.T) {
	require.Equal(t, StatusFull4Way, NormalizeStatus(StatusFull4Way))
	require.Equal(t, StatusUnmatched, NormalizeStatus(MatchStatus("not_a_real_status")))
}

func TestInvoiceStatusFromCode(t *testing.T) {
	cases := map[int]InvoiceStatus{
		0: InvoiceDraft,
		1: InvoiceApproved,
		2: InvoiceProcessing,
		3: InvoiceInFlight,
		4: InvoicePaid,
		5: InvoiceRejected,
		6: InvoiceCancelled,
		99: InvoiceDraft,
	}
	for code, want := range cases {
		require.Equal(t, want, InvoiceStatusFromCode(code))
	}
}

func TestLegsPresent(t *testing.T) {
	amt := decimal.NewFromInt(1)
	r := &ReconciliationRecord{InvoiceAmount: &amt, PaymentAmount: &amt}
	legs := r.LegsPresent()
	require.True(t, legs.Invoice)
	require.True(t, legs.Payment)
	require.False(t, legs.Remittance)
	require.False(t, legs.Inbound)
}

func TestDefaultTolerances(t *testing.T) {
	tol := DefaultTolerances()
	require.True(t, tol.AmountTol.Equal(decimal.NewFromFloat(0.01)))
	require.Equal(t, 3, tol.DateWindowDays)
	require.Equal(t, 0.80, tol.AutoMatchConf)
	require.Equal(t, 0.50, tol.SuggestConf)
}
