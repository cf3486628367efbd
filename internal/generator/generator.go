// Package generator produces synthetic seed fixtures for local runs and
// tests, adapted from the teacher's GenerateTestData — same seeded-rng,
// bucketed-amount, id-counter idiom, now producing the four source
// batches this domain reconciles instead of transactions/settlements.
package generator

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"github.com/omc-payops/nvc-reconciler/internal/adapters"
	"github.com/omc-payops/nvc-reconciler/internal/models"
)

var (
	agencies = []string{"BBDO USA LLC", "Omnicom Media Group", "Dentsu Americas", "Publicis Worldwide", "WPP Media"}
	tenants  = []string{"tenant-us", "tenant-uk", "tenant-apac"}
	sources  = []models.EmailSource{models.SourceOasys, models.SourceD365ACH, models.SourceLDNGSS}
)

// Seed is a generated batch of fixture data across all four legs,
// ready to hand to a reconciler.Engine.
type Seed struct {
	Emails   adapters.EmailBatch
	Invoices adapters.InvoiceBatch
	Inbound  adapters.ReceivedPaymentBatch
	Outbound adapters.OutboundPaymentBatch
}

// Generate creates count NVCs worth of fixture data with a realistic
// status distribution: ~70% clean full_4way, ~15% amount_mismatch,
// ~10% awaiting-payment, ~5% status_issue.
func Generate(seed int64, count int) Seed {
	rng := rand.New(rand.NewSource(seed))
	baseDate := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	var out Seed
	nvcSeq := 0
	nextNVC := func() string {
		nvcSeq++
		return fmt.Sprintf("NVC%05d", nvcSeq)
	}

	randomAmount := func() decimal.Decimal {
		r := rng.Float64()
		var v float64
		switch {
		case r < 0.4:
			v = 50 + rng.Float64()*450
		case r < 0.8:
			v = 500 + rng.Float64()*4500
		default:
			v = 5000 + rng.Float64()*45000
		}
		return decimal.NewFromFloat(math.Round(v*100) / 100)
	}

	for i := 0; i < count; i++ {
		nvc := nextNVC()
		agency := agencies[rng.Intn(len(agencies))]
		tenant := tenants[rng.Intn(len(tenants))]
		source := sources[rng.Intn(len(sources))]
		amount := randomAmount()
		day := baseDate.Add(time.Duration(rng.Intn(60)) * 24 * time.Hour)

		bucket := rng.Float64()

		emailID := fmt.Sprintf("E-%05d", i+1)
		out.Emails.Emails = append(out.Emails.Emails, adapters.RemittanceEmail{
			ID: emailID, Source: source, Subject: "Remittance advice", Sender: "ap@" + tenant + ".example",
			EmailDate: day, FetchedAt: day, AgencyName: agency, Total: amount,
			Lines: []models.RemittanceLine{{NVCCode: nvc, Amount: amount, Contractor: "Contractor " + nvc}},
		})

		invoiceAmount := amount
		status := models.InvoiceApproved
		switch {
		case bucket < 0.15:
			invoiceAmount = amount.Add(amount.Mul(decimal.NewFromFloat(0.10)))
		case bucket < 0.20:
			status = models.InvoiceRejected
		}
		out.Invoices.Invoices = append(out.Invoices.Invoices, models.CachedInvoice{
			NVCCode: nvc, Amount: invoiceAmount, Status: status, Tenant: tenant, Currency: "USD", FetchedAt: day,
		})

		if bucket < 0.90 {
			out.Outbound.Payments = append(out.Outbound.Payments, models.CachedPayment{
				NVCCode: nvc, Amount: amount, Currency: "USD", Recipient: agency, Date: day, FetchedAt: day,
			})
		}
	}

	// One lump-sum received payment per distinct agency/day pair, summing
	// the emails it is meant to fund — the inverse of the real-world flow
	// where one wire covers many remittance lines.
	totals := map[string]decimal.Decimal{}
	for _, e := range out.Emails.Emails {
		key := e.AgencyName + e.EmailDate.Format("2006-01-02")
		totals[key] = totals[key].Add(e.Total)
	}
	rpSeq := 0
	for _, e := range out.Emails.Emails {
		key := e.AgencyName + e.EmailDate.Format("2006-01-02")
		total, ok := totals[key]
		if !ok {
			continue
		}
		rpSeq++
		out.Inbound.Payments = append(out.Inbound.Payments, models.ReceivedPayment{
			ID: fmt.Sprintf("P-%05d", rpSeq), Amount: total, Date: e.EmailDate,
			PayerRaw: e.AgencyName + " DES:ACH", FetchedAt: e.EmailDate,
		})
		delete(totals, key) // one received payment per agency/day group
	}

	return out
}
