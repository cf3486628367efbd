// Package matcher holds the stateless, pure classification functions
// of §4.3 and §4.4: the NVC/amount/status matcher for legs 1↔2, and the
// fuzzy lump-sum matcher for legs 3↔1.
package matcher

import (
	"strings"

	"github.com/omc-payops/nvc-reconciler/internal/models"
)

// Classify implements the §4.3 decision table. It is a pure function of
// the record's leg fields and the configured tolerances — callers are
// responsible for the "resolved" stickiness rule (§4.5), which lives
// outside this function because it depends on the record's prior state,
// not just its current leg data.
func Classify(r *models.ReconciliationRecord, tol models.Tolerances) (models.MatchStatus, string) {
	legs := r.LegsPresent()
	var flags []string

	if legs.Remittance && legs.Invoice {
		diff := r.RemittanceAmount.Sub(*r.InvoiceAmount).Abs()
		amountsAgree := diff.LessThanOrEqual(tol.AmountTol)

		if !amountsAgree {
			return models.StatusAmountMismatch, join(flags)
		}

		if isRejectedOrCancelled(r.InvoiceStatus) {
			flags = append(flags, "status_issue_override")
			return models.StatusIssue, join(flags)
		}

		if legs.Inbound && legs.Payment {
			if crossCurrency(r) {
				flags = append(flags, "classification_skipped:cross_currency")
				return models.Status2WayMatched, join(flags)
			}
			paymentDiff := r.PaymentAmount.Sub(*r.RemittanceAmount).Abs()
			if paymentDiff.LessThanOrEqual(tol.AmountTol) {
				return models.StatusFull4Way, join(flags)
			}
			return models.Status2WayMatched, join(flags)
		}
		if legs.Inbound && !legs.Payment {
			return models.Status3WayAwaitingPayment, join(flags)
		}
		if !legs.Inbound && legs.Payment {
			return models.Status3WayNoFunding, join(flags)
		}
		return models.Status2WayMatched, join(flags)
	}

	switch {
	case legs.Invoice && legs.Payment && !legs.Remittance && !legs.Inbound:
		return models.StatusInvoicePaymentOnly, join(flags)
	case legs.Remittance && !legs.Invoice && !legs.Inbound && !legs.Payment:
		return models.StatusRemittanceOnly, join(flags)
	case legs.Invoice && !legs.Remittance && !legs.Inbound && !legs.Payment:
		return models.StatusInvoiceOnly, join(flags)
	case legs.Payment && !legs.Remittance && !legs.Invoice && !legs.Inbound:
		return models.StatusPaymentOnly, join(flags)
	default:
		return models.StatusUnmatched, join(flags)
	}
}

// Reclassify applies Classify while honoring the "resolved" stickiness
// rule of §4.5: a resolved record stays resolved unless the recomputed
// status would be amount_mismatch, in which case the human judgement is
// invalidated and the mismatch wins.
func Reclassify(r *models.ReconciliationRecord, tol models.Tolerances) (models.MatchStatus, string) {
	newStatus, flags := Classify(r, tol)
	if r.MatchStatus == models.StatusResolved && newStatus != models.StatusAmountMismatch {
		return models.StatusResolved, flags
	}
	return newStatus, flags
}

func isRejectedOrCancelled(s *models.InvoiceStatus) bool {
	if s == nil {
		return false
	}
	return *s == models.InvoiceRejected || *s == models.InvoiceCancelled
}

// crossCurrency reports whether leg 4 (any currency) cannot be compared
// to legs 1-3 (assumed single reporting currency) per §3 invariant (e).
func crossCurrency(r *models.ReconciliationRecord) bool {
	if r.PaymentCurrency == nil || r.InvoiceCurrency == nil {
		return false
	}
	return !strings.EqualFold(*r.PaymentCurrency, *r.InvoiceCurrency)
}

func join(flags []string) string {
	return strings.Join(flags, ",")
}
