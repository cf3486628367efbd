package matcher

import (
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xrash/smetrics"

	"github.com/omc-payops/nvc-reconciler/internal/models"
)

// LinkOutcome is the verdict of scoring a received payment against a
// remittance email's lump-sum total (§4.4).
type LinkOutcome string

const (
	LinkAuto      LinkOutcome = "auto_link"
	LinkSuggest   LinkOutcome = "suggest"
	LinkUnmatched LinkOutcome = "unmatched"
)

// LumpSumScore is the weighted breakdown of a candidate link, returned
// so the suggestion endpoint (§4.6) can show callers why a candidate
// scored the way it did.
type LumpSumScore struct {
	AmountScore float64
	DateScore   float64
	PayerScore  float64
	Total       float64
	Outcome     LinkOutcome
}

// AliasTable maps a canonical payer name to its accepted aliases (§4.4).
type AliasTable map[string][]string

const (
	weightAmount = 0.5
	weightDate   = 0.2
	weightPayer  = 0.3
)

// ScoreLumpSum scores a received payment against a candidate remittance
// email using the §4.4 weighted signals: amount, date proximity, and
// fuzzy payer-name similarity.
func ScoreLumpSum(rp models.ReceivedPayment, email models.CachedEmail, aliases AliasTable, tol models.Tolerances) LumpSumScore {
	amountScore := scoreAmount(rp.Amount, email.RemittanceTotal, tol.AmountTol)
	dateScore := scoreDate(rp.Date, email.EmailDate)
	payerScore := scorePayer(rp.PayerRaw, email.AgencyName, aliases)

	total := weightAmount*amountScore + weightDate*dateScore + weightPayer*payerScore

	outcome := LinkUnmatched
	switch {
	case total >= tol.AutoMatchConf:
		outcome = LinkAuto
	case total >= tol.SuggestConf:
		outcome = LinkSuggest
	}

	return LumpSumScore{
		AmountScore: amountScore,
		DateScore:   dateScore,
		PayerScore:  payerScore,
		Total:       total,
		Outcome:     outcome,
	}
}

// scoreAmount implements the §4.4 amount bands: exact within tolerance
// scores 1.0, within 1% scores 0.7, within 5% scores 0.3, else 0.0.
func scoreAmount(received, total decimal.Decimal, tol decimal.Decimal) float64 {
	diff := received.Sub(total).Abs()
	if diff.LessThanOrEqual(tol) {
		return 1.0
	}
	if total.IsZero() {
		return 0.0
	}
	pct := diff.Div(total.Abs())
	onePct := decimal.NewFromFloat(0.01)
	fivePct := decimal.NewFromFloat(0.05)
	switch {
	case pct.LessThanOrEqual(onePct):
		return 0.7
	case pct.LessThanOrEqual(fivePct):
		return 0.3
	default:
		return 0.0
	}
}

// scoreDate implements the §4.4 date bands, symmetric around same-day.
func scoreDate(a, b time.Time) float64 {
	days := math.Abs(a.Sub(b).Hours() / 24)
	switch {
	case days < 1:
		return 1.0
	case days <= 1:
		return 0.8
	case days <= 3:
		return 0.5
	case days <= 7:
		return 0.2
	default:
		return 0.0
	}
}

var (
	desPattern      = regexp.MustCompile(`(?i)\bDES:\S*`)
	wireTypePattern = regexp.MustCompile(`(?i)\bWIRE TYPE:\S*`)
	idPattern       = regexp.MustCompile(`(?i)\bID:\S*`)
	coPattern       = regexp.MustCompile(`(?i)\b(LLC|LTD|INC|CORP|CO)\b\.?`)
	whitespace      = regexp.MustCompile(`\s+`)
)

// CleanPayerString strips the free-text noise commonly found in an
// infoToAccountOwner-style field — "DES:", "WIRE TYPE:", "ID:" blocks —
// and normalizes whitespace and case, per §4.4.
func CleanPayerString(raw string) string {
	s := raw
	s = desPattern.ReplaceAllString(s, "")
	s = wireTypePattern.ReplaceAllString(s, "")
	s = idPattern.ReplaceAllString(s, "")
	s = whitespace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// normalizeAgencyName strips legal-entity suffixes so alias/similarity
// comparisons aren't thrown off by "LLC" vs no suffix.
func normalizeAgencyName(s string) string {
	s = coPattern.ReplaceAllString(s, "")
	s = whitespace.ReplaceAllString(s, " ")
	return strings.ToUpper(strings.TrimSpace(s))
}

// scorePayer implements the §4.4 payer-name signal: an exact alias hit
// scores 1.0, otherwise a Jaro-Winkler similarity over the cleaned and
// normalized strings.
func scorePayer(payerRaw, agencyName string, aliases AliasTable) float64 {
	payer := normalizeAgencyName(CleanPayerString(payerRaw))
	agency := normalizeAgencyName(agencyName)

	if payer == agency {
		return 1.0
	}

	if aliasHit(payer, agency, aliases) {
		return 1.0
	}

	return smetrics.JaroWinkler(payer, agency, 0.7, 4)
}

// aliasHit reports whether payer is a configured alias of agency (or
// vice versa) via the canonical-name -> aliases table.
func aliasHit(payer, agency string, aliases AliasTable) bool {
	for canonical, names := range aliases {
		canonicalNorm := normalizeAgencyName(canonical)
		matchesCanonical := canonicalNorm == payer || canonicalNorm == agency
		if !matchesCanonical {
			continue
		}
		for _, alias := range names {
			aliasNorm := normalizeAgencyName(alias)
			if aliasNorm == payer || aliasNorm == agency {
				return true
			}
		}
	}
	return false
}
