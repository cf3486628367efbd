package adapters

import (
	"encoding/csv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/omc-payops/nvc-reconciler/internal/errs"
	"github.com/omc-payops/nvc-reconciler/internal/models"
)

// knownAttachmentFormats are the formats the remittance parser can
// decode (§4.1). Anything else (image-only remittances pending OCR,
// unrecognized spreadsheet layouts) is routed to manual review.
var knownAttachmentFormats = map[string]bool{
	"csv": true,
}

// ParseAttachment decodes one attachment into its NVC-coded line items.
// A csv attachment is expected in the form
// nvc_code,line_amount,contractor,notes (no header row). Any decode
// failure or unknown format is returned as a SourceMalformed error; the
// caller is responsible for marking the email manual_review=true and
// proceeding without line items (§4.1, §7).
func ParseAttachment(source string, format string, data []byte) ([]models.RemittanceLine, error) {
	if !knownAttachmentFormats[format] {
		return nil, errs.New(errs.SourceMalformed, source, "unrecognized attachment format: "+format, nil)
	}

	reader := csv.NewReader(strings.NewReader(string(data)))
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, errs.New(errs.SourceMalformed, source, "malformed csv attachment", err)
	}

	var lines []models.RemittanceLine
	for _, row := range rows {
		if len(row) == 0 || strings.TrimSpace(row[0]) == "" {
			continue
		}
		if len(row) < 2 {
			// A single record with missing columns is skipped, not fatal
			// for the rest of the batch (§7 SourceMalformed scope).
			continue
		}
		amount, parseErr := decimal.NewFromString(strings.TrimSpace(row[1]))
		if parseErr != nil {
			continue
		}
		line := models.RemittanceLine{
			NVCCode: strings.TrimSpace(row[0]),
			Amount:  amount,
		}
		if len(row) > 2 {
			line.Contractor = strings.TrimSpace(row[2])
		}
		if len(row) > 3 {
			line.Notes = strings.TrimSpace(row[3])
		}
		lines = append(lines, line)
	}
	return lines, nil
}
