package adapters

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/omc-payops/nvc-reconciler/internal/models"
)

// RawAttachment is one attachment on a fetched message, as handed off
// by the email transport (out of scope, §1).
type RawAttachment struct {
	Format string // "csv", or anything not in knownAttachmentFormats
	Data   []byte
}

// RawEmailMessage is what the email transport returns per message,
// before remittance-line parsing (§4.1, §6).
type RawEmailMessage struct {
	ID          string
	Source      models.EmailSource
	Subject     string
	Sender      string
	EmailDate   time.Time
	AgencyName  string
	Total       decimal.Decimal
	Attachments []RawAttachment
}

// EmailTransport is the boundary to the agency-email fetching system.
// Its implementation (IMAP/Graph API client, etc.) lives outside this
// module (§1, §6).
type EmailTransport interface {
	FetchMessages(ctx context.Context, w Window) ([]RawEmailMessage, error)
}

// EmailAdapter parses remittance emails into line items plus a
// per-email lump-sum total (§4.1).
type EmailAdapter struct {
	transport EmailTransport
	retry     RetryPolicy
}

func NewEmailAdapter(transport EmailTransport, retry RetryPolicy) *EmailAdapter {
	return &EmailAdapter{transport: transport, retry: retry}
}

func (a *EmailAdapter) Kind() Kind { return KindEmail }

func (a *EmailAdapter) Fetch(ctx context.Context, w Window) (any, error) {
	var raw []RawEmailMessage
	err := WithRetry(ctx, string(KindEmail), a.retry, func(ctx context.Context) error {
		var fetchErr error
		raw, fetchErr = a.transport.FetchMessages(ctx, w)
		return fetchErr
	})
	if err != nil {
		return EmailBatch{}, err
	}

	batch := EmailBatch{Emails: make([]RemittanceEmail, 0, len(raw))}
	for _, msg := range raw {
		email := RemittanceEmail{
			ID:         msg.ID,
			Source:     msg.Source,
			Subject:    msg.Subject,
			Sender:     msg.Sender,
			EmailDate:  msg.EmailDate,
			FetchedAt:  time.Now().UTC(),
			AgencyName: msg.AgencyName,
			Total:      msg.Total,
		}

		var lines []models.RemittanceLine
		decodedAny := false
		failedAny := false
		for _, att := range msg.Attachments {
			parsed, parseErr := ParseAttachment(msg.ID, att.Format, att.Data)
			if parseErr != nil {
				failedAny = true
				continue
			}
			decodedAny = true
			lines = append(lines, parsed...)
		}

		// ldn_gss (and any source) with no decodable attachment is
		// flagged for manual review with zero line items (§4.1, §6).
		if len(msg.Attachments) == 0 || (failedAny && !decodedAny) {
			email.ManualReview = true
			email.Lines = nil
		} else {
			email.Lines = lines
		}

		batch.Emails = append(batch.Emails, email)
	}
	return batch, nil
}
