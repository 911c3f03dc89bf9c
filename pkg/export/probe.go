package export

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/Sternrassler/zoho-invoice-export/pkg/client"
)

// ErrNoPaymentsEndpoint is returned when no payments endpoint shape answers.
var ErrNoPaymentsEndpoint = errors.New("unable to determine invoice payments endpoint")

// probeSampleSize bounds the invoice ids tried per candidate.
const probeSampleSize = 3

type endpointMode string

const (
	modeGlobal     endpointMode = "global"
	modePerInvoice endpointMode = "per_invoice"
)

// endpointCandidate is one request shape for invoice payments.
type endpointCandidate struct {
	Mode         endpointMode
	PathTemplate string
	ListKey      string

	// InvoiceIDParam sends the id as invoice_id query parameter instead of
	// in the path.
	InvoiceIDParam bool
}

// paymentCandidates are tried in order; the first one whose response carries
// the list key wins.
var paymentCandidates = []endpointCandidate{
	{
		Mode:           modeGlobal,
		PathTemplate:   "/invoice/v3/invoices/payments",
		ListKey:        "payments",
		InvoiceIDParam: true,
	},
	{
		Mode:         modePerInvoice,
		PathTemplate: "/invoice/v3/invoices/{invoice_id}/payments",
		ListKey:      "payments",
	},
}

func (c endpointCandidate) path(invoiceID string) string {
	return strings.ReplaceAll(c.PathTemplate, "{invoice_id}", url.PathEscape(invoiceID))
}

// probeRequest builds the one-record test call for invoiceID.
func (c endpointCandidate) probeRequest(invoiceID string) client.Request {
	query := url.Values{}
	query.Set("per_page", "1")
	query.Set("page", "1")
	if c.InvoiceIDParam {
		query.Set("invoice_id", invoiceID)
	}
	return client.Request{
		Path:       c.path(invoiceID),
		Query:      query,
		MaxRetries: client.Retries(1),
	}
}

// probePayments returns the first candidate that answers with its list key
// for any of the first sample invoice ids. Failed test calls are skipped;
// only cancellation aborts the probe. Nothing is cached between runs.
func (e *Exporter) probePayments(ctx context.Context, invoiceIDs []string) (endpointCandidate, error) {
	sample := invoiceIDs
	if len(sample) > probeSampleSize {
		sample = sample[:probeSampleSize]
	}

	for _, candidate := range paymentCandidates {
		for _, id := range sample {
			payload, err := e.client.Do(ctx, candidate.probeRequest(id))
			if err != nil {
				if ctx.Err() != nil {
					return endpointCandidate{}, err
				}
				e.logger.Debug().
					Err(err).
					Str("mode", string(candidate.Mode)).
					Str("invoice_id", id).
					Msg("Payments probe failed")
				continue
			}
			if _, ok := payload[candidate.ListKey]; ok {
				e.logger.Info().
					Str("mode", string(candidate.Mode)).
					Str("path", candidate.PathTemplate).
					Msg("Payments endpoint selected")
				return candidate, nil
			}
		}
	}
	return endpointCandidate{}, ErrNoPaymentsEndpoint
}
