// Package export writes Zoho Invoice resources to JSONL files.
package export

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/Sternrassler/zoho-invoice-export/pkg/client"
	"github.com/Sternrassler/zoho-invoice-export/pkg/pagination"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for export runs.
var (
	zohoExportRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zoho_export_records_total",
		Help: "Total records written by resource",
	}, []string{"resource"})

	zohoExportErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zoho_export_errors_total",
		Help: "Total failed resource exports by resource",
	}, []string{"resource"})

	zohoExportDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "zoho_export_duration_seconds",
		Help:    "Resource export duration in seconds",
		Buckets: []float64{1, 5, 15, 60, 300, 900},
	}, []string{"resource"})
)

// API is the part of the client the exporter needs.
type API interface {
	pagination.Fetcher
	Do(ctx context.Context, r client.Request) (map[string]any, error)
}

// Progress is reported after every page.
type Progress struct {
	Resource string
	Page     int
	Total    int

	// Invoice and Invoices are set while walking per-invoice endpoints.
	Invoice  int
	Invoices int
}

// Options configures an Exporter.
type Options struct {
	// OutputDir receives {resource}.jsonl files. It must exist.
	OutputDir string

	PageSize int

	// Since is passed as last_modified_time when set.
	Since string

	// MaxInvoices bounds the invoice detail fetch for line items. Zero means all.
	MaxInvoices int

	Progress func(Progress)
	Logger   *zerolog.Logger
}

// Result describes one exported resource.
type Result struct {
	Resource string
	Path     string
	Count    int
}

// Exporter exports resources sequentially through one client.
type Exporter struct {
	client API
	pager  *pagination.Paginator
	opts   Options
	logger zerolog.Logger

	// invoiceIDs is filled while exporting invoices and reused by the
	// resources that need them.
	invoiceIDs     []string
	haveInvoiceIDs bool
}

// New creates an exporter.
func New(api API, opts Options) *Exporter {
	if opts.PageSize <= 0 {
		opts.PageSize = pagination.DefaultPageSize
	}

	base := log.Logger
	if opts.Logger != nil {
		base = *opts.Logger
	}

	pagerCfg := pagination.DefaultConfig()
	pagerCfg.PageSize = opts.PageSize
	pagerCfg.Logger = &base

	return &Exporter{
		client: api,
		pager:  pagination.New(api, pagerCfg),
		opts:   opts,
		logger: base.With().Str("component", "exporter").Logger(),
	}
}

// Export writes one resource to {OutputDir}/{resource}.jsonl. On failure the
// result still carries the records written before the error.
func (e *Exporter) Export(ctx context.Context, resource string) (Result, error) {
	result := Result{
		Resource: resource,
		Path:     filepath.Join(e.opts.OutputDir, resource+".jsonl"),
	}
	if !Supported(resource) {
		return result, ErrUnsupportedResource
	}

	start := time.Now()
	defer func() {
		zohoExportDuration.WithLabelValues(resource).Observe(time.Since(start).Seconds())
	}()

	var (
		count int
		err   error
	)
	switch resource {
	case ResourceInvoicePayments:
		count, err = e.exportInvoicePayments(ctx, result.Path)
	case ResourceLineItems:
		count, err = e.exportLineItems(ctx, result.Path)
	default:
		count, err = e.exportList(ctx, resource, result.Path)
	}
	result.Count = count
	zohoExportRecordsTotal.WithLabelValues(resource).Add(float64(count))

	if err != nil {
		zohoExportErrorsTotal.WithLabelValues(resource).Inc()
		return result, err
	}

	e.logger.Info().
		Str("resource", resource).
		Int("count", count).
		Dur("duration", time.Since(start)).
		Msg("Resource exported")
	return result, nil
}

func (e *Exporter) sinceParams() url.Values {
	params := url.Values{}
	if e.opts.Since != "" {
		params.Set("last_modified_time", e.opts.Since)
	}
	return params
}

func (e *Exporter) exportList(ctx context.Context, resource, path string) (int, error) {
	endpoint := listResources[resource]
	collect := resource == ResourceInvoices
	if collect {
		e.invoiceIDs = e.invoiceIDs[:0]
		e.haveInvoiceIDs = false
	}

	w, err := CreateJSONL(path)
	if err != nil {
		return 0, err
	}

	err = e.writePages(ctx, w, resource, pagination.Query{
		Path:    endpoint.Path,
		Params:  e.sinceParams(),
		ListKey: endpoint.ListKey,
	}, func(rec pagination.Record) {
		if collect {
			if id := stringField(rec, "invoice_id"); id != "" {
				e.invoiceIDs = append(e.invoiceIDs, id)
			}
		}
	}, Progress{Resource: resource})

	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if collect && err == nil {
		e.haveInvoiceIDs = true
	}
	return w.Count(), err
}

// writePages drains one paginated listing into w. progress carries the
// per-invoice position, if any; Page and Total are filled in here.
func (e *Exporter) writePages(ctx context.Context, w *JSONLWriter, resource string, q pagination.Query, onRecord func(pagination.Record), progress Progress) error {
	for page, err := range e.pager.Pages(ctx, q) {
		if err != nil {
			return err
		}
		for _, rec := range page.Records {
			if onRecord != nil {
				onRecord(rec)
			}
			if err := w.Write(rec); err != nil {
				return err
			}
		}

		progress.Page = page.Number
		progress.Total = w.Count()
		e.report(progress)
	}
	return nil
}

func (e *Exporter) report(p Progress) {
	e.logger.Debug().
		Str("resource", p.Resource).
		Int("page", p.Page).
		Int("total", p.Total).
		Msg("Export progress")
	if e.opts.Progress != nil {
		e.opts.Progress(p)
	}
}

// ensureInvoiceIDs returns the ids gathered by an earlier invoices export,
// or paginates invoices to gather them.
func (e *Exporter) ensureInvoiceIDs(ctx context.Context) ([]string, error) {
	if e.haveInvoiceIDs && len(e.invoiceIDs) > 0 {
		return e.invoiceIDs, nil
	}

	e.logger.Info().Msg("Collecting invoice ids")
	ids := []string{}
	for page, err := range e.pager.Pages(ctx, pagination.Query{Path: listResources[ResourceInvoices].Path, ListKey: "invoices"}) {
		if err != nil {
			return nil, fmt.Errorf("collect invoice ids: %w", err)
		}
		for _, rec := range page.Records {
			if id := stringField(rec, "invoice_id"); id != "" {
				ids = append(ids, id)
			}
		}
	}

	e.invoiceIDs = ids
	e.haveInvoiceIDs = true
	return ids, nil
}

func (e *Exporter) exportInvoicePayments(ctx context.Context, path string) (int, error) {
	ids, err := e.ensureInvoiceIDs(ctx)
	if err != nil {
		return 0, err
	}

	candidate, err := e.probePayments(ctx, ids)
	if err != nil {
		return 0, err
	}

	w, err := CreateJSONL(path)
	if err != nil {
		return 0, err
	}

	if candidate.Mode == modeGlobal {
		err = e.writePages(ctx, w, ResourceInvoicePayments, pagination.Query{
			Path:    candidate.PathTemplate,
			Params:  e.sinceParams(),
			ListKey: candidate.ListKey,
		}, nil, Progress{Resource: ResourceInvoicePayments})
	} else {
		for i, id := range ids {
			err = e.writePages(ctx, w, ResourceInvoicePayments, pagination.Query{
				Path:    candidate.path(id),
				Params:  e.sinceParams(),
				ListKey: candidate.ListKey,
			}, nil, Progress{Resource: ResourceInvoicePayments, Invoice: i + 1, Invoices: len(ids)})
			if err != nil {
				break
			}
		}
	}

	if cerr := w.Close(); err == nil {
		err = cerr
	}
	return w.Count(), err
}

// exportLineItems fetches every invoice detail and writes one row per line
// item. Invoices whose detail call fails are skipped.
func (e *Exporter) exportLineItems(ctx context.Context, path string) (int, error) {
	ids, err := e.ensureInvoiceIDs(ctx)
	if err != nil {
		return 0, err
	}
	if e.opts.MaxInvoices > 0 && len(ids) > e.opts.MaxInvoices {
		ids = ids[:e.opts.MaxInvoices]
	}

	w, err := CreateJSONL(path)
	if err != nil {
		return 0, err
	}

	var skipped int
	for i, id := range ids {
		payload, err := e.client.Do(ctx, client.Request{
			Method: http.MethodGet,
			Path:   listResources[ResourceInvoices].Path + "/" + url.PathEscape(id),
		})
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, client.ErrContextCancelled) {
				w.Close()
				return w.Count(), err
			}
			skipped++
			e.logger.Warn().Err(err).Str("invoice_id", id).Msg("Invoice detail failed, skipping")
			continue
		}

		invoice, ok := payload["invoice"].(map[string]any)
		if !ok {
			skipped++
			e.logger.Warn().Str("invoice_id", id).Msg("Invoice detail without invoice object, skipping")
			continue
		}

		for _, row := range FlattenLineItems(invoice) {
			if err := w.Write(row); err != nil {
				w.Close()
				return w.Count(), err
			}
		}
		e.report(Progress{Resource: ResourceLineItems, Total: w.Count(), Invoice: i + 1, Invoices: len(ids)})
	}

	if skipped > 0 {
		e.logger.Warn().Int("skipped", skipped).Int("invoices", len(ids)).Msg("Some invoice details were skipped")
	}
	return w.Count(), w.Close()
}

// lineItemBase are the invoice fields copied onto every line item row.
var lineItemBase = []string{"invoice_id", "invoice_number", "customer_id", "customer_name"}

// FlattenLineItems returns one row per object in invoice.line_items, each
// carrying the invoice identity fields. Line item fields win on collision.
func FlattenLineItems(invoice map[string]any) []map[string]any {
	items, ok := invoice["line_items"].([]any)
	if !ok {
		return nil
	}

	rows := make([]map[string]any, 0, len(items))
	for _, item := range items {
		fields, ok := item.(map[string]any)
		if !ok {
			continue
		}
		row := make(map[string]any, len(fields)+len(lineItemBase))
		for _, key := range lineItemBase {
			row[key] = invoice[key]
		}
		for k, v := range fields {
			row[k] = v
		}
		rows = append(rows, row)
	}
	return rows
}

// stringField renders a scalar id field as a string.
func stringField(rec map[string]any, key string) string {
	switch v := rec[key].(type) {
	case string:
		return v
	case nil:
		return ""
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// Run exports resources in order. A failed resource is recorded in the
// summary and the run continues with the next one.
func (e *Exporter) Run(ctx context.Context, resources []string) Summary {
	start := time.Now()
	summary := newSummary(e.opts.OutputDir, resources, start)

	for _, resource := range resources {
		result, err := e.Export(ctx, resource)
		summary.Counts[resource] = result.Count
		if err != nil {
			e.logger.Error().Err(err).Str("resource", resource).Msg("Resource export failed")
			summary.addError(fmt.Sprintf("%s: %v", resource, err))
		}
	}

	summary.finish(time.Since(start))
	return summary
}

// RunDir creates and returns {base}/{YYYYMMDD_HHMMSS} for t.
func RunDir(base string, t time.Time) (string, error) {
	dir := filepath.Join(base, t.Format(TimestampLayout))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	return dir, nil
}
