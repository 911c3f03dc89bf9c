package export

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Sternrassler/zoho-invoice-export/internal/testutil"
	"github.com/Sternrassler/zoho-invoice-export/pkg/auth"
	"github.com/Sternrassler/zoho-invoice-export/pkg/client"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExporter(t *testing.T, mock *testutil.MockZoho, opts Options) *Exporter {
	t.Helper()

	logger := zerolog.Nop()
	provider := auth.NewRefreshProvider(nil, logger)
	tokens := auth.NewSource(provider, auth.Credentials{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RefreshToken: "refresh-token",
		AccountsURL:  mock.URL(),
	}, logger)

	cfg := client.DefaultConfig(mock.URL(), "60012345")
	cfg.Logger = &logger
	c, err := client.New(cfg, tokens)
	require.NoError(t, err)
	c.SetSleeper(func(ctx context.Context, d time.Duration) error { return ctx.Err() })

	if opts.OutputDir == "" {
		opts.OutputDir = t.TempDir()
	}
	opts.Logger = &logger
	return New(c, opts)
}

func makeRecords(idKey string, n int) []map[string]any {
	records := make([]map[string]any, n)
	for i := range records {
		records[i] = map[string]any{
			idKey:  fmt.Sprintf("%d", i+1),
			"name": fmt.Sprintf("record %d", i+1),
		}
	}
	return records
}

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		dec := json.NewDecoder(bytes.NewReader(scanner.Bytes()))
		dec.UseNumber()
		var rec map[string]any
		require.NoError(t, dec.Decode(&rec))
		out = append(out, rec)
	}
	require.NoError(t, scanner.Err())
	return out
}

func TestRun_ContactsTwoPages(t *testing.T) {
	mock := testutil.NewMockZoho()
	defer mock.Close()
	mock.SetPagedList("/invoice/v3/contacts", "contacts", makeRecords("contact_id", 250))

	var pages []int
	exporter := newTestExporter(t, mock, Options{
		Progress: func(p Progress) { pages = append(pages, p.Page) },
	})

	summary := exporter.Run(context.Background(), []string{"contacts"})

	lines := readLines(t, filepath.Join(exporter.opts.OutputDir, "contacts.jsonl"))
	assert.Len(t, lines, 250)
	assert.Equal(t, "1", lines[0]["contact_id"])
	assert.Equal(t, "250", lines[249]["contact_id"])

	assert.Equal(t, 250, summary.Counts["contacts"])
	assert.Equal(t, 0, summary.ErrorCount)
	assert.Equal(t, []int{1, 2}, pages)
	assert.NotEmpty(t, summary.RunID)

	queries := mock.Queries("/invoice/v3/contacts")
	require.Len(t, queries, 2)
	assert.Equal(t, "200", queries[0].Get("per_page"))
	assert.Equal(t, "2", queries[1].Get("page"))
}

func TestSummary_Write(t *testing.T) {
	mock := testutil.NewMockZoho()
	defer mock.Close()
	mock.SetPagedList("/invoice/v3/items", "items", makeRecords("item_id", 3))

	exporter := newTestExporter(t, mock, Options{})
	summary := exporter.Run(context.Background(), []string{"items"})

	path, err := summary.Write(exporter.opts.OutputDir)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "\n  \"run_id\"")
	assert.Contains(t, string(data), `"errors": []`)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, map[string]any{"items": float64(3)}, decoded["counts"])
	assert.Equal(t, exporter.opts.OutputDir, decoded["output_dir"])
	assert.Equal(t, []any{"items"}, decoded["resources"])
}

func TestRun_ContinuesAfterFailure(t *testing.T) {
	mock := testutil.NewMockZoho()
	defer mock.Close()
	mock.SetPagedList("/invoice/v3/contacts", "contacts", makeRecords("contact_id", 2))
	mock.SetResponse("/invoice/v3/items", testutil.NewJSONResponse(http.StatusForbidden,
		`{"code":57,"message":"You are not authorized to perform this operation"}`))

	exporter := newTestExporter(t, mock, Options{})
	summary := exporter.Run(context.Background(), []string{"bogus", "items", "contacts"})

	assert.Equal(t, 2, summary.Counts["contacts"])
	assert.Equal(t, 0, summary.Counts["items"])
	require.Equal(t, 2, summary.ErrorCount)
	assert.Equal(t, "bogus: unsupported resource", summary.Errors[0])
	assert.Contains(t, summary.Errors[1], "items: ")
	assert.Contains(t, summary.Errors[1], "status 403")
}

func TestExport_SinceFilter(t *testing.T) {
	mock := testutil.NewMockZoho()
	defer mock.Close()
	mock.SetPagedList("/invoice/v3/invoices", "invoices", makeRecords("invoice_id", 1))

	exporter := newTestExporter(t, mock, Options{Since: "2026-01-01T00:00:00+0000", PageSize: 25})
	_, err := exporter.Export(context.Background(), ResourceInvoices)
	require.NoError(t, err)

	queries := mock.Queries("/invoice/v3/invoices")
	require.Len(t, queries, 1)
	assert.Equal(t, "2026-01-01T00:00:00+0000", queries[0].Get("last_modified_time"))
	assert.Equal(t, "25", queries[0].Get("per_page"))
}

func TestInvoicePayments_GlobalEndpoint(t *testing.T) {
	mock := testutil.NewMockZoho()
	defer mock.Close()
	mock.SetPagedList("/invoice/v3/invoices", "invoices", makeRecords("invoice_id", 4))
	mock.SetPagedList("/invoice/v3/invoices/payments", "payments", makeRecords("payment_id", 3))

	exporter := newTestExporter(t, mock, Options{})
	summary := exporter.Run(context.Background(), ParseResources("invoices, payments"))

	assert.Equal(t, 0, summary.ErrorCount, summary.Errors)
	assert.Equal(t, 4, summary.Counts[ResourceInvoices])
	assert.Equal(t, 3, summary.Counts[ResourceInvoicePayments])

	// Ids come from the invoices export, not a second listing.
	assert.Len(t, mock.Queries("/invoice/v3/invoices"), 1)

	probe := mock.Queries("/invoice/v3/invoices/payments")[0]
	assert.Equal(t, "1", probe.Get("per_page"))
	assert.Equal(t, "1", probe.Get("page"))
	assert.Equal(t, "1", probe.Get("invoice_id"))
}

func TestInvoicePayments_FallsBackToPerInvoice(t *testing.T) {
	mock := testutil.NewMockZoho()
	defer mock.Close()
	mock.SetPagedList("/invoice/v3/invoices", "invoices", makeRecords("invoice_id", 2))
	mock.SetPagedList("/invoice/v3/invoices/1/payments", "payments", makeRecords("payment_id", 2))
	mock.SetPagedList("/invoice/v3/invoices/2/payments", "payments", makeRecords("payment_id", 1))

	var progress []Progress
	exporter := newTestExporter(t, mock, Options{Progress: func(p Progress) { progress = append(progress, p) }})

	result, err := exporter.Export(context.Background(), ResourceInvoicePayments)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Count)

	// Global shape tried for every sample id before falling back.
	assert.Len(t, mock.Queries("/invoice/v3/invoices/payments"), 2)

	lines := readLines(t, result.Path)
	assert.Len(t, lines, 3)

	require.NotEmpty(t, progress)
	last := progress[len(progress)-1]
	assert.Equal(t, 2, last.Invoice)
	assert.Equal(t, 2, last.Invoices)
	assert.Equal(t, 3, last.Total)
}

func TestInvoicePayments_NoEndpoint(t *testing.T) {
	mock := testutil.NewMockZoho()
	defer mock.Close()
	mock.SetPagedList("/invoice/v3/invoices", "invoices", makeRecords("invoice_id", 5))
	mock.SetPagedList("/invoice/v3/contacts", "contacts", makeRecords("contact_id", 1))

	exporter := newTestExporter(t, mock, Options{})
	summary := exporter.Run(context.Background(), []string{ResourceInvoicePayments, ResourceContacts})

	assert.Equal(t, 0, summary.Counts[ResourceInvoicePayments])
	assert.Equal(t, 1, summary.Counts[ResourceContacts])
	require.Len(t, summary.Errors, 1)
	assert.Equal(t, "invoice_payments: "+ErrNoPaymentsEndpoint.Error(), summary.Errors[0])

	// At most three sample ids per candidate.
	assert.Len(t, mock.Queries("/invoice/v3/invoices/payments"), 3)
	assert.Len(t, mock.Queries("/invoice/v3/invoices/4/payments"), 0)
}

func TestInvoicePayments_ReprobesEveryRun(t *testing.T) {
	mock := testutil.NewMockZoho()
	defer mock.Close()
	mock.SetPagedList("/invoice/v3/invoices", "invoices", makeRecords("invoice_id", 1))
	mock.SetPagedList("/invoice/v3/invoices/payments", "payments", makeRecords("payment_id", 1))

	for run := 0; run < 2; run++ {
		exporter := newTestExporter(t, mock, Options{})
		_, err := exporter.Export(context.Background(), ResourceInvoicePayments)
		require.NoError(t, err)
	}

	probes := 0
	for _, q := range mock.Queries("/invoice/v3/invoices/payments") {
		if q.Get("invoice_id") != "" {
			probes++
		}
	}
	assert.Equal(t, 2, probes)
}

func TestLineItems(t *testing.T) {
	mock := testutil.NewMockZoho()
	defer mock.Close()
	mock.SetPagedList("/invoice/v3/invoices", "invoices", makeRecords("invoice_id", 3))
	mock.SetResponse("/invoice/v3/invoices/1", testutil.NewHealthyResponse(`{"invoice":{
		"invoice_id":"1","invoice_number":"INV-001","customer_id":"c1","customer_name":"Zoë",
		"line_items":[
			{"line_item_id":"l1","name":"Widget","rate":12.5,"quantity":2},
			{"line_item_id":"l2","name":"Gadget","rate":3,"quantity":1},
			"junk"
		]}}`))
	mock.SetResponse("/invoice/v3/invoices/3", testutil.NewHealthyResponse(`{"invoice":{
		"invoice_id":"3","invoice_number":"INV-003","line_items":[{"line_item_id":"l3"}]}}`))
	// invoice 2 answers 404 and is skipped

	exporter := newTestExporter(t, mock, Options{})
	result, err := exporter.Export(context.Background(), ResourceLineItems)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Count)

	lines := readLines(t, result.Path)
	require.Len(t, lines, 3)
	assert.Equal(t, "INV-001", lines[0]["invoice_number"])
	assert.Equal(t, "Zoë", lines[0]["customer_name"])
	assert.Equal(t, json.Number("12.5"), lines[0]["rate"])
	assert.Equal(t, "l3", lines[2]["line_item_id"])
	assert.Nil(t, lines[2]["customer_id"])
}

func TestLineItems_MaxInvoices(t *testing.T) {
	mock := testutil.NewMockZoho()
	defer mock.Close()
	mock.SetPagedList("/invoice/v3/invoices", "invoices", makeRecords("invoice_id", 3))
	for i := 1; i <= 3; i++ {
		mock.SetResponse(fmt.Sprintf("/invoice/v3/invoices/%d", i), testutil.NewHealthyResponse(
			fmt.Sprintf(`{"invoice":{"invoice_id":"%d","line_items":[{"line_item_id":"x"}]}}`, i)))
	}

	exporter := newTestExporter(t, mock, Options{MaxInvoices: 2})
	result, err := exporter.Export(context.Background(), ResourceLineItems)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Count)
	assert.Empty(t, mock.Queries("/invoice/v3/invoices/3"))
}

func TestFlattenLineItems(t *testing.T) {
	invoice := map[string]any{
		"invoice_id":     "9",
		"invoice_number": "INV-9",
		"customer_id":    "c",
		"customer_name":  "Acme",
		"status":         "paid",
		"line_items": []any{
			map[string]any{"line_item_id": "a", "customer_name": "override"},
		},
	}

	rows := FlattenLineItems(invoice)
	require.Len(t, rows, 1)
	assert.Equal(t, map[string]any{
		"invoice_id":     "9",
		"invoice_number": "INV-9",
		"customer_id":    "c",
		"customer_name":  "override",
		"line_item_id":   "a",
	}, rows[0])

	assert.Nil(t, FlattenLineItems(map[string]any{"line_items": "none"}))
}

func TestParseResources(t *testing.T) {
	tests := []struct {
		raw  string
		want []string
	}{
		{"", nil},
		{"contacts", []string{"contacts"}},
		{" contacts , ,items,", []string{"contacts", "items"}},
		{"payments,invoices", []string{"invoice_payments", "invoices"}},
		{"customer_payments", []string{"customer_payments"}},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseResources(tt.raw), "ParseResources(%q)", tt.raw)
	}
}

func TestRunDir(t *testing.T) {
	base := t.TempDir()
	at := time.Date(2026, 3, 1, 9, 5, 7, 0, time.UTC)

	dir, err := RunDir(base, at)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "20260301_090507"), dir)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
