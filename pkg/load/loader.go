package load

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/uptrace/bun"
)

// Prometheus metrics for the loader.
var (
	zohoLoadRowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zoho_load_rows_total",
		Help: "Total rows written by table and outcome",
	}, []string{"table", "outcome"})
)

// DefaultBatchSize is the number of rows per statement or transaction.
const DefaultBatchSize = 500

// maxLineSize bounds a single JSONL line.
const maxLineSize = 64 << 20

// Loader writes exported invoices into the database.
type Loader struct {
	db     *bun.DB
	logger zerolog.Logger

	// BatchSize bounds rows per insert (raw) or per transaction (transform).
	BatchSize int

	now func() time.Time
}

// New creates a loader on db.
func New(db *bun.DB, logger zerolog.Logger) *Loader {
	return &Loader{
		db:        db,
		logger:    logger.With().Str("component", "loader").Logger(),
		BatchSize: DefaultBatchSize,
		now:       time.Now,
	}
}

// Migrate creates the loader tables.
func (l *Loader) Migrate(ctx context.Context) error {
	return Migrate(ctx, l.db)
}

func (l *Loader) batchSize() int {
	if l.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return l.BatchSize
}

// LoadStats reports a raw ingestion.
type LoadStats struct {
	Loaded  int
	Skipped int
}

// LoadRaw ingests a JSONL file into invoice_raw. Rows are keyed by
// (source_file, line_no), so loading the same file again updates in place.
// Blank, malformed and non-object lines are skipped.
func (l *Loader) LoadRaw(ctx context.Context, path string) (LoadStats, error) {
	var stats LoadStats

	f, err := os.Open(path)
	if err != nil {
		return stats, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1<<20), maxLineSize)

	batch := make([]InvoiceRaw, 0, l.batchSize())
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := l.upsertRaw(ctx, batch); err != nil {
			return err
		}
		stats.Loaded += len(batch)
		zohoLoadRowsTotal.WithLabelValues("invoice_raw", "upserted").Add(float64(len(batch)))
		batch = batch[:0]
		return nil
	}

	ingestedAt := l.now().UTC()
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		row, err := parseRawLine(path, lineNo, line, ingestedAt)
		if err != nil {
			stats.Skipped++
			l.logger.Warn().Err(err).Str("file", path).Int("line", lineNo).Msg("Skipping line")
			continue
		}
		if row.InvoiceID == "" {
			l.logger.Warn().Str("file", path).Int("line", lineNo).Msg("Line has no invoice_id")
		}

		batch = append(batch, row)
		if len(batch) >= l.batchSize() {
			if err := flush(); err != nil {
				return stats, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("read %s: %w", path, err)
	}
	if err := flush(); err != nil {
		return stats, err
	}

	l.logger.Info().Str("file", path).Int("loaded", stats.Loaded).Int("skipped", stats.Skipped).Msg("Raw invoices loaded")
	return stats, nil
}

func parseRawLine(path string, lineNo int, line []byte, ingestedAt time.Time) (InvoiceRaw, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()

	var payload any
	if err := dec.Decode(&payload); err != nil {
		return InvoiceRaw{}, fmt.Errorf("json error: %w", err)
	}
	obj, ok := payload.(map[string]any)
	if !ok {
		return InvoiceRaw{}, errors.New("non-object payload")
	}

	return InvoiceRaw{
		SourceFile:       path,
		LineNo:           lineNo,
		InvoiceID:        stringField(obj, "invoice_id"),
		RawJSON:          string(line),
		CreatedTime:      timestampField(obj, "created_time"),
		UpdatedTime:      timestampField(obj, "updated_time"),
		LastModifiedTime: timestampField(obj, "last_modified_time"),
		IngestedAt:       ingestedAt,
	}, nil
}

func (l *Loader) upsertRaw(ctx context.Context, rows []InvoiceRaw) error {
	_, err := l.db.NewInsert().
		Model(&rows).
		On("CONFLICT (source_file, line_no) DO UPDATE").
		Set("invoice_id = EXCLUDED.invoice_id").
		Set("raw_json = EXCLUDED.raw_json").
		Set("created_time = EXCLUDED.created_time").
		Set("updated_time = EXCLUDED.updated_time").
		Set("last_modified_time = EXCLUDED.last_modified_time").
		Set("ingested_at = EXCLUDED.ingested_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("upsert invoice_raw: %w", err)
	}
	return nil
}

// TransformOptions configures Transform.
type TransformOptions struct {
	SkipCustomers bool
}

// TransformStats reports a transform run. Stale counts rows not written
// because the stored row is at least as new.
type TransformStats struct {
	Invoices       int
	InvoicesStale  int
	Addresses      int
	Customers      int
	CustomersStale int
}

// Transform normalizes the newest raw row of every invoice into invoices,
// invoice_addresses and customers. Invoice and customer rows are only
// replaced by strictly newer versions.
func (l *Loader) Transform(ctx context.Context, opts TransformOptions) (TransformStats, error) {
	var stats TransformStats

	latest, err := l.latestRaw(ctx)
	if err != nil {
		return stats, err
	}

	var (
		invoices  []Invoice
		addresses []InvoiceAddress
		customers []Customer
	)
	for _, raw := range latest {
		payload, err := decodePayload(raw.RawJSON)
		if err != nil {
			l.logger.Warn().Err(err).Str("invoice_id", raw.InvoiceID).Msg("Stored raw json unreadable, skipping")
			continue
		}
		invoices = append(invoices, buildInvoice(raw, payload))
		addresses = append(addresses, buildAddresses(raw.InvoiceID, payload)...)
		if c, ok := buildCustomer(raw, payload); ok {
			customers = append(customers, c)
		}
	}

	if !opts.SkipCustomers {
		for _, chunk := range chunks(customers, l.batchSize()) {
			written, stale, err := l.upsertCustomers(ctx, chunk)
			if err != nil {
				return stats, err
			}
			stats.Customers += written
			stats.CustomersStale += stale
		}
	}

	for _, chunk := range chunks(invoices, l.batchSize()) {
		written, stale, err := l.upsertInvoices(ctx, chunk)
		if err != nil {
			return stats, err
		}
		stats.Invoices += written
		stats.InvoicesStale += stale
	}

	for _, chunk := range chunks(addresses, l.batchSize()) {
		if err := l.upsertAddresses(ctx, chunk); err != nil {
			return stats, err
		}
		stats.Addresses += len(chunk)
	}

	zohoLoadRowsTotal.WithLabelValues("invoices", "upserted").Add(float64(stats.Invoices))
	zohoLoadRowsTotal.WithLabelValues("invoices", "stale").Add(float64(stats.InvoicesStale))
	zohoLoadRowsTotal.WithLabelValues("invoice_addresses", "upserted").Add(float64(stats.Addresses))
	zohoLoadRowsTotal.WithLabelValues("customers", "upserted").Add(float64(stats.Customers))
	zohoLoadRowsTotal.WithLabelValues("customers", "stale").Add(float64(stats.CustomersStale))

	l.logger.Info().
		Int("invoices", stats.Invoices).
		Int("invoices_stale", stats.InvoicesStale).
		Int("addresses", stats.Addresses).
		Int("customers", stats.Customers).
		Msg("Transform complete")
	return stats, nil
}

// latestRaw returns the newest raw row per invoice id, ordered by id. Rows
// are ranked by last_modified, updated, created, then ingestion time.
func (l *Loader) latestRaw(ctx context.Context) ([]InvoiceRaw, error) {
	var rows []InvoiceRaw
	err := l.db.NewSelect().
		Model(&rows).
		Where("?TableAlias.invoice_id IS NOT NULL").
		Where("?TableAlias.invoice_id <> ''").
		Order("invoice_id").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("select invoice_raw: %w", err)
	}

	latest := make(map[string]InvoiceRaw)
	for _, row := range rows {
		cur, ok := latest[row.InvoiceID]
		if !ok || newerRaw(row, cur) {
			latest[row.InvoiceID] = row
		}
	}

	out := make([]InvoiceRaw, 0, len(latest))
	for _, row := range latest {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InvoiceID < out[j].InvoiceID })
	return out, nil
}

func newerRaw(a, b InvoiceRaw) bool {
	if ab, bb := a.best(), b.best(); !ab.Equal(bb) {
		return ab.After(bb)
	}
	if !a.IngestedAt.Equal(b.IngestedAt) {
		return a.IngestedAt.After(b.IngestedAt)
	}
	// Same instant: the later line of the same file wins.
	return a.SourceFile == b.SourceFile && a.LineNo > b.LineNo
}

func (l *Loader) upsertInvoices(ctx context.Context, rows []Invoice) (written, stale int, err error) {
	err = l.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		written, stale = 0, 0
		for i := range rows {
			row := &rows[i]

			existing := new(Invoice)
			err := tx.NewSelect().
				Model(existing).
				Column("last_modified_time", "updated_time", "created_time").
				Where("?TableAlias.invoice_id = ?", row.InvoiceID).
				Limit(1).
				Scan(ctx)
			switch {
			case errors.Is(err, sql.ErrNoRows):
				if _, err := tx.NewInsert().Model(row).Exec(ctx); err != nil {
					return fmt.Errorf("insert invoice %s: %w", row.InvoiceID, err)
				}
			case err != nil:
				return fmt.Errorf("select invoice %s: %w", row.InvoiceID, err)
			case !row.version().After(existing.version()):
				stale++
				continue
			default:
				if _, err := tx.NewUpdate().Model(row).WherePK().Exec(ctx); err != nil {
					return fmt.Errorf("update invoice %s: %w", row.InvoiceID, err)
				}
			}
			written++
		}
		return nil
	})
	return written, stale, err
}

func (l *Loader) upsertCustomers(ctx context.Context, rows []Customer) (written, stale int, err error) {
	err = l.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		written, stale = 0, 0
		for i := range rows {
			row := &rows[i]

			existing := new(Customer)
			err := tx.NewSelect().
				Model(existing).
				Column("updated_at").
				Where("?TableAlias.customer_id = ?", row.CustomerID).
				Limit(1).
				Scan(ctx)
			switch {
			case errors.Is(err, sql.ErrNoRows):
				if _, err := tx.NewInsert().Model(row).Exec(ctx); err != nil {
					return fmt.Errorf("insert customer %s: %w", row.CustomerID, err)
				}
			case err != nil:
				return fmt.Errorf("select customer %s: %w", row.CustomerID, err)
			case !row.version().After(existing.version()):
				stale++
				continue
			default:
				if _, err := tx.NewUpdate().Model(row).WherePK().Exec(ctx); err != nil {
					return fmt.Errorf("update customer %s: %w", row.CustomerID, err)
				}
			}
			written++
		}
		return nil
	})
	return written, stale, err
}

func (l *Loader) upsertAddresses(ctx context.Context, rows []InvoiceAddress) error {
	return l.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for i := range rows {
			row := &rows[i]

			exists, err := tx.NewSelect().
				Model((*InvoiceAddress)(nil)).
				Where("?TableAlias.invoice_id = ?", row.InvoiceID).
				Where("?TableAlias.kind = ?", row.Kind).
				Exists(ctx)
			if err != nil {
				return fmt.Errorf("select address %s/%s: %w", row.InvoiceID, row.Kind, err)
			}

			if exists {
				_, err = tx.NewUpdate().Model(row).WherePK().Exec(ctx)
			} else {
				_, err = tx.NewInsert().Model(row).Exec(ctx)
			}
			if err != nil {
				return fmt.Errorf("write address %s/%s: %w", row.InvoiceID, row.Kind, err)
			}
		}
		return nil
	})
}

func decodePayload(raw string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, errors.New("raw json is not an object")
	}
	return payload, nil
}

func buildInvoice(raw InvoiceRaw, p map[string]any) Invoice {
	return Invoice{
		InvoiceID:        raw.InvoiceID,
		InvoiceNumber:    stringField(p, "invoice_number"),
		Date:             dateField(p, "date"),
		DueDate:          dateField(p, "due_date"),
		Status:           stringField(p, "status"),
		CurrentSubStatus: stringField(p, "current_sub_status"),
		Total:            decimalField(p, "total"),
		Balance:          decimalField(p, "balance"),
		CurrencyCode:     stringField(p, "currency_code"),
		CustomerID:       stringField(p, "customer_id"),
		CustomerName:     stringField(p, "customer_name"),
		InvoiceURL:       strings.TrimSpace(stringField(p, "invoice_url")),
		SalespersonID:    stringField(p, "salesperson_id"),
		SalespersonName:  stringField(p, "salesperson_name"),
		CreatedTime:      raw.CreatedTime,
		UpdatedTime:      raw.UpdatedTime,
		LastModifiedTime: raw.LastModifiedTime,
		RawJSON:          raw.RawJSON,
	}
}

var addressKinds = []string{"billing", "shipping"}

func buildAddresses(invoiceID string, p map[string]any) []InvoiceAddress {
	var out []InvoiceAddress
	for _, kind := range addressKinds {
		addr, ok := p[kind+"_address"].(map[string]any)
		if !ok || len(addr) == 0 {
			continue
		}

		raw, err := json.Marshal(addr)
		if err != nil {
			continue
		}

		zip := stringField(addr, "zipcode")
		if zip == "" {
			zip = stringField(addr, "zip")
		}

		out = append(out, InvoiceAddress{
			InvoiceID: invoiceID,
			Kind:      kind,
			Attention: stringField(addr, "attention"),
			Address:   stringField(addr, "address"),
			Street2:   stringField(addr, "street2"),
			City:      stringField(addr, "city"),
			State:     stringField(addr, "state"),
			Zipcode:   zip,
			Country:   stringField(addr, "country"),
			Phone:     stringField(addr, "phone"),
			RawJSON:   string(raw),
		})
	}
	return out
}

func buildCustomer(raw InvoiceRaw, p map[string]any) (Customer, bool) {
	id := stringField(p, "customer_id")
	if id == "" {
		return Customer{}, false
	}

	updated := raw.UpdatedTime
	if updated == nil {
		updated = raw.LastModifiedTime
	}
	if updated == nil {
		updated = raw.CreatedTime
	}

	return Customer{
		CustomerID:   id,
		CustomerName: stringField(p, "customer_name"),
		CompanyName:  stringField(p, "company_name"),
		Email:        stringField(p, "email"),
		Phone:        stringField(p, "phone"),
		Country:      stringField(p, "country"),
		RawJSON:      raw.RawJSON,
		UpdatedAt:    updated,
	}, true
}

// stringField renders a scalar field as a string; objects and lists are "".
func stringField(p map[string]any, key string) string {
	switch v := p[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

// decimalField keeps numeric fields as their decimal text.
func decimalField(p map[string]any, key string) *string {
	var s string
	switch v := p[key].(type) {
	case json.Number:
		s = v.String()
	case string:
		s = strings.TrimSpace(v)
	default:
		return nil
	}
	if _, err := strconv.ParseFloat(s, 64); err != nil {
		return nil
	}
	return &s
}

func chunks[T any](rows []T, size int) [][]T {
	var out [][]T
	for size < len(rows) {
		rows, out = rows[size:], append(out, rows[:size])
	}
	if len(rows) > 0 {
		out = append(out, rows)
	}
	return out
}
