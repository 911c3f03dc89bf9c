package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/zoho-invoice-export/pkg/auth"
	"github.com/Sternrassler/zoho-invoice-export/pkg/client"
	"github.com/Sternrassler/zoho-invoice-export/pkg/config"
	"github.com/Sternrassler/zoho-invoice-export/pkg/export"
	"github.com/Sternrassler/zoho-invoice-export/pkg/load"
	"github.com/Sternrassler/zoho-invoice-export/pkg/logging"
	"github.com/Sternrassler/zoho-invoice-export/pkg/metrics"
	"github.com/Sternrassler/zoho-invoice-export/pkg/ratelimit"
)

// app carries what the commands read from the outside world.
type app struct {
	lookup config.LookupFunc
	out    io.Writer
	logOut io.Writer
	now    func() time.Time
}

type exportFlags struct {
	out         string
	resources   string
	since       string
	perPage     int
	maxInvoices int
	metricsAddr string
}

type loadFlags struct {
	src         string
	batch       int
	databaseURL string
}

type transformFlags struct {
	skipCustomers bool
	batch         int
	databaseURL   string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{
		lookup: os.LookupEnv,
		out:    color.Output,
		logOut: os.Stderr,
		now:    time.Now,
	}

	if err := newRootCmd(a).ExecuteContext(ctx); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "zoho-export",
		Short:         "Export Zoho Invoice resources to JSONL",
		Long:          "Exports contacts, items, invoices and payments from the Zoho Invoice API into line-delimited JSON and loads invoices into a relational store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(a.out)

	var ef exportFlags
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export resources into a timestamped run directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runExport(cmd.Context(), ef)
		},
	}
	exportCmd.Flags().StringVarP(&ef.out, "out", "o", filepath.Join("data", "raw"), "Base output directory")
	exportCmd.Flags().StringVarP(&ef.resources, "resources", "r", "", "Comma-separated resources (default contacts,items,invoices)")
	exportCmd.Flags().StringVar(&ef.since, "since", "none", "Only records modified since this date, or 'none'")
	exportCmd.Flags().IntVar(&ef.perPage, "per-page", 200, "Pagination size")
	exportCmd.Flags().IntVar(&ef.maxInvoices, "max-invoices", 0, "Limit invoice detail fetches for line items (0 means all)")
	exportCmd.Flags().StringVar(&ef.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address during the run")

	var lf loadFlags
	loadCmd := &cobra.Command{
		Use:   "load",
		Short: "Load an invoices.jsonl file into invoice_raw",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runLoad(cmd.Context(), lf)
		},
	}
	loadCmd.Flags().StringVar(&lf.src, "src", filepath.Join("data", "invoices.jsonl"), "Path to invoices.jsonl")
	loadCmd.Flags().IntVar(&lf.batch, "batch", load.DefaultBatchSize, "Batch size")
	loadCmd.Flags().StringVar(&lf.databaseURL, "database-url", "", "Database URL (default $DATABASE_URL)")

	var tf transformFlags
	transformCmd := &cobra.Command{
		Use:   "transform",
		Short: "Normalize invoice_raw into invoices, addresses and customers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runTransform(cmd.Context(), tf)
		},
	}
	transformCmd.Flags().BoolVar(&tf.skipCustomers, "skip-customers", false, "Skip the customers table")
	transformCmd.Flags().IntVar(&tf.batch, "batch", load.DefaultBatchSize, "Batch size")
	transformCmd.Flags().StringVar(&tf.databaseURL, "database-url", "", "Database URL (default $DATABASE_URL)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "zoho-export version %s\n", client.Version)
		},
	}

	rootCmd.AddCommand(exportCmd, loadCmd, transformCmd, versionCmd)
	return rootCmd
}

func (a *app) setupLogging(cfg config.Config) zerolog.Logger {
	lc := logging.FromSettings(cfg.LogLevel, cfg.LogPretty)
	lc.Output = a.logOut
	return logging.Setup(lc)
}

func (a *app) runExport(ctx context.Context, f exportFlags) error {
	cfg, err := config.Load(a.lookup)
	if err != nil {
		return err
	}
	logger := a.setupLogging(cfg)

	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)

	resources := export.ParseResources(f.resources)
	if len(resources) == 0 {
		resources = export.DefaultResources
	}
	for _, r := range resources {
		if !export.Supported(r) {
			yellow.Fprintf(a.out, "⚠ unsupported resource %q will be recorded as an error\n", r)
		}
	}

	since := f.since
	if since == "none" {
		since = ""
	}

	if f.metricsAddr != "" {
		srv, err := metrics.Listen(f.metricsAddr, logger)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	tracker, closeStore, err := newRateLimiter(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	tokens := auth.NewSource(auth.NewRefreshProvider(&http.Client{Timeout: cfg.Timeout}, logger), cfg.Credentials(), logger)

	clientCfg := client.DefaultConfig(cfg.APIDomain, cfg.OrganizationID)
	clientCfg.Timeout = cfg.Timeout
	clientCfg.Retry = client.RetryPolicy{
		MaxRetries:  cfg.MaxRetries,
		BackoffBase: cfg.BackoffBase,
		BackoffMax:  cfg.BackoffMax,
	}
	clientCfg.RateLimiter = tracker
	clientCfg.Logger = &logger

	zohoClient, err := client.New(clientCfg, tokens)
	if err != nil {
		return err
	}

	dir, err := export.RunDir(f.out, a.now())
	if err != nil {
		return err
	}

	cyan.Fprintln(a.out, "\n📦 Zoho Invoice Export")
	cyan.Fprintln(a.out, "======================")
	fmt.Fprintf(a.out, "Output: %s\n\n", dir)

	exporter := export.New(zohoClient, export.Options{
		OutputDir:   dir,
		PageSize:    f.perPage,
		Since:       since,
		MaxInvoices: f.maxInvoices,
		Logger:      &logger,
		Progress: func(p export.Progress) {
			if p.Invoices > 0 {
				fmt.Fprintf(a.out, "  %s: invoice %d/%d, %d records\n", p.Resource, p.Invoice, p.Invoices, p.Total)
				return
			}
			fmt.Fprintf(a.out, "  %s: page %d, %d records\n", p.Resource, p.Page, p.Total)
		},
	})

	summary := exporter.Run(ctx, resources)
	path, err := summary.Write(dir)
	if err != nil {
		return err
	}

	cyan.Fprintln(a.out, "\n📊 Export Summary:")
	for _, r := range summary.Resources {
		fmt.Fprintf(a.out, "  • %s: %d\n", r, summary.Counts[r])
	}
	fmt.Fprintf(a.out, "  • Duration: %.2fs\n", summary.DurationSeconds)

	if summary.ErrorCount > 0 {
		red.Fprintf(a.out, "\n✗ %d resource(s) failed:\n", summary.ErrorCount)
		for _, msg := range summary.Errors {
			red.Fprintf(a.out, "  - %s\n", msg)
		}
	}
	green.Fprintf(a.out, "\n✨ Summary written to %s\n\n", path)
	return nil
}

// newRateLimiter shares quota state through Redis when REDIS_URL is set.
func newRateLimiter(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*ratelimit.Tracker, func(), error) {
	if cfg.RedisURL == "" {
		return ratelimit.NewTracker(ratelimit.NewMemoryStore(), logger), func() {}, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", config.EnvRedisURL, err)
	}
	redisClient := redis.NewClient(opts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		redisClient.Close()
		return nil, nil, fmt.Errorf("connect to redis: %w", err)
	}
	logger.Info().Str("addr", opts.Addr).Msg("Sharing rate limit state through Redis")

	store := ratelimit.NewRedisStore(redisClient, cfg.OrganizationID)
	return ratelimit.NewTracker(store, logger), func() { redisClient.Close() }, nil
}

func (a *app) openLoader(ctx context.Context, databaseURL string, batch int) (*load.Loader, func(), error) {
	cfg, err := config.LoadDatabase(a.lookup, databaseURL)
	if err != nil {
		return nil, nil, err
	}
	logger := a.setupLogging(cfg)

	db, err := load.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}

	loader := load.New(db, logger)
	loader.BatchSize = batch
	if err := loader.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return loader, func() { db.Close() }, nil
}

func (a *app) runLoad(ctx context.Context, f loadFlags) error {
	if _, err := os.Stat(f.src); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("source file not found: %s", f.src)
		}
		return err
	}

	loader, closeDB, err := a.openLoader(ctx, f.databaseURL, f.batch)
	if err != nil {
		return err
	}
	defer closeDB()

	stats, err := loader.LoadRaw(ctx, f.src)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Fprintf(a.out, "✓ Loaded %d rows from %s\n", stats.Loaded, f.src)
	if stats.Skipped > 0 {
		color.New(color.FgYellow).Fprintf(a.out, "⚠ Skipped %d malformed lines\n", stats.Skipped)
	}
	return nil
}

func (a *app) runTransform(ctx context.Context, f transformFlags) error {
	loader, closeDB, err := a.openLoader(ctx, f.databaseURL, f.batch)
	if err != nil {
		return err
	}
	defer closeDB()

	stats, err := loader.Transform(ctx, load.TransformOptions{SkipCustomers: f.skipCustomers})
	if err != nil {
		return err
	}

	rows := map[string]int{
		"invoices":          stats.Invoices,
		"invoice_addresses": stats.Addresses,
	}
	if !f.skipCustomers {
		rows["customers"] = stats.Customers
	}
	tables := make([]string, 0, len(rows))
	for t := range rows {
		tables = append(tables, t)
	}
	sort.Strings(tables)

	color.New(color.FgCyan).Fprintln(a.out, "📊 Transform Summary:")
	for _, t := range tables {
		fmt.Fprintf(a.out, "  • %s: %d\n", t, rows[t])
	}
	if stale := stats.InvoicesStale + stats.CustomersStale; stale > 0 {
		fmt.Fprintf(a.out, "  • unchanged (not newer): %d\n", stale)
	}
	return nil
}
