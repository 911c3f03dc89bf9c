package pagination

import (
	"context"
	"fmt"
	"iter"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultPageSize is the largest per_page Zoho accepts.
const DefaultPageSize = 200

// Record is one decoded list element.
type Record = map[string]any

// Fetcher performs a single GET and returns the decoded JSON object.
// *client.Client implements it.
type Fetcher interface {
	Get(ctx context.Context, path string, query url.Values) (map[string]any, error)
}

// Config holds paginator configuration.
type Config struct {
	// PageSize is used when a Query does not set one.
	PageSize int

	// Timeout bounds each page fetch, retries included. Zero disables it.
	Timeout time.Duration

	// Logger defaults to the global zerolog logger.
	Logger *zerolog.Logger
}

// DefaultConfig returns the default paginator configuration.
func DefaultConfig() Config {
	return Config{
		PageSize: DefaultPageSize,
	}
}

// Query describes one paginated listing.
type Query struct {
	Path    string
	Params  url.Values
	ListKey string

	// PageSize overrides Config.PageSize when positive. An explicit
	// per_page in Params wins over both.
	PageSize int
}

// Page is one fetched page.
type Page struct {
	// Number is 1-based.
	Number  int
	Records []Record
	HasMore bool
}

// Paginator iterates page-number paginated endpoints.
type Paginator struct {
	fetcher Fetcher
	config  Config
	logger  zerolog.Logger
}

// New creates a new paginator.
func New(fetcher Fetcher, config Config) *Paginator {
	if config.PageSize <= 0 {
		config.PageSize = DefaultPageSize
	}

	base := log.Logger
	if config.Logger != nil {
		base = *config.Logger
	}

	return &Paginator{
		fetcher: fetcher,
		config:  config,
		logger:  base.With().Str("component", "paginator").Logger(),
	}
}

// Pages returns a lazy sequence of pages starting at page 1. Each call
// starts over. An error is yielded once and ends the sequence.
func (p *Paginator) Pages(ctx context.Context, q Query) iter.Seq2[Page, error] {
	return func(yield func(Page, error) bool) {
		params := url.Values{}
		for k, v := range q.Params {
			params[k] = append([]string(nil), v...)
		}
		if params.Get("per_page") == "" {
			size := p.config.PageSize
			if q.PageSize > 0 {
				size = q.PageSize
			}
			params.Set("per_page", strconv.Itoa(size))
		}

		for number := 1; ; number++ {
			params.Set("page", strconv.Itoa(number))

			page, err := p.fetch(ctx, q, params, number)
			if err != nil {
				yield(Page{Number: number}, err)
				return
			}

			p.logger.Debug().
				Str("path", q.Path).
				Int("page", number).
				Int("records", len(page.Records)).
				Bool("has_more", page.HasMore).
				Msg("Fetched page")

			if !yield(page, nil) || !page.HasMore {
				return
			}
		}
	}
}

func (p *Paginator) fetch(ctx context.Context, q Query, params url.Values, number int) (Page, error) {
	if p.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()
	}

	payload, err := p.fetcher.Get(ctx, q.Path, params)
	if err != nil {
		return Page{}, fmt.Errorf("fetch %s page %d: %w", q.Path, number, err)
	}

	records, err := extractRecords(payload, q.ListKey)
	if err != nil {
		return Page{}, fmt.Errorf("%s page %d: %w", q.Path, number, err)
	}

	return Page{
		Number:  number,
		Records: records,
		HasMore: hasMorePage(payload),
	}, nil
}

// All collects every record of every page.
func (p *Paginator) All(ctx context.Context, q Query) ([]Record, error) {
	var all []Record
	for page, err := range p.Pages(ctx, q) {
		if err != nil {
			return all, err
		}
		all = append(all, page.Records...)
	}
	return all, nil
}

// extractRecords reads payload[listKey]. A missing or null key is an empty
// page; anything other than a list of objects is an error.
func extractRecords(payload map[string]any, listKey string) ([]Record, error) {
	raw, ok := payload[listKey]
	if !ok || raw == nil {
		return nil, nil
	}

	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("list key %q is %T, not an array", listKey, raw)
	}

	records := make([]Record, 0, len(items))
	for i, item := range items {
		rec, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("list key %q element %d is %T, not an object", listKey, i, item)
		}
		records = append(records, rec)
	}
	return records, nil
}

// hasMorePage reads page_context.has_more_page. Anything but a true bool
// means the listing is done.
func hasMorePage(payload map[string]any) bool {
	ctx, ok := payload["page_context"].(map[string]any)
	if !ok {
		return false
	}
	more, _ := ctx["has_more_page"].(bool)
	return more
}
