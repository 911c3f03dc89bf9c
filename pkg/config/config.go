// Package config builds the exporter configuration from environment variables.
//
// The configuration is read once at startup and passed explicitly into the
// client, exporter and loader constructors. Nothing below this package reads
// the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/zoho-invoice-export/pkg/auth"
)

// Environment variable names.
const (
	EnvAccountsURL    = "ZOHO_ACCOUNTS_URL"
	EnvAPIDomain      = "ZOHO_API_DOMAIN"
	EnvClientID       = "ZOHO_CLIENT_ID"
	EnvClientSecret   = "ZOHO_CLIENT_SECRET"
	EnvRefreshToken   = "ZOHO_REFRESH_TOKEN"
	EnvOrganizationID = "ZOHO_ORG_ID"
	EnvTimeout        = "ZOHO_TIMEOUT"
	EnvMaxRetries     = "ZOHO_MAX_RETRIES"
	EnvBackoffBase    = "ZOHO_BACKOFF_BASE"
	EnvBackoffMax     = "ZOHO_BACKOFF_MAX"
	EnvRedisURL       = "REDIS_URL"
	EnvDatabaseURL    = "DATABASE_URL"
	EnvLogLevel       = "LOG_LEVEL"
	EnvLogPretty      = "LOG_PRETTY"
)

// Defaults applied when the optional variables are unset.
const (
	DefaultAccountsURL = "https://accounts.zoho.com"
	DefaultAPIDomain   = "https://www.zohoapis.com"
	DefaultTimeout     = 30 * time.Second
	DefaultMaxRetries  = 5
	DefaultBackoffBase = 1 * time.Second
	DefaultBackoffMax  = 60 * time.Second
	DefaultLogLevel    = "info"
)

// ErrConfig is matched by every configuration error.
var ErrConfig = errors.New("invalid configuration")

// Error reports every missing or malformed setting at once.
type Error struct {
	Missing []string
	Invalid []string
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing env vars: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "invalid env vars: "+strings.Join(e.Invalid, "; "))
	}
	return "config: " + strings.Join(parts, "; ")
}

// Is reports whether target is ErrConfig.
func (e *Error) Is(target error) bool {
	return target == ErrConfig
}

// Config holds all settings of a run.
type Config struct {
	AccountsURL    string
	APIDomain      string
	ClientID       string
	ClientSecret   string
	RefreshToken   string
	OrganizationID string

	// HTTP behaviour
	Timeout     time.Duration
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// Optional shared rate limit state. Empty means in-memory.
	RedisURL string

	// Relational store for the loader commands.
	DatabaseURL string

	LogLevel  string
	LogPretty bool
}

// LookupFunc resolves a variable the way os.LookupEnv does.
type LookupFunc func(key string) (string, bool)

// FromEnv loads the configuration from the process environment.
func FromEnv() (Config, error) {
	return Load(os.LookupEnv)
}

// Load builds a Config from lookup and validates it. All problems are
// collected and returned together in a single *Error.
func Load(lookup LookupFunc) (Config, error) {
	cfg, cfgErr := parse(lookup)

	for _, req := range []struct {
		key   string
		value string
	}{
		{EnvClientID, cfg.ClientID},
		{EnvClientSecret, cfg.ClientSecret},
		{EnvRefreshToken, cfg.RefreshToken},
		{EnvOrganizationID, cfg.OrganizationID},
	} {
		if req.value == "" {
			cfgErr.Missing = append(cfgErr.Missing, req.key)
		}
	}

	return cfg, cfgErr.orNil()
}

// LoadDatabase builds a Config for the loader commands. Zoho credentials are
// not required. databaseURL, when set, takes precedence over DATABASE_URL.
func LoadDatabase(lookup LookupFunc, databaseURL string) (Config, error) {
	cfg, cfgErr := parse(lookup)

	if databaseURL = strings.TrimSpace(databaseURL); databaseURL != "" {
		cfg.DatabaseURL = databaseURL
	}
	if cfg.DatabaseURL == "" {
		cfgErr.Missing = append(cfgErr.Missing, EnvDatabaseURL)
	}

	return cfg, cfgErr.orNil()
}

func parse(lookup LookupFunc) (Config, *Error) {
	get := func(key string) string {
		v, ok := lookup(key)
		if !ok {
			return ""
		}
		return strings.TrimSpace(v)
	}

	cfg := Config{
		AccountsURL:    strings.TrimRight(orDefault(get(EnvAccountsURL), DefaultAccountsURL), "/"),
		APIDomain:      strings.TrimRight(orDefault(get(EnvAPIDomain), DefaultAPIDomain), "/"),
		ClientID:       get(EnvClientID),
		ClientSecret:   get(EnvClientSecret),
		RefreshToken:   get(EnvRefreshToken),
		OrganizationID: get(EnvOrganizationID),
		Timeout:        DefaultTimeout,
		MaxRetries:     DefaultMaxRetries,
		BackoffBase:    DefaultBackoffBase,
		BackoffMax:     DefaultBackoffMax,
		RedisURL:       get(EnvRedisURL),
		DatabaseURL:    get(EnvDatabaseURL),
		LogLevel:       orDefault(get(EnvLogLevel), DefaultLogLevel),
	}

	cfgErr := &Error{}

	parseDuration(get(EnvTimeout), EnvTimeout, &cfg.Timeout, cfgErr)
	parseDuration(get(EnvBackoffBase), EnvBackoffBase, &cfg.BackoffBase, cfgErr)
	parseDuration(get(EnvBackoffMax), EnvBackoffMax, &cfg.BackoffMax, cfgErr)

	if raw := get(EnvMaxRetries); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			cfgErr.Invalid = append(cfgErr.Invalid, fmt.Sprintf("%s=%q (want non-negative integer)", EnvMaxRetries, raw))
		} else {
			cfg.MaxRetries = n
		}
	}

	if raw := get(EnvLogPretty); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			cfgErr.Invalid = append(cfgErr.Invalid, fmt.Sprintf("%s=%q (want boolean)", EnvLogPretty, raw))
		} else {
			cfg.LogPretty = b
		}
	}

	return cfg, cfgErr
}

// Credentials returns the OAuth credentials for the token provider.
func (c Config) Credentials() auth.Credentials {
	return auth.Credentials{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RefreshToken: c.RefreshToken,
		AccountsURL:  c.AccountsURL,
	}
}

func (e *Error) orNil() error {
	if len(e.Missing) > 0 || len(e.Invalid) > 0 {
		return e
	}
	return nil
}

func parseDuration(raw, key string, dst *time.Duration, cfgErr *Error) {
	if raw == "" {
		return
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		// Bare numbers are seconds.
		secs, ferr := strconv.ParseFloat(raw, 64)
		if ferr != nil {
			cfgErr.Invalid = append(cfgErr.Invalid, fmt.Sprintf("%s=%q (want duration)", key, raw))
			return
		}
		d = time.Duration(secs * float64(time.Second))
	}
	if d < 0 {
		cfgErr.Invalid = append(cfgErr.Invalid, fmt.Sprintf("%s=%q (negative)", key, raw))
		return
	}
	*dst = d
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
