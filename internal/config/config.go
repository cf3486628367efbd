// Package config loads the recognized environment keys of §6. All
// values are supplied by the environment; nothing is hard-coded into
// source adapters. Generalizes the teacher's one-off
// os.Getenv("PORT") in cmd/server/main.go into a single loader.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/omc-payops/nvc-reconciler/internal/models"
)

// Config holds every §6 recognized key.
type Config struct {
	Port string

	Tolerances models.Tolerances

	SyncInterval time.Duration

	DBConnectTimeout time.Duration
	DBMaxRetries     int

	APITimeout    time.Duration
	APIMaxRetries int

	DBPath string

	// AgencyAliases maps a canonical payer name to its accepted aliases
	// (§4.4). Sourced from the AGENCY_ALIASES env var, a ";"-separated
	// list of "canonical=alias1|alias2" entries.
	AgencyAliases map[string][]string

	// Source credentials/targets — opaque to the engine, passed through
	// to adapter constructors.
	EmailSourceDSN    string
	InvoiceSourceDSN  string
	InboundSourceDSN  string
	OutboundSourceDSN string
}

// Load reads the environment and applies the §6 defaults for anything
// unset.
func Load() Config {
	cfg := Config{
		Port:       getEnv("PORT", "8080"),
		Tolerances: models.DefaultTolerances(),

		SyncInterval: getEnvSeconds("SYNC_INTERVAL_SECONDS", 300),

		DBConnectTimeout: getEnvSeconds("DB_CONNECT_TIMEOUT", 10),
		DBMaxRetries:     getEnvInt("DB_MAX_RETRIES", 3),

		APITimeout:    getEnvSeconds("API_TIMEOUT", 30),
		APIMaxRetries: getEnvInt("API_MAX_RETRIES", 3),

		DBPath: getEnv("DB_PATH", "reconciliation.db"),

		EmailSourceDSN:    os.Getenv("EMAIL_SOURCE_DSN"),
		InvoiceSourceDSN:  os.Getenv("INVOICE_SOURCE_DSN"),
		InboundSourceDSN:  os.Getenv("INBOUND_SOURCE_DSN"),
		OutboundSourceDSN: os.Getenv("OUTBOUND_SOURCE_DSN"),
	}

	cfg.Tolerances.AmountTol = getEnvDecimal("AMOUNT_TOL", decimal.NewFromFloat(0.01))
	cfg.Tolerances.DateWindowDays = getEnvInt("DATE_WINDOW_DAYS", 3)
	cfg.Tolerances.AutoMatchConf = getEnvFloat("AUTO_MATCH_CONF", 0.80)
	cfg.Tolerances.SuggestConf = getEnvFloat("SUGGEST_CONF", 0.50)

	cfg.AgencyAliases = parseAliases(os.Getenv("AGENCY_ALIASES"))

	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDecimal(key string, def decimal.Decimal) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvSeconds(key string, defSeconds int) time.Duration {
	n := getEnvInt(key, defSeconds)
	return time.Duration(n) * time.Second
}

// parseAliases parses "Canonical Name=alias1|alias2;Other=alias3" into
// a canonical-name -> aliases table (§4.4).
func parseAliases(raw string) map[string][]string {
	out := make(map[string][]string)
	if raw == "" {
		return out
	}
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		canonical := strings.TrimSpace(parts[0])
		aliases := strings.Split(parts[1], "|")
		for i := range aliases {
			aliases[i] = strings.TrimSpace(aliases[i])
		}
		out[canonical] = aliases
	}
	return out
}
