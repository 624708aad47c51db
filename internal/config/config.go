// Package config loads bridge-wide settings from the environment and the per-account
// registry from a JSON file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the bridge-wide process configuration.
type Config struct {
	HTTPAddr          string
	IngressTokenHash  string
	BrokerWSURL       string
	AccountsFile      string
	DedupWindow       time.Duration
	AuditDSN          string
	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
}

// Load reads the bridge config from the environment. A .env file in the working
// directory is loaded first, if present, and never overrides variables already set
// in the real environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	var missing []string
	get := func(key string) string {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}
	getDefault := func(key, def string) string {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			return def
		}
		return v
	}

	cfg := Config{
		HTTPAddr:         getDefault("HTTP_ADDR", ":3140"),
		IngressTokenHash: get("INGRESS_TOKEN_HASH"),
		BrokerWSURL:      get("BROKER_WS_URL"),
		AccountsFile:     get("ACCOUNTS_FILE"),
		AuditDSN:         os.Getenv("AUDIT_DSN"),
	}

	dedupMS := getDefault("DEDUP_WINDOW_MS", "1500")
	ms, err := strconv.Atoi(dedupMS)
	if err != nil {
		missing = append(missing, "DEDUP_WINDOW_MS (invalid int)")
	}
	cfg.DedupWindow = time.Duration(ms) * time.Millisecond

	heartbeat := getDefault("HEARTBEAT_INTERVAL", "30s")
	cfg.HeartbeatInterval, err = time.ParseDuration(heartbeat)
	if err != nil {
		missing = append(missing, "HEARTBEAT_INTERVAL (invalid duration)")
	}

	idle := getDefault("IDLE_TIMEOUT", "120s")
	cfg.IdleTimeout, err = time.ParseDuration(idle)
	if err != nil {
		missing = append(missing, "IDLE_TIMEOUT (invalid duration)")
	}

	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing or invalid required environment variables: %s", join(missing))
	}

	return cfg, nil
}

func join(items []string) string {
	out := ""
	for i, item := range items {
		if i > 0 {
			out += ", "
		}
		out += item
	}
	return out
}

// RiskMode selects how a follower account sizes a replicated order.
type RiskMode string

const (
	RiskModeSourceVolume  RiskMode = "source_volume"
	RiskModeFixedLot      RiskMode = "fixed_lot"
	RiskModeFixedUSD      RiskMode = "fixed_usd"
	RiskModePercentEquity RiskMode = "percent_equity"
)

// RiskReference selects which account figure PERCENT_EQUITY is a percentage of.
type RiskReference string

const (
	RiskReferenceEquity  RiskReference = "equity"
	RiskReferenceBalance RiskReference = "balance"
)

// AccountConfig is one follower account's full replication configuration, loaded from
// the accounts registry file.
type AccountConfig struct {
	Name        string `json:"name"`
	Environment string `json:"environment"` // "demo" or "live"
	Enabled     bool   `json:"enabled"`

	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	AccountID    int64  `json:"account_id"`
	AccessToken  string `json:"access_token"`

	SymbolPrefix  string            `json:"symbol_prefix"`
	SymbolSuffix  string            `json:"symbol_suffix"`
	CustomSymbols map[string]string `json:"custom_symbols"`

	LotMultiplier float64 `json:"lot_multiplier"`
	MinLotSize    float64 `json:"min_lot_size"`
	MaxLotSize    float64 `json:"max_lot_size"`

	AllowForexLotFallback bool `json:"allow_forex_lot_fallback"`

	CopySL bool `json:"copy_sl"`
	CopyTP bool `json:"copy_tp"`

	AllowedSymbols []string `json:"allowed_symbols"`
	BlockedSymbols []string `json:"blocked_symbols"`
	MagicFilter    []int64  `json:"magic_filter"`


	MaxDailyTrades      int `json:"max_daily_trades"`
	MaxConcurrentTrades int `json:"max_concurrent_trades"`

	RiskMode             RiskMode      `json:"risk_mode"`
	RiskReference        RiskReference `json:"risk_reference"`
	RiskFixedLot         float64       `json:"risk_fixed_lot"`
	RiskFixedUSD         float64       `json:"risk_fixed_usd"`
	RiskPercent          float64       `json:"risk_percent"`
	RejectIfNoSL         bool          `json:"reject_if_no_sl"`
	SourceVolumeFallback bool          `json:"source_volume_fallback"`
}

// LoadAccounts loads the list of account configurations from a JSON file.
func LoadAccounts(path string) ([]AccountConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}
	var accounts []AccountConfig
	if err := json.Unmarshal(data, &accounts); err != nil {
		return nil, fmt.Errorf("parse accounts file: %w", err)
	}
	return accounts, nil
}

// Enabled returns only the enabled accounts.
func Enabled(accounts []AccountConfig) []AccountConfig {
	var out []AccountConfig
	for _, a := range accounts {
		if a.Enabled {
			out = append(out, a)
		}
	}
	return out
}
