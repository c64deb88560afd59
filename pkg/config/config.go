// Package config loads the validator's option groups from environment
// variables. Each group mirrors one of the enumerated configuration
// contracts: ibft.*, poe.*, fees.*, events.*, audit.*, capture.*, and
// settlement.*. A change to any field that feeds a signed object
// (fee splits, PoE weights, K_window, gamma function) must also be
// carried in the relevant block header so verifiers can reproduce it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pravyom/metanode-core/pkg/decimal"
)

// IBFTConfig holds the consensus engine's timing and sizing knobs.
type IBFTConfig struct {
	RoundTimeout  time.Duration
	BlockTime     time.Duration
	MaxTxs        int
	MinValidators int
}

// PoEConfig holds the Proof-of-Execution scoring function's parameters.
// Weights and Scales share the [cpu, mem, storage, egress, receipts]
// shape; GammaFunctionID selects the normalizing function implementation.
type PoEConfig struct {
	Weights         [5]decimal.Fixed
	Scales          [5]decimal.Fixed
	GammaFunctionID string
	KWindow         int
}

// FeesConfig holds the PoE-bundle fee split. The four shares must sum
// to exactly 1 (validated by Validate).
type FeesConfig struct {
	Locked    decimal.Fixed
	Spendable decimal.Fixed
	Owner     decimal.Fixed
	Treasury  decimal.Fixed
}

// EventsConfig holds the canonical event stream's bounds.
type EventsConfig struct {
	MaxEvents        int
	MaxReorderWindow int
	DetectReorder    bool
}

// AuditConfig holds the audit tree's memory and pruning bounds.
type AuditConfig struct {
	MaxMemoryNodes      int
	MaxTreeDepth        int
	AutoPrune           bool
	PruneThresholdHours int
}

// CaptureConfig holds the universal runtime audit capture engine's
// polling cadence and proof requirements.
type CaptureConfig struct {
	IntervalMs         int
	HighFrequency      bool
	MinWitnesses       int
	RequireTimeAnchors bool
	RequireTEE         bool
}

// SettlementConfig holds the settlement-coin transaction limits loaded
// from the environment. No package reads them: pkg/wallet's compliance
// gate checks each Stamp's own TransactionLimits instead.
type SettlementConfig struct {
	MaxSingle decimal.Fixed
	Daily     decimal.Fixed
	Monthly   decimal.Fixed
	Min       decimal.Fixed
}

// Config aggregates every enumerated option group plus the ambient
// service-level settings (network addresses, logging, validator
// identity) a running node needs.
type Config struct {
	IBFT       IBFTConfig
	PoE        PoEConfig
	Fees       FeesConfig
	Events     EventsConfig
	Audit      AuditConfig
	Capture    CaptureConfig
	Settlement SettlementConfig

	ListenAddr  string
	MetricsAddr string
	HealthAddr  string

	DataDir        string
	Ed25519KeyPath string

	ValidatorID   string
	ValidatorRole string
	LogLevel      string

	ChainID     string
	NetworkName string

	PeerAddrs []string
}

// Load reads configuration from environment variables. Every field has
// a safe default so a single node can start with no environment set;
// production deployments are expected to override the option groups
// explicitly.
func Load() (*Config, error) {
	cfg := &Config{
		IBFT: IBFTConfig{
			RoundTimeout:  getEnvDuration("IBFT_ROUND_TIMEOUT_MS", 2*time.Second),
			BlockTime:     getEnvDuration("IBFT_BLOCK_TIME_MS", time.Second),
			MaxTxs:        getEnvInt("IBFT_MAX_TXS", 1000),
			MinValidators: getEnvInt("IBFT_MIN_VALIDATORS", 4),
		},
		PoE: PoEConfig{
			Weights:         parseDecimalArray5(getEnv("POE_WEIGHTS", "0.3,0.2,0.2,0.15,0.15")),
			Scales:          parseDecimalArray5(getEnv("POE_SCALES", "1,1,1,1,1")),
			GammaFunctionID: getEnv("POE_GAMMA_FUNCTION_ID", "sqrt-sum"),
			KWindow:         getEnvInt("POE_K_WINDOW", 100),
		},
		Fees: FeesConfig{
			Locked:    decimal.MustParse(getEnv("FEES_LOCKED", "0.40")),
			Spendable: decimal.MustParse(getEnv("FEES_SPENDABLE", "0.40")),
			Owner:     decimal.MustParse(getEnv("FEES_OWNER", "0.10")),
			Treasury:  decimal.MustParse(getEnv("FEES_TREASURY", "0.10")),
		},
		Events: EventsConfig{
			MaxEvents:        getEnvInt("EVENTS_MAX_EVENTS", 100000),
			MaxReorderWindow: getEnvInt("EVENTS_MAX_REORDER_WINDOW", 64),
			DetectReorder:    getEnvBool("EVENTS_DETECT_REORDER", true),
		},
		Audit: AuditConfig{
			MaxMemoryNodes:      getEnvInt("AUDIT_MAX_MEMORY_NODES", 1_000_000),
			MaxTreeDepth:        getEnvInt("AUDIT_MAX_TREE_DEPTH", 64),
			AutoPrune:           getEnvBool("AUDIT_AUTO_PRUNE", true),
			PruneThresholdHours: getEnvInt("AUDIT_PRUNE_THRESHOLD_HOURS", 72),
		},
		Capture: CaptureConfig{
			IntervalMs:         getEnvInt("CAPTURE_INTERVAL_MS", 100),
			HighFrequency:      getEnvBool("CAPTURE_HIGH_FREQUENCY", true),
			MinWitnesses:       getEnvInt("CAPTURE_MIN_WITNESSES", 1),
			RequireTimeAnchors: getEnvBool("CAPTURE_REQUIRE_TIME_ANCHORS", true),
			RequireTEE:         getEnvBool("CAPTURE_REQUIRE_TEE", false),
		},
		Settlement: SettlementConfig{
			MaxSingle: decimal.MustParse(getEnv("SETTLEMENT_MAX_SINGLE", "10000")),
			Daily:     decimal.MustParse(getEnv("SETTLEMENT_DAILY", "50000")),
			Monthly:   decimal.MustParse(getEnv("SETTLEMENT_MONTHLY", "500000")),
			Min:       decimal.MustParse(getEnv("SETTLEMENT_MIN", "0.01")),
		},

		ListenAddr:  getEnv("API_HOST", "0.0.0.0") + ":" + getEnv("API_PORT", "8080"),
		MetricsAddr: getEnv("API_HOST", "0.0.0.0") + ":" + getEnv("METRICS_PORT", "9090"),
		HealthAddr:  getEnv("API_HOST", "0.0.0.0") + ":" + getEnv("HEALTH_CHECK_PORT", "8081"),

		DataDir:        getEnv("DATA_DIR", "./data"),
		Ed25519KeyPath: getEnv("ED25519_KEY_PATH", ""),

		ValidatorID:   getEnv("VALIDATOR_ID", "validator-default"),
		ValidatorRole: getEnv("VALIDATOR_ROLE", "validator"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),

		ChainID:     getEnv("CHAIN_ID", "metanode-devnet"),
		NetworkName: getEnv("NETWORK_NAME", "devnet"),

		PeerAddrs: parseCommaList(getEnv("PEER_ADDRS", "")),
	}

	return cfg, nil
}

// Validate checks the option groups for internal consistency: the fee
// split must sum to 1, and the min-validators/K_window bounds must be
// sane for a single-container or small cluster deployment.
func (c *Config) Validate() error {
	var errs []string

	sum := c.Fees.Locked
	sum = sum.Add(c.Fees.Spendable)
	sum = sum.Add(c.Fees.Owner)
	sum = sum.Add(c.Fees.Treasury)
	if sum.Cmp(decimal.FromInt(1)) != 0 {
		errs = append(errs, fmt.Sprintf("fees.* must sum to 1, got %s", sum))
	}

	if c.IBFT.MinValidators < 1 {
		errs = append(errs, "ibft.min_validators must be at least 1")
	}
	if c.PoE.KWindow < 1 {
		errs = append(errs, "poe.K_window must be at least 1")
	}
	if c.Capture.MinWitnesses < 1 && c.Capture.RequireTimeAnchors {
		errs = append(errs, "capture.min_witnesses must be at least 1 when time anchors are required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration reads a millisecond integer from the environment
// (matching the *_ms naming of the enumerated option groups) and
// returns it as a time.Duration, falling back to defaultValue.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

func parseCommaList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseDecimalArray5 parses a comma-separated list of five decimals in
// [cpu, mem, storage, egress, receipts] order. Wrong-length input falls
// back to equal weights (0.2 each); a single malformed entry falls back
// to 0.2 on its own while the other entries keep their parsed values.
func parseDecimalArray5(value string) [5]decimal.Fixed {
	var out [5]decimal.Fixed
	parts := strings.Split(value, ",")
	if len(parts) != 5 {
		for i := range out {
			out[i] = decimal.MustParse("0.2")
		}
		return out
	}
	for i, p := range parts {
		d, err := decimal.Parse(strings.TrimSpace(p))
		if err != nil {
			d = decimal.MustParse("0.2")
		}
		out[i] = d
	}
	return out
}
