// Package config loads and validates the engine's flat configuration
// surface (§6) from environment variables, following the reference
// service's .env-then-environment load order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/kestrelquant/engine/internal/domain"
)

// Profile selects the (min_confidence_entry, min_confidence_exit,
// agreement_threshold_entry) triple the aggregator and scheduler use
// (§9 open question: confidence profile).
type Profile string

const (
	ProfileConservative Profile = "conservative"
	ProfileStandard     Profile = "standard"
	ProfileAggressive   Profile = "aggressive"
)

// Config is the engine's immutable, fully-resolved runtime configuration
// (§6). Build with Load; construct directly only in tests.
type Config struct {
	Mode              domain.Mode
	Profile           Profile
	DataDir           string
	LogLevel          string
	Port              int
	BypassMarketHours bool

	InitialCapital float64
	MaxPositions   int

	RiskPerTradePct              float64
	ATRStopMultiplier            float64
	ATRTargetMultiplier          float64
	TrailingActivationMultiplier float64
	TrailingStopMultiplier       float64
	MaxPositionValue             float64

	MinConfidenceEntry      float64
	MinConfidenceExit       float64
	AgreementThresholdEntry float64
	AgreementThresholdExit  float64

	CooldownNormal   time.Duration
	CooldownStopLoss time.Duration

	MaxPerSecond            int
	MaxPerMinute            int
	CircuitFailureThreshold int
	CircuitResetTimeout     time.Duration

	CheckInterval    time.Duration
	OffHoursInterval time.Duration

	CorrelationBlockThreshold float64
	MinTradeRiskPct           float64

	BrokerAPIKey     string
	BrokerAPISecret  string
	TelemetrySinkURL string

	S3Bucket    string
	S3Prefix    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
}

// profileTriples implements the §9 confidence-profile resolution:
// (min_confidence_entry, min_confidence_exit, agreement_threshold_entry).
// "standard" matches the §6 defaults exactly; the other two scale around it.
var profileTriples = map[Profile][3]float64{
	ProfileConservative: {0.55, 0.30, 0.50},
	ProfileStandard:     {0.45, 0.25, 0.40},
	ProfileAggressive:   {0.35, 0.20, 0.30},
}

// Load reads configuration from .env (if present) then the environment,
// validates it, and returns the resolved Config. Invalid configuration is a
// FatalError — the process should not start with a config it cannot honor.
func Load() (*Config, error) {
	_ = godotenv.Load()

	profile := Profile(getEnv("PROFILE", string(ProfileStandard)))
	triple, ok := profileTriples[profile]
	if !ok {
		return nil, &domain.FatalError{Reason: fmt.Sprintf("unknown profile %q", profile)}
	}

	dataDir := getEnv("DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, &domain.FatalError{Reason: "resolving data directory", Err: err}
	}
	if err := os.MkdirAll(absDataDir, 0o755); err != nil {
		return nil, &domain.FatalError{Reason: "creating data directory", Err: err}
	}

	cfg := &Config{
		Mode:              domain.Mode(getEnv("MODE", string(domain.ModePaper))),
		Profile:           profile,
		DataDir:           absDataDir,
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		Port:              getEnvAsInt("PORT", 8080),
		BypassMarketHours: getEnvAsBool("BYPASS_MARKET_HOURS", false),

		InitialCapital: getEnvAsFloat("INITIAL_CAPITAL", 1_000_000),
		MaxPositions:   getEnvAsInt("MAX_POSITIONS", 25),

		RiskPerTradePct:              getEnvAsFloat("RISK_PER_TRADE_PCT", 0.015),
		ATRStopMultiplier:            getEnvAsFloat("ATR_STOP_MULTIPLIER", 1.8),
		ATRTargetMultiplier:          getEnvAsFloat("ATR_TARGET_MULTIPLIER", 4.5),
		TrailingActivationMultiplier: getEnvAsFloat("TRAILING_ACTIVATION_MULTIPLIER", 1.3),
		TrailingStopMultiplier:       getEnvAsFloat("TRAILING_STOP_MULTIPLIER", 0.7),
		MaxPositionValue:             getEnvAsFloat("MAX_POSITION_VALUE", 500_000),

		MinConfidenceEntry:      triple[0],
		MinConfidenceExit:       triple[1],
		AgreementThresholdEntry: triple[2],
		AgreementThresholdExit:  getEnvAsFloat("AGREEMENT_THRESHOLD_EXIT", 0.25),

		CooldownNormal:   getEnvAsDuration("COOLDOWN_NORMAL", 15*time.Minute),
		CooldownStopLoss: getEnvAsDuration("COOLDOWN_STOP_LOSS", 30*time.Minute),

		MaxPerSecond:            getEnvAsInt("MAX_PER_SECOND", 3),
		MaxPerMinute:            getEnvAsInt("MAX_PER_MINUTE", 60),
		CircuitFailureThreshold: getEnvAsInt("CIRCUIT_FAILURE_THRESHOLD", 5),
		CircuitResetTimeout:     getEnvAsDuration("CIRCUIT_RESET_TIMEOUT", 60*time.Second),

		CheckInterval:    getEnvAsDuration("CHECK_INTERVAL", 30*time.Second),
		OffHoursInterval: getEnvAsDuration("OFF_HOURS_INTERVAL", 5*time.Minute),

		CorrelationBlockThreshold: getEnvAsFloat("CORRELATION_BLOCK_THRESHOLD", 0.9),
		MinTradeRiskPct:           getEnvAsFloat("MAX_TRADE_RISK_PCT", 0.02),

		BrokerAPIKey:     getEnv("BROKER_API_KEY", ""),
		BrokerAPISecret:  getEnv("BROKER_API_SECRET", ""),
		TelemetrySinkURL: getEnv("TELEMETRY_SINK_URL", ""),

		S3Bucket:    getEnv("ARCHIVE_S3_BUCKET", ""),
		S3Prefix:    getEnv("ARCHIVE_S3_PREFIX", "archive"),
		S3Region:    getEnv("ARCHIVE_S3_REGION", ""),
		S3Endpoint:  getEnv("ARCHIVE_S3_ENDPOINT", ""),
		S3AccessKey: getEnv("ARCHIVE_S3_ACCESS_KEY", ""),
		S3SecretKey: getEnv("ARCHIVE_S3_SECRET_KEY", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the invariants Load cannot express through simple
// defaulting: an engine that started with these values would misbehave
// rather than merely run suboptimally.
func (c *Config) Validate() error {
	switch c.Mode {
	case domain.ModePaper, domain.ModeLive, domain.ModeBacktest:
	default:
		return &domain.FatalError{Reason: fmt.Sprintf("invalid mode %q", c.Mode)}
	}
	if c.InitialCapital <= 0 {
		return &domain.FatalError{Reason: "initial_capital must be positive"}
	}
	if c.MaxPositions <= 0 {
		return &domain.FatalError{Reason: "max_positions must be positive"}
	}
	if c.Mode == domain.ModeLive && (c.BrokerAPIKey == "" || c.BrokerAPISecret == "") {
		return &domain.FatalError{Reason: "live mode requires broker_api_key and broker_api_secret"}
	}
	if c.CheckInterval <= 0 || c.OffHoursInterval <= 0 {
		return &domain.FatalError{Reason: "check_interval and off_hours_interval must be positive"}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}
