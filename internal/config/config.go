package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EasternLoc is the US market timezone used for operator-facing timestamps.
// LoadLocation needs tzdata, so a fixed EST offset is the fallback.
var EasternLoc = loadEastern()

func loadEastern() *time.Location {
	if loc, err := time.LoadLocation("America/New_York"); err == nil {
		return loc
	}
	return time.FixedZone("EST", -5*3600)
}

// Config carries every tunable the engine reads at startup. Values come from
// the environment (optionally via .env); nothing here is a process-wide
// singleton, the struct is constructed once and passed down.
type Config struct {
	Version string

	// Broker gateway
	IBKRGatewayURL   string
	IBKRAccountID    string
	BrokerTimeoutSec int
	BrokerRetries    int // attempts per confirmation round

	// Engine cadence
	ActiveTickSec    int // poll cadence while any position needs work
	IdleTickSec      int // poll cadence when idle
	ReconcilePollSec int // order/position snapshot fallback interval

	// Risk parameters
	TrailRatio          float64 // fraction of gain preserved by the runner trail
	RunnerLimitOffset   float64 // limit offset for TRAILLMT runner exits
	BreakevenOffset     float64 // limit leg offset below/above entry for breakeven stops
	StopPnLThresholdPct float64 // PnL% that moves the stop to breakeven
	FallbackTrailPct    float64 // trail as % of price when the runner has no gain baseline
	MaxConfirmRounds    int

	// Notifications
	TelegramBotToken string
	TelegramChatID   string

	// Instrument overrides: SYMBOL=conid pairs for instruments whose conid
	// is known ahead of lookup (index options mostly).
	ConidOverrides map[string]string

	// Logging
	LogLevel      string
	MaxLogSizeMB  int64
	MaxLogBackups int

	// State
	StateFile string
}

// Load reads the environment, validates required secrets, and returns the
// assembled configuration. Missing required variables are fatal.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: No .env file found, using system environment variables")
	}

	requiredSecretVars := map[string]bool{
		"IBKR_GATEWAY_URL":   false, // required but not secret
		"IBKR_ACCOUNT_ID":    true,
		"TELEGRAM_BOT_TOKEN": true,
		"TELEGRAM_CHAT_ID":   true,
	}

	var missing []string
	for key := range requiredSecretVars {
		if os.Getenv(key) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		log.Fatalf("CRITICAL: Missing required environment variables: %v", missing)
	}

	// Echo .env contents with secrets masked so startup logs show the
	// effective configuration without leaking credentials.
	if envMap, err := godotenv.Read(); err == nil {
		log.Println("--- .env File Variables ---")
		for key, val := range envMap {
			if requiredSecretVars[key] {
				masked := "***"
				if len(val) > 4 {
					masked = "***" + val[len(val)-4:]
				}
				log.Printf("%s=%s", key, masked)
			} else {
				log.Printf("%s=%s", key, val)
			}
		}
		log.Println("---------------------------")
	}

	return &Config{
		IBKRGatewayURL:   os.Getenv("IBKR_GATEWAY_URL"),
		IBKRAccountID:    os.Getenv("IBKR_ACCOUNT_ID"),
		BrokerTimeoutSec: getEnvAsInt("BROKER_TIMEOUT_SEC", 10),
		BrokerRetries:    getEnvAsInt("BROKER_RETRY_ATTEMPTS", 3),

		ActiveTickSec:    getEnvAsInt("ENGINE_ACTIVE_TICK_SEC", 1),
		IdleTickSec:      getEnvAsInt("ENGINE_IDLE_TICK_SEC", 5),
		ReconcilePollSec: getEnvAsInt("RECONCILE_POLL_SEC", 30),

		TrailRatio:          getEnvAsFloat64("TRAIL_RATIO", 0.90),
		RunnerLimitOffset:   getEnvAsFloat64("RUNNER_LIMIT_OFFSET", 0.01),
		BreakevenOffset:     getEnvAsFloat64("BREAKEVEN_LIMIT_OFFSET", 0.01),
		StopPnLThresholdPct: getEnvAsFloat64("STOP_PNL_THRESHOLD_PCT", 5.0),
		FallbackTrailPct:    getEnvAsFloat64("FALLBACK_TRAIL_PCT", 2.0),
		MaxConfirmRounds:    getEnvAsInt("MAX_CONFIRM_ROUNDS", 5),

		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:   os.Getenv("TELEGRAM_CHAT_ID"),

		ConidOverrides: parseConidOverrides(os.Getenv("CONID_OVERRIDES")),

		LogLevel:      getEnvAsString("WATCHER_LOG_LEVEL", "INFO"),
		MaxLogSizeMB:  int64(getEnvAsInt("MAX_LOG_SIZE_MB", 10)),
		MaxLogBackups: getEnvAsInt("MAX_LOG_BACKUPS", 3),

		StateFile: getEnvAsString("STATE_FILE", "alert_state.json"),
	}
}

// parseConidOverrides parses "SPX=416904,NDX=416843" into a map. Malformed
// pairs are skipped with a warning.
func parseConidOverrides(raw string) map[string]string {
	out := make(map[string]string)
	if raw == "" {
		return out
	}
	for _, pair := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			log.Printf("Warning: ignoring malformed CONID_OVERRIDES entry %q", pair)
			continue
		}
		out[strings.ToUpper(parts[0])] = parts[1]
	}
	return out
}
