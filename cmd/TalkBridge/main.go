package main

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/BTreeMap/TalkBridge/internal/api"
	"github.com/BTreeMap/TalkBridge/internal/genai"
	"github.com/BTreeMap/TalkBridge/internal/reframe"
	"github.com/BTreeMap/TalkBridge/internal/scheduler"
	"github.com/BTreeMap/TalkBridge/internal/store"
	"github.com/BTreeMap/TalkBridge/internal/twiliowhatsapp"
	"github.com/BTreeMap/TalkBridge/internal/util"
	"github.com/BTreeMap/TalkBridge/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for TalkBridge state data
	DefaultStateDir = "/var/lib/talkbridge"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "talkbridge.db"
	// DefaultWhatsAppDBFileName is the whatsmeow device store filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultPatternDirName holds the pattern memory index
	DefaultPatternDirName = "patterns"
)

func main() {
	config := loadEnvironmentConfig()
	initializeLogger(config.Debug)

	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}

	slog.Info("Bootstrapping TalkBridge with configured modules")
	slog.Debug("Final configuration", "state_dir", flags.stateDir, "provider", flags.provider, "api_addr", flags.apiAddr, "dsn_set", flags.dbDSN != "")
	if err := api.Run(
		buildWhatsAppOptions(flags),
		buildTwilioOptions(config),
		buildStoreOptions(flags),
		buildGenAIOptions(flags),
		buildAPIOptions(flags, config),
	); err != nil {
		slog.Error("TalkBridge failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("TalkBridge exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir         string
	DatabaseDSN      string
	WhatsAppDSN      string
	OpenAIKey        string
	OpenAIModel      string
	APIAddr          string
	Provider         string
	TwilioSID        string
	TwilioToken      string
	TwilioFrom       string
	TwilioWebhookURL string
	SealKey          string
	AdminToken       string
	PausedMaxAge     time.Duration
	SweepCron        string
	ReframeTTL       time.Duration
	PatternDir       string
	Debug            bool
}

// Flags holds command line flag values
type Flags struct {
	qrOutput  string
	numeric   bool
	stateDir  string
	dbDSN     string
	waDSN     string
	openaiKey string
	model     string
	apiAddr   string
	provider  string
	sweepCron string
}

// initializeLogger sets up structured logging
func initializeLogger(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from the .env file and environment variables
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	config := Config{
		StateDir:         util.GetEnvOrDefault("TALKBRIDGE_STATE_DIR", DefaultStateDir),
		DatabaseDSN:      os.Getenv("DATABASE_URL"),
		WhatsAppDSN:      os.Getenv("WHATSAPP_DB_DSN"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:      os.Getenv("OPENAI_MODEL"),
		APIAddr:          os.Getenv("API_ADDR"),
		Provider:         util.GetEnvOrDefault("MESSAGING_PROVIDER", api.ProviderWhatsApp),
		TwilioSID:        os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:      os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:       os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioWebhookURL: os.Getenv("TWILIO_WEBHOOK_URL"),
		SealKey:          os.Getenv("TALKBRIDGE_SEAL_KEY"),
		AdminToken:       os.Getenv("ADMIN_TOKEN"),
		PausedMaxAge:     util.ParseDurationEnv("PAUSED_SESSION_MAX_AGE", scheduler.DefaultPausedMaxAge),
		SweepCron:        util.GetEnvOrDefault("EXPIRY_SWEEP_CRON", scheduler.DefaultSweepSpec),
		ReframeTTL:       util.ParseDurationEnv("REFRAME_TTL", reframe.DefaultTTL),
		PatternDir:       os.Getenv("PATTERN_MEMORY_DIR"),
		Debug:            util.ParseBoolEnv("DEBUG", false),
	}

	if config.DatabaseDSN == "" {
		config.DatabaseDSN = filepath.Join(config.StateDir, DefaultDBFileName)
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = defaultWhatsAppDSN(config.StateDir)
	}
	if config.PatternDir == "" {
		config.PatternDir = filepath.Join(config.StateDir, DefaultPatternDirName)
	}

	slog.Debug("environment variables loaded",
		"TALKBRIDGE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", os.Getenv("DATABASE_URL") != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"MESSAGING_PROVIDER", config.Provider,
		"TALKBRIDGE_SEAL_KEY_SET", config.SealKey != "",
		"ADMIN_TOKEN_SET", config.AdminToken != "")
	return config
}

func defaultWhatsAppDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// parseCommandLineFlags parses args with environment-derived defaults. DSNs that were derived
// from the state directory follow a -state-dir override.
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	var flags Flags
	fs.StringVar(&flags.qrOutput, "qr-output", "", "path to write login QR code")
	fs.BoolVar(&flags.numeric, "numeric-code", false, "use numeric login code instead of QR code")
	fs.StringVar(&flags.stateDir, "state-dir", config.StateDir, "state directory (overrides $TALKBRIDGE_STATE_DIR)")
	fs.StringVar(&flags.dbDSN, "db-dsn", config.DatabaseDSN, "application database DSN (overrides $DATABASE_URL)")
	fs.StringVar(&flags.waDSN, "whatsapp-db-dsn", config.WhatsAppDSN, "WhatsApp device store DSN (overrides $WHATSAPP_DB_DSN)")
	fs.StringVar(&flags.openaiKey, "openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	fs.StringVar(&flags.model, "openai-model", config.OpenAIModel, "OpenAI chat model (overrides $OPENAI_MODEL)")
	fs.StringVar(&flags.apiAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&flags.provider, "provider", config.Provider, "messaging provider: whatsapp or twilio (overrides $MESSAGING_PROVIDER)")
	fs.StringVar(&flags.sweepCron, "sweep-cron", config.SweepCron, "cron spec of the paused-session expiry sweep (overrides $EXPIRY_SWEEP_CRON)")
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	if flags.stateDir != config.StateDir {
		if flags.dbDSN == filepath.Join(config.StateDir, DefaultDBFileName) {
			flags.dbDSN = filepath.Join(flags.stateDir, DefaultDBFileName)
		}
		if flags.waDSN == defaultWhatsAppDSN(config.StateDir) {
			flags.waDSN = defaultWhatsAppDSN(flags.stateDir)
		}
		slog.Debug("Updated DSNs based on state directory", "old_state_dir", config.StateDir, "new_state_dir", flags.stateDir)
	}
	return flags, nil
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(flags.qrOutput))
	}
	if flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if flags.waDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(flags.waDSN))
	}
	return waOpts
}

// buildTwilioOptions constructs Twilio configuration options; unset values fall back to the
// TWILIO_* environment inside the client.
func buildTwilioOptions(config Config) []twiliowhatsapp.Option {
	var opts []twiliowhatsapp.Option
	if config.TwilioSID != "" {
		opts = append(opts, twiliowhatsapp.WithAccountSID(config.TwilioSID))
	}
	if config.TwilioToken != "" {
		opts = append(opts, twiliowhatsapp.WithAuthToken(config.TwilioToken))
	}
	if config.TwilioFrom != "" {
		opts = append(opts, twiliowhatsapp.WithFromWhats(config.TwilioFrom))
	}
	return opts
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	if flags.dbDSN == "" {
		return nil
	}
	if store.DetectDSNType(flags.dbDSN) == store.DriverPostgres {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return []store.Option{store.WithPostgresDSN(flags.dbDSN)}
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", flags.dbDSN)
	return []store.Option{store.WithSQLiteDSN(flags.dbDSN)}
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var opts []genai.Option
	if flags.openaiKey != "" {
		opts = append(opts, genai.WithAPIKey(flags.openaiKey))
	}
	if flags.model != "" {
		opts = append(opts, genai.WithModel(flags.model))
	}
	return opts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags, config Config) []api.Option {
	opts := []api.Option{
		api.WithStateDir(flags.stateDir),
		api.WithProvider(flags.provider),
		api.WithSealKey(config.SealKey),
		api.WithPausedMaxAge(config.PausedMaxAge),
		api.WithSweepSpec(flags.sweepCron),
		api.WithReframeTTL(config.ReframeTTL),
		api.WithPatternMemoryDir(config.PatternDir),
	}
	if flags.apiAddr != "" {
		opts = append(opts, api.WithAddr(flags.apiAddr))
	}
	if config.AdminToken != "" {
		opts = append(opts, api.WithAdminToken(config.AdminToken))
	}
	if config.TwilioWebhookURL != "" {
		opts = append(opts, api.WithTwilioWebhookURL(config.TwilioWebhookURL))
	}
	return opts
}
