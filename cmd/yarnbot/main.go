package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aimhi/yarnbot/internal/api"
	"github.com/aimhi/yarnbot/internal/classify"
	"github.com/aimhi/yarnbot/internal/fsm"
	"github.com/aimhi/yarnbot/internal/genai"
	"github.com/aimhi/yarnbot/internal/messaging"
	"github.com/aimhi/yarnbot/internal/router"
	"github.com/aimhi/yarnbot/internal/selector"
	"github.com/aimhi/yarnbot/internal/session"
	"github.com/aimhi/yarnbot/internal/store"
	"github.com/aimhi/yarnbot/internal/util"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for yarnbot state data
	DefaultStateDir = "/var/lib/yarnbot"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "yarnbot.db"
	// expirySweepInterval is how often expired sessions are purged from the
	// persistence backend.
	expirySweepInterval = 5 * time.Minute
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := run(flags); err != nil {
		slog.Error("yarnbot failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("yarnbot exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL string
	StateDir    string
	OpenAIKey   string
	APIAddr     string
	PoolsFile   string
	LLMEnabled  bool
	SMSEnabled  bool
	SessionTTL  time.Duration
	MaxAttempts int
	AcceptConf  float64
}

// Flags holds command line flag values
type Flags struct {
	stateDir    *string
	dbDSN       *string
	openaiKey   *string
	apiAddr     *string
	poolsFile   *string
	llmEnabled  *bool
	smsEnabled  *bool
	sessionTTL  *time.Duration
	maxAttempts *int
	acceptConf  *float64
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		StateDir:    os.Getenv("YARNBOT_STATE_DIR"),
		OpenAIKey:   os.Getenv("OPENAI_API_KEY"),
		APIAddr:     os.Getenv("API_ADDR"),
		PoolsFile:   os.Getenv("RESPONSE_POOLS_FILE"),
		LLMEnabled:  util.ParseBoolEnv("LLM_CONVERSATION_ENABLED", false),
		SMSEnabled:  util.ParseBoolEnv("SMS_ENABLED", false),
		SessionTTL:  util.ParseDurationEnv("SESSION_TTL", session.DefaultTTL),
		MaxAttempts: util.ParseIntEnv("MAX_ATTEMPTS", fsm.DefaultConfig().MaxAttempts),
		AcceptConf:  util.ParseFloatEnv("ACCEPT_CONFIDENCE", fsm.DefaultConfig().AcceptConfidence),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No YARNBOT_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"YARNBOT_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"LLM_CONVERSATION_ENABLED", config.LLMEnabled,
		"SMS_ENABLED", config.SMSEnabled,
		"SESSION_TTL", config.SessionTTL,
		"MAX_ATTEMPTS", config.MaxAttempts,
		"ACCEPT_CONFIDENCE", config.AcceptConf)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:    flag.String("state-dir", config.StateDir, "state directory for yarnbot data (overrides $YARNBOT_STATE_DIR)"),
		dbDSN:       flag.String("db-dsn", config.DatabaseURL, "database DSN: SQLite path or postgres:// URL (overrides $DATABASE_URL)"),
		openaiKey:   flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:     flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		poolsFile:   flag.String("pools-file", config.PoolsFile, "response pools JSON file (overrides $RESPONSE_POOLS_FILE)"),
		llmEnabled:  flag.Bool("llm-conversation", config.LLMEnabled, "enable free-form conversation after the summary (overrides $LLM_CONVERSATION_ENABLED)"),
		smsEnabled:  flag.Bool("sms", config.SMSEnabled, "enable the Twilio SMS channel (overrides $SMS_ENABLED)"),
		sessionTTL:  flag.Duration("session-ttl", config.SessionTTL, "idle session expiry (overrides $SESSION_TTL)"),
		maxAttempts: flag.Int("max-attempts", config.MaxAttempts, "unclear answers tolerated per step before force-advancing (overrides $MAX_ATTEMPTS)"),
		acceptConf:  flag.Float64("accept-confidence", config.AcceptConf, "minimum intent confidence to accept a step answer (overrides $ACCEPT_CONFIDENCE)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"poolsFile", *flags.poolsFile,
		"llmEnabled", *flags.llmEnabled,
		"smsEnabled", *flags.smsEnabled,
		"sessionTTL", *flags.sessionTTL,
		"maxAttempts", *flags.maxAttempts,
		"acceptConfidence", *flags.acceptConf)

	return flags
}

// buildStore opens the persistence backend matching the DSN type.
func buildStore(dsn string) (store.Store, error) {
	if store.DetectDSNType(dsn) == "postgres" {
		return store.NewPostgresStore(store.WithPostgresDSN(dsn))
	}
	return store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
}

// buildClassifiers wires the tiered classification ports. A nil client leaves
// the keyword tiers in charge.
func buildClassifiers(client *genai.Client) (classify.RiskClassifier, classify.IntentClassifier, classify.SentimentClassifier) {
	return classify.NewRiskClassifier(client, classify.DefaultRiskConfig()),
		classify.NewIntentClassifier(client, classify.DefaultIntentConfig()),
		classify.NewSentimentClassifier(client, classify.DefaultSentimentConfig())
}

func run(flags Flags) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := buildStore(*flags.dbDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	// The model client is optional: without a key the classifiers run on
	// keyword tiers and the free-form mode stays off.
	var llm *genai.Client
	if *flags.openaiKey != "" {
		llm, err = genai.NewClient(genai.WithAPIKey(*flags.openaiKey))
		if err != nil {
			return err
		}
	} else {
		slog.Warn("No OpenAI API key configured, running with keyword classification only")
	}

	risk, intent, sentiment := buildClassifiers(llm)

	var selectorOpts []selector.Option
	if *flags.poolsFile != "" {
		selectorOpts = append(selectorOpts, selector.WithPoolsFile(*flags.poolsFile))
	}
	templates, err := selector.New(selectorOpts...)
	if err != nil {
		return err
	}

	sessions := session.NewMemoryStore(session.WithTTL(*flags.sessionTTL))

	fsmCfg := fsm.DefaultConfig()
	fsmCfg.MaxAttempts = *flags.maxAttempts
	fsmCfg.AcceptConfidence = *flags.acceptConf

	routerCfg := router.DefaultConfig()
	routerCfg.LLMEnabled = *flags.llmEnabled

	rt, err := router.New(router.Deps{
		Risk:      risk,
		Intent:    intent,
		Sentiment: sentiment,
		Templates: templates,
		Sessions:  sessions,
		Sink:      st,
		LLM:       llm,
	}, fsmCfg, routerCfg)
	if err != nil {
		return err
	}

	var smsHandler *messaging.ResponseHandler
	if *flags.smsEnabled {
		sender, err := messaging.NewTwilioSender()
		if err != nil {
			return err
		}
		defer sender.Stop()
		smsHandler = messaging.NewResponseHandler(rt, sender)
		slog.Info("SMS channel enabled")
	}

	go sweepExpiredSessions(ctx, st, *flags.sessionTTL)

	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	server, err := api.NewServer(rt, st, smsHandler, apiOpts...)
	if err != nil {
		return err
	}

	slog.Info("Bootstrapping yarnbot", "llm_enabled", *flags.llmEnabled, "sms_enabled", *flags.smsEnabled)
	return server.Run(ctx)
}

// sweepExpiredSessions periodically purges idle sessions from the persistence
// backend. The in-memory session store expires on its own.
func sweepExpiredSessions(ctx context.Context, st store.Store, ttl time.Duration) {
	ticker := time.NewTicker(expirySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := st.ExpireSessions(time.Now().Add(-ttl))
			if err != nil {
				slog.Warn("Session expiry sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("Session expiry sweep removed sessions", "count", n)
			}
		}
	}
}
