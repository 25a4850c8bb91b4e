package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/fixgate/internal/audit"
	"github.com/joescharf/fixgate/internal/notify"
	"github.com/joescharf/fixgate/internal/output"
	"github.com/joescharf/fixgate/internal/policy"
	"github.com/joescharf/fixgate/internal/store"
	"github.com/joescharf/fixgate/internal/tracing"
	"github.com/joescharf/fixgate/internal/workflow"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	dataStore store.Store
	engine    *workflow.Engine

	// closers run in reverse order when the command finishes.
	closers []func(context.Context) error

	verbose bool
	dryRun  bool
)

// rehydrateWindow bounds how far back terminal reviews are loaded into a
// fresh engine so history and statistics see them.
const rehydrateWindow = 30 * 24 * time.Hour

var rootCmd = &cobra.Command{
	Use:   "fixgate",
	Short: "Human review gate for automatically generated code fixes",
	Long: `fixgate sits between an automated fix generator and deployment.
It scores each submitted fix, decides whether a human must approve it,
tracks reviewer decisions and auto-approves low-risk fixes after a timeout.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return shutdownDeps(cmd.Context())
	},
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		_ = shutdownDeps(context.Background())
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/fixgate/config.yaml)")
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		dir, err := configDirFunc()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}
		viper.AddConfigPath(dir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("FIXGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	defaultConfigDir, _ := configDirFunc()
	setDefaults(defaultConfigDir)

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

// setDefaults registers every config key with its default value.
func setDefaults(configDir string) {
	viper.SetDefault("state_dir", configDir)
	viper.SetDefault("db_path", filepath.Join(configDir, "fixgate.db"))
	viper.SetDefault("db.driver", store.DialectSQLite)
	viper.SetDefault("db.dsn", "")

	viper.SetDefault("human_review.enabled", true)
	viper.SetDefault("human_review.auto_approve_timeout_hours", 24)
	viper.SetDefault("human_review.require_multiple_reviewers", false)
	viper.SetDefault("human_review.critical_severity_requires_approval", true)
	viper.SetDefault("human_review.approval_rules", []string{})
	viper.SetDefault("human_review.sweep_interval", workflow.DefaultSweepInterval)

	viper.SetDefault("notify.reviewers", workflow.DefaultReviewers)
	viper.SetDefault("notify.channel", workflow.DefaultChannel)
	viper.SetDefault("notify.email.enabled", false)
	viper.SetDefault("notify.email.smtp_host", "")
	viper.SetDefault("notify.email.smtp_port", 587)
	viper.SetDefault("notify.email.smtp_user", "")
	viper.SetDefault("notify.email.smtp_password", "")
	viper.SetDefault("notify.email.from_address", "")
	viper.SetDefault("notify.email.from_name", "fixgate")
	viper.SetDefault("notify.redis.enabled", false)
	viper.SetDefault("notify.redis.addr", "localhost:6379")
	viper.SetDefault("notify.redis.password", "")
	viper.SetDefault("notify.redis.db", 0)
	viper.SetDefault("notify.redis.prefix", "fixgate:")

	viper.SetDefault("audit.log_path", "")

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.rate_limit_rps", 5.0)
	viper.SetDefault("server.rate_limit_burst", 10)

	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")

	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.output", "")

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun

	slog.SetDefault(newLogger(os.Stderr))

	// Store and engine are initialized lazily, only when commands need them.
	// This allows config/version commands to run without a db.
}

// newLogger builds the process logger from log.level and log.format.
func newLogger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(viper.GetString("log.level"))); err != nil {
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(viper.GetString("log.format"), "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// getStore returns the shared store, initializing it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	driver := viper.GetString("db.driver")
	dsn := viper.GetString("db_path")
	if driver == store.DialectPostgres {
		dsn = viper.GetString("db.dsn")
	}
	s, err := store.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := s.Migrate(context.Background()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	dataStore = s
	closers = append(closers, func(context.Context) error { return s.Close() })
	return dataStore, nil
}

// getEngine returns the shared workflow engine, wiring its collaborators from
// config and reloading open and recent reviews from the store.
func getEngine(ctx context.Context) (*workflow.Engine, error) {
	if engine != nil {
		return engine, nil
	}

	s, err := getStore()
	if err != nil {
		return nil, err
	}

	if err := initTracing(); err != nil {
		return nil, err
	}

	p, err := policy.New(policy.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("load review policy: %w", err)
	}

	notifier, err := buildNotifier(ctx)
	if err != nil {
		return nil, err
	}

	auditor, err := buildAuditor(s)
	if err != nil {
		return nil, err
	}

	e := workflow.NewEngine(p,
		workflow.WithLogger(slog.Default()),
		workflow.WithNotifier(notifier),
		workflow.WithAuditor(auditor),
		workflow.WithFixRecordStore(s),
		workflow.WithSnapshotStore(s),
		workflow.WithRouting(viper.GetString("notify.reviewers"), viper.GetString("notify.channel")),
	)
	closers = append(closers, e.Close)

	if err := rehydrate(ctx, e, s); err != nil {
		return nil, err
	}

	engine = e
	return engine, nil
}

// rehydrate loads persisted review snapshots into e.
func rehydrate(ctx context.Context, e *workflow.Engine, s store.Store) error {
	open, err := s.ListReviews(ctx, store.ReviewFilter{OpenOnly: true})
	if err != nil {
		return fmt.Errorf("load open reviews: %w", err)
	}
	recent, err := s.ListReviews(ctx, store.ReviewFilter{Since: time.Now().Add(-rehydrateWindow)})
	if err != nil {
		return fmt.Errorf("load recent reviews: %w", err)
	}

	n, err := e.Restore(append(open, recent...))
	if err != nil {
		return fmt.Errorf("restore reviews: %w", err)
	}
	slog.Debug("rehydrated reviews", "count", n)
	return nil
}

// buildNotifier wires the configured email and broadcast channels. Channels
// that are not enabled fall back to logging.
func buildNotifier(ctx context.Context) (notify.Notifier, error) {
	var (
		mailer      notify.Mailer
		broadcaster notify.Broadcaster
	)

	if viper.GetBool("notify.email.enabled") {
		m, err := notify.NewSMTPMailer(emailConfig(), slog.Default())
		if err != nil {
			return nil, fmt.Errorf("configure email: %w", err)
		}
		mailer = m
	}

	if viper.GetBool("notify.redis.enabled") {
		b := newRedisBroadcaster()
		if err := b.Ping(ctx); err != nil {
			slog.Warn("redis unavailable, broadcasts will be logged", "addr", viper.GetString("notify.redis.addr"), "error", err)
			_ = b.Close()
		} else {
			broadcaster = b
		}
	}

	svc := notify.NewService(mailer, broadcaster, slog.Default())
	closers = append(closers, func(context.Context) error { return svc.Close() })
	return svc, nil
}

func emailConfig() notify.EmailConfig {
	return notify.EmailConfig{
		SMTPHost:     viper.GetString("notify.email.smtp_host"),
		SMTPPort:     viper.GetInt("notify.email.smtp_port"),
		SMTPUser:     viper.GetString("notify.email.smtp_user"),
		SMTPPassword: viper.GetString("notify.email.smtp_password"),
		FromAddress:  viper.GetString("notify.email.from_address"),
		FromName:     viper.GetString("notify.email.from_name"),
	}
}

func newRedisBroadcaster() *notify.RedisBroadcaster {
	return notify.NewRedisBroadcaster(notify.RedisConfig{
		Addr:     viper.GetString("notify.redis.addr"),
		Password: viper.GetString("notify.redis.password"),
		DB:       viper.GetInt("notify.redis.db"),
		Prefix:   viper.GetString("notify.redis.prefix"),
	})
}

// buildAuditor writes audit lines to audit.log_path (stderr when empty) and
// persists every event in the store.
func buildAuditor(s store.Store) (audit.Auditor, error) {
	var w io.Writer = os.Stderr
	if path := viper.GetString("audit.log_path"); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create audit log dir: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		closers = append(closers, func(context.Context) error { return f.Close() })
		w = f
	}
	return audit.Multi{audit.NewLogger(w), audit.NewStoreAuditor(s)}, nil
}

// initTracing installs the stdout span exporter when tracing.enabled is set.
func initTracing() error {
	if !viper.GetBool("tracing.enabled") {
		return nil
	}
	shutdown, err := tracing.Init("fixgate", buildVersion, viper.GetString("tracing.output"))
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	closers = append(closers, shutdown)
	return nil
}

// shutdownDeps drains the engine and closes everything opened by getStore and
// getEngine.
func shutdownDeps(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	closers = nil
	engine = nil
	dataStore = nil
	return errors.Join(errs...)
}
