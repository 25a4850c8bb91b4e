package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "fixgate"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage fixgate configuration.

Running bare 'fixgate config' is the same as 'fixgate config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# fixgate configuration
# See: fixgate config show (for effective values and sources)

# SQLite database path (default: ~/.config/fixgate/fixgate.db)
# db_path: {{ .DBPath }}

db:
  # sqlite or postgres
  driver: "{{ .DBDriver }}"
  # PostgreSQL connection string, used when driver is postgres
  dsn: ""

human_review:
  # When false every fix is approved on submission
  enabled: {{ .ReviewEnabled }}
  # Low-risk reviews are auto-approved after this many hours
  auto_approve_timeout_hours: {{ .TimeoutHours }}
  # Critical fixes need two distinct approvers
  require_multiple_reviewers: {{ .MultipleReviewers }}
  critical_severity_requires_approval: {{ .CriticalRequiresApproval }}
  # CEL expressions over severity, service, complexity, occurrences;
  # any true rule forces human approval. FIXGATE_HUMAN_REVIEW_APPROVAL_RULES
  # takes a JSON array or rules separated by ";"
  approval_rules: []
  # How often 'fixgate serve' sweeps for timed-out reviews
  sweep_interval: {{ .SweepInterval }}

notify:
  reviewers: "{{ .Reviewers }}"
  channel: "{{ .Channel }}"
  email:
    enabled: false
    smtp_host: ""
    smtp_port: 587
    smtp_user: ""
    smtp_password: ""
    from_address: ""
    from_name: "fixgate"
  redis:
    enabled: false
    addr: "localhost:6379"
    password: ""
    db: 0
    prefix: "fixgate:"

audit:
  # Audit lines go to stderr when empty
  log_path: ""

server:
  port: {{ .ServerPort }}
  rate_limit_rps: 5
  rate_limit_burst: 10

anthropic:
  # Used by 'fixgate review brief'; ANTHROPIC_API_KEY also works
  api_key: ""
  model: "{{ .AnthropicModel }}"

tracing:
  enabled: false
  # Spans go to stdout when empty
  output: ""

log:
  # debug, info, warn, error
  level: "{{ .LogLevel }}"
  # text or json
  format: "{{ .LogFormat }}"
`

type configTemplateData struct {
	DBPath                   string
	DBDriver                 string
	ReviewEnabled            bool
	TimeoutHours             int
	MultipleReviewers        bool
	CriticalRequiresApproval bool
	SweepInterval            string
	Reviewers                string
	Channel                  string
	ServerPort               int
	AnthropicModel           string
	LogLevel                 string
	LogFormat                string
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	data := configTemplateData{
		DBPath:                   viper.GetString("db_path"),
		DBDriver:                 viper.GetString("db.driver"),
		ReviewEnabled:            viper.GetBool("human_review.enabled"),
		TimeoutHours:             viper.GetInt("human_review.auto_approve_timeout_hours"),
		MultipleReviewers:        viper.GetBool("human_review.require_multiple_reviewers"),
		CriticalRequiresApproval: viper.GetBool("human_review.critical_severity_requires_approval"),
		SweepInterval:            viper.GetDuration("human_review.sweep_interval").String(),
		Reviewers:                viper.GetString("notify.reviewers"),
		Channel:                  viper.GetString("notify.channel"),
		ServerPort:               viper.GetInt("server.port"),
		AnthropicModel:           viper.GetString("anthropic.model"),
		LogLevel:                 viper.GetString("log.level"),
		LogFormat:                viper.GetString("log.format"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, buf.String())
		return nil
	}

	// Create config directory
	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	EnvVar string
}

var configKeys = []configKeyInfo{
	{Key: "db_path", EnvVar: "FIXGATE_DB_PATH"},
	{Key: "db.driver", EnvVar: "FIXGATE_DB_DRIVER"},
	{Key: "db.dsn", EnvVar: "FIXGATE_DB_DSN"},
	{Key: "human_review.enabled", EnvVar: "FIXGATE_HUMAN_REVIEW_ENABLED"},
	{Key: "human_review.auto_approve_timeout_hours", EnvVar: "FIXGATE_HUMAN_REVIEW_AUTO_APPROVE_TIMEOUT_HOURS"},
	{Key: "human_review.require_multiple_reviewers", EnvVar: "FIXGATE_HUMAN_REVIEW_REQUIRE_MULTIPLE_REVIEWERS"},
	{Key: "human_review.critical_severity_requires_approval", EnvVar: "FIXGATE_HUMAN_REVIEW_CRITICAL_SEVERITY_REQUIRES_APPROVAL"},
	{Key: "human_review.approval_rules", EnvVar: "FIXGATE_HUMAN_REVIEW_APPROVAL_RULES"},
	{Key: "human_review.sweep_interval", EnvVar: "FIXGATE_HUMAN_REVIEW_SWEEP_INTERVAL"},
	{Key: "notify.reviewers", EnvVar: "FIXGATE_NOTIFY_REVIEWERS"},
	{Key: "notify.channel", EnvVar: "FIXGATE_NOTIFY_CHANNEL"},
	{Key: "notify.email.enabled", EnvVar: "FIXGATE_NOTIFY_EMAIL_ENABLED"},
	{Key: "notify.email.smtp_host", EnvVar: "FIXGATE_NOTIFY_EMAIL_SMTP_HOST"},
	{Key: "notify.email.smtp_port", EnvVar: "FIXGATE_NOTIFY_EMAIL_SMTP_PORT"},
	{Key: "notify.email.from_address", EnvVar: "FIXGATE_NOTIFY_EMAIL_FROM_ADDRESS"},
	{Key: "notify.redis.enabled", EnvVar: "FIXGATE_NOTIFY_REDIS_ENABLED"},
	{Key: "notify.redis.addr", EnvVar: "FIXGATE_NOTIFY_REDIS_ADDR"},
	{Key: "notify.redis.prefix", EnvVar: "FIXGATE_NOTIFY_REDIS_PREFIX"},
	{Key: "audit.log_path", EnvVar: "FIXGATE_AUDIT_LOG_PATH"},
	{Key: "server.port", EnvVar: "FIXGATE_SERVER_PORT"},
	{Key: "server.rate_limit_rps", EnvVar: "FIXGATE_SERVER_RATE_LIMIT_RPS"},
	{Key: "server.rate_limit_burst", EnvVar: "FIXGATE_SERVER_RATE_LIMIT_BURST"},
	{Key: "anthropic.model", EnvVar: "FIXGATE_ANTHROPIC_MODEL"},
	{Key: "tracing.enabled", EnvVar: "FIXGATE_TRACING_ENABLED"},
	{Key: "tracing.output", EnvVar: "FIXGATE_TRACING_OUTPUT"},
	{Key: "log.level", EnvVar: "FIXGATE_LOG_LEVEL"},
	{Key: "log.format", EnvVar: "FIXGATE_LOG_FORMAT"},
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if config file exists
	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	// Read config file values to determine file source
	fileValues := readConfigFileValues(cfgPath)

	for _, k := range configKeys {
		val := viper.Get(k.Key)
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-50s %v  %s\n", k.Key, val, source)
	}

	return nil
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	// Flatten nested keys with dot notation
	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set; set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'fixgate config init' first)", cfgPath)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
