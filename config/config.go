package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dhcgn/mail-otp-relay/otp"
)

// EnvPrefix namespaces environment overrides, e.g. OTP_RELAY_POLL_INTERVAL.
const EnvPrefix = "OTP_RELAY"

type Source string

const (
	SourcePOP3 Source = "pop3"
	SourceIMAP Source = "imap"
	SourceMbox Source = "mbox"
)

const defaultPOP3Host = "pop.2925.com"

// Config captures every option of the relay daemon and the scan command.
type Config struct {
	Source             Source
	MboxPath           string
	Host               string
	Port               int
	User               string
	Pass               string
	Mailbox            string
	UseTLS             bool
	StartTLS           bool
	AllowPlain         bool
	InsecureSkipVerify bool

	PollInterval   time.Duration
	ReconnectEvery time.Duration
	IdleKeepalive  time.Duration
	ForcePoll      bool
	StartupLastN   int
	MaxPerPoll     int

	TelegramToken  string
	TelegramChatID string
	TelegramAPI    string
	TelegramProxy  string
	ChatGap        time.Duration
	StartupNotice  bool
	NotifyNoCode   bool
	Timezone       string
	Location       *time.Location
	LatestCodeFile string

	StateDir     string
	StateBackend string
	StateLimit   int
	DryRun       bool

	LogLevel      string
	LogFormat     string
	LogDir        string
	StatsInterval time.Duration

	IncludeSender  []string
	IncludeSubject []string
	ExcludeSender  []string
	ExcludeSubject []string

	Extraction otp.Config
}

// legacyEnv lists the variable names the relay scripts used before this tool.
// The first variable that is set wins.
var legacyEnv = map[string][]string{
	"user":                   {"EMAIL_USER", "MAIL_USER"},
	"pass":                   {"EMAIL_PASS", "MAIL_PASS"},
	"host":                   {"POP3_HOST", "IMAP_HOST"},
	"mailbox":                {"IMAP_FOLDER"},
	"telegram-token":         {"TELEGRAM_BOT_TOKEN", "TG_BOT_TOKEN"},
	"telegram-chat-id":       {"TELEGRAM_CHAT_ID", "TG_CHAT_ID"},
	"telegram-proxy":         {"TG_PROXY"},
	"timezone":               {"TIMEZONE"},
	"startup-last-n":         {"FETCH_STARTUP_LAST_N"},
	"relaxed_otp":            {"RELAXED_OTP"},
	"idle_keepalive_seconds": {"IDLE_KEEPALIVE_SECONDS"},
}

// extractionFlags maps flag names onto keys of the "extraction" config section.
var extractionFlags = map[string]string{
	"min-length":          "extraction.min_length",
	"max-length":          "extraction.max_length",
	"near-window":         "extraction.near_window",
	"link-window":         "extraction.link_window",
	"negative-policy":     "extraction.negative_policy",
	"allow-digits-in-url": "extraction.allow_digits_in_url",
	"relaxed-length":      "extraction.relaxed_length",
}

// RegisterFlags attaches the daemon flags to the provided command.
func RegisterFlags(cmd *cobra.Command) error {
	defaultStateDir, err := defaultStateDir()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	flags.String("source", string(SourcePOP3), "Mail source: pop3, imap or mbox")
	flags.String("mbox", "", "Path to an .mbox file replayed by --source mbox")
	flags.String("host", "", "Mail server hostname (pop3 defaults to "+defaultPOP3Host+")")
	flags.Int("port", 0, "Mail server port (0 picks 995/110 for pop3, 993/143 for imap)")
	flags.String("user", "", "Mailbox username (falls back to EMAIL_USER / MAIL_USER)")
	flags.String("pass", "", "Mailbox password (falls back to EMAIL_PASS / MAIL_PASS)")
	flags.String("mailbox", "INBOX", "IMAP mailbox to watch")
	flags.Bool("use-tls", true, "Use implicit TLS for the mail connection")
	flags.Bool("starttls", false, "Upgrade a plain IMAP connection with STARTTLS")
	flags.Bool("allow-plain", false, "Fall back to an unencrypted connection when TLS fails")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.Duration("poll-interval", time.Second, "Interval between mailbox polls")
	flags.Duration("reconnect-every", 10*time.Second, "Open a fresh POP3 session after this long")
	flags.Duration("idle-keepalive", 25*time.Second, "Restart IMAP IDLE after this long")
	flags.Bool("force-poll", false, "Poll IMAP even when the server supports IDLE")
	flags.Int("startup-last-n", 2, "Unseen messages relayed at startup; older ones are skipped")
	flags.Int("max-per-poll", 20, "Maximum new messages handled per poll")

	flags.String("telegram-token", "", "Telegram bot token (falls back to TELEGRAM_BOT_TOKEN / TG_BOT_TOKEN)")
	flags.String("telegram-chat-id", "", "Telegram chat id (falls back to TELEGRAM_CHAT_ID / TG_CHAT_ID)")
	flags.String("telegram-api", "https://api.telegram.org", "Telegram Bot API base URL")
	flags.String("telegram-proxy", "", "Proxy URL for Telegram requests (falls back to TG_PROXY)")
	flags.Duration("chat-gap", 800*time.Millisecond, "Pause between the header and the code message")
	flags.Bool("startup-notice", true, "Send a chat message when the relay starts")
	flags.Bool("notify-no-code", false, "Relay messages even when no code was recognized")
	flags.String("timezone", "Asia/Shanghai", "Time zone used for notification timestamps")
	flags.String("latest-code-file", "", "Write the most recent code to this file")

	flags.String("state-dir", defaultStateDir, "Directory for processed-message state")
	flags.String("state-backend", "file", "State backend: file, sqlite or memory")
	flags.Int("state-limit", 10000, "Processed message ids remembered")
	flags.Bool("dry-run", false, "Extract and log codes without sending or recording them")
	flags.Duration("stats-interval", 0, "Log a stats line at this interval (0 disables)")

	return registerCommon(flags)
}

// RegisterScanFlags attaches the flags shared with the scan command.
func RegisterScanFlags(cmd *cobra.Command) error {
	return registerCommon(cmd.Flags())
}

func registerCommon(flags *pflag.FlagSet) error {
	def := otp.DefaultConfig()

	flags.String("config", "", "Path to a YAML config file (default: search ./otp-relay.yaml)")
	flags.String("env-file", ".env", "Load environment variables from this file when it exists")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-format", "text", "Log format: text, json or pretty")
	flags.String("log-dir", "", "Also write logs to a timestamped file in this directory")

	flags.Int("min-length", def.MinLength, "Shortest accepted code")
	flags.Int("max-length", def.MaxLength, "Longest accepted code")
	flags.Int("near-window", def.NearWindow, "Keyword search radius around a digit run, in characters")
	flags.Int("link-window", def.LinkWindow, "URL and address search radius around a digit run")
	flags.String("negative-policy", string(def.NegativePolicy), "How negative keywords override positive ones: strict, strong or lenient")
	flags.Bool("allow-digits-in-url", false, "Accept codes that appear inside links or addresses")
	flags.Int("relaxed-length", 0, "Accept any run of exactly this many digits when nothing else matches (0 disables)")
	flags.StringArray("sender-rule", nil, "Force a code length for a sender, as pattern=length (repeatable)")

	flags.StringArray("include-sender", nil, "Regex allow-list applied to the sender (mutually exclusive with exclude flags)")
	flags.StringArray("include-subject", nil, "Regex allow-list applied to the subject (mutually exclusive with exclude flags)")
	flags.StringArray("exclude-sender", nil, "Regex block-list applied to the sender (mutually exclusive with include flags)")
	flags.StringArray("exclude-subject", nil, "Regex block-list applied to the subject (mutually exclusive with include flags)")
	return nil
}

// LoadConfig resolves the daemon configuration from flags, environment, config
// file and defaults, in that order of precedence.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	cfg, err := load(cmd)
	if err != nil {
		return Config{}, err
	}
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadScanConfig resolves only what the offline scan needs.
func LoadScanConfig(cmd *cobra.Command) (Config, error) {
	cfg, err := load(cmd)
	if err != nil {
		return Config{}, err
	}
	if err := validateCommon(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func load(cmd *cobra.Command) (Config, error) {
	flags := cmd.Flags()

	envFile, err := flags.GetString("env-file")
	if err != nil {
		return Config{}, err
	}
	if err := loadEnvFile(envFile); err != nil {
		return Config{}, err
	}

	v := viper.New()
	if err := bindFlags(v, flags); err != nil {
		return Config{}, err
	}
	bindEnv(v)

	configPath, err := flags.GetString("config")
	if err != nil {
		return Config{}, err
	}
	if err := readConfigFile(v, configPath); err != nil {
		return Config{}, err
	}

	extraction, err := loadExtraction(v, flags)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Source:             Source(strings.ToLower(strings.TrimSpace(v.GetString("source")))),
		MboxPath:           v.GetString("mbox"),
		Host:               strings.TrimSpace(v.GetString("host")),
		Port:               v.GetInt("port"),
		User:               strings.TrimSpace(v.GetString("user")),
		Pass:               v.GetString("pass"),
		Mailbox:            v.GetString("mailbox"),
		UseTLS:             v.GetBool("use-tls"),
		StartTLS:           v.GetBool("starttls"),
		AllowPlain:         v.GetBool("allow-plain"),
		InsecureSkipVerify: v.GetBool("insecure-skip-verify"),
		PollInterval:       v.GetDuration("poll-interval"),
		ReconnectEvery:     v.GetDuration("reconnect-every"),
		IdleKeepalive:      v.GetDuration("idle-keepalive"),
		ForcePoll:          v.GetBool("force-poll"),
		StartupLastN:       v.GetInt("startup-last-n"),
		MaxPerPoll:         v.GetInt("max-per-poll"),
		TelegramToken:      strings.TrimSpace(v.GetString("telegram-token")),
		TelegramChatID:     strings.TrimSpace(v.GetString("telegram-chat-id")),
		TelegramAPI:        strings.TrimRight(v.GetString("telegram-api"), "/"),
		TelegramProxy:      strings.TrimSpace(v.GetString("telegram-proxy")),
		ChatGap:            v.GetDuration("chat-gap"),
		StartupNotice:      v.GetBool("startup-notice"),
		NotifyNoCode:       v.GetBool("notify-no-code"),
		Timezone:           v.GetString("timezone"),
		LatestCodeFile:     v.GetString("latest-code-file"),
		StateDir:           v.GetString("state-dir"),
		StateBackend:       strings.ToLower(v.GetString("state-backend")),
		StateLimit:         v.GetInt("state-limit"),
		DryRun:             v.GetBool("dry-run"),
		LogLevel:           strings.ToLower(v.GetString("log-level")),
		LogFormat:          strings.ToLower(v.GetString("log-format")),
		LogDir:             v.GetString("log-dir"),
		StatsInterval:      v.GetDuration("stats-interval"),
		IncludeSender:      v.GetStringSlice("include-sender"),
		IncludeSubject:     v.GetStringSlice("include-subject"),
		ExcludeSender:      v.GetStringSlice("exclude-sender"),
		ExcludeSubject:     v.GetStringSlice("exclude-subject"),
		Extraction:         extraction,
	}

	if seconds := v.GetInt("idle_keepalive_seconds"); seconds > 0 {
		cfg.IdleKeepalive = time.Duration(seconds) * time.Second
	}
	if cfg.Source == "" {
		cfg.Source = SourcePOP3
	}
	if cfg.Host == "" && cfg.Source == SourcePOP3 {
		cfg.Host = defaultPOP3Host
	}
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	if cfg.StateDir == "" {
		cfg.StateDir, err = defaultStateDir()
		if err != nil {
			return Config{}, err
		}
	}
	cfg.StateDir = filepath.Clean(cfg.StateDir)

	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return Config{}, fmt.Errorf("invalid --timezone %q: %w", cfg.Timezone, err)
	}
	cfg.Location = loc

	return cfg, nil
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var bindErr error
	flags.VisitAll(func(f *pflag.Flag) {
		key := f.Name
		if mapped, ok := extractionFlags[f.Name]; ok {
			key = mapped
		}
		if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
			bindErr = fmt.Errorf("bind flag %s: %w", f.Name, err)
		}
	})
	return bindErr
}

func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	for key, names := range legacyEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))
		_ = v.BindEnv(append([]string{key, prefixed}, names...)...)
	}
}

func readConfigFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("otp-relay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".otp-relay"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	return nil
}

func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func loadExtraction(v *viper.Viper, flags *pflag.FlagSet) (otp.Config, error) {
	def := otp.DefaultConfig()
	v.SetDefault("extraction.positive_keywords", def.PositiveKeywords)
	v.SetDefault("extraction.negative_keywords", def.NegativeKeywords)
	v.SetDefault("extraction.strong_keywords", def.StrongKeywords)

	cfg := otp.Config{
		MinLength:        v.GetInt("extraction.min_length"),
		MaxLength:        v.GetInt("extraction.max_length"),
		NearWindow:       v.GetInt("extraction.near_window"),
		LinkWindow:       v.GetInt("extraction.link_window"),
		PositiveKeywords: v.GetStringSlice("extraction.positive_keywords"),
		NegativeKeywords: v.GetStringSlice("extraction.negative_keywords"),
		StrongKeywords:   v.GetStringSlice("extraction.strong_keywords"),
		NegativePolicy:   otp.NegativePolicy(strings.ToLower(v.GetString("extraction.negative_policy"))),
		AllowDigitsInURL: v.GetBool("extraction.allow_digits_in_url"),
		RelaxedLength:    v.GetInt("extraction.relaxed_length"),
	}
	if cfg.RelaxedLength == 0 && v.GetBool("relaxed_otp") {
		cfg.RelaxedLength = 6
	}

	var rules []otp.SenderRule
	if err := v.UnmarshalKey("extraction.sender_rules", &rules); err != nil {
		return otp.Config{}, fmt.Errorf("parse extraction.sender_rules: %w", err)
	}
	raw, err := flags.GetStringArray("sender-rule")
	if err != nil {
		return otp.Config{}, err
	}
	for _, s := range raw {
		rule, err := otp.ParseSenderRule(s)
		if err != nil {
			return otp.Config{}, err
		}
		rules = append(rules, rule)
	}
	cfg.SenderRules = rules

	return cfg, nil
}

func validateConfig(cfg Config) error {
	if err := validateCommon(cfg); err != nil {
		return err
	}

	switch cfg.Source {
	case SourcePOP3, SourceIMAP:
		if cfg.Host == "" {
			return fmt.Errorf("--host is required for --source %s", cfg.Source)
		}
		if cfg.User == "" {
			return fmt.Errorf("mailbox user must be provided via --user or EMAIL_USER env var")
		}
		if cfg.Pass == "" {
			return fmt.Errorf("mailbox password must be provided via --pass or EMAIL_PASS env var")
		}
		if cfg.Port < 0 || cfg.Port > 65535 {
			return fmt.Errorf("--port must be between 0 and 65535")
		}
	case SourceMbox:
		if cfg.MboxPath == "" {
			return fmt.Errorf("--mbox is required for --source mbox")
		}
	default:
		return fmt.Errorf("invalid --source: %s", cfg.Source)
	}

	if !cfg.DryRun {
		if cfg.TelegramToken == "" {
			return fmt.Errorf("telegram bot token must be provided via --telegram-token or TELEGRAM_BOT_TOKEN env var")
		}
		if cfg.TelegramChatID == "" {
			return fmt.Errorf("telegram chat id must be provided via --telegram-chat-id or TELEGRAM_CHAT_ID env var")
		}
	}

	if cfg.PollInterval <= 0 {
		return fmt.Errorf("--poll-interval must be positive")
	}
	if cfg.ReconnectEvery < 0 || cfg.IdleKeepalive <= 0 || cfg.ChatGap < 0 {
		return fmt.Errorf("--reconnect-every, --idle-keepalive and --chat-gap must not be negative")
	}
	if cfg.StartupLastN < 0 {
		return fmt.Errorf("--startup-last-n must not be negative")
	}
	if cfg.MaxPerPoll <= 0 {
		return fmt.Errorf("--max-per-poll must be positive")
	}
	if cfg.StateLimit < 0 {
		return fmt.Errorf("--state-limit must not be negative")
	}

	switch cfg.StateBackend {
	case "file", "sqlite", "memory":
	default:
		return fmt.Errorf("invalid --state-backend: %s", cfg.StateBackend)
	}

	return nil
}

func validateCommon(cfg Config) error {
	includeActive := len(cfg.IncludeSender) > 0 || len(cfg.IncludeSubject) > 0
	excludeActive := len(cfg.ExcludeSender) > 0 || len(cfg.ExcludeSubject) > 0
	if includeActive && excludeActive {
		return fmt.Errorf("include and exclude flags are mutually exclusive")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	switch cfg.LogFormat {
	case "text", "json", "pretty":
	default:
		return fmt.Errorf("invalid --log-format: %s", cfg.LogFormat)
	}

	if err := cfg.Extraction.Validate(); err != nil {
		return fmt.Errorf("extraction: %w", err)
	}

	return nil
}

func defaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".otp-relay", "state"), nil
}
