package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mail-otp-relay/otp"
)

func newCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "otp-relay"}
	require.NoError(t, RegisterFlags(cmd))
	require.NoError(t, cmd.ParseFlags(append([]string{"--env-file", ""}, args...)))
	return cmd
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cmd := newCommand(t, "--user", "me@2925.com", "--pass", "secret", "--telegram-token", "tok", "--telegram-chat-id", "42")

	cfg, err := LoadConfig(cmd)
	require.NoError(t, err)

	assert.Equal(t, SourcePOP3, cfg.Source)
	assert.Equal(t, defaultPOP3Host, cfg.Host)
	assert.Equal(t, time.Second, cfg.PollInterval)
	assert.Equal(t, 10*time.Second, cfg.ReconnectEvery)
	assert.Equal(t, 25*time.Second, cfg.IdleKeepalive)
	assert.Equal(t, 800*time.Millisecond, cfg.ChatGap)
	assert.Equal(t, 2, cfg.StartupLastN)
	assert.Equal(t, 20, cfg.MaxPerPoll)
	assert.Equal(t, "Asia/Shanghai", cfg.Location.String())
	assert.Equal(t, "file", cfg.StateBackend)

	def := otp.DefaultConfig()
	assert.Equal(t, def.MinLength, cfg.Extraction.MinLength)
	assert.Equal(t, def.MaxLength, cfg.Extraction.MaxLength)
	assert.Equal(t, def.NegativePolicy, cfg.Extraction.NegativePolicy)
	assert.Equal(t, def.PositiveKeywords, cfg.Extraction.PositiveKeywords)
	assert.Zero(t, cfg.Extraction.RelaxedLength)
}

func TestLoadConfig_LegacyEnv(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("EMAIL_USER", "legacy@2925.com")
	t.Setenv("EMAIL_PASS", "pw")
	t.Setenv("TG_BOT_TOKEN", "tok")
	t.Setenv("TELEGRAM_CHAT_ID", "-100")
	t.Setenv("RELAXED_OTP", "1")
	t.Setenv("IDLE_KEEPALIVE_SECONDS", "40")
	t.Setenv("FETCH_STARTUP_LAST_N", "5")

	cfg, err := LoadConfig(newCommand(t))
	require.NoError(t, err)

	assert.Equal(t, "legacy@2925.com", cfg.User)
	assert.Equal(t, "pw", cfg.Pass)
	assert.Equal(t, "tok", cfg.TelegramToken)
	assert.Equal(t, "-100", cfg.TelegramChatID)
	assert.Equal(t, 6, cfg.Extraction.RelaxedLength)
	assert.Equal(t, 40*time.Second, cfg.IdleKeepalive)
	assert.Equal(t, 5, cfg.StartupLastN)
}

func TestLoadConfig_FlagBeatsEnv(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("OTP_RELAY_USER", "env@example.com")
	t.Setenv("OTP_RELAY_EXTRACTION_MIN_LENGTH", "7")

	cmd := newCommand(t, "--user", "flag@example.com", "--pass", "x", "--dry-run", "--min-length", "6")
	cfg, err := LoadConfig(cmd)
	require.NoError(t, err)
	assert.Equal(t, "flag@example.com", cfg.User)
	assert.Equal(t, 6, cfg.Extraction.MinLength)
}

func TestLoadConfig_ConfigFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "relay.yaml")
	yaml := `source: imap
host: imap.example.com
user: me@example.com
pass: pw
dry-run: true
extraction:
  near_window: 120
  negative_policy: strict
  positive_keywords: ["code", "验证码"]
  sender_rules:
    - pattern: knownauth.example
      length: 6
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := LoadConfig(newCommand(t, "--config", path, "--sender-rule", "*.bank.example=8"))
	require.NoError(t, err)

	assert.Equal(t, SourceIMAP, cfg.Source)
	assert.Equal(t, "imap.example.com", cfg.Host)
	assert.True(t, cfg.DryRun)
	assert.Equal(t, 120, cfg.Extraction.NearWindow)
	assert.Equal(t, otp.PolicyStrict, cfg.Extraction.NegativePolicy)
	assert.Equal(t, []string{"code", "验证码"}, cfg.Extraction.PositiveKeywords)
	assert.Equal(t, []otp.SenderRule{
		{Pattern: "knownauth.example", Length: 6},
		{Pattern: "*.bank.example", Length: 8},
	}, cfg.Extraction.SenderRules)
}

func TestLoadConfig_EnvFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("MAIL_USER=file@example.com\nMAIL_PASS=pw\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("MAIL_USER")
		os.Unsetenv("MAIL_PASS")
	})

	cmd := &cobra.Command{Use: "otp-relay"}
	require.NoError(t, RegisterFlags(cmd))
	require.NoError(t, cmd.ParseFlags([]string{"--env-file", envFile, "--dry-run"}))

	cfg, err := LoadConfig(cmd)
	require.NoError(t, err)
	assert.Equal(t, "file@example.com", cfg.User)
}

func TestLoadConfig_Invalid(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cases := []struct {
		name string
		args []string
	}{
		{"missing user", []string{"--pass", "x", "--dry-run"}},
		{"missing telegram", []string{"--user", "u", "--pass", "x"}},
		{"bad source", []string{"--source", "nntp", "--dry-run"}},
		{"mbox without path", []string{"--source", "mbox", "--dry-run"}},
		{"include and exclude", []string{"--user", "u", "--pass", "x", "--dry-run", "--include-sender", "a", "--exclude-subject", "b"}},
		{"bad log level", []string{"--user", "u", "--pass", "x", "--dry-run", "--log-level", "loud"}},
		{"bad policy", []string{"--user", "u", "--pass", "x", "--dry-run", "--negative-policy", "maybe"}},
		{"rule outside range", []string{"--user", "u", "--pass", "x", "--dry-run", "--sender-rule", "a.example=12"}},
		{"bad rule", []string{"--user", "u", "--pass", "x", "--dry-run", "--sender-rule", "a.example"}},
		{"bad timezone", []string{"--user", "u", "--pass", "x", "--dry-run", "--timezone", "Mars/Olympus"}},
		{"bad backend", []string{"--user", "u", "--pass", "x", "--dry-run", "--state-backend", "redis"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(newCommand(t, tc.args...))
			assert.Error(t, err)
		})
	}
}

func TestLoadScanConfig(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cmd := &cobra.Command{Use: "scan"}
	require.NoError(t, RegisterScanFlags(cmd))
	require.NoError(t, cmd.ParseFlags([]string{"--env-file", "", "--relaxed-length", "6"}))

	cfg, err := LoadScanConfig(cmd)
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Extraction.RelaxedLength)
}
