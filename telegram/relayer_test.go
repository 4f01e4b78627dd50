package telegram

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mail-otp-relay/config"
	"github.com/dhcgn/mail-otp-relay/model"
	"github.com/dhcgn/mail-otp-relay/otp"
	"github.com/dhcgn/mail-otp-relay/runner"
	"github.com/dhcgn/mail-otp-relay/state"
	"github.com/dhcgn/mail-otp-relay/stats"
)

type fakeSender struct {
	mu    sync.Mutex
	texts []string
	fail  error
}

func (f *fakeSender) SendMessage(_ context.Context, _ string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.texts = append(f.texts, text)
	return nil
}

func runRelayer(t *testing.T, opts RelayerOptions, sender Sender, cfgMutate func(*config.Config), messages ...model.Message) (*runner.Runner, *stats.Reporter) {
	t.Helper()
	cfg := config.Config{
		StateDir:     t.TempDir(),
		StateBackend: string(state.BackendMemory),
		Extraction:   otp.DefaultConfig(),
	}
	if cfgMutate != nil {
		cfgMutate(&cfg)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r, err := runner.New(context.Background(), cfg, logger)
	require.NoError(t, err)
	reporter := stats.NewReporter(r, nil, 0)

	relayer, err := NewRelayer(opts, sender, r, logger)
	require.NoError(t, err)
	relayer.now = func() time.Time { return time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC) }

	r.AddStage("source", func(ctx context.Context) error {
		defer r.CloseMailbox()
		for _, m := range messages {
			r.MailboxWriter() <- model.Envelope{Message: m}
		}
		return nil
	})
	require.NoError(t, r.Start())
	return r, reporter
}

func TestRelayer_SendsHeaderThenCode(t *testing.T) {
	sender := &fakeSender{}
	latest := filepath.Join(t.TempDir(), "out", "latest_code.txt")
	shanghai, err := time.LoadLocation("Asia/Shanghai")
	require.NoError(t, err)

	r, reporter := runRelayer(t, RelayerOptions{ChatID: "1", Location: shanghai, LatestCodeFile: latest, StartupNotice: "started"}, sender, nil,
		model.Message{ID: "m1", Sender: "noreply@example.com", SenderName: "Example", Body: "Your verification code is 123-456."},
	)

	assert.Equal(t, []string{
		"started",
		"📬 Mailbox received | 2025-03-04 13:06:07 | From: Example <noreply@example.com>",
		"123456",
	}, sender.texts)

	data, err := os.ReadFile(latest)
	require.NoError(t, err)
	assert.Equal(t, "123456\n", string(data))
	assert.True(t, r.Tracker().AlreadyProcessed("m1"))
	assert.Equal(t, 1, reporter.Summary().Relayed)
}

func TestRelayer_NoCodeNotice(t *testing.T) {
	sender := &fakeSender{}
	runRelayer(t, RelayerOptions{ChatID: "1", Location: time.UTC}, sender, func(c *config.Config) { c.NotifyNoCode = true },
		model.Message{ID: "m1", Sender: "a@example.com", Body: "hello"},
	)
	require.Len(t, sender.texts, 2)
	assert.Equal(t, noCodeText, sender.texts[1])
}

func TestRelayer_FailureIsRecorded(t *testing.T) {
	sender := &fakeSender{fail: errors.New("network down")}
	r, reporter := runRelayer(t, RelayerOptions{ChatID: "1"}, sender, nil,
		model.Message{ID: "m1", Body: "verification code 778899"},
	)
	assert.True(t, r.Tracker().AlreadyProcessed("m1"))
	assert.Equal(t, 1, reporter.Summary().Errors)
	assert.Zero(t, reporter.Summary().Relayed)
}

func TestRelayer_DryRun(t *testing.T) {
	_, reporter := runRelayer(t, RelayerOptions{DryRun: true}, nil, func(c *config.Config) { c.DryRun = true },
		model.Message{ID: "m1", Body: "verification code 778899"},
	)
	assert.Equal(t, 1, reporter.Summary().DryRunRelayed)
}

func TestNewRelayer_RequiresChat(t *testing.T) {
	cfg := config.Config{StateBackend: string(state.BackendMemory), Extraction: otp.DefaultConfig()}
	r, err := runner.New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	_, err = NewRelayer(RelayerOptions{}, &fakeSender{}, r, nil)
	assert.Error(t, err)
	r.CloseMailbox()
	require.NoError(t, r.Start())
}

func TestHeader(t *testing.T) {
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	assert.Equal(t, "📬 Mailbox received | 2025-01-02 03:04:05 | From: (unknown sender)", Header(at, model.Message{}))
}
