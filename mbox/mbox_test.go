package mbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mail-otp-relay/config"
	"github.com/dhcgn/mail-otp-relay/model"
	"github.com/dhcgn/mail-otp-relay/otp"
	"github.com/dhcgn/mail-otp-relay/runner"
	"github.com/dhcgn/mail-otp-relay/state"
	"github.com/dhcgn/mail-otp-relay/stats"
)

func archive(codes ...string) string {
	var sb strings.Builder
	for i, code := range codes {
		fmt.Fprintf(&sb, "From svc@example.com Thu Jan  1 00:00:0%d 2025\n", i)
		fmt.Fprintf(&sb, "From: Service <svc@example.com>\nSubject: Sign in %d\n\n", i)
		fmt.Fprintf(&sb, "Your verification code is %s.\n\n", code)
	}
	return sb.String()
}

func writeArchive(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "inbox.mbox")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestEach(t *testing.T) {
	var subjects []string
	err := Each(strings.NewReader(archive("111111", "222222", "333333")), func(idx int, raw []byte) error {
		assert.Len(t, subjects, idx)
		subjects = append(subjects, string(raw))
		return nil
	})
	require.NoError(t, err)
	require.Len(t, subjects, 3)
	assert.Contains(t, subjects[1], "222222")
}

func TestEach_StopsOnCallbackError(t *testing.T) {
	stop := fmt.Errorf("stop")
	calls := 0
	err := Each(strings.NewReader(archive("111111", "222222")), func(int, []byte) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestCountMessages(t *testing.T) {
	path := writeArchive(t, archive("111111", "222222", "333333", "444444"))
	n, err := CountMessages(path)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	_, err = CountMessages(filepath.Join(t.TempDir(), "missing.mbox"))
	assert.Error(t, err)
}

func TestKey(t *testing.T) {
	a := Key([]byte("one"))
	assert.True(t, strings.HasPrefix(a, "mbox:sha256:"))
	assert.Equal(t, a, Key([]byte("one")))
	assert.NotEqual(t, a, Key([]byte("two")))
}

func TestProducer_Replay(t *testing.T) {
	path := writeArchive(t, archive("111111", "222222"))
	cfg := config.Config{StateBackend: string(state.BackendMemory), Extraction: otp.DefaultConfig()}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	r, err := runner.New(context.Background(), cfg, logger)
	require.NoError(t, err)
	reporter := stats.NewReporter(r, nil, 0)

	_, err = NewProducer(Options{Path: path}, r, logger)
	require.NoError(t, err)

	var relays []model.Relay
	r.AddStage("sink", func(context.Context) error {
		for relay := range r.Relays() {
			relays = append(relays, relay)
		}
		return nil
	})
	require.NoError(t, r.Start())

	require.Len(t, relays, 2)
	assert.Equal(t, "111111", relays[0].Code)
	assert.Equal(t, "222222", relays[1].Code)
	assert.Equal(t, "mbox", relays[0].Message.Source)
	assert.Equal(t, 2, reporter.Summary().Scanned)
}

func TestNewProducer_EmptyPath(t *testing.T) {
	cfg := config.Config{StateBackend: string(state.BackendMemory), Extraction: otp.DefaultConfig()}
	r, err := runner.New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	_, err = NewProducer(Options{Path: "  "}, r, nil)
	assert.ErrorContains(t, err, "mbox path is empty")
	r.CloseMailbox()
	require.NoError(t, r.Start())
}
