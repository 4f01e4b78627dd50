package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dhcgn/mail-otp-relay/model"
	"github.com/dhcgn/mail-otp-relay/runner"
	"github.com/dhcgn/mail-otp-relay/state"
	"github.com/dhcgn/mail-otp-relay/stats"
)

const (
	timestampLayout = "2006-01-02 15:04:05"
	noCodeText      = "no code recognized"
)

// Sender delivers one chat message.
type Sender interface {
	SendMessage(ctx context.Context, chatID, text string) error
}

type RelayerOptions struct {
	ChatID         string
	Gap            time.Duration
	Location       *time.Location
	LatestCodeFile string
	DryRun         bool
	// StartupNotice, when non-empty, is sent once before the first relay.
	StartupNotice string
}

// Relayer is the pipeline stage that forwards extracted codes to a chat.
type Relayer struct {
	opts    RelayerOptions
	sender  Sender
	runner  *runner.Runner
	tracker state.Tracker
	relays  <-chan model.Relay
	logger  *slog.Logger
	now     func() time.Time
}

func NewRelayer(opts RelayerOptions, sender Sender, r *runner.Runner, logger *slog.Logger) (*Relayer, error) {
	if !opts.DryRun {
		if sender == nil {
			return nil, fmt.Errorf("telegram sender must not be nil")
		}
		if opts.ChatID == "" {
			return nil, fmt.Errorf("telegram chat id is empty")
		}
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	relayer := &Relayer{
		opts:    opts,
		sender:  sender,
		runner:  r,
		tracker: r.Tracker(),
		relays:  r.Relays(),
		logger:  logger,
		now:     time.Now,
	}
	r.AddStage("telegram", relayer.run)
	return relayer, nil
}

// Header renders the first notification line for msg.
func Header(at time.Time, msg model.Message) string {
	return fmt.Sprintf("📬 Mailbox received | %s | From: %s", at.Format(timestampLayout), msg.SenderDisplay())
}

func (t *Relayer) run(ctx context.Context) error {
	if t.opts.StartupNotice != "" && !t.opts.DryRun {
		if err := t.sender.SendMessage(ctx, t.opts.ChatID, t.opts.StartupNotice); err != nil {
			t.logger.Warn("startup notice failed", "err", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case relay, ok := <-t.relays:
			if !ok {
				return nil
			}
			if err := t.relay(ctx, relay); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				t.logger.Error("relay failed", "id", relay.Message.ID, "err", err)
				t.runner.EmitEvent(stats.Event{Stage: stats.StageTelegram, Type: stats.EventTypeError, MessageID: relay.Message.ID, Err: err})
				t.mark(relay.Message.ID, state.OutcomeFailed)
			}
		}
	}
}

func (t *Relayer) relay(ctx context.Context, relay model.Relay) error {
	msg := relay.Message
	header := Header(t.now().In(t.opts.Location), msg)
	body := relay.Code
	outcome := state.OutcomeRelayed
	if !relay.Found {
		body = noCodeText
		outcome = state.OutcomeNoCode
	}

	if t.opts.DryRun {
		t.logger.Info("dry-run relay", "id", msg.ID, "header", header, "code", body)
		t.mark(msg.ID, outcome)
		t.runner.EmitEvent(stats.Event{Stage: stats.StageTelegram, Type: stats.EventTypeDryRunRelayed, MessageID: msg.ID})
		return nil
	}

	if err := t.sender.SendMessage(ctx, t.opts.ChatID, header); err != nil {
		return fmt.Errorf("send header: %w", err)
	}
	if t.opts.Gap > 0 {
		if err := sleep(ctx, t.opts.Gap); err != nil {
			return err
		}
	}
	if err := t.sender.SendMessage(ctx, t.opts.ChatID, body); err != nil {
		return fmt.Errorf("send code: %w", err)
	}

	if relay.Found && t.opts.LatestCodeFile != "" {
		if err := writeLatestCode(t.opts.LatestCodeFile, relay.Code); err != nil {
			t.logger.Warn("failed to write latest code file", "path", t.opts.LatestCodeFile, "err", err)
		}
	}

	t.mark(msg.ID, outcome)
	t.runner.EmitEvent(stats.Event{Stage: stats.StageTelegram, Type: stats.EventTypeRelayed, MessageID: msg.ID})
	t.logger.Info("relayed", "id", msg.ID, "sender", msg.Sender, "found", relay.Found)
	return nil
}

func (t *Relayer) mark(id, outcome string) {
	if err := t.tracker.MarkProcessed(id, outcome); err != nil {
		t.logger.Warn("failed to record processed message", "id", id, "err", err)
	}
}

func writeLatestCode(path, code string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(code+"\n"), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
