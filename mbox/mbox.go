// Package mbox replays messages from an mbox archive.
package mbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/mail-otp-relay/mailtext"
	"github.com/dhcgn/mail-otp-relay/runner"
	"github.com/dhcgn/mail-otp-relay/stats"
)

type Options struct {
	Path string
}

// Key is the de-duplication key of a message replayed from an archive.
func Key(raw []byte) string {
	return "mbox:sha256:" + mailtext.Hash(raw)
}

// Each calls fn for every message in r, in archive order, with its zero
// based index. An error from fn stops the walk and is returned as is.
func Each(r io.Reader, fn func(idx int, raw []byte) error) error {
	reader := mboxlib.NewReader(r)
	for idx := 0; ; idx++ {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("message %d: %w", idx, err)
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return fmt.Errorf("message %d read: %w", idx, err)
		}

		if err := fn(idx, raw); err != nil {
			return err
		}
	}
}

// Read opens an mbox file and walks its messages with Each.
func Read(path string, fn func(idx int, raw []byte) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()
	return Each(file, fn)
}

// CountMessages counts the messages in an mbox file without decoding them.
func CountMessages(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)
	count := 0
	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return count, err
		}
		// A short message still counts.
		_, _ = io.Copy(io.Discard, msgReader)
		count++
	}
}

// Producer is a finite source: it replays the archive once and closes the
// mailbox channel.
type Producer struct {
	path   string
	runner *runner.Runner
	logger *slog.Logger
}

func NewProducer(opts Options, r *runner.Runner, logger *slog.Logger) (*Producer, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}
	producer := &Producer{path: path, runner: r, logger: logger}
	r.AddStage("mbox", producer.run)
	return producer, nil
}

func (p *Producer) run(ctx context.Context) error {
	defer p.runner.CloseMailbox()

	file, err := os.Open(p.path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	return p.stream(ctx, file)
}

func (p *Producer) stream(ctx context.Context, r io.Reader) error {
	out := p.runner.MailboxWriter()
	err := Each(r, func(idx int, raw []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- mailtext.Envelope(Key(raw), "mbox", raw):
			return nil
		}
	})
	if err != nil && ctx.Err() == nil {
		// A truncated archive ends the replay but not the pipeline.
		if p.logger != nil {
			p.logger.Error("mbox stream error", "path", p.path, "err", err)
		}
		p.runner.EmitEvent(stats.Event{Stage: stats.StageMbox, Type: stats.EventTypeError, Err: err})
		return nil
	}
	return err
}
