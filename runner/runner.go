package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dhcgn/mail-otp-relay/config"
	"github.com/dhcgn/mail-otp-relay/filter"
	"github.com/dhcgn/mail-otp-relay/model"
	"github.com/dhcgn/mail-otp-relay/otp"
	"github.com/dhcgn/mail-otp-relay/state"
	"github.com/dhcgn/mail-otp-relay/stats"
)

var ErrMessageIDMissing = errors.New("message missing id")

type StageFunc func(context.Context) error

type Runner struct {
	cfg    config.Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	messages chan model.Envelope
	relays   chan model.Relay
	events   chan stats.Event

	tracker   state.Tracker
	extractor *otp.Extractor
	filter    *filter.Filter

	workWG  sync.WaitGroup
	statsWG sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeMailboxOnce sync.Once
	closeRelaysOnce  sync.Once
	closeEventsOnce  sync.Once
	since            time.Time
}

// New wires the tracker, extractor and filter for cfg. The pipeline stops
// when parent is cancelled.
func New(parent context.Context, cfg config.Config, logger *slog.Logger) (*Runner, error) {
	extractor, err := otp.New(cfg.Extraction)
	if err != nil {
		return nil, err
	}

	f, err := filter.New(filter.Options{
		IncludeSender:  cfg.IncludeSender,
		IncludeSubject: cfg.IncludeSubject,
		ExcludeSender:  cfg.ExcludeSender,
		ExcludeSubject: cfg.ExcludeSubject,
	})
	if err != nil {
		return nil, fmt.Errorf("filter: %w", err)
	}

	tracker, err := state.Open(state.Backend(cfg.StateBackend), cfg.StateDir, cfg.StateLimit)
	if err != nil {
		return nil, fmt.Errorf("state tracker: %w", err)
	}
	if cfg.DryRun {
		tracker = state.NewOverlay(tracker)
	}

	ctx, cancel := context.WithCancel(parent)
	r := &Runner{
		cfg:       cfg,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		messages:  make(chan model.Envelope, 32),
		relays:    make(chan model.Relay, 32),
		events:    make(chan stats.Event, 128),
		tracker:   tracker,
		extractor: extractor,
		filter:    f,
	}

	r.AddStage("bridge", r.bridge)
	return r, nil
}

func (r *Runner) Config() config.Config {
	return r.cfg
}

func (r *Runner) Logger() *slog.Logger {
	return r.logger
}

func (r *Runner) Context() context.Context {
	return r.ctx
}

func (r *Runner) Tracker() state.Tracker {
	return r.tracker
}

func (r *Runner) MailboxWriter() chan<- model.Envelope {
	return r.messages
}

func (r *Runner) CloseMailbox() {
	r.closeMailboxOnce.Do(func() {
		close(r.messages)
	})
}

func (r *Runner) Relays() <-chan model.Relay {
	return r.relays
}

func (r *Runner) EmitEvent(evt stats.Event) {
	select {
	case <-r.ctx.Done():
	case r.events <- evt:
	}
}

// MarkBaseline records ids that existed before the relay started watching.
func (r *Runner) MarkBaseline(stage stats.Stage, ids []string) error {
	for _, id := range ids {
		if err := r.tracker.MarkProcessed(id, state.OutcomeBaseline); err != nil {
			return fmt.Errorf("mark baseline %s: %w", id, err)
		}
		r.EmitEvent(stats.Event{Stage: stage, Type: stats.EventTypeBaseline, MessageID: id})
	}
	return nil
}

func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	r.statsWG.Add(1)
	go func() {
		defer r.statsWG.Done()
		if err := fn(r.ctx, r.events); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stats: %w", name, err))
		}
	}()
}

func (r *Runner) AddStage(name string, fn StageFunc) {
	r.workWG.Add(1)
	go func() {
		defer r.workWG.Done()
		if err := fn(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stage: %w", name, err))
		}
	}()
}

// Start blocks until every stage has returned, then closes the tracker.
// Cancellation of the parent context is a clean shutdown, not an error.
func (r *Runner) Start() error {
	r.since = time.Now()

	r.workWG.Wait()
	r.closeEvents()
	r.statsWG.Wait()

	r.cancel()

	if err := r.tracker.Close(); err != nil {
		r.fail(fmt.Errorf("close state: %w", err))
	}

	r.errMu.Lock()
	err := r.err
	r.errMu.Unlock()

	duration := time.Since(r.since)
	if err != nil {
		r.logger.Error("pipeline failed", "duration", duration, "err", err)
		return err
	}

	r.logger.Info("pipeline stopped", "duration", duration)
	return nil
}

func (r *Runner) bridge(ctx context.Context) error {
	defer r.closeRelays()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case envelope, ok := <-r.messages:
			if !ok {
				return nil
			}

			if envelope.Err != nil {
				r.logger.Warn("skipping undecodable message", "id", envelope.Message.ID, "err", envelope.Err)
				r.EmitEvent(stats.Event{Stage: stats.StageBridge, Type: stats.EventTypeError, MessageID: envelope.Message.ID, Err: envelope.Err})
				r.markProcessed(envelope.Message.ID, state.OutcomeFailed)
				continue
			}

			msg := envelope.Message
			r.EmitEvent(stats.Event{Stage: stats.StageBridge, Type: stats.EventTypeScanned, MessageID: msg.ID})

			if msg.ID == "" {
				r.EmitEvent(stats.Event{Stage: stats.StageBridge, Type: stats.EventTypeError, Err: ErrMessageIDMissing})
				continue
			}

			if r.tracker.AlreadyProcessed(msg.ID) {
				r.EmitEvent(stats.Event{Stage: stats.StageBridge, Type: stats.EventTypeDuplicate, MessageID: msg.ID})
				continue
			}

			if !r.filter.Allows(msg.SenderDisplay(), msg.Subject) {
				r.logger.Debug("message filtered", "id", msg.ID, "sender", msg.Sender, "subject", msg.Subject)
				r.EmitEvent(stats.Event{Stage: stats.StageBridge, Type: stats.EventTypeFiltered, MessageID: msg.ID})
				r.markProcessed(msg.ID, state.OutcomeFiltered)
				continue
			}

			res := r.extractor.Analyze(msg.Body, msg.Subject, msg.Sender)
			if res.Found {
				attrs := []any{"id", msg.ID, "sender", msg.Sender, "candidates", len(res.Candidates)}
				if res.Rule != nil {
					attrs = append(attrs, "senderRule", res.Rule.Pattern)
				}
				if res.Relaxed {
					attrs = append(attrs, "relaxed", true)
				}
				r.logger.Debug("code extracted", attrs...)
				r.EmitEvent(stats.Event{Stage: stats.StageBridge, Type: stats.EventTypeExtracted, MessageID: msg.ID})
			} else {
				r.logger.Info("no code recognized", "id", msg.ID, "sender", msg.Sender, "subject", msg.Subject)
				r.EmitEvent(stats.Event{Stage: stats.StageBridge, Type: stats.EventTypeNoCode, MessageID: msg.ID})
				if !r.cfg.NotifyNoCode {
					r.markProcessed(msg.ID, state.OutcomeNoCode)
					continue
				}
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case r.relays <- model.Relay{Message: msg, Code: res.Code, Found: res.Found}:
			}
		}
	}
}

func (r *Runner) markProcessed(id, outcome string) {
	if id == "" {
		return
	}
	if err := r.tracker.MarkProcessed(id, outcome); err != nil {
		r.logger.Warn("failed to record processed message", "id", id, "err", err)
	}
}

func (r *Runner) closeRelays() {
	r.closeRelaysOnce.Do(func() {
		close(r.relays)
	})
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		close(r.events)
	})
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}
