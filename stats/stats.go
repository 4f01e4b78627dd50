package stats

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type Stage string

const (
	StagePOP3     Stage = "pop3"
	StageIMAP     Stage = "imap"
	StageMbox     Stage = "mbox"
	StageBridge   Stage = "bridge"
	StageTelegram Stage = "telegram"
)

type EventType string

const (
	EventTypeScanned       EventType = "scanned"
	EventTypeDuplicate     EventType = "duplicate"
	EventTypeFiltered      EventType = "filtered"
	EventTypeBaseline      EventType = "baseline"
	EventTypeNoCode        EventType = "no_code"
	EventTypeExtracted     EventType = "extracted"
	EventTypeRelayed       EventType = "relayed"
	EventTypeDryRunRelayed EventType = "dry_run_relayed"
	EventTypeError         EventType = "error"
)

type Event struct {
	Stage     Stage
	Type      EventType
	MessageID string
	Err       error
	Detail    string
}

type Summary struct {
	Scanned       int
	Duplicates    int
	Filtered      int
	Baseline      int
	NoCode        int
	Extracted     int
	Relayed       int
	DryRunRelayed int
	Errors        int
	LastError     error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"scanned", s.Scanned,
		"duplicates", s.Duplicates,
		"filtered", s.Filtered,
		"baseline", s.Baseline,
		"noCode", s.NoCode,
		"extracted", s.Extracted,
		"relayed", s.Relayed,
		"dryRunRelayed", s.DryRunRelayed,
		"errors", s.Errors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.Apply(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

func (c *Collector) Apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeScanned:
		c.summary.Scanned++
	case EventTypeDuplicate:
		c.summary.Duplicates++
	case EventTypeFiltered:
		c.summary.Filtered++
	case EventTypeBaseline:
		c.summary.Baseline++
	case EventTypeNoCode:
		c.summary.NoCode++
	case EventTypeExtracted:
		c.summary.Extracted++
	case EventTypeRelayed:
		c.summary.Relayed++
	case EventTypeDryRunRelayed:
		c.summary.DryRunRelayed++
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	interval  time.Duration
	started   time.Time
}

// NewReporter subscribes to stream. A positive interval also logs a summary
// periodically while the pipeline runs.
func NewReporter(stream EventStream, logger *slog.Logger, interval time.Duration) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		interval:  interval,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	var tick <-chan time.Time
	if r.interval > 0 {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-tick:
			if r.logger != nil {
				r.logger.Info("stats", append(r.collector.Snapshot().LogAttrs(), "uptime", time.Since(r.started).Round(time.Second))...)
			}
		case evt, ok := <-events:
			if !ok {
				break loop
			}
			r.collector.Apply(evt)
		}
	}

	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
	if ctx.Err() != nil {
		if r.logger != nil {
			r.logger.Info("stats summary", append(attrs, "err", ctx.Err())...)
		}
		return ctx.Err()
	}
	if r.logger != nil {
		r.logger.Info("stats summary", attrs...)
	}
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}

// Counted is one entry of a frequency table.
type Counted struct {
	Key   string
	Value int
}

// Top returns the limit most frequent keys of m, ties broken by key.
func Top(m map[string]int, limit int) []Counted {
	pairs := make([]Counted, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, Counted{k, v})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})

	if limit >= 0 && len(pairs) > limit {
		pairs = pairs[:limit]
	}
	return pairs
}

// PrettyPrintTop prints the top N most frequent items in a map.
func PrettyPrintTop(w io.Writer, m map[string]int, limit int) {
	for i, p := range Top(m, limit) {
		fmt.Fprintf(w, "%d. %s (%d)\n", i+1, p.Key, p.Value)
	}
}
