// Package pop3 watches a POP3 maildrop for new messages.
package pop3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"time"

	gopop3 "github.com/knadh/go-pop3"

	"github.com/dhcgn/mail-otp-relay/mailtext"
	"github.com/dhcgn/mail-otp-relay/runner"
	"github.com/dhcgn/mail-otp-relay/stats"
)

var ErrLogin = errors.New("pop3 login failed")

const (
	portTLS   = 995
	portPlain = 110
)

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	AllowPlain         bool
	InsecureSkipVerify bool
	PollInterval       time.Duration
	ReconnectEvery     time.Duration
	DialTimeout        time.Duration
	StartupLastN       int
	MaxPerPoll         int
}

// maildrop is the subset of a POP3 session the source needs.
type maildrop interface {
	Stat() (int, int, error)
	Uidl(msgID int) ([]gopop3.MessageID, error)
	RetrRaw(msgID int) (*bytes.Buffer, error)
	Quit() error
}

type endpoint struct {
	port int
	tls  bool
}

type Source struct {
	opts   Options
	runner *runner.Runner
	gate   *runner.Gate
	logger *slog.Logger
	dial   func(ctx context.Context) (maildrop, error)

	// floor is the highest message number already handled when the server
	// offers no UIDL; -1 until the first session sets it.
	floor int
}

func NewSource(opts Options, r *runner.Runner, logger *slog.Logger) (*Source, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("pop3 host is empty")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	s := &Source{
		opts:   opts,
		runner: r,
		gate:   runner.NewGate(r.Tracker(), opts.StartupLastN, opts.MaxPerPoll),
		logger: logger,
		floor:  -1,
	}
	s.dial = s.dialPOP3
	r.AddStage("pop3", s.run)
	return s, nil
}

func (s *Source) run(ctx context.Context) error {
	defer s.runner.CloseMailbox()

	backoff := time.Second
	for ctx.Err() == nil {
		err := s.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			backoff = time.Second
			continue
		}

		s.logger.Warn("pop3 session failed", "host", s.opts.Host, "err", err, "retryIn", backoff)
		s.runner.EmitEvent(stats.Event{Stage: stats.StagePOP3, Type: stats.EventTypeError, Err: err})
		if err := sleep(ctx, backoff); err != nil {
			return err
		}
		backoff = min(backoff*2, 30*time.Second)
	}
	return ctx.Err()
}

// session polls one connection until ReconnectEvery elapses. Many servers
// only show mail that arrived before the session started.
func (s *Source) session(ctx context.Context) error {
	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := conn.Quit(); err != nil {
			s.logger.Debug("pop3 quit", "err", err)
		}
	}()

	started := time.Now()
	for {
		if err := s.poll(ctx, conn); err != nil {
			return err
		}
		if s.opts.ReconnectEvery > 0 && time.Since(started) >= s.opts.ReconnectEvery {
			return nil
		}
		if err := sleep(ctx, s.opts.PollInterval); err != nil {
			return err
		}
	}
}

func (s *Source) poll(ctx context.Context, conn maildrop) error {
	count, _, err := conn.Stat()
	if err != nil {
		return fmt.Errorf("pop3 stat: %w", err)
	}

	ids, err := conn.Uidl(0)
	if err != nil {
		s.logger.Debug("pop3 uidl unavailable, using message numbers", "err", err)
		return s.pollByCount(ctx, conn, count)
	}

	slices.SortFunc(ids, func(a, b gopop3.MessageID) int { return a.ID - b.ID })
	keys := make([]string, 0, len(ids))
	numbers := make(map[string]int, len(ids))
	for _, id := range ids {
		key := s.key(id.UID)
		keys = append(keys, key)
		numbers[key] = id.ID
	}

	first := !s.gate.Primed()
	fetch, baseline := s.gate.Select(keys)
	if err := s.runner.MarkBaseline(stats.StagePOP3, baseline); err != nil {
		return err
	}
	if first {
		s.logger.Info("pop3 watching", "host", s.opts.Host, "messages", count, "baseline", len(baseline), "startup", len(fetch))
	}

	for _, key := range fetch {
		raw, err := conn.RetrRaw(numbers[key])
		if err != nil {
			return fmt.Errorf("pop3 retr %d: %w", numbers[key], err)
		}
		if err := s.emit(ctx, key, raw.Bytes()); err != nil {
			return err
		}
		s.gate.Emitted(key)
	}
	return nil
}

// pollByCount handles servers without UIDL: messages numbered above the
// previous count are new, keyed by content hash.
func (s *Source) pollByCount(ctx context.Context, conn maildrop, count int) error {
	if s.floor < 0 || count < s.floor {
		s.floor = max(0, count-s.opts.StartupLastN)
	}
	from := s.floor + 1
	if s.opts.MaxPerPoll > 0 && count-from+1 > s.opts.MaxPerPoll {
		from = count - s.opts.MaxPerPoll + 1
	}

	for n := from; n <= count; n++ {
		raw, err := conn.RetrRaw(n)
		if err != nil {
			return fmt.Errorf("pop3 retr %d: %w", n, err)
		}
		key := s.key("sha256:" + mailtext.Hash(raw.Bytes()))
		if s.runner.Tracker().AlreadyProcessed(key) {
			continue
		}
		if err := s.emit(ctx, key, raw.Bytes()); err != nil {
			return err
		}
	}
	s.floor = count
	return nil
}

func (s *Source) emit(ctx context.Context, key string, raw []byte) error {
	envelope := mailtext.Envelope(key, "pop3", raw)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case s.runner.MailboxWriter() <- envelope:
		return nil
	}
}

func (s *Source) key(uid string) string {
	return fmt.Sprintf("pop3:%s@%s:%s", s.opts.Username, s.opts.Host, uid)
}

func (s *Source) endpoints() []endpoint {
	if s.opts.Port > 0 {
		return []endpoint{{port: s.opts.Port, tls: s.opts.UseTLS}}
	}
	var eps []endpoint
	if s.opts.UseTLS {
		eps = append(eps, endpoint{port: portTLS, tls: true})
	}
	if !s.opts.UseTLS || s.opts.AllowPlain {
		eps = append(eps, endpoint{port: portPlain})
	}
	return eps
}

func (s *Source) dialPOP3(ctx context.Context) (maildrop, error) {
	var errs []error
	for _, ep := range s.endpoints() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		address := net.JoinHostPort(s.opts.Host, strconv.Itoa(ep.port))
		client := gopop3.New(gopop3.Opt{
			Host:          s.opts.Host,
			Port:          ep.port,
			TLSEnabled:    ep.tls,
			TLSSkipVerify: s.opts.InsecureSkipVerify,
			DialTimeout:   s.opts.DialTimeout,
		})

		conn, err := client.NewConn()
		if err != nil {
			s.logger.Debug("pop3 dial failed", "address", address, "tls", ep.tls, "err", err)
			errs = append(errs, fmt.Errorf("dial pop3 %s: %w", address, err))
			continue
		}
		if err := conn.Auth(s.opts.Username, s.opts.Password); err != nil {
			_ = conn.Quit()
			return nil, fmt.Errorf("%w: %w", ErrLogin, err)
		}

		s.logger.Debug("pop3 connection established", "address", address, "user", s.opts.Username, "tls", ep.tls)
		return conn, nil
	}
	return nil, errors.Join(errs...)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
