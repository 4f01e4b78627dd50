package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/mail-otp-relay/mailtext"
	"github.com/dhcgn/mail-otp-relay/runner"
	"github.com/dhcgn/mail-otp-relay/stats"
)

var ErrLogin = errors.New("imap login failed")

const (
	portTLS   = 993
	portPlain = 143
)

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	Mailbox            string
	UseTLS             bool
	StartTLS           bool
	InsecureSkipVerify bool
	PollInterval       time.Duration
	IdleKeepalive      time.Duration
	ForcePoll          bool
	StartupLastN       int
	MaxPerPoll         int
}

// Source watches one IMAP mailbox, using IDLE when the server supports it.
type Source struct {
	opts    Options
	runner  *runner.Runner
	gate    *runner.Gate
	logger  *slog.Logger
	updates chan struct{}
}

func NewSource(opts Options, r *runner.Runner, logger *slog.Logger) (*Source, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Mailbox == "" {
		opts.Mailbox = "INBOX"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.IdleKeepalive <= 0 {
		opts.IdleKeepalive = 25 * time.Second
	}
	tracker := r.Tracker()
	if tracker == nil {
		return nil, fmt.Errorf("tracker must not be nil")
	}
	s := &Source{
		opts:    opts,
		runner:  r,
		gate:    runner.NewGate(tracker, opts.StartupLastN, opts.MaxPerPoll),
		logger:  logger,
		updates: make(chan struct{}, 1),
	}
	r.AddStage("imap", s.run)
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

		s.logger.Warn("imap session failed", "host", s.opts.Host, "err", err, "retryIn", backoff)
		s.runner.EmitEvent(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeError, Err: err})
		if err := sleep(ctx, backoff); err != nil {
			return err
		}
		backoff = min(backoff*2, 30*time.Second)
	}
	return ctx.Err()
}

func (s *Source) session(ctx context.Context) error {
	client, cleanup, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	selected, err := client.Select(s.opts.Mailbox, &imapv2.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return fmt.Errorf("select %s: %w", s.opts.Mailbox, err)
	}

	useIdle := false
	if !s.opts.ForcePoll {
		caps, err := client.Capability().Wait()
		if err != nil {
			return fmt.Errorf("imap capability: %w", err)
		}
		useIdle = caps.Has(imapv2.CapIdle)
	}
	s.logger.Info("imap watching", "host", s.opts.Host, "mailbox", s.opts.Mailbox, "messages", selected.NumMessages, "idle", useIdle)

	for {
		if err := s.sync(ctx, client, selected.UIDValidity); err != nil {
			return err
		}
		if useIdle {
			err = s.idle(ctx, client)
		} else {
			err = sleep(ctx, s.opts.PollInterval)
		}
		if err != nil {
			return err
		}
	}
}

// idle waits for a mailbox change, the keepalive timeout or cancellation.
func (s *Source) idle(ctx context.Context, client *imapclient.Client) error {
	cmd, err := client.Idle()
	if err != nil {
		return fmt.Errorf("imap idle: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(s.opts.IdleKeepalive)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("imap idle: %w", err)
		}
		return nil
	case <-ctx.Done():
	case <-s.updates:
	case <-timer.C:
	}

	if err := cmd.Close(); err != nil {
		return fmt.Errorf("imap idle done: %w", err)
	}
	if err := <-done; err != nil {
		return fmt.Errorf("imap idle: %w", err)
	}
	return ctx.Err()
}

func (s *Source) sync(ctx context.Context, client *imapclient.Client, uidValidity uint32) error {
	found, err := client.UIDSearch(&imapv2.SearchCriteria{}, nil).Wait()
	if err != nil {
		return fmt.Errorf("imap search: %w", err)
	}

	uids := found.AllUIDs()
	keys := make([]string, 0, len(uids))
	byKey := make(map[string]imapv2.UID, len(uids))
	for _, uid := range uids {
		key := s.key(uidValidity, uid)
		keys = append(keys, key)
		byKey[key] = uid
	}

	fetch, baseline := s.gate.Select(keys)
	if err := s.runner.MarkBaseline(stats.StageIMAP, baseline); err != nil {
		return err
	}
	if len(fetch) == 0 {
		return nil
	}

	wanted := make([]imapv2.UID, 0, len(fetch))
	for _, key := range fetch {
		wanted = append(wanted, byKey[key])
	}
	return s.fetch(ctx, client, uidValidity, wanted)
}

func (s *Source) fetch(ctx context.Context, client *imapclient.Client, uidValidity uint32, uids []imapv2.UID) error {
	options := &imapv2.FetchOptions{
		UID:         true,
		BodySection: []*imapv2.FetchItemBodySection{{Peek: true}},
	}
	cmd := client.Fetch(imapv2.UIDSetNum(uids...), options)
	if err := s.drain(ctx, cmd, uidValidity); err != nil {
		_ = cmd.Close()
		return err
	}
	if err := cmd.Close(); err != nil {
		return fmt.Errorf("imap fetch: %w", err)
	}
	return nil
}

// drain emits every fetched message in server order.
func (s *Source) drain(ctx context.Context, cmd *imapclient.FetchCommand, uidValidity uint32) error {
	for {
		msg := cmd.Next()
		if msg == nil {
			break
		}

		var (
			uid imapv2.UID
			raw []byte
		)
		for {
			item := msg.Next()
			if item == nil {
				break
			}
			switch data := item.(type) {
			case imapclient.FetchItemDataUID:
				uid = data.UID
			case imapclient.FetchItemDataBodySection:
				// The literal must be drained before the next item is parsed.
				if data.Literal == nil {
					continue
				}
				body, err := io.ReadAll(data.Literal)
				if err != nil {
					return fmt.Errorf("read message body: %w", err)
				}
				raw = body
			}
		}
		if uid == 0 {
			continue
		}

		key := s.key(uidValidity, uid)
		envelope := mailtext.Envelope(key, "imap", raw)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s.runner.MailboxWriter() <- envelope:
		}
		s.gate.Emitted(key)
	}
	return nil
}

func (s *Source) key(uidValidity uint32, uid imapv2.UID) string {
	return fmt.Sprintf("imap:%s@%s/%s:%d:%d", s.opts.Username, s.opts.Host, s.opts.Mailbox, uidValidity, uid)
}

func (s *Source) port() int {
	if s.opts.Port > 0 {
		return s.opts.Port
	}
	if s.opts.UseTLS && !s.opts.StartTLS {
		return portTLS
	}
	return portPlain
}

// notify wakes a pending IDLE without blocking the client's reader.
func (s *Source) notify() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

func (s *Source) dial(ctx context.Context) (*imapclient.Client, func(), error) {
	address := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.port()))
	options := &imapclient.Options{
		TLSConfig: &tls.Config{
			ServerName:         s.opts.Host,
			InsecureSkipVerify: s.opts.InsecureSkipVerify,
		},
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data.NumMessages != nil {
					s.notify()
				}
			},
		},
	}

	var (
		client *imapclient.Client
		err    error
	)

	switch {
	case s.opts.StartTLS:
		client, err = imapclient.DialStartTLS(address, options)
	case s.opts.UseTLS:
		client, err = imapclient.DialTLS(address, options)
	default:
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := client.Login(s.opts.Username, s.opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("%w: %w", ErrLogin, err)
	}

	s.logger.Debug("imap connection established", "address", address, "user", s.opts.Username, "tls", s.opts.UseTLS, "starttls", s.opts.StartTLS)

	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	cleanup := func() {
		stopClose()
		if ctx.Err() == nil {
			if err := client.Logout().Wait(); err != nil {
				s.logger.Debug("imap logout failed", "err", err)
			}
		}
		if err := client.Close(); err != nil {
			s.logger.Debug("imap connection closed", "err", err)
		}
	}

	return client, cleanup, nil
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
