package pop3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	gopop3 "github.com/knadh/go-pop3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mail-otp-relay/config"
	"github.com/dhcgn/mail-otp-relay/model"
	"github.com/dhcgn/mail-otp-relay/otp"
	"github.com/dhcgn/mail-otp-relay/runner"
	"github.com/dhcgn/mail-otp-relay/state"
	"github.com/dhcgn/mail-otp-relay/stats"
)

type fakeDrop struct {
	msgs    [][]byte
	uids    []string
	noUIDL  bool
	retrErr error
	retrs   []int
}

func (f *fakeDrop) Stat() (int, int, error) { return len(f.msgs), 0, nil }

func (f *fakeDrop) Uidl(int) ([]gopop3.MessageID, error) {
	if f.noUIDL {
		return nil, errors.New("-ERR unknown command")
	}
	out := make([]gopop3.MessageID, len(f.uids))
	// Servers are free to list in any order.
	for i := range f.uids {
		j := len(f.uids) - 1 - i
		out[i] = gopop3.MessageID{ID: j + 1, UID: f.uids[j]}
	}
	return out, nil
}

func (f *fakeDrop) RetrRaw(n int) (*bytes.Buffer, error) {
	if f.retrErr != nil {
		return nil, f.retrErr
	}
	f.retrs = append(f.retrs, n)
	return bytes.NewBuffer(f.msgs[n-1]), nil
}

func (f *fakeDrop) Quit() error { return nil }

func (f *fakeDrop) add(uid, code string) {
	f.uids = append(f.uids, uid)
	f.msgs = append(f.msgs, []byte(fmt.Sprintf("From: svc@example.com\r\nSubject: Login %s\r\n\r\nYour verification code is %s\r\n", uid, code)))
}

func newTestSource(t *testing.T, opts Options) (*Source, *runner.Runner) {
	t.Helper()
	cfg := config.Config{StateBackend: string(state.BackendMemory), Extraction: otp.DefaultConfig()}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r, err := runner.New(context.Background(), cfg, logger)
	require.NoError(t, err)
	opts.Host = "pop.example.com"
	opts.Username = "me"
	return &Source{
		opts:   opts,
		runner: r,
		gate:   runner.NewGate(r.Tracker(), opts.StartupLastN, opts.MaxPerPoll),
		logger: logger,
		floor:  -1,
	}, r
}

// drive runs steps inside a pipeline stage and returns the relayed codes.
func drive(t *testing.T, r *runner.Runner, steps func(ctx context.Context) error) []model.Relay {
	t.Helper()
	r.AddStage("test-source", func(ctx context.Context) error {
		defer r.CloseMailbox()
		return steps(ctx)
	})
	var relays []model.Relay
	r.AddStage("sink", func(context.Context) error {
		for relay := range r.Relays() {
			relays = append(relays, relay)
		}
		return nil
	})
	r.SubscribeStats("drain", func(ctx context.Context, events <-chan stats.Event) error {
		for range events {
		}
		return nil
	})
	require.NoError(t, r.Start())
	return relays
}

func codes(relays []model.Relay) []string {
	var out []string
	for _, r := range relays {
		out = append(out, r.Code)
	}
	return out
}

func TestPoll_StartupAndNewMail(t *testing.T) {
	s, r := newTestSource(t, Options{StartupLastN: 2, MaxPerPoll: 20})
	drop := &fakeDrop{}
	for i := 1; i <= 5; i++ {
		drop.add(fmt.Sprintf("uid-%d", i), fmt.Sprintf("10000%d", i))
	}

	relays := drive(t, r, func(ctx context.Context) error {
		if err := s.poll(ctx, drop); err != nil {
			return err
		}
		if err := s.poll(ctx, drop); err != nil {
			return err
		}
		drop.add("uid-6", "100006")
		return s.poll(ctx, drop)
	})

	assert.Equal(t, []string{"100004", "100005", "100006"}, codes(relays))
	assert.True(t, r.Tracker().AlreadyProcessed("pop3:me@pop.example.com:uid-1"))
	assert.Equal(t, "pop3:me@pop.example.com:uid-6", relays[2].Message.ID)
	assert.Equal(t, []int{4, 5, 6}, drop.retrs)
}

func TestPoll_WithoutUIDL(t *testing.T) {
	s, r := newTestSource(t, Options{StartupLastN: 1, MaxPerPoll: 20})
	drop := &fakeDrop{noUIDL: true}
	drop.add("a", "200001")
	drop.add("b", "200002")

	relays := drive(t, r, func(ctx context.Context) error {
		if err := s.poll(ctx, drop); err != nil {
			return err
		}
		drop.add("c", "200003")
		return s.poll(ctx, drop)
	})

	assert.Equal(t, []string{"200002", "200003"}, codes(relays))
	assert.Contains(t, relays[0].Message.ID, "pop3:me@pop.example.com:sha256:")
}

func TestPoll_RetrError(t *testing.T) {
	s, r := newTestSource(t, Options{StartupLastN: 5})
	drop := &fakeDrop{retrErr: errors.New("-ERR no such message")}
	drop.add("a", "300001")

	var pollErr error
	drive(t, r, func(ctx context.Context) error {
		pollErr = s.poll(ctx, drop)
		return nil
	})
	assert.ErrorContains(t, pollErr, "pop3 retr 1")
}

func TestEndpoints(t *testing.T) {
	cases := []struct {
		name string
		opts Options
		want []endpoint
	}{
		{"tls only", Options{UseTLS: true}, []endpoint{{995, true}}},
		{"tls with plain fallback", Options{UseTLS: true, AllowPlain: true}, []endpoint{{995, true}, {110, false}}},
		{"plain", Options{}, []endpoint{{110, false}}},
		{"explicit port", Options{Port: 1995, UseTLS: true, AllowPlain: true}, []endpoint{{1995, true}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := &Source{opts: tc.opts}
			assert.Equal(t, tc.want, s.endpoints())
		})
	}
}
