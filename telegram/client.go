// Package telegram sends relay notifications through the Telegram Bot API.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const DefaultAPI = "https://api.telegram.org"

var (
	ErrNon200        = errors.New("telegram API returned non-200 status")
	ErrResponseNotOK = errors.New("telegram API response not ok")
	ErrSendFailed    = errors.New("telegram send failed")
)

// Options configures a Client. Zero values pick the defaults used by the relay.
type Options struct {
	Token   string
	API     string
	Proxy   string
	Retries int
	// Backoff is the first retry delay for 5xx responses; it doubles per attempt.
	Backoff               time.Duration
	DialTimeout           time.Duration
	ResponseHeaderTimeout time.Duration
}

type Client struct {
	token   string
	api     string
	retries int
	backoff time.Duration
	http    *http.Client
	sleep   func(context.Context, time.Duration) error
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

func NewClient(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.Token) == "" {
		return nil, fmt.Errorf("telegram bot token is empty")
	}
	if opts.API == "" {
		opts.API = DefaultAPI
	}
	if opts.Retries == 0 {
		opts.Retries = 2
	}
	if opts.Backoff == 0 {
		opts.Backoff = 300 * time.Millisecond
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 3 * time.Second
	}
	if opts.ResponseHeaderTimeout == 0 {
		opts.ResponseHeaderTimeout = 5 * time.Second
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: opts.DialTimeout}).DialContext,
		TLSHandshakeTimeout:   opts.DialTimeout,
		ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
		MaxIdleConns:          4,
		IdleConnTimeout:       90 * time.Second,
	}
	if opts.Proxy != "" {
		proxyURL, err := url.Parse(opts.Proxy)
		if err != nil {
			return nil, fmt.Errorf("parse telegram proxy: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &Client{
		token:   opts.Token,
		api:     strings.TrimRight(opts.API, "/"),
		retries: opts.Retries,
		backoff: opts.Backoff,
		http:    &http.Client{Transport: transport, Timeout: opts.DialTimeout + opts.ResponseHeaderTimeout + 5*time.Second},
		sleep:   sleep,
	}, nil
}

// SendMessage posts text to chatID. It honours 429 retry_after hints and
// retries transient 5xx responses. The bot token never appears in errors.
func (c *Client) SendMessage(ctx context.Context, chatID, text string) error {
	if err := c.send(ctx, chatID, text); err != nil {
		return fmt.Errorf("%w: %s", ErrSendFailed, c.sanitize(err.Error()))
	}
	return nil
}

func (c *Client) send(ctx context.Context, chatID, text string) error {
	backoff := c.backoff
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		wait, err := c.post(ctx, chatID, text)
		if err == nil {
			return nil
		}
		lastErr = err
		if wait < 0 || attempt == c.retries {
			break
		}
		if wait == 0 {
			wait = backoff
			backoff *= 2
		}
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}
	return lastErr
}

// post performs one request. A non-negative wait means the call may be retried
// after that long (zero: use the backoff); a negative wait means give up.
func (c *Client) post(ctx context.Context, chatID, text string) (time.Duration, error) {
	apiURL := fmt.Sprintf("%s/bot%s/sendMessage?disable_web_page_preview=true", c.api, c.token)
	form := url.Values{"chat_id": {chatID}, "text": {text}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, strings.NewReader(form.Encode()))
	if err != nil {
		return -1, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return -1, ctx.Err()
		}
		return 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return 0, fmt.Errorf("read response: %w", err)
	}

	var parsed apiResponse
	_ = json.Unmarshal(body, &parsed)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		wait := time.Duration(parsed.Parameters.RetryAfter)*time.Second + 200*time.Millisecond
		return wait, fmt.Errorf("%w: (%d) %s", ErrNon200, resp.StatusCode, parsed.Description)
	case resp.StatusCode >= 500:
		return 0, fmt.Errorf("%w: (%d) %s", ErrNon200, resp.StatusCode, oneLine(body))
	case resp.StatusCode != http.StatusOK:
		return -1, fmt.Errorf("%w: (%d) %s", ErrNon200, resp.StatusCode, oneLine(body))
	case !parsed.OK:
		return -1, fmt.Errorf("%w: %s", ErrResponseNotOK, oneLine(body))
	}
	return 0, nil
}

func (c *Client) sanitize(s string) string {
	return strings.ReplaceAll(s, c.token, "***")
}

func oneLine(b []byte) string {
	s := strings.ReplaceAll(string(b), "\r", "\\r")
	return strings.ReplaceAll(s, "\n", "\\n")
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
