package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"chatgate/internal/providers"
)

const defaultTimeout = 60 * time.Second

type ClientConfig struct {
	Table       *Table
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
}

// Client performs the HTTP round trip for any registered family.
type Client struct {
	cfg ClientConfig
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Table == nil {
		cfg.Table = NewTable()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 400 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Client{cfg: cfg}
}

// Chat sends messages to the provider described by pc and returns the reply
// text. Failures are *providers.ProviderError or *providers.ParseError.
func (c *Client) Chat(ctx context.Context, pc providers.Config, messages []providers.Message) (string, error) {
	wire, err := c.cfg.Table.Build(pc, messages)
	if err != nil {
		return "", &providers.ProviderError{Message: "build request: " + err.Error(), Err: err}
	}

	timeout := pc.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		body, retry, err := c.callOnce(ctx, wire, timeout)
		if err == nil {
			return c.cfg.Table.Parse(pc.Family, body)
		}
		lastErr = err
		if !retry || attempt == c.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return "", timeoutError(ctx.Err(), timeout)
		case <-time.After(c.cfg.BackoffBase * (1 << attempt)):
		}
	}
	return "", lastErr
}

func (c *Client) callOnce(ctx context.Context, wire providers.WireRequest, timeout time.Duration) (body []byte, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wire.URL, bytes.NewReader(wire.Body))
	if err != nil {
		return nil, false, &providers.ProviderError{Message: "build http request: " + err.Error(), Err: err}
	}
	for k, vs := range wire.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, timeoutError(ctx.Err(), timeout)
		}
		return nil, true, &providers.ProviderError{Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	body, err = io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, timeoutError(ctx.Err(), timeout)
		}
		return nil, false, &providers.ProviderError{Message: "read response body: " + err.Error(), Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		retry = resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return nil, retry, &providers.ProviderError{StatusCode: resp.StatusCode, Message: statusMessage(resp, body)}
	}
	return body, false, nil
}

func timeoutError(err error, timeout time.Duration) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &providers.ProviderError{Message: fmt.Sprintf("timed out after %s", timeout), Err: err}
	}
	return &providers.ProviderError{Message: err.Error(), Err: err}
}

const maxStatusMessage = 512

// statusMessage keeps at most maxStatusMessage bytes of valid UTF-8 so the
// text can be stored as an error column.
func statusMessage(resp *http.Response, body []byte) string {
	msg := strings.TrimSpace(string(body))
	if len(msg) > maxStatusMessage {
		cut := maxStatusMessage
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut]
	}
	msg = strings.ToValidUTF8(msg, "\uFFFD")
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return msg
}
