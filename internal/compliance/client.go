package compliance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrUnavailable covers every way the classifier can fail to produce a verdict.
var ErrUnavailable = errors.New("compliance service unavailable")

const (
	ResultPass = "PASS"
	ResultFail = "FAIL"
)

type Verdict struct {
	Result          string          `json:"result"`
	RiskLevel       string          `json:"risk_level,omitempty"`
	RiskCategories  json.RawMessage `json:"risk_categories,omitempty"`
	ConfidenceScore *float64        `json:"confidence_score,omitempty"`
	// Raw is the classifier response as received; it is stored as the message detail.
	Raw []byte `json:"-"`
}

type ClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

type Client struct {
	url        string
	httpClient *http.Client
}

func NewClient(cfg ClientConfig) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("compliance base url is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{url: base + "/compliance/check", httpClient: cfg.HTTPClient}, nil
}

func (c *Client) Check(ctx context.Context, content string) (Verdict, error) {
	payload, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return Verdict{}, fmt.Errorf("marshal compliance request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return Verdict{}, fmt.Errorf("build compliance request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Verdict{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var v Verdict
	if err := json.Unmarshal(body, &v); err != nil {
		return Verdict{}, fmt.Errorf("%w: decode verdict: %v", ErrUnavailable, err)
	}
	v.Result = strings.ToUpper(strings.TrimSpace(v.Result))
	if v.Result != ResultPass && v.Result != ResultFail {
		return Verdict{}, fmt.Errorf("%w: unexpected result %q", ErrUnavailable, v.Result)
	}
	v.Raw = body
	return v, nil
}
