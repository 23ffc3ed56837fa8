// Package vipps implements provider.Adapter against the Vipps MobilePay
// ePayment API, with marketplace settlement transfers and payouts.
package vipps

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

	"github.com/taskup/backend/internal/models"
	"github.com/taskup/backend/internal/provider"
)

const (
	defaultBaseURL = "https://api.vipps.no"
	systemName     = "taskup"
)

type Config struct {
	ClientID             string
	ClientSecret         string
	SubscriptionKey      string
	MerchantSerialNumber string
	BaseURL              string
	ReturnURL            string
	Timeout              time.Duration
	Tolerance            time.Duration
	HTTPClient           *http.Client
}

type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	tolerance  time.Duration
	tokens     tokenSource
	now        func() time.Time
}

var _ provider.Adapter = (*Client)(nil)

func New(cfg Config) *Client {
	c := &Client{
		cfg:        cfg,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: cfg.HTTPClient,
		tolerance:  cfg.Tolerance,
		now:        time.Now,
	}
	if c.baseURL == "" {
		c.baseURL = defaultBaseURL
	}
	if c.tolerance == 0 {
		c.tolerance = 5 * time.Minute
	}
	if c.httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		c.httpClient = &http.Client{Timeout: timeout}
	}
	return c
}

func (c *Client) Name() models.Provider { return models.ProviderVipps }

// problem is the RFC 7807 error body Vipps returns.
type problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Code   string `json:"code"`
}

// call sends a JSON request. key is sent as Idempotency-Key on mutating calls.
func (c *Client) call(ctx context.Context, method, path string, in any, key string, out any) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("vipps: encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Ocp-Apim-Subscription-Key", c.cfg.SubscriptionKey)
	req.Header.Set("Merchant-Serial-Number", c.cfg.MerchantSerialNumber)
	req.Header.Set("Vipps-System-Name", systemName)
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return provider.TransportError(models.ProviderVipps, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return provider.TransportError(models.ProviderVipps, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &provider.APIError{
			Provider: models.ProviderVipps,
			Status:   resp.StatusCode,
			Kind:     provider.StatusKind(resp.StatusCode),
		}
		var p problem
		if json.Unmarshal(raw, &p) == nil {
			apiErr.Code = p.Code
			apiErr.Message = strings.TrimSpace(p.Title + " " + p.Detail)
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("vipps: decode response: %w", err)
	}
	return nil
}

func withKind(err error, match func(*provider.APIError) bool, kind error) error {
	var apiErr *provider.APIError
	if errors.As(err, &apiErr) && apiErr.Kind == nil && match(apiErr) {
		apiErr.Kind = kind
	}
	return err
}

func hasCode(codes ...string) func(*provider.APIError) bool {
	return func(e *provider.APIError) bool {
		for _, c := range codes {
			if e.Code == c {
				return true
			}
		}
		return false
	}
}
