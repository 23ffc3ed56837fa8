// Package stripe implements provider.Adapter against the Stripe REST API
// (PaymentIntents, Connect transfers, refunds and payouts).
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/taskup/backend/internal/models"
	"github.com/taskup/backend/internal/provider"
)

const defaultBaseURL = "https://api.stripe.com"

type Config struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
	// Tolerance bounds the age of a webhook signature timestamp.
	Tolerance  time.Duration
	HTTPClient *http.Client
}

type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	tolerance  time.Duration
	now        func() time.Time
}

var _ provider.Adapter = (*Client)(nil)

func New(cfg Config) *Client {
	c := &Client{
		apiKey:     cfg.APIKey,
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

func (c *Client) Name() models.Provider { return models.ProviderStripe }

type apiErrorBody struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// post sends a form-encoded request. key is sent as Idempotency-Key and
// account, when set, as Stripe-Account.
func (c *Client) post(ctx context.Context, path string, form url.Values, key, account string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	if account != "" {
		req.Header.Set("Stripe-Account", account)
	}
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.SetBasicAuth(c.apiKey, "")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return provider.TransportError(models.ProviderStripe, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return provider.TransportError(models.ProviderStripe, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &provider.APIError{
			Provider: models.ProviderStripe,
			Status:   resp.StatusCode,
			Kind:     provider.StatusKind(resp.StatusCode),
		}
		var eb apiErrorBody
		if json.Unmarshal(body, &eb) == nil {
			apiErr.Code = eb.Error.Code
			apiErr.Message = eb.Error.Message
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("stripe: decode response: %w", err)
	}
	return nil
}

// withCodes sets the sentinel kind on a Stripe API error from its error code.
func withCodes(err error, codes map[string]error) error {
	var apiErr *provider.APIError
	if errors.As(err, &apiErr) && apiErr.Kind == nil {
		if kind, ok := codes[apiErr.Code]; ok {
			apiErr.Kind = kind
		}
	}
	return err
}
