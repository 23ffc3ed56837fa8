package vipps

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/taskup/backend/internal/models"
	"github.com/taskup/backend/internal/provider"
)

// tokenSource caches the merchant access token until shortly before it expires.
type tokenSource struct {
	mu      sync.Mutex
	token   string
	expires time.Time
}

// refreshMargin is subtracted from the token expiry so a token is never sent
// in its last seconds of validity.
const refreshMargin = 60 * time.Second

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.tokens.mu.Lock()
	defer c.tokens.mu.Unlock()
	if c.tokens.token != "" && c.now().Before(c.tokens.expires) {
		return c.tokens.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/accesstoken/get", nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("client_id", c.cfg.ClientID)
	req.Header.Set("client_secret", c.cfg.ClientSecret)
	req.Header.Set("Ocp-Apim-Subscription-Key", c.cfg.SubscriptionKey)
	req.Header.Set("Merchant-Serial-Number", c.cfg.MerchantSerialNumber)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", provider.TransportError(models.ProviderVipps, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &provider.APIError{
			Provider: models.ProviderVipps,
			Status:   resp.StatusCode,
			Message:  "access token request rejected",
			Kind:     provider.StatusKind(resp.StatusCode),
		}
	}
	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("vipps: decode access token: %w", err)
	}

	c.tokens.token = tr.AccessToken
	c.tokens.expires = c.tokenExpiry(tr)
	return tr.AccessToken, nil
}

// tokenExpiry prefers the exp claim of the JWT and falls back to expires_in.
// The token signature is Vipps' concern; it is only read, never trusted.
func (c *Client) tokenExpiry(tr tokenResponse) time.Time {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tr.AccessToken, claims); err == nil && claims.ExpiresAt != nil {
		return claims.ExpiresAt.Time.Add(-refreshMargin)
	}
	if secs, err := strconv.Atoi(tr.ExpiresIn); err == nil {
		return c.now().Add(time.Duration(secs)*time.Second - refreshMargin)
	}
	return c.now()
}
