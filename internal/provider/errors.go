package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/taskup/backend/internal/models"
)

// APIError is a non-2xx provider response. Kind, when set, is one of the
// package sentinels so callers can match with errors.Is.
type APIError struct {
	Provider models.Provider
	Status   int
	Code     string
	Message  string
	Kind     error
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: http %d: %s: %s", e.Provider, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: http %d: %s", e.Provider, e.Status, e.Message)
}

func (e *APIError) Unwrap() error { return e.Kind }

// StatusKind maps HTTP statuses that are transient regardless of body.
func StatusKind(status int) error {
	if status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500 {
		return ErrProviderUnavailable
	}
	return nil
}

// TransportError classifies an error returned by http.Client.Do.
func TransportError(p models.Provider, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return fmt.Errorf("%s: %w: %v", p, ErrProviderTimeout, err)
	}
	return fmt.Errorf("%s: %w: %v", p, ErrProviderUnavailable, err)
}
