package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/taskup/backend/internal/idempotency"
	"github.com/taskup/backend/internal/models"
	"github.com/taskup/backend/internal/provider"
)

// AccountRegistry stores connected accounts created during onboarding.
type AccountRegistry interface {
	GetForUser(ctx context.Context, userID uuid.UUID, p models.Provider) (*models.ConnectAccount, error)
	Create(ctx context.Context, a *models.ConnectAccount) error
}

type OnboardRequest struct {
	UserID   uuid.UUID
	Provider models.Provider
	Email    string
	Country  string
}

// Onboarding is the tasker's connected account plus a fresh link to the
// provider's hosted onboarding page.
type Onboarding struct {
	Account *models.ConnectAccount `json:"account"`
	URL     string                 `json:"onboarding_url"`
}

// OnboardingService opens connected accounts for taskers. It never writes
// capabilities: a new account starts restricted and is enabled only by the
// provider's account.updated webhook.
type OnboardingService struct {
	Accounts   AccountRegistry
	Providers  *provider.Registry
	Keys       *idempotency.Ledger
	RefreshURL string
	ReturnURL  string
	Logger     *slog.Logger
	now        func() time.Time
}

func NewOnboardingService(accounts AccountRegistry, providers *provider.Registry, keys *idempotency.Ledger,
	refreshURL, returnURL string, logger *slog.Logger) *OnboardingService {
	if logger == nil {
		logger = slog.Default()
	}
	return &OnboardingService{
		Accounts: accounts, Providers: providers, Keys: keys,
		RefreshURL: refreshURL, ReturnURL: returnURL, Logger: logger, now: time.Now,
	}
}

// Onboard returns the user's account for the provider, creating it on first
// call, together with a new onboarding link. Calling it again for an existing
// account only issues a new link.
func (s *OnboardingService) Onboard(ctx context.Context, req OnboardRequest) (*Onboarding, error) {
	if req.UserID == uuid.Nil {
		return nil, fmt.Errorf("%w: user id required", ErrInvalidOrder)
	}
	if req.Country == "" {
		req.Country = "NO"
	}
	adapter, err := s.Providers.Get(req.Provider)
	if err != nil {
		return nil, err
	}

	acct, err := s.Accounts.GetForUser(ctx, req.UserID, req.Provider)
	if errors.Is(err, models.ErrNotFound) {
		acct, err = s.open(ctx, adapter, req)
	}
	if err != nil {
		return nil, err
	}

	link, err := adapter.AccountLink(ctx, provider.AccountLinkRequest{
		AccountID:  acct.AccountID,
		RefreshURL: withAccount(s.RefreshURL, acct.AccountID),
		ReturnURL:  withAccount(s.ReturnURL, acct.AccountID),
	})
	if err != nil {
		return nil, fmt.Errorf("create account link: %w", err)
	}
	return &Onboarding{Account: acct, URL: link}, nil
}

func (s *OnboardingService) open(ctx context.Context, adapter provider.Adapter, req OnboardRequest) (*models.ConnectAccount, error) {
	key := "connect-account:" + string(req.Provider) + ":" + req.UserID.String()
	id, err := s.Keys.Do(ctx, key, "connect_account", func(ctx context.Context) (string, error) {
		return adapter.CreateConnectAccount(ctx, provider.AccountRequest{
			UserID:         req.UserID.String(),
			Email:          req.Email,
			Country:        req.Country,
			IdempotencyKey: key,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("create connect account: %w", err)
	}

	now := s.now().UTC()
	acct := &models.ConnectAccount{
		AccountID: id,
		Provider:  req.Provider,
		UserID:    req.UserID,
		Status:    models.AccountStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.Accounts.Create(ctx, acct); err != nil {
		if isUniqueViolation(err) {
			return s.Accounts.GetForUser(ctx, req.UserID, req.Provider)
		}
		return nil, err
	}
	s.Logger.Info("connect account created", "user_id", req.UserID, "provider", req.Provider, "account_id", id)
	return acct, nil
}

// Status reports the stored account. Capabilities reflect the last
// account.updated webhook, not a live provider read.
func (s *OnboardingService) Status(ctx context.Context, userID uuid.UUID, p models.Provider) (*models.ConnectAccount, error) {
	return s.Accounts.GetForUser(ctx, userID, p)
}

func withAccount(base, accountID string) string {
	if base == "" {
		return ""
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "account_id=" + url.QueryEscape(accountID)
}
