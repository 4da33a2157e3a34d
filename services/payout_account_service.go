package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anjiri1684/lesson_billing/billing"
	"github.com/anjiri1684/lesson_billing/models"
	"github.com/anjiri1684/lesson_billing/payments"
	"github.com/anjiri1684/lesson_billing/store"
	"github.com/anjiri1684/lesson_billing/utils"
	"github.com/google/uuid"
)

// PayoutAccountService manages where tutors get paid: the processor sub-account and
// the secondary network address.
type PayoutAccountService struct {
	store     store.PayoutAccountStore
	processor payments.Processor
	logger    *slog.Logger
	now       func() time.Time
}

func NewPayoutAccountService(s store.PayoutAccountStore, processor payments.Processor, logger *slog.Logger) *PayoutAccountService {
	if logger == nil {
		logger = slog.Default()
	}
	return &PayoutAccountService{
		store:     s,
		processor: processor,
		logger:    logger.With("component", "payout_accounts"),
		now:       time.Now,
	}
}

func (s *PayoutAccountService) Get(ctx context.Context, tutorID uuid.UUID) (*models.PayoutAccount, error) {
	a, err := s.store.GetPayoutAccount(ctx, tutorID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, billing.NotFound("get_payout_account", "payout_account_not_found", "tutor has no payout account")
	}
	return a, err
}

func (s *PayoutAccountService) load(ctx context.Context, tutorID uuid.UUID) (*models.PayoutAccount, error) {
	a, err := s.store.GetPayoutAccount(ctx, tutorID)
	if errors.Is(err, store.ErrNotFound) {
		return &models.PayoutAccount{TutorID: tutorID, Preference: models.PayoutPreferenceProcessor}, nil
	}
	return a, err
}

// CreateAccount opens a processor sub-account for the tutor. A tutor that already
// has one gets it back unchanged.
func (s *PayoutAccountService) CreateAccount(ctx context.Context, tutorID uuid.UUID, email, country string) (*models.PayoutAccount, error) {
	const op = "create_payout_account"
	country = strings.ToUpper(strings.TrimSpace(country))
	if len(country) != 2 {
		return nil, billing.Validation(op, "invalid_country", "country must be a two-letter code")
	}
	if validate.Var(email, "required,email") != nil {
		return nil, billing.Validation(op, "invalid_email", "email is not valid")
	}
	a, err := s.load(ctx, tutorID)
	if err != nil {
		return nil, err
	}
	if a.ProcessorAccountID != nil {
		return a, nil
	}
	acct, err := s.processor.CreateAccount(ctx, payments.AccountRequest{
		Email:          email,
		Country:        country,
		Metadata:       map[string]string{"tutor_id": tutorID.String()},
		IdempotencyKey: utils.IdempotencyKey("account", tutorID),
	})
	if err != nil {
		return nil, billing.External(op, "account_create_failed", payments.IsTemporary(err), err)
	}
	a.Email = email
	a.Country = country
	a.ProcessorAccountID = strPtr(acct.ID)
	applyAccountStatus(a, acct, s.now())
	if err := s.store.SavePayoutAccount(ctx, a); err != nil {
		return nil, fmt.Errorf("save payout account: %w", err)
	}
	s.logger.Info("payout account created", "tutor_id", tutorID, "account_id", acct.ID)
	return a, nil
}

// OnboardingLink returns a hosted onboarding URL for the tutor's sub-account.
func (s *PayoutAccountService) OnboardingLink(ctx context.Context, tutorID uuid.UUID, refreshURL, returnURL string) (string, error) {
	const op = "onboarding_link"
	a, err := s.Get(ctx, tutorID)
	if err != nil {
		return "", err
	}
	if a.ProcessorAccountID == nil {
		return "", billing.StateConflict(op, "account_missing", "create a payout account first")
	}
	url, err := s.processor.CreateOnboardingLink(ctx, *a.ProcessorAccountID, refreshURL, returnURL)
	if err != nil {
		return "", billing.External(op, "onboarding_link_failed", payments.IsTemporary(err), err)
	}
	return url, nil
}

func (s *PayoutAccountService) DashboardLink(ctx context.Context, tutorID uuid.UUID) (string, error) {
	const op = "dashboard_link"
	a, err := s.Get(ctx, tutorID)
	if err != nil {
		return "", err
	}
	if a.ProcessorAccountID == nil || !a.DetailsSubmitted {
		return "", billing.StateConflict(op, "onboarding_incomplete", "finish onboarding before opening the dashboard")
	}
	url, err := s.processor.CreateDashboardLink(ctx, *a.ProcessorAccountID)
	if err != nil {
		return "", billing.External(op, "dashboard_link_failed", payments.IsTemporary(err), err)
	}
	return url, nil
}

// RefreshStatus pulls the sub-account's onboarding state from the processor.
func (s *PayoutAccountService) RefreshStatus(ctx context.Context, tutorID uuid.UUID) (*models.PayoutAccount, error) {
	const op = "refresh_payout_account"
	a, err := s.Get(ctx, tutorID)
	if err != nil {
		return nil, err
	}
	if a.ProcessorAccountID == nil {
		return a, nil
	}
	acct, err := s.processor.RetrieveAccount(ctx, *a.ProcessorAccountID)
	if err != nil {
		return nil, billing.External(op, "account_lookup_failed", payments.IsTemporary(err), err)
	}
	applyAccountStatus(a, acct, s.now())
	if err := s.store.SavePayoutAccount(ctx, a); err != nil {
		return nil, fmt.Errorf("save payout account: %w", err)
	}
	return a, nil
}

// SyncAccount applies an account.updated webhook. Unknown accounts are not an error.
func (s *PayoutAccountService) SyncAccount(ctx context.Context, acct *payments.Account) (*models.PayoutAccount, error) {
	a, err := s.store.FindPayoutAccountByProcessorID(ctx, acct.ID)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("account update for unknown account", "account_id", acct.ID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	applyAccountStatus(a, acct, s.now())
	if err := s.store.SavePayoutAccount(ctx, a); err != nil {
		return nil, fmt.Errorf("save payout account: %w", err)
	}
	s.logger.Info("payout account synced", "tutor_id", a.TutorID, "payouts_enabled", a.PayoutsEnabled)
	return a, nil
}

// SetSecondaryEmail registers the tutor's secondary network address and payout
// preference.
func (s *PayoutAccountService) SetSecondaryEmail(ctx context.Context, tutorID uuid.UUID, email, preference string) (*models.PayoutAccount, error) {
	const op = "set_secondary_email"
	if validate.Var(email, "required,email") != nil {
		return nil, billing.Validation(op, "invalid_email", "email is not valid")
	}
	switch preference {
	case "":
	case models.PayoutPreferenceProcessor, models.PayoutPreferenceSecondary:
	default:
		return nil, billing.Validation(op, "invalid_preference", fmt.Sprintf("unknown payout preference %q", preference))
	}
	a, err := s.load(ctx, tutorID)
	if err != nil {
		return nil, err
	}
	a.SecondaryEmail = strPtr(strings.TrimSpace(email))
	if preference != "" {
		a.Preference = preference
	}
	if err := s.store.SavePayoutAccount(ctx, a); err != nil {
		return nil, fmt.Errorf("save payout account: %w", err)
	}
	return a, nil
}

func applyAccountStatus(a *models.PayoutAccount, acct *payments.Account, at time.Time) {
	a.DetailsSubmitted = acct.DetailsSubmitted
	a.PayoutsEnabled = acct.PayoutsEnabled
	if acct.Country != "" {
		a.Country = strings.ToUpper(acct.Country)
	}
	if acct.Email != "" && a.Email == "" {
		a.Email = acct.Email
	}
	a.StatusCheckedAt = &at
}
