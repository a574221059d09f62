package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"chathub/store"
	"chathub/utils"
)

// ErrBudgetExceeded is returned when a request would pass a spend ceiling.
var ErrBudgetExceeded = errors.New("monthly budget exceeded")

// Service gates requests against monthly spend ceilings and records what each
// completed request cost.
type Service struct {
	store  *store.Store
	oracle *Oracle
	budget utils.BudgetConfig
	log    zerolog.Logger
}

// NewService creates a billing service.
func NewService(st *store.Store, oracle *Oracle, budget utils.BudgetConfig, log zerolog.Logger) *Service {
	return &Service{
		store:  st,
		oracle: oracle,
		budget: budget,
		log:    log,
	}
}

// Oracle exposes the pricing oracle for cost calculation.
func (s *Service) Oracle() *Oracle {
	return s.oracle
}

// CheckBudget reports whether the user may start a request billed in the
// given currency. It never fails the request path: a storage error denies and
// logs rather than propagating. Stale ledgers roll over to the current month
// before the comparison, and a nil ceiling means unlimited.
func (s *Service) CheckBudget(userID, currency string) bool {
	now := time.Now()

	var userLedger store.Ledger
	err := s.store.Update(userID, func(p *store.UserProfile) error {
		p.Spend.ResetIfStale(now)
		userLedger = p.Spend
		return nil
	})
	if err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("budget check failed, denying")
		return false
	}

	if currency == CurrencyPoints {
		if s.budget.PerUserMonthlyPts != nil && userLedger.Points >= *s.budget.PerUserMonthlyPts {
			return false
		}
		return true
	}

	if s.budget.PerUserMonthlyUSD != nil && userLedger.USD >= *s.budget.PerUserMonthlyUSD {
		return false
	}

	if s.budget.GlobalMonthlyUSD != nil {
		var global store.Ledger
		err := s.store.UpdateGlobalLedger(func(l *store.Ledger) error {
			l.ResetIfStale(now)
			global = *l
			return nil
		})
		if err != nil {
			s.log.Error().Err(err).Msg("global budget check failed, denying")
			return false
		}
		if global.USD >= *s.budget.GlobalMonthlyUSD {
			return false
		}
	}

	return true
}

// RecordSpend adds a completed request's cost to the user's ledger, and to
// the global ledger for USD spend. Zero and negative amounts are dropped.
func (s *Service) RecordSpend(ctx context.Context, userID string, cost Cost) error {
	if cost.Amount <= 0 {
		return nil
	}
	now := time.Now()

	err := s.store.Update(userID, func(p *store.UserProfile) error {
		p.Spend.ResetIfStale(now)
		if cost.Currency == CurrencyPoints {
			p.Spend.Points += cost.Amount
		} else {
			p.Spend.USD += cost.Amount
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record spend for %s: %w", userID, err)
	}

	if cost.Currency != CurrencyPoints {
		err := s.store.UpdateGlobalLedger(func(l *store.Ledger) error {
			l.ResetIfStale(now)
			l.USD += cost.Amount
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to record global spend: %w", err)
		}
	}

	s.log.Info().
		Str("user_id", userID).
		Float64("amount", cost.Amount).
		Str("currency", cost.Currency).
		Bool("estimated", cost.Estimated).
		Msg("spend recorded")
	return nil
}

// Spend returns the user's current-month ledger.
func (s *Service) Spend(userID string) (store.Ledger, error) {
	now := time.Now()

	var ledger store.Ledger
	err := s.store.Update(userID, func(p *store.UserProfile) error {
		p.Spend.ResetIfStale(now)
		ledger = p.Spend
		return nil
	})
	return ledger, err
}

// RunPricingRefresh refreshes the oracle's dynamic rates from the crawler at
// the given interval until ctx is cancelled. Fetch failures are logged and
// the previous table stays in effect.
func (s *Service) RunPricingRefresh(ctx context.Context, crawler *Crawler, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		rates, err := crawler.FetchRates(ctx)
		if err != nil {
			s.log.Warn().Err(err).Msg("pricing refresh failed")
		} else if len(rates) > 0 {
			s.oracle.LoadDynamicRates(rates)
			s.log.Info().Int("rates", len(rates)).Msg("pricing refreshed")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
