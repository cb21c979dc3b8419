package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// RefreshError classifies a failed token refresh. Terminal errors
// (invalid_grant) mean the user must reauthenticate; everything else is
// retryable.
type RefreshError struct {
	Provider Provider
	Terminal bool
	Err      error
}

func (e *RefreshError) Error() string {
	if e.Terminal {
		return fmt.Sprintf("%s: refresh token rejected: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("%s: token refresh failed: %v", e.Provider, e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// IsTerminalRefresh reports whether err is a refresh failure that requires
// user reauthentication.
func IsTerminalRefresh(err error) bool {
	var re *RefreshError
	return errors.As(err, &re) && re.Terminal
}

// Locker serializes refreshes per account so two concurrent refreshes can
// not race to overwrite each other's token.
type Locker interface {
	Acquire(key string, ttl time.Duration) bool
	Release(key string)
}

// Exchanger performs the refresh-token grant against a provider. Injected
// so tests can swap the remote endpoint.
type Exchanger interface {
	Exchange(ctx context.Context, provider Provider, refreshToken string) (Token, error)
}

// OAuth2Exchanger exchanges refresh tokens through golang.org/x/oauth2
// using per-provider client configurations.
type OAuth2Exchanger struct {
	Configs map[Provider]*oauth2.Config
}

// Exchange runs the refresh grant. Provider errors come back as
// *oauth2.RetrieveError and are classified by the manager.
func (e *OAuth2Exchanger) Exchange(ctx context.Context, provider Provider, refreshToken string) (Token, error) {
	cfg, ok := e.Configs[provider]
	if !ok {
		return Token{}, fmt.Errorf("no oauth config for provider %s", provider)
	}

	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return Token{}, err
	}

	out := Token{
		AccessToken: tok.AccessToken,
		Expiry:      tok.Expiry,
	}
	// Providers may rotate the refresh token; keep it only when issued.
	if tok.RefreshToken != "" && tok.RefreshToken != refreshToken {
		out.RefreshToken = tok.RefreshToken
	}
	return out, nil
}

// ProviderPolicy holds the per-provider refresh cadence knobs. These are
// configuration, not logic.
type ProviderPolicy struct {
	// RefreshThreshold is how close to expiry a token may get before a
	// proactive refresh.
	RefreshThreshold time.Duration
	// DefaultCheckDelay is used when no expiry is known.
	DefaultCheckDelay time.Duration
	// SafetyMargin is subtracted from time-until-expiry when scheduling.
	SafetyMargin time.Duration
}

// DefaultPolicies mirrors the cadence each provider requires.
func DefaultPolicies() map[Provider]ProviderPolicy {
	return map[Provider]ProviderPolicy{
		ProviderGoogle: {
			RefreshThreshold:  300 * time.Second,
			DefaultCheckDelay: 55 * time.Minute,
			SafetyMargin:      5 * time.Minute,
		},
		ProviderMicrosoft: {
			RefreshThreshold:  600 * time.Second,
			DefaultCheckDelay: 25 * time.Minute,
			SafetyMargin:      10 * time.Minute,
		},
		ProviderHubSpot: {
			RefreshThreshold:  300 * time.Second,
			DefaultCheckDelay: 25 * time.Minute,
			SafetyMargin:      5 * time.Minute,
		},
	}
}

const (
	// floorDelay is the minimum gap between scheduled refresh checks.
	floorDelay = time.Minute
	// retryDelay is the wait after a retryable refresh failure.
	retryDelay = 5 * time.Minute
	// refreshLockTTL bounds how long a crashed refresh holds its lock.
	refreshLockTTL = 2 * time.Minute
)

// Manager owns the OAuth token lifecycle: expiry tracking, proactive
// refresh, retry scheduling, and terminal-state detection.
type Manager struct {
	accounts  *AccountStore
	exchanger Exchanger
	locks     Locker
	policies  map[Provider]ProviderPolicy
	scheduler *Scheduler
}

// NewManager creates a token lifecycle manager.
func NewManager(accounts *AccountStore, exchanger Exchanger, locks Locker, policies map[Provider]ProviderPolicy) *Manager {
	if policies == nil {
		policies = DefaultPolicies()
	}
	return &Manager{
		accounts:  accounts,
		exchanger: exchanger,
		locks:     locks,
		policies:  policies,
		scheduler: NewScheduler(),
	}
}

// NeedsRefresh reports whether tok should be refreshed now: unknown expiry
// counts as stale, as does anything within threshold of now or already past.
func NeedsRefresh(tok Token, threshold time.Duration) bool {
	if tok.Expiry.IsZero() {
		return true
	}
	return time.Until(tok.Expiry) <= threshold
}

// EnsureValid returns an access token safe to use for provider calls,
// refreshing first when the stored one is stale. A connection flagged for
// reauth fails with a terminal RefreshError.
func (m *Manager) EnsureValid(ctx context.Context, principalID string, provider Provider) (Token, error) {
	acct, err := m.accounts.Get(ctx, principalID, provider)
	if err != nil {
		return Token{}, err
	}
	if acct.NeedsReauth {
		return Token{}, &RefreshError{Provider: provider, Terminal: true, Err: errors.New("account needs reauthentication")}
	}

	policy := m.policies[provider]
	if !NeedsRefresh(acct.Token, policy.RefreshThreshold) {
		return acct.Token, nil
	}

	return m.Refresh(ctx, acct)
}

// Refresh exchanges the account's refresh token for a new access token and
// persists it. Failures never clear the existing token; an invalid_grant
// flags the account for reauthentication.
func (m *Manager) Refresh(ctx context.Context, acct *Account) (Token, error) {
	lockKey := acct.Key() + ":refresh"
	if !m.locks.Acquire(lockKey, refreshLockTTL) {
		// Another refresh is in flight; reread its result.
		fresh, err := m.accounts.Get(ctx, acct.PrincipalID, acct.Provider)
		if err != nil {
			return Token{}, err
		}
		return fresh.Token, nil
	}
	defer m.locks.Release(lockKey)

	tok, err := m.exchanger.Exchange(ctx, acct.Provider, acct.Token.RefreshToken)
	if err != nil {
		refreshErr := m.classify(acct.Provider, err)
		if refreshErr.Terminal {
			log.Printf("token refresh terminal for %s: %v", acct.Key(), err)
			if markErr := m.accounts.MarkNeedsReauth(ctx, acct.PrincipalID, acct.Provider); markErr != nil {
				log.Printf("failed to flag reauth for %s: %v", acct.Key(), markErr)
			}
			m.scheduler.Cancel(acct.Key())
		} else {
			log.Printf("token refresh failed for %s, retrying in %s: %v", acct.Key(), retryDelay, err)
			m.ScheduleRetry(acct)
		}
		return Token{}, refreshErr
	}

	if tok.RefreshToken == "" {
		tok.RefreshToken = acct.Token.RefreshToken
	}
	if tok.Expiry.Before(acct.Token.Expiry) {
		tok.Expiry = acct.Token.Expiry
	}

	if err := m.accounts.SaveToken(ctx, acct.PrincipalID, acct.Provider, tok); err != nil {
		return Token{}, err
	}

	return tok, nil
}

// classify maps a refresh exchange failure onto the RefreshError taxonomy.
func (m *Manager) classify(provider Provider, err error) *RefreshError {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.ErrorCode == "invalid_grant" ||
			strings.Contains(string(retrieveErr.Body), "invalid_grant") {
			return &RefreshError{Provider: provider, Terminal: true, Err: err}
		}
		// Other 4xx/5xx from the token endpoint are retryable: rate
		// limits, transient provider failures.
	}
	return &RefreshError{Provider: provider, Terminal: false, Err: err}
}

// ScheduleNextCheck enqueues the next proactive refresh check for the
// account: max(secondsUntilExpiry - safetyMargin, floor) when the expiry is
// known, else the provider's default delay.
func (m *Manager) ScheduleNextCheck(acct *Account) {
	policy := m.policies[acct.Provider]

	delay := policy.DefaultCheckDelay
	if !acct.Token.Expiry.IsZero() {
		delay = time.Until(acct.Token.Expiry) - policy.SafetyMargin
		if delay < floorDelay {
			delay = floorDelay
		}
	}

	m.scheduleCheck(acct, delay)
}

// ScheduleRetry enqueues a short-delay recheck after a retryable refresh
// failure.
func (m *Manager) ScheduleRetry(acct *Account) {
	m.scheduleCheck(acct, retryDelay)
}

func (m *Manager) scheduleCheck(acct *Account, delay time.Duration) {
	principalID, providerName := acct.PrincipalID, acct.Provider
	m.scheduler.Schedule(acct.Key(), delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		m.runCheck(ctx, principalID, providerName)
	})
}

// runCheck is one scheduled lifecycle tick: refresh when close to expiry,
// then schedule the next tick. Terminal failures stop the cycle.
func (m *Manager) runCheck(ctx context.Context, principalID string, provider Provider) {
	acct, err := m.accounts.Get(ctx, principalID, provider)
	if err != nil {
		log.Printf("refresh check: load account %s:%s: %v", principalID, provider, err)
		return
	}
	if acct.NeedsReauth {
		return
	}

	policy := m.policies[provider]
	if NeedsRefresh(acct.Token, policy.RefreshThreshold) {
		tok, err := m.Refresh(ctx, acct)
		if err != nil {
			// Refresh already scheduled a retry or cancelled on terminal.
			return
		}
		acct.Token = tok
	}

	m.ScheduleNextCheck(acct)
}

// TokenSource returns an oauth2.TokenSource whose Token() goes through
// EnsureValid, so provider clients built on it always hold a live token.
func (m *Manager) TokenSource(principalID string, provider Provider) oauth2.TokenSource {
	return &managedTokenSource{mgr: m, principalID: principalID, provider: provider}
}

type managedTokenSource struct {
	mgr         *Manager
	principalID string
	provider    Provider
}

func (s *managedTokenSource) Token() (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tok, err := s.mgr.EnsureValid(ctx, s.principalID, s.provider)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}, nil
}

// StartAccount begins lifecycle scheduling for a connected account.
func (m *Manager) StartAccount(acct *Account) {
	m.ScheduleNextCheck(acct)
}

// StopAll cancels every scheduled check.
func (m *Manager) StopAll() {
	m.scheduler.StopAll()
}

// Scheduled reports whether a check is pending for the account key. Test
// seam.
func (m *Manager) Scheduled(key string) bool {
	return m.scheduler.Pending(key)
}
