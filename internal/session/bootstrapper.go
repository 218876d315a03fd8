package session

import (
	"context"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"basil/core/internal/domain"
)

type Deps struct {
	Profiles     ProfileFetcher
	Auth         Authenticator
	Onboarding   OnboardingChecker
	Registration RegistrationChecker
	Tokens       TokenStore
	Store        KeyValueStore
	Identity     IdentityTracker
	Logger       *zap.Logger
}

type Option func(*Bootstrapper)

func WithClock(now func() time.Time) Option {
	return func(b *Bootstrapper) {
		if now != nil {
			b.now = now
		}
	}
}

// Bootstrapper owns the client session: silent resume, login sequencing,
// store selection and logout. Persisted-selection writes are serialized by
// selMu; session fields are guarded by mu and never held across I/O.
// Change listeners on the persistence store must not call SelectStore
// synchronously.
type Bootstrapper struct {
	profiles     ProfileFetcher
	auth         Authenticator
	onboarding   OnboardingChecker
	registration RegistrationChecker
	tokens       TokenStore
	store        KeyValueStore
	identity     IdentityTracker
	logger       *zap.Logger
	now          func() time.Time

	selMu sync.Mutex

	mu         sync.RWMutex
	session    domain.Session
	fetchSeq   uint64
	appliedSeq uint64
}

func New(deps Deps, opts ...Option) *Bootstrapper {
	b := &Bootstrapper{
		profiles:     deps.Profiles,
		auth:         deps.Auth,
		onboarding:   deps.Onboarding,
		registration: deps.Registration,
		tokens:       deps.Tokens,
		store:        deps.Store,
		identity:     deps.Identity,
		logger:       deps.Logger,
		now:          time.Now,
		session:      domain.Session{State: domain.StateUnauthenticated},
	}
	if b.identity == nil {
		b.identity = noopIdentity{}
	}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Session returns a snapshot. The User it points to is replaced, never
// mutated, by later refreshes.
func (b *Bootstrapper) Session() domain.Session {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.session
}

func (b *Bootstrapper) State() domain.SessionState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.session.State
}

// Bootstrap resumes a persisted session on application start. Without a
// usable token the session ends Unauthenticated. A profile failure other than
// a rejected credential leaves the session in ProfileLoading with the token
// kept, and the error is returned so the caller can retry.
func (b *Bootstrapper) Bootstrap(ctx context.Context) (domain.Session, error) {
	token, err := b.tokens.Token(ctx)
	if err != nil {
		b.logger.Warn("session: read persisted token", zap.Error(err))
		token = ""
	}

	if token == "" {
		b.setState(domain.StateUnauthenticated)
		return b.Session(), nil
	}
	if b.tokenExpired(token) {
		b.logger.Info("session: persisted token expired")
		if err := b.Logout(ctx); err != nil {
			b.logger.Warn("session: cleanup after expired token", zap.Error(err))
		}
		return b.Session(), nil
	}

	b.mu.Lock()
	b.session.AuthToken = token
	b.session.State = domain.StateProfileLoading
	b.mu.Unlock()

	if err := b.RefreshUser(ctx); err != nil {
		if IsAuthError(err) {
			return b.Session(), nil
		}
		return b.Session(), err
	}

	b.resolveNavigation(ctx)
	return b.Session(), nil
}

// RefreshUser fetches the profile with the persisted store as hint and merges
// it into the session. A rejected credential logs the user out; any other
// failure leaves the session untouched. A result older than one already
// applied is dropped.
func (b *Bootstrapper) RefreshUser(ctx context.Context) error {
	b.mu.Lock()
	b.fetchSeq++
	seq := b.fetchSeq
	b.mu.Unlock()

	hint := b.persistedSelection(ctx)
	profile, err := b.profiles.FetchProfile(ctx, hint)
	if err != nil {
		if IsAuthError(err) {
			b.logger.Info("session: credential rejected during profile fetch", zap.Error(err))
			if logoutErr := b.Logout(ctx); logoutErr != nil {
				b.logger.Warn("session: logout after auth failure", zap.Error(logoutErr))
			}
		} else {
			b.logger.Warn("session: profile fetch failed", zap.String("store_hint", hint), zap.Error(err))
		}
		return errors.Wrap(err, "session: refresh user")
	}

	b.selMu.Lock()
	defer b.selMu.Unlock()

	b.mu.Lock()
	if seq <= b.appliedSeq {
		b.mu.Unlock()
		b.logger.Debug("session: dropping stale profile", zap.Uint64("seq", seq))
		return nil
	}
	b.appliedSeq = seq
	b.mu.Unlock()

	user := profile.User
	if len(profile.Stores) > 0 {
		user.Stores = profile.Stores
	}
	if user.Features == nil {
		user.Features = profile.Features
	}

	// Read the persisted choice again: a switch made while the fetch was in
	// flight must not be overwritten by the backend default.
	selected := ResolveStoreSelection(b.persistedSelection(ctx), profile.SelectedStoreID, user.Stores)

	b.mu.Lock()
	b.session.User = &user
	b.session.SelectedTenantStoreID = selected
	b.mu.Unlock()

	if err := writeFlags(ctx, b.store, user, selected); err != nil {
		b.logger.Warn("session: persist derived flags", zap.Error(err))
	}
	b.identity.SetUser(user)
	return nil
}

// Login runs credential exchange, profile fetch, onboarding check and
// registration check strictly in that order and returns where the user goes
// next.
func (b *Bootstrapper) Login(ctx context.Context, method domain.LoginMethod, creds domain.Credentials) (domain.NavigationTarget, error) {
	b.setState(domain.StateAuthenticating)

	resp, err := b.exchange(ctx, method, creds)
	if err != nil {
		b.setState(domain.StateUnauthenticated)
		return "", errors.Wrapf(err, "session: %s login", method)
	}

	token, err := b.tokens.Token(ctx)
	if err != nil || token == "" {
		token = resp.AccessToken
		if token != "" {
			if err := b.tokens.SetToken(ctx, token); err != nil {
				b.logger.Warn("session: persist token", zap.Error(err))
			}
		}
	}

	b.mu.Lock()
	b.session.AuthToken = token
	b.session.State = domain.StateProfileLoading
	b.session.RegistrationRequired = domain.RegistrationUnknown
	b.mu.Unlock()

	// Cached profile data is never trusted after a login.
	if err := b.RefreshUser(ctx); err != nil {
		return "", err
	}

	return b.resolveNavigation(ctx), nil
}

func (b *Bootstrapper) exchange(ctx context.Context, method domain.LoginMethod, creds domain.Credentials) (domain.LoginResponse, error) {
	if b.auth == nil {
		return domain.LoginResponse{}, ErrUnsupportedLoginMethod
	}
	switch method {
	case domain.LoginPassword:
		return b.auth.LoginWithPassword(ctx, creds.Identifier, creds.Password)
	case domain.LoginOTP:
		return b.auth.LoginWithOTP(ctx, creds.Phone, creds.OTP)
	case domain.LoginGoogle:
		return b.auth.LoginWithGoogle(ctx, creds.IDToken)
	default:
		return domain.LoginResponse{}, ErrUnsupportedLoginMethod
	}
}

// resolveNavigation decides between onboarding, registration and dashboard.
// The registration check always runs, whatever the login response claimed,
// and a failed check routes to registration.
func (b *Bootstrapper) resolveNavigation(ctx context.Context) domain.NavigationTarget {
	if b.onboarding != nil {
		needs, err := b.onboarding.NeedsOnboarding(ctx)
		if err != nil {
			b.logger.Warn("session: onboarding check failed", zap.Error(err))
		}
		if err == nil && needs {
			b.setState(domain.StateOnboardingRequired)
			return domain.TargetOnboarding
		}
	}

	required, err := CheckRegistration(ctx, b.registration)
	if err != nil {
		b.logger.Warn("session: registration check failed, assuming required", zap.Error(err))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if required {
		b.session.RegistrationRequired = domain.RegistrationRequired
		b.session.State = domain.StateRegistrationRequired
		return domain.TargetRegistration
	}
	b.session.RegistrationRequired = domain.RegistrationNotRequired
	b.session.State = domain.StateReady
	return domain.TargetDashboard
}

// Logout tears the session down even when clearing persisted state fails;
// the first such failure is returned. Profile fetches still in flight are
// discarded.
func (b *Bootstrapper) Logout(ctx context.Context) error {
	var firstErr error
	if err := b.tokens.ClearToken(ctx); err != nil {
		b.logger.Warn("session: clear token", zap.Error(err))
		firstErr = errors.Wrap(err, "session: clear token")
	}

	b.selMu.Lock()
	if err := b.store.Delete(ctx, sessionKeys...); err != nil {
		b.logger.Warn("session: clear persisted flags", zap.Error(err))
		if firstErr == nil {
			firstErr = errors.Wrap(err, "session: clear persisted flags")
		}
	}
	b.mu.Lock()
	b.session = domain.Session{State: domain.StateUnauthenticated}
	b.appliedSeq = b.fetchSeq
	b.mu.Unlock()
	b.selMu.Unlock()

	b.identity.ClearUser()
	return firstErr
}

// SelectStore switches the active store without a network call. Ids outside
// the user's store list are rejected with ErrStoreNotFound.
func (b *Bootstrapper) SelectStore(ctx context.Context, storeID string) error {
	b.selMu.Lock()
	defer b.selMu.Unlock()

	b.mu.RLock()
	user := b.session.User
	b.mu.RUnlock()
	if !user.HasStore(storeID) {
		return errors.Wrapf(ErrStoreNotFound, "store %q", storeID)
	}

	if err := b.store.Set(ctx, KeySelectedStoreID, storeID); err != nil {
		return errors.Wrap(err, "session: persist store selection")
	}
	b.mu.Lock()
	b.session.SelectedTenantStoreID = storeID
	b.mu.Unlock()
	return nil
}

func (b *Bootstrapper) persistedSelection(ctx context.Context) string {
	val, ok, err := b.store.Get(ctx, KeySelectedStoreID)
	if err != nil {
		b.logger.Warn("session: read persisted store selection", zap.Error(err))
	}
	if err != nil || !ok {
		b.mu.RLock()
		defer b.mu.RUnlock()
		return b.session.SelectedTenantStoreID
	}
	return val
}

func (b *Bootstrapper) setState(state domain.SessionState) {
	b.mu.Lock()
	b.session.State = state
	b.mu.Unlock()
}

// tokenExpired reads the exp claim without verifying the signature; the
// server stays the authority. Opaque tokens are never treated as expired.
func (b *Bootstrapper) tokenExpired(token string) bool {
	claims := &jwtlib.RegisteredClaims{}
	if _, _, err := jwtlib.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	return claims.ExpiresAt != nil && !claims.ExpiresAt.After(b.now())
}
