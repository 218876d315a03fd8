package session

import (
	"context"

	"basil/core/internal/domain"
)

type ProfileFetcher interface {
	FetchProfile(ctx context.Context, storeHint string) (domain.Profile, error)
}

type Authenticator interface {
	LoginWithPassword(ctx context.Context, identifier string, password string) (domain.LoginResponse, error)
	LoginWithOTP(ctx context.Context, phone string, otp string) (domain.LoginResponse, error)
	LoginWithGoogle(ctx context.Context, idToken string) (domain.LoginResponse, error)
}

type OnboardingChecker interface {
	NeedsOnboarding(ctx context.Context) (bool, error)
}

type RegistrationChecker interface {
	NeedsRegistration(ctx context.Context) (bool, error)
}

// TokenStore holds the bearer credential. Token returns "" when none is
// stored.
type TokenStore interface {
	Token(ctx context.Context) (string, error)
	SetToken(ctx context.Context, token string) error
	ClearToken(ctx context.Context) error
}

type KeyValueStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value string) error
	Delete(ctx context.Context, keys ...string) error
}

// IdentityTracker is the analytics / error-tracking user context.
type IdentityTracker interface {
	SetUser(user domain.User)
	ClearUser()
}

type noopIdentity struct{}

func (noopIdentity) SetUser(domain.User) {}
func (noopIdentity) ClearUser()          {}
