package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"basil/core/internal/domain"
	"basil/core/internal/store"
	"basil/core/internal/xid"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInactiveAccount    = errors.New("account is inactive")
	ErrInvalidOTP         = errors.New("invalid or expired otp")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrGoogleDisabled     = errors.New("google sign-in is not configured")
)

type UserStore interface {
	FindUserByIdentifier(ctx context.Context, identifier string) (domain.UserAccount, error)
	FindUserByGoogleSubject(ctx context.Context, subject string) (domain.UserAccount, error)
	LinkGoogleIdentity(ctx context.Context, subject string, userID string) error
	CreateUser(ctx context.Context, user domain.UserAccount) error
	UpdateUserPassword(ctx context.Context, userID string, password string) error
	SaveOTP(ctx context.Context, code domain.OTPCode) error
	GetOTP(ctx context.Context, phone string) (domain.OTPCode, error)
	IncrementOTPAttempts(ctx context.Context, phone string) error
	DeleteOTP(ctx context.Context, phone string) error
}

// OTPSender delivers one-time codes, typically over SMS.
type OTPSender interface {
	SendOTP(ctx context.Context, phone string, code string) error
}

// LogOTPSender writes codes to the log. Dev mode only.
type LogOTPSender struct {
	Logger *zap.Logger
}

func (s LogOTPSender) SendOTP(_ context.Context, phone string, code string) error {
	if s.Logger != nil {
		s.Logger.Info("otp issued", zap.String("phone", phone), zap.String("code", code))
	}
	return nil
}

type AuthOptions struct {
	Secret         string
	TokenTTL       time.Duration
	OTPTTL         time.Duration
	OTPMaxAttempts int
	GoogleClientID string
	Sender         OTPSender
	Logger         *zap.Logger
}

type AuthManager struct {
	secret         []byte
	tokenTTL       time.Duration
	otpTTL         time.Duration
	otpMaxAttempts int
	googleClientID string
	users          UserStore
	sender         OTPSender
	logger         *zap.Logger
	now            func() time.Time
}

type basilClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role,omitempty"`
}

type googleClaims struct {
	jwtlib.RegisteredClaims
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
}

func NewAuthManager(users UserStore, opts AuthOptions) *AuthManager {
	if opts.Secret == "" {
		opts.Secret = "dev-change-me"
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 8 * time.Hour
	}
	if opts.OTPTTL <= 0 {
		opts.OTPTTL = 5 * time.Minute
	}
	if opts.OTPMaxAttempts < 1 {
		opts.OTPMaxAttempts = 5
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Sender == nil {
		opts.Sender = LogOTPSender{Logger: opts.Logger}
	}
	return &AuthManager{
		secret:         []byte(opts.Secret),
		tokenTTL:       opts.TokenTTL,
		otpTTL:         opts.OTPTTL,
		otpMaxAttempts: opts.OTPMaxAttempts,
		googleClientID: strings.TrimSpace(opts.GoogleClientID),
		users:          users,
		sender:         opts.Sender,
		logger:         opts.Logger,
		now:            time.Now,
	}
}

func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	account, err := a.users.FindUserByIdentifier(ctx, req.Identifier)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.LoginResponse{}, ErrInvalidCredentials
		}
		return domain.LoginResponse{}, errors.Wrap(err, "lookup user")
	}

	if !a.checkPassword(ctx, account, req.Password) {
		return domain.LoginResponse{}, ErrInvalidCredentials
	}
	if !account.Active {
		return domain.LoginResponse{}, ErrInactiveAccount
	}
	return a.issue(account)
}

// checkPassword verifies bcrypt hashes and upgrades legacy plain-text
// passwords to a hash on first successful use.
func (a *AuthManager) checkPassword(ctx context.Context, account domain.UserAccount, input string) bool {
	if account.Password == "" || strings.TrimSpace(input) == "" {
		return false
	}
	if isPasswordHash(account.Password) {
		return bcrypt.CompareHashAndPassword([]byte(account.Password), []byte(input)) == nil
	}

	if subtle.ConstantTimeCompare([]byte(account.Password), []byte(input)) != 1 {
		return false
	}
	if hashed, err := hashSecret(input); err == nil {
		if err := a.users.UpdateUserPassword(ctx, account.ID, hashed); err != nil {
			a.logger.Warn("auth: upgrade legacy password", zap.String("user_id", account.ID), zap.Error(err))
		}
	}
	return true
}

// RequestOTP issues a fresh code for a registered phone. Unknown phones get
// the same silent success so the endpoint cannot reveal which accounts exist.
func (a *AuthManager) RequestOTP(ctx context.Context, phone string) error {
	phone = strings.TrimSpace(phone)
	if _, err := a.users.FindUserByIdentifier(ctx, phone); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			a.logger.Debug("auth: otp requested for unknown phone")
			return nil
		}
		return errors.Wrap(err, "lookup user")
	}

	code, err := randomDigits(6)
	if err != nil {
		return errors.Wrap(err, "generate otp")
	}
	hashed, err := hashSecret(code)
	if err != nil {
		return errors.Wrap(err, "hash otp")
	}
	if err := a.users.SaveOTP(ctx, domain.OTPCode{
		Phone:     phone,
		CodeHash:  hashed,
		ExpiresAt: a.now().UTC().Add(a.otpTTL),
	}); err != nil {
		return errors.Wrap(err, "save otp")
	}
	return errors.Wrap(a.sender.SendOTP(ctx, phone, code), "send otp")
}

func (a *AuthManager) LoginWithOTP(ctx context.Context, req domain.OTPLoginRequest) (domain.LoginResponse, error) {
	phone := strings.TrimSpace(req.Phone)
	code, err := a.users.GetOTP(ctx, phone)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.LoginResponse{}, ErrInvalidOTP
		}
		return domain.LoginResponse{}, errors.Wrap(err, "load otp")
	}

	if !a.now().Before(code.ExpiresAt) || code.Attempts >= a.otpMaxAttempts {
		_ = a.users.DeleteOTP(ctx, phone)
		return domain.LoginResponse{}, ErrInvalidOTP
	}
	if bcrypt.CompareHashAndPassword([]byte(code.CodeHash), []byte(req.OTP)) != nil {
		if err := a.users.IncrementOTPAttempts(ctx, phone); err != nil {
			a.logger.Warn("auth: count otp attempt", zap.Error(err))
		}
		return domain.LoginResponse{}, ErrInvalidOTP
	}
	if err := a.users.DeleteOTP(ctx, phone); err != nil {
		a.logger.Warn("auth: consume otp", zap.Error(err))
	}

	account, err := a.users.FindUserByIdentifier(ctx, phone)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.LoginResponse{}, ErrInvalidCredentials
		}
		return domain.LoginResponse{}, errors.Wrap(err, "lookup user")
	}
	if !account.Active {
		return domain.LoginResponse{}, ErrInactiveAccount
	}
	return a.issue(account)
}

// LoginWithGoogle accepts a Google ID token. Only the claims are checked
// (issuer, audience, expiry, verified email); the signature is not. A new
// Google identity is linked to the account with the same email, or signs up
// a fresh account without a tenant.
func (a *AuthManager) LoginWithGoogle(ctx context.Context, req domain.GoogleLoginRequest) (domain.LoginResponse, error) {
	if a.googleClientID == "" {
		return domain.LoginResponse{}, ErrGoogleDisabled
	}
	claims, err := a.parseGoogleToken(req.IDToken)
	if err != nil {
		return domain.LoginResponse{}, err
	}

	account, err := a.users.FindUserByGoogleSubject(ctx, claims.Subject)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		account, err = a.linkGoogleAccount(ctx, claims)
		if err != nil {
			return domain.LoginResponse{}, err
		}
	default:
		return domain.LoginResponse{}, errors.Wrap(err, "lookup google identity")
	}

	if !account.Active {
		return domain.LoginResponse{}, ErrInactiveAccount
	}
	return a.issue(account)
}

func (a *AuthManager) parseGoogleToken(raw string) (*googleClaims, error) {
	claims := &googleClaims{}
	if _, _, err := jwtlib.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, ErrInvalidToken
	}
	if claims.Issuer != "accounts.google.com" && claims.Issuer != "https://accounts.google.com" {
		return nil, errors.Wrapf(ErrInvalidToken, "issuer %q", claims.Issuer)
	}
	audience := false
	for _, aud := range claims.Audience {
		if aud == a.googleClientID {
			audience = true
			break
		}
	}
	if !audience {
		return nil, errors.Wrap(ErrInvalidToken, "audience mismatch")
	}
	if claims.ExpiresAt == nil || !claims.ExpiresAt.After(a.now()) {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" || claims.Email == "" || !claims.EmailVerified {
		return nil, errors.Wrap(ErrInvalidToken, "unverified email")
	}
	return claims, nil
}

func (a *AuthManager) linkGoogleAccount(ctx context.Context, claims *googleClaims) (domain.UserAccount, error) {
	account, err := a.users.FindUserByIdentifier(ctx, claims.Email)
	if errors.Is(err, store.ErrNotFound) {
		account = domain.UserAccount{
			ID:        xid.New("usr"),
			Name:      claims.Name,
			Email:     strings.ToLower(claims.Email),
			Active:    true,
			CreatedAt: a.now().UTC(),
		}
		if err := a.users.CreateUser(ctx, account); err != nil {
			return domain.UserAccount{}, errors.Wrap(err, "create google user")
		}
		a.logger.Info("auth: google sign-up", zap.String("user_id", account.ID))
	} else if err != nil {
		return domain.UserAccount{}, errors.Wrap(err, "lookup user")
	}

	if err := a.users.LinkGoogleIdentity(ctx, claims.Subject, account.ID); err != nil {
		return domain.UserAccount{}, errors.Wrap(err, "link google identity")
	}
	return account, nil
}

func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &basilClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}), jwtlib.WithTimeFunc(a.now))
	if err != nil || !token.Valid {
		return domain.Actor{}, ErrInvalidToken
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	return domain.Actor{UserID: sub, Role: claims.Role}, nil
}

func (a *AuthManager) issue(account domain.UserAccount) (domain.LoginResponse, error) {
	expiresAt := a.now().UTC().Add(a.tokenTTL)
	token, err := a.sign(account.ID, account.TenantRole, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, errors.Wrap(err, "sign token")
	}
	return domain.LoginResponse{
		AccessToken:       token,
		ExpiresAt:         expiresAt.Format(time.RFC3339),
		NeedsRegistration: account.TenantID == "",
	}, nil
}

func (a *AuthManager) sign(userID, role string, expiresAt time.Time) (string, error) {
	claims := basilClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwtlib.NewNumericDate(a.now().UTC()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    "basil",
		},
		Role: role,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func randomDigits(n int) (string, error) {
	limit := big.NewInt(1)
	for i := 0; i < n; i++ {
		limit.Mul(limit, big.NewInt(10))
	}
	v, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", n, v), nil
}

func hashSecret(secret string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
