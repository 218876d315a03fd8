package store

import (
	"context"

	"github.com/pkg/errors"

	"basil/core/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
	ErrInvalid  = errors.New("invalid record")
)

type Repository interface {
	// FindUserByIdentifier matches email (case-insensitive) or phone.
	FindUserByIdentifier(ctx context.Context, identifier string) (domain.UserAccount, error)
	FindUserByID(ctx context.Context, id string) (domain.UserAccount, error)
	FindUserByGoogleSubject(ctx context.Context, subject string) (domain.UserAccount, error)
	LinkGoogleIdentity(ctx context.Context, subject string, userID string) error
	CreateUser(ctx context.Context, user domain.UserAccount) error
	UpdateUserPassword(ctx context.Context, userID string, password string) error

	GetTenant(ctx context.Context, tenantID string) (domain.Tenant, error)
	ListStores(ctx context.Context, tenantID string) ([]domain.Store, error)
	RolePermissions(ctx context.Context, tenantID string, role string) ([]string, error)

	SaveOTP(ctx context.Context, code domain.OTPCode) error
	GetOTP(ctx context.Context, phone string) (domain.OTPCode, error)
	IncrementOTPAttempts(ctx context.Context, phone string) error
	DeleteOTP(ctx context.Context, phone string) error
}
