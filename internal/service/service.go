package service

import (
	"context"
	"maps"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"basil/core/internal/domain"
	"basil/core/internal/pricing"
	"basil/core/internal/store"
)

var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrInactiveAccount = errors.New("account is inactive")
	ErrUnknownField    = errors.New("unknown price field")
)

// Reasons reported by the status endpoints.
const (
	ReasonNoTenant             = "no_tenant"
	ReasonSubscriptionInactive = "subscription_inactive"
	ReasonNoActiveStore        = "no_active_store"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo   store.Repository
	logger *zap.Logger
}

func New(repo store.Repository, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{repo: repo, logger: logger}
}

// Profile returns the caller with the tenant's active stores. storeHint
// selects the store when it belongs to the tenant; otherwise the first
// active store is the default.
func (s *Service) Profile(ctx context.Context, storeHint string) (domain.Profile, error) {
	account, err := s.currentAccount(ctx)
	if err != nil {
		return domain.Profile{}, err
	}

	user := domain.User{
		ID:          account.ID,
		Name:        account.Name,
		Email:       account.Email,
		Phone:       account.Phone,
		IsAdmin:     account.IsAdmin,
		TenantID:    account.TenantID,
		TenantRole:  account.TenantRole,
		Stores:      []domain.Store{},
		Permissions: map[string]bool{},
		Features:    map[string]bool{},
	}
	profile := domain.Profile{User: user, Stores: user.Stores, Features: user.Features}
	if account.TenantID == "" {
		return profile, nil
	}

	tenant, err := s.repo.GetTenant(ctx, account.TenantID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("service: user references missing tenant", zap.String("user_id", account.ID), zap.String("tenant_id", account.TenantID))
			return profile, nil
		}
		return domain.Profile{}, errors.Wrap(err, "load tenant")
	}
	var (
		stores      []domain.Store
		permissions []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		stores, err = s.activeStores(gctx, tenant.ID)
		return err
	})
	g.Go(func() error {
		var err error
		permissions, err = s.repo.RolePermissions(gctx, tenant.ID, account.TenantRole)
		return errors.Wrap(err, "load role permissions")
	})
	if err := g.Wait(); err != nil {
		return domain.Profile{}, err
	}

	user.Stores = stores
	for _, p := range permissions {
		user.Permissions[p] = true
	}
	user.Features = maps.Clone(tenant.Features)
	if user.Features == nil {
		user.Features = map[string]bool{}
	}

	profile = domain.Profile{
		User:     user,
		Stores:   stores,
		Features: user.Features,
	}
	switch {
	case user.HasStore(storeHint):
		profile.SelectedStoreID = storeHint
	case len(stores) > 0:
		profile.SelectedStoreID = stores[0].ID
	}
	return profile, nil
}

func (s *Service) OnboardingStatus(ctx context.Context) (domain.StatusResponse, error) {
	account, err := s.currentAccount(ctx)
	if err != nil {
		return domain.StatusResponse{}, err
	}
	if account.TenantID == "" {
		return domain.StatusResponse{Required: true, Reason: ReasonNoTenant}, nil
	}
	return domain.StatusResponse{}, nil
}

// RegistrationStatus reports whether the tenant still has to finish store
// registration: no tenant, an inactive subscription, or no active store.
func (s *Service) RegistrationStatus(ctx context.Context) (domain.StatusResponse, error) {
	account, err := s.currentAccount(ctx)
	if err != nil {
		return domain.StatusResponse{}, err
	}
	if account.TenantID == "" {
		return domain.StatusResponse{Required: true, Reason: ReasonNoTenant}, nil
	}

	tenant, err := s.repo.GetTenant(ctx, account.TenantID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.StatusResponse{Required: true, Reason: ReasonNoTenant}, nil
		}
		return domain.StatusResponse{}, errors.Wrap(err, "load tenant")
	}
	if !tenant.SubscriptionActive {
		return domain.StatusResponse{Required: true, Reason: ReasonSubscriptionInactive}, nil
	}
	stores, err := s.activeStores(ctx, tenant.ID)
	if err != nil {
		return domain.StatusResponse{}, err
	}
	if len(stores) == 0 {
		return domain.StatusResponse{Required: true, Reason: ReasonNoActiveStore}, nil
	}
	return domain.StatusResponse{}, nil
}

func (s *Service) DerivePrices(_ context.Context, req domain.DeriveRequest) (domain.DeriveResponse, error) {
	if !req.Field.Valid() {
		return domain.DeriveResponse{}, errors.Wrapf(ErrUnknownField, "%q", req.Field)
	}
	return domain.DeriveResponse{
		Update: pricing.Recompute(req.Field, req.Value, req.Current, req.Mode),
	}, nil
}

func (s *Service) PricesFromMRP(_ context.Context, req domain.FromMRPRequest) (domain.PriceBreakdown, error) {
	return pricing.FromMRP(req.MRP, req.TaxPercentage, req.PurchaseMarginPercentage, req.MarginPercentage, req.Mode)
}

func (s *Service) currentAccount(ctx context.Context) (domain.UserAccount, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.UserID == "" {
		return domain.UserAccount{}, ErrUnauthenticated
	}
	account, err := s.repo.FindUserByID(ctx, actor.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.UserAccount{}, ErrUnauthenticated
		}
		return domain.UserAccount{}, errors.Wrap(err, "load user")
	}
	if !account.Active {
		return domain.UserAccount{}, ErrInactiveAccount
	}
	return account, nil
}

func (s *Service) activeStores(ctx context.Context, tenantID string) ([]domain.Store, error) {
	all, err := s.repo.ListStores(ctx, tenantID)
	if err != nil {
		return nil, errors.Wrap(err, "list stores")
	}
	active := make([]domain.Store, 0, len(all))
	for _, st := range all {
		if st.Active {
			active = append(active, st)
		}
	}
	return active, nil
}
