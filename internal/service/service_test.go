package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"basil/core/internal/domain"
	"basil/core/internal/pricing"
	"basil/core/internal/store/memory"
)

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	repo := memory.NewSeeded()
	return New(repo, nil), repo
}

func actorFor(t *testing.T, repo *memory.Store, email string) context.Context {
	t.Helper()
	u, err := repo.FindUserByIdentifier(context.Background(), email)
	require.NoError(t, err)
	return WithActor(context.Background(), domain.Actor{UserID: u.ID, Role: u.TenantRole})
}

func TestProfileRequiresActor(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Profile(context.Background(), "")
	assert.ErrorIs(t, err, ErrUnauthenticated)

	ctx := WithActor(context.Background(), domain.Actor{UserID: "usr-gone"})
	_, err = svc.Profile(ctx, "")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestProfileDefaultsToFirstActiveStore(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := actorFor(t, repo, memory.SeedOwnerEmail)

	profile, err := svc.Profile(ctx, "")
	require.NoError(t, err)

	require.Len(t, profile.Stores, 2)
	assert.Equal(t, memory.SeedStoreMainID, profile.SelectedStoreID)
	assert.Equal(t, profile.Stores, profile.User.Stores)
	assert.True(t, profile.User.Permissions["pricing.write"])
	assert.True(t, profile.Features["inventory"])
	assert.Equal(t, domain.TenantRoleOwner, profile.User.TenantRole)
}

func TestProfileHonorsStoreHint(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := actorFor(t, repo, memory.SeedOwnerEmail)

	profile, err := svc.Profile(ctx, memory.SeedStoreBranchID)
	require.NoError(t, err)
	assert.Equal(t, memory.SeedStoreBranchID, profile.SelectedStoreID)

	profile, err = svc.Profile(ctx, "store-of-someone-else")
	require.NoError(t, err)
	assert.Equal(t, memory.SeedStoreMainID, profile.SelectedStoreID)
}

func TestProfileWithoutTenant(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := actorFor(t, repo, memory.SeedNewcomerEmail)

	profile, err := svc.Profile(ctx, memory.SeedStoreMainID)
	require.NoError(t, err)
	assert.Empty(t, profile.Stores)
	assert.Empty(t, profile.SelectedStoreID)
}

func TestOnboardingAndRegistrationStatus(t *testing.T) {
	svc, repo := newTestService(t)

	tests := []struct {
		email        string
		onboarding   bool
		registration domain.StatusResponse
	}{
		{memory.SeedOwnerEmail, false, domain.StatusResponse{}},
		{memory.SeedNewcomerEmail, true, domain.StatusResponse{Required: true, Reason: ReasonNoTenant}},
		{memory.SeedDormantUserEmail, false, domain.StatusResponse{Required: true, Reason: ReasonNoActiveStore}},
	}
	for _, tc := range tests {
		t.Run(tc.email, func(t *testing.T) {
			ctx := actorFor(t, repo, tc.email)

			onboarding, err := svc.OnboardingStatus(ctx)
			require.NoError(t, err)
			assert.Equal(t, tc.onboarding, onboarding.Required)

			registration, err := svc.RegistrationStatus(ctx)
			require.NoError(t, err)
			assert.Equal(t, tc.registration, registration)
		})
	}
}

func TestRegistrationRequiredForInactiveSubscription(t *testing.T) {
	svc, repo := newTestService(t)
	repo.PutTenant(domain.Tenant{ID: "tenant-lapsed", Name: "Lapsed"},
		domain.Store{ID: "store-lapsed", TenantID: "tenant-lapsed", Name: "Lapsed", Active: true})
	require.NoError(t, repo.CreateUser(context.Background(), domain.UserAccount{
		ID: "usr-lapsed", Email: "lapsed@basil.local", Active: true, TenantID: "tenant-lapsed", TenantRole: domain.TenantRoleOwner,
	}))

	ctx := WithActor(context.Background(), domain.Actor{UserID: "usr-lapsed"})
	status, err := svc.RegistrationStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusResponse{Required: true, Reason: ReasonSubscriptionInactive}, status)
}

func TestInactiveAccountRejected(t *testing.T) {
	svc, repo := newTestService(t)
	require.NoError(t, repo.CreateUser(context.Background(), domain.UserAccount{ID: "usr-off", Email: "off@basil.local"}))

	ctx := WithActor(context.Background(), domain.Actor{UserID: "usr-off"})
	_, err := svc.Profile(ctx, "")
	assert.ErrorIs(t, err, ErrInactiveAccount)
}

func TestDerivePrices(t *testing.T) {
	svc, _ := newTestService(t)

	resp, err := svc.DerivePrices(context.Background(), domain.DeriveRequest{
		Field:   domain.FieldCostPrice,
		Value:   "118",
		Current: domain.PriceFieldSet{TaxPercentage: 18},
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Update.CostPriceBase)
	assert.InDelta(t, 100, *resp.Update.CostPriceBase, 0.001)

	_, err = svc.DerivePrices(context.Background(), domain.DeriveRequest{Field: "discount", Value: "1"})
	assert.ErrorIs(t, err, ErrUnknownField)
}

func TestPricesFromMRP(t *testing.T) {
	svc, _ := newTestService(t)

	prices, err := svc.PricesFromMRP(context.Background(), domain.FromMRPRequest{
		MRP: 200, TaxPercentage: 18, PurchaseMarginPercentage: 20, MarginPercentage: 10,
	})
	require.NoError(t, err)
	assert.InDelta(t, 160, prices.CostPrice, 0.001)
	assert.InDelta(t, 180, prices.SellingPrice, 0.001)

	_, err = svc.PricesFromMRP(context.Background(), domain.FromMRPRequest{MRP: 0})
	assert.ErrorIs(t, err, pricing.ErrInvalidMRP)
}
