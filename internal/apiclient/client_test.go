package apiclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"basil/core/internal/domain"
	"basil/core/internal/httpapi"
	"basil/core/internal/persist"
	"basil/core/internal/pricing"
	"basil/core/internal/service"
	"basil/core/internal/session"
	"basil/core/internal/store/memory"
)

const seedPassword = "seed-pass-123"

func newBackend(t *testing.T) *httptest.Server {
	t.Helper()
	t.Setenv("SEED_PASSWORD", seedPassword)

	repo := memory.NewSeeded()
	auth := httpapi.NewAuthManager(repo, httpapi.AuthOptions{
		Secret:   "client-test-secret-client-test-secret",
		TokenTTL: time.Hour,
	})
	api := httpapi.New(service.New(repo, nil), auth, "*", nil)

	server := httptest.NewServer(api.Handler())
	t.Cleanup(server.Close)
	return server
}

func newClient(t *testing.T, baseURL string) (*Client, *PersistTokenStore, *persist.Memory) {
	t.Helper()
	kv := persist.NewMemory()
	tokens := NewPersistTokenStore(kv)
	return New(baseURL, tokens), tokens, kv
}

func TestLoginPersistsTokenAndFetchesProfile(t *testing.T) {
	server := newBackend(t)
	client, tokens, _ := newClient(t, server.URL)
	ctx := context.Background()

	resp, err := client.LoginWithPassword(ctx, memory.SeedOwnerEmail, seedPassword)
	require.NoError(t, err)
	stored, err := tokens.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, resp.AccessToken, stored)

	profile, err := client.FetchProfile(ctx, memory.SeedStoreBranchID)
	require.NoError(t, err)
	assert.Equal(t, memory.SeedStoreBranchID, profile.SelectedStoreID)
	assert.Equal(t, domain.TenantRoleOwner, profile.User.TenantRole)
	assert.True(t, profile.User.Permissions["pricing.write"])

	onboarding, err := client.NeedsOnboarding(ctx)
	require.NoError(t, err)
	assert.False(t, onboarding)
	registration, err := client.NeedsRegistration(ctx)
	require.NoError(t, err)
	assert.False(t, registration)
}

func TestPricingCallsCarryCSRF(t *testing.T) {
	server := newBackend(t)
	client, _, _ := newClient(t, server.URL)
	ctx := context.Background()
	_, err := client.LoginWithPassword(ctx, memory.SeedOwnerEmail, seedPassword)
	require.NoError(t, err)

	breakdown, err := client.CalculatePricesFromMRP(ctx, domain.FromMRPRequest{
		MRP: 200, TaxPercentage: 18, PurchaseMarginPercentage: 20, MarginPercentage: 10,
	})
	require.NoError(t, err)
	assert.InDelta(t, 160, breakdown.CostPrice, 0.001)
	assert.InDelta(t, 180, breakdown.SellingPrice, 0.001)

	update, err := client.CalculateDerivedFields(ctx, domain.DeriveRequest{
		Field:   domain.FieldCostPrice,
		Value:   "400",
		Current: domain.PriceFieldSet{MRP: 500, TaxPercentage: 0},
	})
	require.NoError(t, err)
	require.NotNil(t, update.PurchaseMarginPercentage)
	assert.InDelta(t, 20, *update.PurchaseMarginPercentage, 0.001)

	calc := pricing.NewCalculator(client, nil)
	_, source, err := calc.FromMRP(ctx, domain.FromMRPRequest{MRP: 100, TaxPercentage: 5})
	require.NoError(t, err)
	assert.Equal(t, pricing.SourceBackend, source)
}

func TestRejectedCredentialIsAuthError(t *testing.T) {
	server := newBackend(t)
	client, tokens, _ := newClient(t, server.URL)
	ctx := context.Background()

	_, err := client.LoginWithPassword(ctx, memory.SeedOwnerEmail, "wrong-password")
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.True(t, session.IsAuthError(err))
	assert.Equal(t, "invalid credentials", session.UserMessage(err))

	require.NoError(t, tokens.SetToken(ctx, "garbage"))
	_, err = client.FetchProfile(ctx, "")
	assert.True(t, session.IsAuthError(err))
}

func TestNeedsRegistrationAssumesRequiredOnFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()
	client, _, _ := newClient(t, server.URL)

	required, err := client.NeedsRegistration(context.Background())
	assert.Error(t, err)
	assert.True(t, required)

	onboarding, err := client.NeedsOnboarding(context.Background())
	assert.Error(t, err)
	assert.False(t, onboarding)
	assert.False(t, session.IsAuthError(err))
}

func TestFetchProfileNormalizesPermissions(t *testing.T) {
	tests := []struct {
		name string
		body string
		want map[string]bool
	}{
		{"list", `{"user":{"id":"u1","permissions":["pricing.write"," ","products.read"]}}`, map[string]bool{"pricing.write": true, "products.read": true}},
		{"map", `{"user":{"id":"u1","permissions":{"pricing.write":true,"reports.view":false}}}`, map[string]bool{"pricing.write": true, "reports.view": false}},
		{"missing", `{"user":{"id":"u1"}}`, map[string]bool{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(tc.body))
			}))
			defer server.Close()
			client, _, _ := newClient(t, server.URL)

			profile, err := client.FetchProfile(context.Background(), "")
			require.NoError(t, err)
			assert.Equal(t, tc.want, profile.User.Permissions)
		})
	}
}

func TestCSRFTokenIsCached(t *testing.T) {
	var fetches atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/api/v1/auth/csrf-token" {
			fetches.Add(1)
			_, _ = w.Write([]byte(`{"csrf_token":"tok"}`))
			return
		}
		if r.Header.Get("X-CSRF-Token") != "tok" {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":"missing or invalid CSRF token"}`))
			return
		}
		_, _ = w.Write([]byte(`{"prices":{"costPrice":1}}`))
	}))
	defer server.Close()
	client, _, _ := newClient(t, server.URL)

	for i := 0; i < 3; i++ {
		_, err := client.CalculatePricesFromMRP(context.Background(), domain.FromMRPRequest{MRP: 1})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), fetches.Load())
}

func TestBootstrapperAgainstBackend(t *testing.T) {
	server := newBackend(t)
	client, tokens, kv := newClient(t, server.URL)
	ctx := context.Background()

	deps := session.Deps{
		Profiles:     client,
		Auth:         client,
		Onboarding:   client,
		Registration: client,
		Tokens:       tokens,
		Store:        kv,
	}
	boot := session.New(deps)

	target, err := boot.Login(ctx, domain.LoginPassword, domain.Credentials{
		Identifier: memory.SeedOwnerEmail, Password: seedPassword,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TargetDashboard, target)
	assert.Equal(t, domain.StateReady, boot.State())
	assert.Equal(t, memory.SeedStoreMainID, boot.Session().SelectedTenantStoreID)

	require.NoError(t, boot.SelectStore(ctx, memory.SeedStoreBranchID))

	// A fresh process resumes from the persisted token and store choice.
	resumed := session.New(deps)
	sess, err := resumed.Bootstrap(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StateReady, sess.State)
	assert.Equal(t, memory.SeedStoreBranchID, sess.SelectedTenantStoreID)

	require.NoError(t, resumed.Logout(ctx))
	token, err := tokens.Token(ctx)
	require.NoError(t, err)
	assert.Empty(t, token)
}

func TestBootstrapperRoutesNewcomerToOnboarding(t *testing.T) {
	server := newBackend(t)
	client, tokens, kv := newClient(t, server.URL)

	boot := session.New(session.Deps{
		Profiles: client, Auth: client, Onboarding: client, Registration: client,
		Tokens: tokens, Store: kv,
	})
	target, err := boot.Login(context.Background(), domain.LoginPassword, domain.Credentials{
		Identifier: memory.SeedNewcomerEmail, Password: seedPassword,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TargetOnboarding, target)
	assert.Equal(t, domain.StateOnboardingRequired, boot.State())
}

func TestConcurrentProfileFetchesShareOneRequest(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"user":{"id":"u1"},"selected_store_id":"s1"}`))
	}))
	defer server.Close()
	client, _, _ := newClient(t, server.URL)

	var wg sync.WaitGroup
	results := make([]domain.Profile, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			profile, err := client.FetchProfile(context.Background(), "s1")
			assert.NoError(t, err)
			results[i] = profile
		}(i)
	}
	require.Eventually(t, func() bool { return hits.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), hits.Load())
	for _, profile := range results {
		assert.Equal(t, "s1", profile.SelectedStoreID)
	}
}

func TestProfileFetchAfterTokenChangeIsNotShared(t *testing.T) {
	release := make(chan struct{})
	var oldSeen atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Header.Get("Authorization") == "Bearer old" {
			oldSeen.Store(true)
			<-release
			_, _ = w.Write([]byte(`{"user":{"id":"old-user"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"user":{"id":"new-user"}}`))
	}))
	defer server.Close()
	defer close(release)
	client, tokens, _ := newClient(t, server.URL)
	ctx := context.Background()

	require.NoError(t, tokens.SetToken(ctx, "old"))
	go func() { _, _ = client.FetchProfile(ctx, "s1") }()
	require.Eventually(t, oldSeen.Load, time.Second, 5*time.Millisecond)

	require.NoError(t, tokens.SetToken(ctx, "new"))
	fetchCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	profile, err := client.FetchProfile(fetchCtx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "new-user", profile.User.ID)
}

func TestCancelledCallerDoesNotFailSharedFetch(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"user":{"id":"u1"},"selected_store_id":"s1"}`))
	}))
	defer server.Close()
	client, _, _ := newClient(t, server.URL)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := client.FetchProfile(firstCtx, "s1")
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return hits.Load() == 1 }, time.Second, 5*time.Millisecond)

	type result struct {
		profile domain.Profile
		err     error
	}
	second := make(chan result, 1)
	go func() {
		profile, err := client.FetchProfile(context.Background(), "s1")
		second <- result{profile, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancelFirst()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(release)
	got := <-second
	require.NoError(t, got.err)
	assert.Equal(t, "s1", got.profile.SelectedStoreID)
	assert.Equal(t, int32(1), hits.Load())
}
