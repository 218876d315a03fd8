package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"basil/core/internal/apiclient"
	"basil/core/internal/httpapi"
	"basil/core/internal/persist"
	"basil/core/internal/service"
	"basil/core/internal/store/memory"
)

func newBackend(t *testing.T) string {
	t.Helper()
	t.Setenv("SEED_PASSWORD", "seed-pass-123")
	repo := memory.NewSeeded()
	auth := httpapi.NewAuthManager(repo, httpapi.AuthOptions{
		Secret:   "cli-test-secret-cli-test-secret-cli",
		TokenTTL: time.Hour,
	})
	server := httptest.NewServer(httpapi.New(service.New(repo, nil), auth, "*", nil).Handler())
	t.Cleanup(server.Close)
	return server.URL
}

// invoke runs one command the way a separate process would: fresh client and
// bootstrapper over the shared persisted store.
func invoke(t *testing.T, baseURL string, kv persist.Store, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	client := apiclient.New(baseURL, apiclient.NewPersistTokenStore(kv))
	a := newApp(client, kv, &out, nil)
	defer a.close()
	err := a.run(context.Background(), args)
	return out.String(), err
}

func TestSessionCarriesAcrossInvocations(t *testing.T) {
	baseURL := newBackend(t)
	mr := miniredis.RunT(t)
	kv := persist.NewRedis(mr.Addr(), "", 0, "basil-cli:", nil)
	t.Cleanup(func() { _ = kv.Close() })

	out, err := invoke(t, baseURL, kv, "login", "-identifier", memory.SeedOwnerEmail, "-password", "seed-pass-123")
	require.NoError(t, err)
	var login map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &login))
	assert.Equal(t, "dashboard", login["next"])
	assert.Equal(t, memory.SeedStoreMainID, login["store"])
	assert.True(t, mr.Exists("basil-cli:auth_token"))

	_, err = invoke(t, baseURL, kv, "select-store", memory.SeedStoreBranchID)
	require.NoError(t, err)

	out, err = invoke(t, baseURL, kv, "whoami")
	require.NoError(t, err)
	var who map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &who))
	assert.Equal(t, memory.SeedStoreBranchID, who["selected_store"])
	assert.Equal(t, "ready", who["state"])

	_, err = invoke(t, baseURL, kv, "logout")
	require.NoError(t, err)
	out, err = invoke(t, baseURL, kv, "whoami")
	require.NoError(t, err)
	assert.Contains(t, out, "not signed in")
	assert.False(t, mr.Exists("basil-cli:auth_token"))
}

func TestLoginFailureShowsGenericMessage(t *testing.T) {
	baseURL := newBackend(t)
	_, err := invoke(t, baseURL, persist.NewMemory(), "login", "-identifier", memory.SeedOwnerEmail, "-password", "nope")
	require.Error(t, err)
	assert.Equal(t, "invalid credentials", err.Error())
}

func TestSelectStoreRejectsForeignStore(t *testing.T) {
	baseURL := newBackend(t)
	kv := persist.NewMemory()
	_, err := invoke(t, baseURL, kv, "login", "-identifier", memory.SeedOwnerEmail, "-password", "seed-pass-123")
	require.NoError(t, err)

	_, err = invoke(t, baseURL, kv, "select-store", "store-elsewhere")
	assert.Error(t, err)
}

func TestPricingCommands(t *testing.T) {
	baseURL := newBackend(t)
	kv := persist.NewMemory()

	// Signed out the backend refuses, so the local engine answers.
	out, err := invoke(t, baseURL, kv, "from-mrp", "-mrp", "200", "-tax", "18", "-margin", "10", "-purchase-margin", "20")
	require.NoError(t, err)
	var resp struct {
		Source string `json:"source"`
		Prices struct {
			CostPrice    float64 `json:"costPrice"`
			SellingPrice float64 `json:"sellingPrice"`
		} `json:"prices"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "local", resp.Source)
	assert.InDelta(t, 160, resp.Prices.CostPrice, 0.001)
	assert.InDelta(t, 180, resp.Prices.SellingPrice, 0.001)

	_, err = invoke(t, baseURL, kv, "login", "-identifier", memory.SeedOwnerEmail, "-password", "seed-pass-123")
	require.NoError(t, err)
	out, err = invoke(t, baseURL, kv, "derive", "-field", "sellingPrice", "-value", "450", "-mrp", "500")
	require.NoError(t, err)
	var derived struct {
		Source string `json:"source"`
		Update struct {
			MarginPercentage *float64 `json:"marginPercentage"`
		} `json:"update"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &derived))
	assert.Equal(t, "backend", derived.Source)
	require.NotNil(t, derived.Update.MarginPercentage)
	assert.InDelta(t, 10, *derived.Update.MarginPercentage, 0.001)

	_, err = invoke(t, baseURL, kv, "derive", "-field", "discount", "-value", "1")
	assert.Error(t, err)
}

func TestUnknownCommand(t *testing.T) {
	_, err := invoke(t, "http://127.0.0.1:1", persist.NewMemory(), "frobnicate")
	assert.ErrorIs(t, err, errUsage)
}

func TestSelectStoreIsLogged(t *testing.T) {
	baseURL := newBackend(t)
	kv := persist.NewMemory()
	_, err := invoke(t, baseURL, kv, "login", "-identifier", memory.SeedOwnerEmail, "-password", "seed-pass-123")
	require.NoError(t, err)

	core, logs := observer.New(zapcore.DebugLevel)
	var out bytes.Buffer
	a := newApp(apiclient.New(baseURL, apiclient.NewPersistTokenStore(kv)), kv, &out, zap.New(core))
	require.NoError(t, a.run(context.Background(), []string{"select-store", memory.SeedStoreBranchID}))
	a.close()

	changed := logs.FilterMessage("store selection changed").All()
	require.NotEmpty(t, changed)
	last := changed[len(changed)-1]
	assert.Equal(t, memory.SeedStoreBranchID, last.ContextMap()["store_id"])

	// Once closed the app stops listening.
	require.NoError(t, kv.Set(context.Background(), "selected_store_id", "elsewhere"))
	assert.Len(t, logs.FilterMessage("store selection changed").All(), len(changed))
}
