package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"basil/core/internal/domain"
)

// APIError is a non-2xx response from the BASIL API.
type APIError struct {
	Status    int
	Message   string
	AuthError bool
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request failed with status %d", e.Status)
	}
	return e.Message
}

func (e *APIError) StatusCode() int { return e.Status }

func (e *APIError) AuthFailure() bool { return e.AuthError }

type Tokens interface {
	Token(ctx context.Context) (string, error)
	SetToken(ctx context.Context, token string) error
	ClearToken(ctx context.Context) error
}

type Client struct {
	baseURL string
	http    *http.Client
	tokens  Tokens
	logger  *zap.Logger

	profiles singleflight.Group

	csrfMu      sync.Mutex
	csrfToken   string
	csrfFetched time.Time
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func New(baseURL string, tokens Tokens, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		tokens:  tokens,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type profilePayload struct {
	User struct {
		ID          string          `json:"id"`
		Name        string          `json:"name"`
		Email       string          `json:"email"`
		Phone       string          `json:"phone"`
		IsAdmin     bool            `json:"is_admin"`
		TenantID    string          `json:"tenant_id"`
		TenantRole  string          `json:"tenant_role"`
		Stores      []domain.Store  `json:"stores"`
		Permissions json.RawMessage `json:"permissions"`
		Features    map[string]bool `json:"features"`
	} `json:"user"`
	Stores          []domain.Store  `json:"stores"`
	SelectedStoreID string          `json:"selected_store_id"`
	Features        map[string]bool `json:"features"`
}

// FetchProfile loads the current user. storeHint, when set, scopes the
// response to that store. Concurrent calls with the same token and hint
// share one request; each caller still returns on its own ctx.
func (c *Client) FetchProfile(ctx context.Context, storeHint string) (domain.Profile, error) {
	token, err := c.bearer(ctx)
	if err != nil {
		return domain.Profile{}, err
	}
	shared := context.WithoutCancel(ctx)
	ch := c.profiles.DoChan(token+"|"+storeHint, func() (any, error) {
		return c.fetchProfile(shared, token, storeHint)
	})
	select {
	case <-ctx.Done():
		return domain.Profile{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return domain.Profile{}, res.Err
		}
		return res.Val.(domain.Profile), nil
	}
}

func (c *Client) fetchProfile(ctx context.Context, token string, storeHint string) (domain.Profile, error) {
	path := "/api/v1/me"
	if storeHint != "" {
		path += "?store_id=" + url.QueryEscape(storeHint)
	}

	var payload profilePayload
	if err := c.send(ctx, http.MethodGet, path, token, nil, &payload); err != nil {
		return domain.Profile{}, err
	}

	permissions, err := normalizePermissions(payload.User.Permissions)
	if err != nil {
		return domain.Profile{}, errors.Wrap(err, "apiclient: decode permissions")
	}
	user := domain.User{
		ID:          payload.User.ID,
		Name:        payload.User.Name,
		Email:       payload.User.Email,
		Phone:       payload.User.Phone,
		IsAdmin:     payload.User.IsAdmin,
		TenantID:    payload.User.TenantID,
		TenantRole:  payload.User.TenantRole,
		Stores:      payload.User.Stores,
		Permissions: permissions,
		Features:    payload.User.Features,
	}
	return domain.Profile{
		User:            user,
		Stores:          payload.Stores,
		SelectedStoreID: payload.SelectedStoreID,
		Features:        payload.Features,
	}, nil
}

func (c *Client) LoginWithPassword(ctx context.Context, identifier string, password string) (domain.LoginResponse, error) {
	return c.login(ctx, "/api/v1/auth/login", domain.LoginRequest{Identifier: identifier, Password: password})
}

func (c *Client) LoginWithOTP(ctx context.Context, phone string, otp string) (domain.LoginResponse, error) {
	return c.login(ctx, "/api/v1/auth/otp/login", domain.OTPLoginRequest{Phone: phone, OTP: otp})
}

func (c *Client) LoginWithGoogle(ctx context.Context, idToken string) (domain.LoginResponse, error) {
	return c.login(ctx, "/api/v1/auth/google", domain.GoogleLoginRequest{IDToken: idToken})
}

func (c *Client) RequestOTP(ctx context.Context, phone string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/auth/otp/request", domain.OTPRequest{Phone: phone}, nil)
}

func (c *Client) login(ctx context.Context, path string, body any) (domain.LoginResponse, error) {
	var resp domain.LoginResponse
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return domain.LoginResponse{}, err
	}
	if resp.AccessToken != "" && c.tokens != nil {
		if err := c.tokens.SetToken(ctx, resp.AccessToken); err != nil {
			return domain.LoginResponse{}, errors.Wrap(err, "apiclient: persist token")
		}
	}
	return resp, nil
}

func (c *Client) NeedsOnboarding(ctx context.Context) (bool, error) {
	var resp domain.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/onboarding/status", nil, &resp); err != nil {
		return false, err
	}
	return resp.Required, nil
}

// NeedsRegistration reports true together with the error when the status
// cannot be determined.
func (c *Client) NeedsRegistration(ctx context.Context) (bool, error) {
	var resp domain.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/registration/status", nil, &resp); err != nil {
		return true, err
	}
	return resp.Required, nil
}

func (c *Client) CalculatePricesFromMRP(ctx context.Context, req domain.FromMRPRequest) (domain.PriceBreakdown, error) {
	var resp struct {
		Prices domain.PriceBreakdown `json:"prices"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/pricing/from-mrp", req, &resp); err != nil {
		return domain.PriceBreakdown{}, err
	}
	return resp.Prices, nil
}

func (c *Client) CalculateDerivedFields(ctx context.Context, req domain.DeriveRequest) (domain.PriceUpdate, error) {
	var resp domain.DeriveResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/pricing/derive", req, &resp); err != nil {
		return domain.PriceUpdate{}, err
	}
	return resp.Update, nil
}

func (c *Client) do(ctx context.Context, method string, path string, body any, dest any) error {
	token, err := c.bearer(ctx)
	if err != nil {
		return err
	}
	return c.send(ctx, method, path, token, body, dest)
}

// bearer returns the stored token, or "" when the client has no token store.
func (c *Client) bearer(ctx context.Context) (string, error) {
	if c.tokens == nil {
		return "", nil
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return "", errors.Wrap(err, "apiclient: read token")
	}
	return token, nil
}

func (c *Client) send(ctx context.Context, method string, path string, token string, body any, dest any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "apiclient: encode request")
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "apiclient: build request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if method != http.MethodGet {
		csrf, err := c.csrf(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("X-CSRF-Token", csrf)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "apiclient: %s %s", method, path)
	}
	defer res.Body.Close()

	if res.StatusCode >= 300 {
		return decodeError(res)
	}
	if dest == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(dest); err != nil {
		return errors.Wrapf(err, "apiclient: decode %s", path)
	}
	return nil
}

// csrf returns a cached token, refreshing it after one hour; the server
// accepts tokens from the current and the previous hour.
func (c *Client) csrf(ctx context.Context) (string, error) {
	c.csrfMu.Lock()
	defer c.csrfMu.Unlock()
	if c.csrfToken != "" && time.Since(c.csrfFetched) < time.Hour {
		return c.csrfToken, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/auth/csrf-token", nil)
	if err != nil {
		return "", errors.Wrap(err, "apiclient: build csrf request")
	}
	res, err := c.http.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "apiclient: fetch csrf token")
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		return "", decodeError(res)
	}

	var body struct {
		Token string `json:"csrf_token"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return "", errors.Wrap(err, "apiclient: decode csrf token")
	}
	c.csrfToken = body.Token
	c.csrfFetched = time.Now()
	c.logger.Debug("apiclient: csrf token refreshed")
	return c.csrfToken, nil
}

func decodeError(res *http.Response) error {
	apiErr := &APIError{Status: res.StatusCode}
	var body struct {
		Error     string `json:"error"`
		AuthError bool   `json:"auth_error"`
	}
	if err := json.NewDecoder(io.LimitReader(res.Body, 64<<10)).Decode(&body); err == nil {
		apiErr.Message = body.Error
		apiErr.AuthError = body.AuthError
	}
	return apiErr
}

// normalizePermissions accepts tenant permissions either as a list of keys
// or as a key to bool map.
func normalizePermissions(raw json.RawMessage) (map[string]bool, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return map[string]bool{}, nil
	}

	switch trimmed[0] {
	case '[':
		var keys []string
		if err := json.Unmarshal(trimmed, &keys); err != nil {
			return nil, err
		}
		out := make(map[string]bool, len(keys))
		for _, key := range keys {
			if key = strings.TrimSpace(key); key != "" {
				out[key] = true
			}
		}
		return out, nil
	case '{':
		out := map[string]bool{}
		if err := json.Unmarshal(trimmed, &out); err != nil {
			return nil, err
		}
		return out, nil
	default:
		return nil, errors.Errorf("unexpected permissions shape: %.20s", trimmed)
	}
}
