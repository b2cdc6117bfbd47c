package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/oz-auth/internal/config"
	"github.com/smallbiznis/oz-auth/internal/domain"
	"github.com/smallbiznis/oz-auth/internal/domain/oauth"
	httptransport "github.com/smallbiznis/oz-auth/internal/http"
	"github.com/smallbiznis/oz-auth/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/oz-auth/internal/http/middleware"
	"github.com/smallbiznis/oz-auth/internal/jwt"
	"github.com/smallbiznis/oz-auth/internal/password"
	"github.com/smallbiznis/oz-auth/internal/service"
)

const redirectURI = "http://localhost:5173/auth/callback"

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hash, err := password.Hash("correct horse")
	require.NoError(t, err)

	identities := &memIdentityRepo{identity: domain.Identity{
		ID: 10, ExternalID: "ext-10", Email: "user@example.com", Name: "Test User", PasswordHash: hash,
	}}
	codes := &memCodeRepo{codes: map[string]domain.AuthorizationCode{}}
	tokens := &memTokenRepo{tokens: map[string]domain.AccessToken{}}
	keys := &memKeyRepo{}

	cfg := config.Config{
		ClientID:       "client",
		ClientSecret:   "secret",
		RedirectURIs:   []string{redirectURI},
		CodeTTL:        10 * time.Minute,
		AccessTokenTTL: time.Hour,
		ServiceName:    "oz-auth-test",
	}

	access := jwt.NewGenerator(jwt.NewKeyManager(keys, domain.KeyPurposeAccess), cfg.AccessTokenTTL)
	session := jwt.NewGenerator(jwt.NewKeyManager(keys, domain.KeyPurposeSession), time.Hour)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	authSvc := service.NewAuthService(identities, codes, tokens, node, access, session, cfg, zap.NewNop())
	authHandler := handler.NewAuthHandler(authSvc, &service.DiscoveryService{})
	authMiddleware := &httpmiddleware.Auth{AuthService: authSvc}

	return httptransport.NewRouter(cfg, authHandler, authMiddleware, nil)
}

func doJSON(t *testing.T, router *gin.Engine, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func loginToken(t *testing.T, router *gin.Engine) string {
	t.Helper()
	w := doJSON(t, router, http.MethodPost, "http://auth.local/auth/login", `{"email":"user@example.com","password":"correct horse"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func TestLoginEndpoint(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "http://auth.local/auth/login", `{"email":"user@example.com","password":"wrong"}`, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "invalid_grant")

	w = doJSON(t, router, http.MethodPost, "http://auth.local/auth/login", `{"email":"user@example.com"}`, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "invalid_request")

	loginToken(t, router)
}

func TestMeEndpoint(t *testing.T) {
	router := newTestRouter(t)
	token := loginToken(t, router)

	w := doJSON(t, router, http.MethodGet, "http://auth.local/auth/me", "", map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "user@example.com")

	w = doJSON(t, router, http.MethodGet, "http://auth.local/auth/me", "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthorizeRedirectsWithCode(t *testing.T) {
	router := newTestRouter(t)
	token := loginToken(t, router)

	target := "http://auth.local/oauth/authorize?client_id=client&redirect_uri=" + url.QueryEscape(redirectURI) + "&state=abc"
	w := doJSON(t, router, http.MethodGet, target, "", map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusFound, w.Code)

	location, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "/auth/callback", location.Path)
	require.NotEmpty(t, location.Query().Get("code"))
	require.Equal(t, "abc", location.Query().Get("state"))
}

func TestAuthorizeWithoutSessionRedirectsToLogin(t *testing.T) {
	router := newTestRouter(t)

	target := "http://auth.local/oauth/authorize?client_id=client&redirect_uri=" + url.QueryEscape(redirectURI)
	w := doJSON(t, router, http.MethodGet, target, "", nil)
	require.Equal(t, http.StatusFound, w.Code)

	location, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "/login", location.Path)
	require.Equal(t, "client", location.Query().Get("client_id"))
}

func TestAuthorizeRejectsUnknownClient(t *testing.T) {
	router := newTestRouter(t)
	token := loginToken(t, router)

	target := "http://auth.local/oauth/authorize?client_id=intruder&redirect_uri=" + url.QueryEscape(redirectURI)
	w := doJSON(t, router, http.MethodGet, target, "", map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Contains(t, w.Body.String(), "invalid_client")
}

func authorizeCode(t *testing.T, router *gin.Engine) string {
	t.Helper()
	token := loginToken(t, router)
	target := "http://auth.local/oauth/authorize?client_id=client&redirect_uri=" + url.QueryEscape(redirectURI)
	w := doJSON(t, router, http.MethodGet, target, "", map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusFound, w.Code)
	location, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	code := location.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

func exchange(t *testing.T, router *gin.Engine, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "http://auth.local/oauth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestTokenEndpoint(t *testing.T) {
	router := newTestRouter(t)
	code := authorizeCode(t, router)

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", "client")
	form.Set("client_secret", "secret")
	form.Set("code", code)

	w := exchange(t, router, form)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int    `json:"expires_in"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "Bearer", resp.TokenType)
	require.NotEmpty(t, resp.AccessToken)

	// Replay burns with invalid_grant.
	w = exchange(t, router, form)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "invalid_grant")
}

func TestTokenEndpointRejectsBadSecret(t *testing.T) {
	router := newTestRouter(t)
	code := authorizeCode(t, router)

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", "client")
	form.Set("client_secret", "nope")
	form.Set("code", code)

	w := exchange(t, router, form)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Contains(t, w.Body.String(), "invalid_client")
}

func TestTokenEndpointRejectsUnsupportedGrant(t *testing.T) {
	router := newTestRouter(t)

	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("client_id", "client")
	form.Set("client_secret", "secret")

	w := exchange(t, router, form)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "unsupported_grant_type")
}

func TestUserInfoEndpoint(t *testing.T) {
	router := newTestRouter(t)
	code := authorizeCode(t, router)

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", "client")
	form.Set("client_secret", "secret")
	form.Set("code", code)
	w := exchange(t, router, form)
	require.Equal(t, http.StatusOK, w.Code)

	var token struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &token))

	w = doJSON(t, router, http.MethodGet, "http://auth.local/oauth/userinfo", "", map[string]string{"Authorization": "Bearer " + token.AccessToken})
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "user@example.com")

	w = doJSON(t, router, http.MethodGet, "http://auth.local/oauth/userinfo", "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "Bearer", w.Header().Get("WWW-Authenticate"))

	w = doJSON(t, router, http.MethodGet, "http://auth.local/oauth/userinfo", "", map[string]string{"Authorization": "Bearer forged"})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Contains(t, w.Body.String(), "invalid_token")
}

func TestDiscoveryEndpoints(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(t, router, http.MethodGet, "http://auth.local/.well-known/openid-configuration", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "authorization_endpoint")
	require.Contains(t, w.Body.String(), "authorization_code")

	w = doJSON(t, router, http.MethodGet, "http://auth.local/.well-known/jwks.json", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "keys")
}

type memIdentityRepo struct {
	identity domain.Identity
}

func (m *memIdentityRepo) GetByID(ctx context.Context, id int64) (domain.Identity, error) {
	if id != m.identity.ID {
		return domain.Identity{}, oauth.ErrUserNotFound
	}
	return m.identity, nil
}

func (m *memIdentityRepo) GetByEmail(ctx context.Context, email string) (domain.Identity, error) {
	if email != m.identity.Email {
		return domain.Identity{}, oauth.ErrUserNotFound
	}
	return m.identity, nil
}

func (m *memIdentityRepo) GetByExternalID(ctx context.Context, externalID string) (domain.Identity, error) {
	if externalID != m.identity.ExternalID {
		return domain.Identity{}, oauth.ErrUserNotFound
	}
	return m.identity, nil
}

func (m *memIdentityRepo) Upsert(ctx context.Context, identity domain.Identity) (domain.Identity, error) {
	return m.identity, nil
}

type memCodeRepo struct {
	mu    sync.Mutex
	codes map[string]domain.AuthorizationCode
}

func (m *memCodeRepo) CreateCode(ctx context.Context, code domain.AuthorizationCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes[code.Code] = code
	return nil
}

func (m *memCodeRepo) ConsumeCode(ctx context.Context, code string) (domain.AuthorizationCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.codes[code]
	if !ok {
		return domain.AuthorizationCode{}, oauth.ErrCodeNotFound
	}
	if time.Now().After(stored.ExpiresAt) {
		return domain.AuthorizationCode{}, oauth.ErrCodeExpired
	}
	if stored.Used {
		return domain.AuthorizationCode{}, oauth.ErrCodeAlreadyUsed
	}
	stored.Used = true
	m.codes[code] = stored
	return stored, nil
}

func (m *memCodeRepo) DeleteExpired(ctx context.Context) (int64, error) { return 0, nil }

type memTokenRepo struct {
	mu     sync.Mutex
	tokens map[string]domain.AccessToken
}

func (m *memTokenRepo) CreateToken(ctx context.Context, token domain.AccessToken) (domain.AccessToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[token.Token] = token
	return token, nil
}

func (m *memTokenRepo) GetByToken(ctx context.Context, token string) (domain.AccessToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.tokens[token]
	if !ok {
		return domain.AccessToken{}, oauth.ErrTokenInvalid
	}
	return stored, nil
}

func (m *memTokenRepo) DeleteExpired(ctx context.Context) (int64, error) { return 0, nil }

type memKeyRepo struct {
	mu   sync.Mutex
	keys map[string]domain.SigningKey
}

func (m *memKeyRepo) GetActiveKey(ctx context.Context, purpose string) (domain.SigningKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[purpose]
	if !ok {
		return domain.SigningKey{}, pgx.ErrNoRows
	}
	return key, nil
}

func (m *memKeyRepo) CreateKey(ctx context.Context, key domain.SigningKey) (domain.SigningKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys == nil {
		m.keys = make(map[string]domain.SigningKey)
	}
	m.keys[key.Purpose] = key
	return key, nil
}
