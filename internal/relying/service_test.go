package relying_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/oz-auth/internal/adapter/authserver"
	"github.com/smallbiznis/oz-auth/internal/config"
	"github.com/smallbiznis/oz-auth/internal/domain"
	"github.com/smallbiznis/oz-auth/internal/domain/oauth"
	"github.com/smallbiznis/oz-auth/internal/jwt"
	"github.com/smallbiznis/oz-auth/internal/password"
	"github.com/smallbiznis/oz-auth/internal/relying"
	"github.com/smallbiznis/oz-auth/internal/service"
)

const testIssuer = "http://app.local"

// upstream fakes the authorization server's token and userinfo endpoints.
type upstream struct {
	mu        sync.Mutex
	tokenHits int
	failToken bool
	userID    string
}

func (u *upstream) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		u.tokenHits++
		fail := u.failToken
		u.mu.Unlock()

		require.NoError(t, r.ParseForm())
		if fail {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
			return
		}
		if r.PostFormValue("grant_type") != "authorization_code" || r.PostFormValue("code") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "upstream-token",
			"token_type":   "Bearer",
			"expires_in":   86400,
		})
	})
	mux.HandleFunc("/oauth/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer upstream-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":    u.userID,
			"email": "user@example.com",
			"name":  "Test User",
		})
	})
	return mux
}

type env struct {
	svc        *relying.Service
	states     *memStateStore
	identities *memIdentityRepo
	upstream   *upstream
	cfg        config.Config
}

func newEnv(t *testing.T) (*env, func()) {
	t.Helper()

	up := &upstream{userID: "42"}
	server := httptest.NewServer(up.handler(t))

	cfg := config.Config{
		ClientID:        "client",
		ClientSecret:    "secret",
		AuthServerURL:   server.URL,
		RedirectURI:     "http://localhost:5173/auth/callback",
		CodeTTL:         10 * time.Minute,
		SessionTokenTTL: 7 * 24 * time.Hour,
	}

	states := newMemStateStore()
	identities := newMemIdentityRepo()
	keys := &memKeyRepo{}
	session := jwt.NewGenerator(jwt.NewKeyManager(keys, domain.KeyPurposeSession), cfg.SessionTokenTTL)
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)

	client := authserver.NewHTTPClient(cfg.AuthServerURL, cfg.ClientID, cfg.ClientSecret, server.Client())
	svc := relying.NewService(client, identities, states, node, session, cfg, zap.NewNop())

	return &env{svc: svc, states: states, identities: identities, upstream: up, cfg: cfg}, server.Close
}

func TestLoginURL(t *testing.T) {
	e, done := newEnv(t)
	defer done()

	resp, err := e.svc.LoginURL(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, resp.State)

	parsed, err := url.Parse(resp.URL)
	require.NoError(t, err)
	require.Equal(t, "/oauth/authorize", parsed.Path)
	require.Equal(t, "client", parsed.Query().Get("client_id"))
	require.Equal(t, e.cfg.RedirectURI, parsed.Query().Get("redirect_uri"))
	require.Equal(t, resp.State, parsed.Query().Get("state"))

	// The state is now stored for the exchange step.
	require.Equal(t, 1, e.states.count())
}

func TestExchangeTokenIssuesSession(t *testing.T) {
	e, done := newEnv(t)
	defer done()

	session, err := e.svc.ExchangeToken(context.Background(), relying.ExchangeRequest{
		Code: "good-code", Issuer: testIssuer,
	})
	require.NoError(t, err)
	require.Equal(t, "Bearer", session.TokenType)
	require.NotEmpty(t, session.Token)
	require.Equal(t, "user@example.com", session.User.Email)

	user, err := e.svc.Verify(context.Background(), session.Token, testIssuer)
	require.NoError(t, err)
	require.Equal(t, session.User.ID, user.ID)
}

func TestExchangeTokenRequiresCode(t *testing.T) {
	e, done := newEnv(t)
	defer done()

	_, err := e.svc.ExchangeToken(context.Background(), relying.ExchangeRequest{Issuer: testIssuer})
	require.ErrorIs(t, err, oauth.ErrInvalidRequest)
}

func TestExchangeTokenConsumesStateOnce(t *testing.T) {
	e, done := newEnv(t)
	defer done()

	login, err := e.svc.LoginURL(context.Background())
	require.NoError(t, err)

	_, err = e.svc.ExchangeToken(context.Background(), relying.ExchangeRequest{
		Code: "good-code", State: login.State, Issuer: testIssuer,
	})
	require.NoError(t, err)

	// Replaying the state fails even with a fresh code.
	_, err = e.svc.ExchangeToken(context.Background(), relying.ExchangeRequest{
		Code: "another-code", State: login.State, Issuer: testIssuer,
	})
	require.ErrorIs(t, err, oauth.ErrInvalidState)
}

func TestExchangeTokenRejectsUnknownState(t *testing.T) {
	e, done := newEnv(t)
	defer done()

	_, err := e.svc.ExchangeToken(context.Background(), relying.ExchangeRequest{
		Code: "good-code", State: "never-issued", Issuer: testIssuer,
	})
	require.ErrorIs(t, err, oauth.ErrInvalidState)
	require.Zero(t, e.upstream.tokenHits)
}

func TestExchangeTokenSurfacesUpstreamFailure(t *testing.T) {
	e, done := newEnv(t)
	defer done()
	e.upstream.failToken = true

	_, err := e.svc.ExchangeToken(context.Background(), relying.ExchangeRequest{
		Code: "burned-code", Issuer: testIssuer,
	})
	require.ErrorIs(t, err, oauth.ErrUpstream)
}

func TestExchangeTokenFirstWriteWins(t *testing.T) {
	e, done := newEnv(t)
	defer done()

	first, err := e.svc.ExchangeToken(context.Background(), relying.ExchangeRequest{
		Code: "code-1", Issuer: testIssuer,
	})
	require.NoError(t, err)

	second, err := e.svc.ExchangeToken(context.Background(), relying.ExchangeRequest{
		Code: "code-2", Issuer: testIssuer,
	})
	require.NoError(t, err)

	// Same upstream subject maps to the same local identity.
	require.Equal(t, first.User.ID, second.User.ID)
	require.Equal(t, 1, e.identities.count())
}

func TestFederationDoesNotShadowPasswordLogin(t *testing.T) {
	e, done := newEnv(t)
	defer done()

	// The authorization server holds its own credential store; the relying
	// party mirrors identities into a separate one.
	hash, err := password.Hash("correct horse")
	require.NoError(t, err)
	credentials := newMemIdentityRepo()
	_, err = credentials.Upsert(context.Background(), domain.Identity{
		ID: 10, ExternalID: "ext-10", Email: "user@example.com", Name: "Test User", PasswordHash: hash,
	})
	require.NoError(t, err)

	keys := &memKeyRepo{}
	cfg := config.Config{
		ClientID:       "client",
		ClientSecret:   "secret",
		RedirectURIs:   []string{e.cfg.RedirectURI},
		CodeTTL:        10 * time.Minute,
		AccessTokenTTL: time.Hour,
	}
	access := jwt.NewGenerator(jwt.NewKeyManager(keys, domain.KeyPurposeAccess), cfg.AccessTokenTTL)
	session := jwt.NewGenerator(jwt.NewKeyManager(keys, domain.KeyPurposeSession), time.Hour)
	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	authSvc := service.NewAuthService(credentials, noopCodeRepo{}, noopTokenRepo{}, node, access, session, cfg, zap.NewNop())

	// Federation mirrors the same email into the relying party's store.
	_, err = e.svc.ExchangeToken(context.Background(), relying.ExchangeRequest{
		Code: "code-1", Issuer: testIssuer,
	})
	require.NoError(t, err)
	require.Equal(t, 1, e.identities.count())

	// The credential row is untouched and password login keeps working.
	resp, err := authSvc.Login(context.Background(), "user@example.com", "correct horse", "http://auth.local")
	require.NoError(t, err)
	require.Equal(t, int64(10), resp.User.ID)
	require.Equal(t, 1, credentials.count())
}

func TestVerifyRejectsBadTokens(t *testing.T) {
	e, done := newEnv(t)
	defer done()

	_, err := e.svc.Verify(context.Background(), "", testIssuer)
	require.ErrorIs(t, err, oauth.ErrMissingToken)

	_, err = e.svc.Verify(context.Background(), "garbage", testIssuer)
	require.ErrorIs(t, err, oauth.ErrTokenInvalid)
}

type memStateStore struct {
	mu     sync.Mutex
	states map[string]oauth.LoginState
}

func newMemStateStore() *memStateStore {
	return &memStateStore{states: make(map[string]oauth.LoginState)}
}

func (m *memStateStore) SaveState(ctx context.Context, state oauth.LoginState, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.State] = state
	return nil
}

func (m *memStateStore) ConsumeState(ctx context.Context, state string) (*oauth.LoginState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.states[state]
	if !ok {
		return nil, false, nil
	}
	delete(m.states, state)
	return &stored, true, nil
}

func (m *memStateStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.states)
}

type memIdentityRepo struct {
	mu         sync.Mutex
	byID       map[int64]domain.Identity
	byExternal map[string]int64
}

func newMemIdentityRepo() *memIdentityRepo {
	return &memIdentityRepo{byID: make(map[int64]domain.Identity), byExternal: make(map[string]int64)}
}

func (m *memIdentityRepo) GetByID(ctx context.Context, id int64) (domain.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	identity, ok := m.byID[id]
	if !ok {
		return domain.Identity{}, oauth.ErrUserNotFound
	}
	return identity, nil
}

func (m *memIdentityRepo) GetByEmail(ctx context.Context, email string) (domain.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, identity := range m.byID {
		if identity.Email == email {
			return identity, nil
		}
	}
	return domain.Identity{}, oauth.ErrUserNotFound
}

func (m *memIdentityRepo) GetByExternalID(ctx context.Context, externalID string) (domain.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byExternal[externalID]
	if !ok {
		return domain.Identity{}, oauth.ErrUserNotFound
	}
	return m.byID[id], nil
}

func (m *memIdentityRepo) Upsert(ctx context.Context, identity domain.Identity) (domain.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.byExternal[identity.ExternalID]; ok {
		return m.byID[existing], nil
	}
	m.byID[identity.ID] = identity
	m.byExternal[identity.ExternalID] = identity.ID
	return identity, nil
}

func (m *memIdentityRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

type noopCodeRepo struct{}

func (noopCodeRepo) CreateCode(ctx context.Context, code domain.AuthorizationCode) error { return nil }

func (noopCodeRepo) ConsumeCode(ctx context.Context, code string) (domain.AuthorizationCode, error) {
	return domain.AuthorizationCode{}, oauth.ErrCodeNotFound
}

func (noopCodeRepo) DeleteExpired(ctx context.Context) (int64, error) { return 0, nil }

type noopTokenRepo struct{}

func (noopTokenRepo) CreateToken(ctx context.Context, token domain.AccessToken) (domain.AccessToken, error) {
	return token, nil
}

func (noopTokenRepo) GetByToken(ctx context.Context, token string) (domain.AccessToken, error) {
	return domain.AccessToken{}, oauth.ErrTokenInvalid
}

func (noopTokenRepo) DeleteExpired(ctx context.Context) (int64, error) { return 0, nil }

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
