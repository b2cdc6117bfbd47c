package service

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	gojose "github.com/go-jose/go-jose/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/smallbiznis/oz-auth/internal/config"
	"github.com/smallbiznis/oz-auth/internal/domain"
	"github.com/smallbiznis/oz-auth/internal/domain/oauth"
	"github.com/smallbiznis/oz-auth/internal/jwt"
	"github.com/smallbiznis/oz-auth/internal/password"
	"github.com/smallbiznis/oz-auth/internal/repository"
)

// OAuthError standardizes OAuth compliant errors.
type OAuthError struct {
	Code        string
	Description string
	Status      int
}

func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func newOAuthError(code, desc string, status int) *OAuthError {
	return &OAuthError{Code: code, Description: desc, Status: status}
}

// ErrLoginRequired signals that authorize must present a login challenge
// instead of issuing a code.
var ErrLoginRequired = errors.New("login required")

// AuthService is the authorization server's protocol state machine: it mints
// and redeems single-use codes, issues bearer tokens, and answers userinfo.
type AuthService struct {
	identities repository.IdentityRepository
	codes      repository.CodeRepository
	tokens     repository.TokenRepository
	snowflake  *snowflake.Node
	access     *jwt.Generator
	session    *jwt.Generator
	cfg        config.Config
	logger     *zap.Logger
	tracer     trace.Tracer
}

// NewAuthService wires dependencies.
func NewAuthService(identities repository.IdentityRepository, codes repository.CodeRepository, tokens repository.TokenRepository, node *snowflake.Node, access, session *jwt.Generator, cfg config.Config, logger *zap.Logger) *AuthService {
	return &AuthService{
		identities: identities,
		codes:      codes,
		tokens:     tokens,
		snowflake:  node,
		access:     access,
		session:    session,
		cfg:        cfg,
		logger:     logger,
		tracer:     otel.Tracer("github.com/smallbiznis/oz-auth/internal/service"),
	}
}

// Login authenticates by email/password and issues the session credential
// that authorize requires.
func (s *AuthService) Login(ctx context.Context, email, pass, issuer string) (*SessionResponse, error) {
	ctx, span := s.startSpan(ctx, "AuthService.Login")
	defer span.End()

	normalized := strings.ToLower(strings.TrimSpace(email))
	identity, err := s.identities.GetByEmail(ctx, normalized)
	if err != nil {
		span.RecordError(err)
		return nil, newOAuthError("invalid_grant", "Wrong email or password.", http.StatusBadRequest)
	}

	valid, err := password.Verify(pass, identity.PasswordHash)
	if err != nil || !valid {
		span.RecordError(fmt.Errorf("invalid password"))
		return nil, newOAuthError("invalid_grant", "Wrong email or password.", http.StatusBadRequest)
	}

	token, err := s.session.Generate(ctx, identity, "session", issuer)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("generate session token: %w", err)
	}

	s.audit("login.success", "identity_id", identity.ID)
	return &SessionResponse{
		Token:     token,
		TokenType: "Bearer",
		ExpiresIn: int(s.session.TTL().Seconds()),
		User:      UserViewModel{ID: identity.ID, Email: identity.Email, Name: identity.Name},
	}, nil
}

// VerifySession validates a session credential and loads its identity.
func (s *AuthService) VerifySession(ctx context.Context, token, issuer string) (domain.Identity, error) {
	std, _, err := s.session.Validate(ctx, token, issuer)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %s", oauth.ErrTokenInvalid, err)
	}
	id, err := jwt.Subject(std)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %s", oauth.ErrTokenInvalid, err)
	}
	identity, err := s.identities.GetByID(ctx, id)
	if err != nil {
		return domain.Identity{}, err
	}
	return identity, nil
}

// AuthorizeRequest carries the authorize endpoint inputs.
type AuthorizeRequest struct {
	ClientID     string
	RedirectURI  string
	State        string
	SessionToken string
	Issuer       string
}

// Authorize validates the client, resolves the caller's identity from the
// session credential, mints a single-use code, and returns the redirect URL
// carrying code and verbatim state. Without a valid session credential it
// returns ErrLoginRequired and no code is created.
func (s *AuthService) Authorize(ctx context.Context, req AuthorizeRequest) (string, error) {
	ctx, span := s.startSpan(ctx, "AuthService.Authorize")
	defer span.End()

	redirect := strings.TrimSpace(req.RedirectURI)
	if redirect == "" {
		return "", newOAuthError("invalid_request", "redirect_uri is required.", http.StatusBadRequest)
	}
	if strings.TrimSpace(req.ClientID) != s.cfg.ClientID {
		return "", newOAuthError("invalid_client", "Unknown client_id.", http.StatusUnauthorized)
	}
	parsed, err := url.Parse(redirect)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", newOAuthError("invalid_request", "redirect_uri must be absolute.", http.StatusBadRequest)
	}
	if !s.cfg.AllowsRedirectURI(redirect) {
		return "", newOAuthError("invalid_request", "redirect_uri not registered for this client.", http.StatusBadRequest)
	}

	if strings.TrimSpace(req.SessionToken) == "" {
		return "", ErrLoginRequired
	}
	identity, err := s.VerifySession(ctx, req.SessionToken, req.Issuer)
	if err != nil {
		span.RecordError(err)
		return "", ErrLoginRequired
	}

	code := domain.AuthorizationCode{
		ID:         s.snowflake.Generate().Int64(),
		Code:       randomString(32),
		IdentityID: identity.ID,
		ClientID:   s.cfg.ClientID,
		ExpiresAt:  time.Now().Add(s.cfg.CodeTTL),
	}
	if err := s.codes.CreateCode(ctx, code); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("persist authorization code: %w", err)
	}

	q := parsed.Query()
	q.Set("code", code.Code)
	if req.State != "" {
		q.Set("state", req.State)
	}
	parsed.RawQuery = q.Encode()

	s.audit("authorization_code.issued", "identity_id", identity.ID, "client_id", code.ClientID)
	return parsed.String(), nil
}

// TokenRequest carries the token endpoint inputs.
type TokenRequest struct {
	GrantType    string
	ClientID     string
	ClientSecret string
	Code         string
	Issuer       string
}

// Exchange redeems an authorization code for a bearer access token. The grant
// type is checked before any registry access so unsupported grants never
// mutate a code.
func (s *AuthService) Exchange(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	ctx, span := s.startSpan(ctx, "AuthService.Exchange")
	defer span.End()

	if req.GrantType != "authorization_code" {
		return nil, newOAuthError("unsupported_grant_type", "Unsupported grant type.", http.StatusBadRequest)
	}
	if strings.TrimSpace(req.ClientID) != s.cfg.ClientID ||
		subtle.ConstantTimeCompare([]byte(req.ClientSecret), []byte(s.cfg.ClientSecret)) != 1 {
		return nil, newOAuthError("invalid_client", "Client authentication failed.", http.StatusUnauthorized)
	}
	if strings.TrimSpace(req.Code) == "" {
		return nil, newOAuthError("invalid_request", "Authorization code missing.", http.StatusBadRequest)
	}

	consumed, err := s.codes.ConsumeCode(ctx, req.Code)
	if err != nil {
		if errors.Is(err, oauth.ErrCodeNotFound) || errors.Is(err, oauth.ErrCodeAlreadyUsed) || errors.Is(err, oauth.ErrCodeExpired) {
			span.RecordError(err)
			return nil, newOAuthError("invalid_grant", "Invalid or expired code.", http.StatusBadRequest)
		}
		return nil, fmt.Errorf("consume authorization code: %w", err)
	}

	identity, err := s.identities.GetByID(ctx, consumed.IdentityID)
	if err != nil {
		if errors.Is(err, oauth.ErrUserNotFound) {
			return nil, newOAuthError("invalid_grant", "Invalid or expired code.", http.StatusBadRequest)
		}
		return nil, fmt.Errorf("token exchange load identity: %w", err)
	}

	signed, err := s.access.Generate(ctx, identity, consumed.ClientID, req.Issuer)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("generate access token: %w", err)
	}

	record := domain.AccessToken{
		ID:         s.snowflake.Generate().Int64(),
		Token:      signed,
		IdentityID: identity.ID,
		ClientID:   consumed.ClientID,
		ExpiresAt:  time.Now().Add(s.cfg.AccessTokenTTL),
	}
	if _, err := s.tokens.CreateToken(ctx, record); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("persist access token: %w", err)
	}

	s.audit("token.exchanged", "identity_id", identity.ID, "client_id", consumed.ClientID)
	return &TokenResponse{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int(s.cfg.AccessTokenTTL.Seconds()),
	}, nil
}

// UserInfo validates a bearer access token and returns the bound identity.
// Signature validity alone is not sufficient: the token must also be present
// and unexpired in the registry.
func (s *AuthService) UserInfo(ctx context.Context, token, issuer string) (*UserInfoResponse, error) {
	ctx, span := s.startSpan(ctx, "AuthService.UserInfo")
	defer span.End()

	if strings.TrimSpace(token) == "" {
		return nil, oauth.ErrMissingToken
	}

	std, _, err := s.access.Validate(ctx, token, issuer)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %s", oauth.ErrTokenInvalid, err)
	}

	record, err := s.tokens.GetByToken(ctx, token)
	if err != nil {
		if errors.Is(err, oauth.ErrTokenInvalid) {
			return nil, oauth.ErrTokenInvalid
		}
		return nil, fmt.Errorf("userinfo token lookup: %w", err)
	}
	if time.Now().After(record.ExpiresAt) {
		return nil, oauth.ErrTokenExpired
	}

	id, err := jwt.Subject(std)
	if err != nil || id != record.IdentityID {
		return nil, oauth.ErrTokenInvalid
	}

	identity, err := s.identities.GetByID(ctx, record.IdentityID)
	if err != nil {
		if errors.Is(err, oauth.ErrUserNotFound) {
			return nil, oauth.ErrUserNotFound
		}
		return nil, fmt.Errorf("userinfo load identity: %w", err)
	}

	return &UserInfoResponse{
		ID:      strconv.FormatInt(identity.ID, 10),
		Email:   identity.Email,
		Name:    identity.Name,
		Profile: identity.Profile,
	}, nil
}

// JWKS returns the access token signing key set.
func (s *AuthService) JWKS(ctx context.Context) (gojose.JSONWebKeySet, error) {
	if s.access == nil {
		return gojose.JSONWebKeySet{}, fmt.Errorf("access token generator not configured")
	}
	return s.access.Keys().JWKS(ctx)
}

func (s *AuthService) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s == nil || s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, name)
}

func (s *AuthService) audit(event string, attrs ...any) {
	logger := s.log()
	if logger == nil {
		return
	}
	fields := make([]zap.Field, 0, len(attrs)/2+2)
	fields = append(fields, zap.String("event", event), zap.Time("timestamp", time.Now().UTC()))
	for i := 0; i+1 < len(attrs); i += 2 {
		key, ok := attrs[i].(string)
		if !ok {
			continue
		}
		fields = append(fields, zap.Any(key, attrs[i+1]))
	}
	logger.Info("audit", fields...)
}

func (s *AuthService) log() *zap.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return zap.L()
}

func randomString(n int) string {
	if n <= 0 {
		n = 32
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
