package relying

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/smallbiznis/oz-auth/internal/adapter/authserver"
	"github.com/smallbiznis/oz-auth/internal/config"
	"github.com/smallbiznis/oz-auth/internal/domain"
	"github.com/smallbiznis/oz-auth/internal/domain/oauth"
	"github.com/smallbiznis/oz-auth/internal/jwt"
	"github.com/smallbiznis/oz-auth/internal/repository"
)

// Service is the relying party: it builds login URLs, walks the callback
// pipeline (state check, code exchange, userinfo, identity upsert), and issues
// local session credentials.
type Service struct {
	authServer authserver.Client
	identities repository.IdentityRepository
	states     repository.StateStore
	snowflake  *snowflake.Node
	session    *jwt.Generator
	cfg        config.Config
	logger     *zap.Logger
	tracer     trace.Tracer
}

// NewService wires dependencies.
func NewService(client authserver.Client, identities repository.IdentityRepository, states repository.StateStore, node *snowflake.Node, session *jwt.Generator, cfg config.Config, logger *zap.Logger) *Service {
	return &Service{
		authServer: client,
		identities: identities,
		states:     states,
		snowflake:  node,
		session:    session,
		cfg:        cfg,
		logger:     logger,
		tracer:     otel.Tracer("github.com/smallbiznis/oz-auth/internal/relying"),
	}
}

// LoginURLResponse carries the authorization URL the browser should follow.
type LoginURLResponse struct {
	URL   string `json:"url"`
	State string `json:"state"`
}

// SessionResponse is returned after a successful token exchange.
type SessionResponse struct {
	Token     string   `json:"token"`
	TokenType string   `json:"token_type"`
	ExpiresIn int      `json:"expires_in"`
	User      UserView `json:"user"`
}

// UserView is the public shape of a local identity.
type UserView struct {
	ID    int64  `json:"id"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// LoginURL mints a one-time state, persists it, and returns the authorization
// server URL the browser should be sent to.
func (s *Service) LoginURL(ctx context.Context) (*LoginURLResponse, error) {
	ctx, span := s.startSpan(ctx, "Relying.LoginURL")
	defer span.End()

	state := randomState()
	record := oauth.LoginState{State: state, CreatedAt: time.Now().UTC()}
	if err := s.states.SaveState(ctx, record, s.cfg.CodeTTL); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("persist login state: %w", err)
	}

	authorize, err := url.Parse(strings.TrimRight(s.cfg.AuthServerURL, "/") + "/oauth/authorize")
	if err != nil {
		return nil, fmt.Errorf("parse auth server url: %w", err)
	}
	q := authorize.Query()
	q.Set("client_id", s.cfg.ClientID)
	q.Set("redirect_uri", s.cfg.RedirectURI)
	q.Set("state", state)
	authorize.RawQuery = q.Encode()

	return &LoginURLResponse{URL: authorize.String(), State: state}, nil
}

// ExchangeRequest carries the callback inputs.
type ExchangeRequest struct {
	Code   string
	State  string
	Issuer string
}

// ExchangeToken redeems the authorization code upstream, loads the identity,
// mirrors it locally (first write wins on the external id), and issues the
// session credential. When a state is supplied it must match a stored one and
// is consumed in the process.
func (s *Service) ExchangeToken(ctx context.Context, req ExchangeRequest) (*SessionResponse, error) {
	ctx, span := s.startSpan(ctx, "Relying.ExchangeToken")
	defer span.End()

	if strings.TrimSpace(req.Code) == "" {
		return nil, fmt.Errorf("%w: code is required", oauth.ErrInvalidRequest)
	}
	if state := strings.TrimSpace(req.State); state != "" {
		_, ok, err := s.states.ConsumeState(ctx, state)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("consume login state: %w", err)
		}
		if !ok {
			return nil, oauth.ErrInvalidState
		}
	}

	token, err := s.authServer.ExchangeCode(ctx, req.Code)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	info, err := s.authServer.FetchUserInfo(ctx, token.AccessToken)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	identity, err := s.identities.Upsert(ctx, domain.Identity{
		ID:         s.snowflake.Generate().Int64(),
		ExternalID: info.ID,
		Email:      info.Email,
		Name:       info.Name,
		Profile:    info.Raw,
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("upsert identity: %w", err)
	}

	signed, err := s.session.Generate(ctx, identity, "session", req.Issuer)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("generate session token: %w", err)
	}

	s.audit("session.issued", "identity_id", identity.ID, "external_id", identity.ExternalID)
	return &SessionResponse{
		Token:     signed,
		TokenType: "Bearer",
		ExpiresIn: int(s.session.TTL().Seconds()),
		User:      UserView{ID: identity.ID, Email: identity.Email, Name: identity.Name},
	}, nil
}

// Verify validates a session credential and returns the local identity it
// names.
func (s *Service) Verify(ctx context.Context, token, issuer string) (*UserView, error) {
	ctx, span := s.startSpan(ctx, "Relying.Verify")
	defer span.End()

	if strings.TrimSpace(token) == "" {
		return nil, oauth.ErrMissingToken
	}
	std, _, err := s.session.Validate(ctx, token, issuer)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %s", oauth.ErrTokenInvalid, err)
	}
	id, err := jwt.Subject(std)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", oauth.ErrTokenInvalid, err)
	}
	identity, err := s.identities.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, oauth.ErrUserNotFound) {
			return nil, oauth.ErrUserNotFound
		}
		return nil, fmt.Errorf("verify load identity: %w", err)
	}
	return &UserView{ID: identity.ID, Email: identity.Email, Name: identity.Name}, nil
}

func (s *Service) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s == nil || s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, name)
}

func (s *Service) audit(event string, attrs ...any) {
	logger := s.logger
	if logger == nil {
		logger = zap.L()
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

func randomState() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
