package jwt

import (
	"context"
	"fmt"
	"strconv"
	"time"

	gojose "github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"

	"github.com/smallbiznis/oz-auth/internal/domain"
)

// Generator signs and validates bearer tokens for one purpose. The
// authorization server constructs one for access tokens and the relying party
// one for session tokens, each with its own TTL and key manager.
type Generator struct {
	keys *KeyManager
	ttl  time.Duration
}

// NewGenerator constructs a token generator.
func NewGenerator(manager *KeyManager, ttl time.Duration) *Generator {
	return &Generator{keys: manager, ttl: ttl}
}

// Claims carry the identity binding embedded in signed tokens. The embedded
// claim alone never authorizes a request; userinfo additionally confirms the
// token against the registry.
type Claims struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// Generate produces a signed token binding the identity.
func (g *Generator) Generate(ctx context.Context, identity domain.Identity, audience, issuer string) (string, error) {
	key, err := g.keys.EnsureSigningKey(ctx)
	if err != nil {
		return "", fmt.Errorf("ensure signing key: %w", err)
	}

	signer, err := gojose.NewSigner(
		gojose.SigningKey{Algorithm: gojose.SignatureAlgorithm(key.Algorithm), Key: key.Secret},
		(&gojose.SignerOptions{}).WithType("JWT").WithHeader("kid", key.KID),
	)
	if err != nil {
		return "", fmt.Errorf("new signer: %w", err)
	}

	// jti makes every token unique even when two are minted for the same
	// identity within the same second.
	now := time.Now().UTC()
	std := gojwt.Claims{
		ID:        uuid.NewString(),
		Subject:   strconv.FormatInt(identity.ID, 10),
		Audience:  gojwt.Audience{audience},
		Issuer:    issuer,
		IssuedAt:  gojwt.NewNumericDate(now),
		Expiry:    gojwt.NewNumericDate(now.Add(g.ttl)),
		NotBefore: gojwt.NewNumericDate(now),
	}
	custom := Claims{Email: identity.Email, Name: identity.Name}

	token, err := gojwt.Signed(signer).Claims(std).Claims(custom).Serialize()
	if err != nil {
		return "", fmt.Errorf("serialize jwt: %w", err)
	}
	return token, nil
}

// Validate checks the signature and standard claims and returns the payload.
func (g *Generator) Validate(ctx context.Context, token, issuer string) (*gojwt.Claims, *Claims, error) {
	key, err := g.keys.ActiveKey(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load key: %w", err)
	}

	allowed := []gojose.SignatureAlgorithm{gojose.SignatureAlgorithm(key.Algorithm)}
	parsed, err := gojwt.ParseSigned(token, allowed)
	if err != nil {
		return nil, nil, fmt.Errorf("parse token: %w", err)
	}

	var std gojwt.Claims
	var custom Claims
	if err := parsed.Claims(key.Secret, &std, &custom); err != nil {
		return nil, nil, fmt.Errorf("verify token: %w", err)
	}

	if err := std.Validate(gojwt.Expected{Issuer: issuer, Time: time.Now()}); err != nil {
		return nil, nil, fmt.Errorf("validate claims: %w", err)
	}

	return &std, &custom, nil
}

// Subject parses the identity id out of validated standard claims.
func Subject(std *gojwt.Claims) (int64, error) {
	if std == nil {
		return 0, fmt.Errorf("missing claims")
	}
	id, err := strconv.ParseInt(std.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid subject claim")
	}
	return id, nil
}

// TTL reports the configured token lifetime.
func (g *Generator) TTL() time.Duration {
	return g.ttl
}

// Keys exposes the generator's key manager.
func (g *Generator) Keys() *KeyManager {
	return g.keys
}
