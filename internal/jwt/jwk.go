package jwt

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/smallbiznis/oz-auth/internal/domain"
	"github.com/smallbiznis/oz-auth/internal/repository"
)

// KeyManager ensures a purpose always has an active signing key. Access
// tokens and relying-party session tokens use distinct purposes so the two
// services never share a secret.
type KeyManager struct {
	repo    repository.KeyRepository
	purpose string
}

// NewKeyManager creates a KeyManager scoped to one signing purpose.
func NewKeyManager(repo repository.KeyRepository, purpose string) *KeyManager {
	return &KeyManager{repo: repo, purpose: purpose}
}

// EnsureSigningKey returns the active key or creates a new one if missing.
func (m *KeyManager) EnsureSigningKey(ctx context.Context) (domain.SigningKey, error) {
	key, err := m.repo.GetActiveKey(ctx, m.purpose)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.SigningKey{}, fmt.Errorf("ensure signing key: %w", err)
	}

	secret := make([]byte, 64)
	if _, randErr := rand.Read(secret); randErr != nil {
		return domain.SigningKey{}, fmt.Errorf("generate secret: %w", randErr)
	}

	key = domain.SigningKey{
		Purpose:   m.purpose,
		KID:       uuid.NewString(),
		Secret:    secret,
		Algorithm: string(jose.HS256),
		IsActive:  true,
	}

	created, err := m.repo.CreateKey(ctx, key)
	if err != nil {
		return domain.SigningKey{}, fmt.Errorf("persist signing key: %w", err)
	}

	return created, nil
}

// ActiveKey retrieves an existing signing key without creating a new one.
func (m *KeyManager) ActiveKey(ctx context.Context) (domain.SigningKey, error) {
	key, err := m.repo.GetActiveKey(ctx, m.purpose)
	if err != nil {
		return domain.SigningKey{}, fmt.Errorf("active key: %w", err)
	}
	return key, nil
}

// JWKS returns the JSON Web Key Set for the purpose.
func (m *KeyManager) JWKS(ctx context.Context) (jose.JSONWebKeySet, error) {
	key, err := m.EnsureSigningKey(ctx)
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("jwks active key: %w", err)
	}
	jwk := jose.JSONWebKey{
		KeyID:     key.KID,
		Use:       "sig",
		Algorithm: key.Algorithm,
		Key:       key.Secret,
	}
	if jwk.IsPublic() {
		return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk.Public()}}, nil
	}
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}}, nil
}
