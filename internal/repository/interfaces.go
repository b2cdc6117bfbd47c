package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/oz-auth/internal/domain"
	"github.com/smallbiznis/oz-auth/internal/domain/oauth"
)

// IdentityRepository exposes persistence for identity records.
type IdentityRepository interface {
	GetByID(ctx context.Context, id int64) (domain.Identity, error)
	GetByEmail(ctx context.Context, email string) (domain.Identity, error)
	GetByExternalID(ctx context.Context, externalID string) (domain.Identity, error)
	// Upsert creates the identity on first sight of its external id and is a
	// no-op otherwise (first-write-wins). Returns the stored record either way.
	Upsert(ctx context.Context, identity domain.Identity) (domain.Identity, error)
}

// CodeRepository manages authorization codes.
type CodeRepository interface {
	CreateCode(ctx context.Context, code domain.AuthorizationCode) error
	// ConsumeCode atomically marks the code used and returns its binding.
	// Exactly one of any number of concurrent calls for the same code
	// succeeds; the rest receive oauth.ErrCodeAlreadyUsed. Unknown codes
	// yield oauth.ErrCodeNotFound and stale ones oauth.ErrCodeExpired.
	ConsumeCode(ctx context.Context, code string) (domain.AuthorizationCode, error)
	// DeleteExpired removes expired codes for storage hygiene; expiry alone
	// already makes them permanently invalid.
	DeleteExpired(ctx context.Context) (int64, error)
}

// TokenRepository handles access token persistence.
type TokenRepository interface {
	CreateToken(ctx context.Context, token domain.AccessToken) (domain.AccessToken, error)
	GetByToken(ctx context.Context, token string) (domain.AccessToken, error)
	DeleteExpired(ctx context.Context) (int64, error)
}

// KeyRepository stores signing keys per purpose.
type KeyRepository interface {
	GetActiveKey(ctx context.Context, purpose string) (domain.SigningKey, error)
	CreateKey(ctx context.Context, key domain.SigningKey) (domain.SigningKey, error)
}

// StateStore persists one-time login states for the relying party.
type StateStore interface {
	SaveState(ctx context.Context, state oauth.LoginState, ttl time.Duration) error
	// ConsumeState removes the state atomically. The second return reports
	// whether it existed; a state can be consumed at most once.
	ConsumeState(ctx context.Context, state string) (*oauth.LoginState, bool, error)
}
