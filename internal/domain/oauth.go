package domain

import "time"

// AuthorizationCode is a single-use, short-lived code minted by the authorize
// endpoint. Redeemable at most once and only before ExpiresAt.
type AuthorizationCode struct {
	ID         int64
	Code       string
	IdentityID int64
	ClientID   string
	Used       bool
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

// AccessToken is a bearer credential minted by the token endpoint. Valid only
// before ExpiresAt; there is no revocation other than expiry.
type AccessToken struct {
	ID         int64
	Token      string
	IdentityID int64
	ClientID   string
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

// SigningKey stores an HS256 signing secret. Keys are scoped by purpose so the
// authorization server (access tokens) and the relying party (session tokens)
// never share a secret.
type SigningKey struct {
	ID        int64
	Purpose   string
	KID       string
	Secret    []byte
	Algorithm string
	IsActive  bool
	CreatedAt time.Time
	RotatedAt *time.Time
}

// Signing key purposes.
const (
	KeyPurposeAccess  = "access"
	KeyPurposeSession = "session"
)
