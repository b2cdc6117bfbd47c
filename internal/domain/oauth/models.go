package oauth

import (
	"encoding/json"
	"time"
)

// TokenResponse models the authorization server's token endpoint response as
// seen by the relying party.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// UserInfo is the identity payload returned by the userinfo endpoint. Raw
// keeps the full response so the relying party can store it as the profile
// blob.
type UserInfo struct {
	ID    string          `json:"id"`
	Email string          `json:"email"`
	Name  string          `json:"name"`
	Raw   json.RawMessage `json:"-"`
}

// LoginState is the one-time state persisted when the relying party builds a
// login URL. Consuming it on exchange is the CSRF check.
type LoginState struct {
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}
