package service

import "encoding/json"

// TokenResponse matches OAuth token endpoint responses.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// SessionResponse is returned by the login endpoint. The token is the session
// credential the authorize endpoint requires.
type SessionResponse struct {
	Token     string        `json:"token"`
	TokenType string        `json:"token_type"`
	ExpiresIn int           `json:"expires_in"`
	User      UserViewModel `json:"user"`
}

// UserInfoResponse is the identity record returned by userinfo, minus secrets.
type UserInfoResponse struct {
	ID      string          `json:"id"`
	Email   string          `json:"email"`
	Name    string          `json:"name"`
	Profile json.RawMessage `json:"profile,omitempty"`
}

// UserViewModel represents lightweight user profile data returned to clients.
type UserViewModel struct {
	ID    int64  `json:"id"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}
