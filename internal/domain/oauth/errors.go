package oauth

import "errors"

var (
	// ErrInvalidClient signals a client_id or client_secret mismatch.
	ErrInvalidClient = errors.New("oauth: invalid client")
	// ErrInvalidRequest indicates caller input validation errors.
	ErrInvalidRequest = errors.New("oauth: invalid request")
	// ErrUnsupportedGrantType rejects any grant other than authorization_code.
	ErrUnsupportedGrantType = errors.New("oauth: unsupported grant type")
	// ErrCodeNotFound signals an unknown authorization code.
	ErrCodeNotFound = errors.New("oauth: code not found")
	// ErrCodeAlreadyUsed signals a second redemption attempt on a code.
	ErrCodeAlreadyUsed = errors.New("oauth: code already used")
	// ErrCodeExpired signals redemption after the code's expiry.
	ErrCodeExpired = errors.New("oauth: code expired")
	// ErrTokenInvalid indicates malformed or unverifiable tokens.
	ErrTokenInvalid = errors.New("oauth: token invalid")
	// ErrTokenExpired signals an access token past its registry expiry.
	ErrTokenExpired = errors.New("oauth: token expired")
	// ErrMissingToken indicates a missing or malformed Authorization header.
	ErrMissingToken = errors.New("oauth: missing bearer token")
	// ErrInvalidState indicates an unknown or already-consumed login state.
	ErrInvalidState = errors.New("oauth: invalid state")
	// ErrUserNotFound signals that the bound identity no longer exists.
	ErrUserNotFound = errors.New("oauth: user not found")
	// ErrUpstream signals a failed or timed out call to the authorization server.
	ErrUpstream = errors.New("oauth: upstream request failed")
)
