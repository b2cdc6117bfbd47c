package domain

import (
	"encoding/json"
	"time"
)

// Identity represents a user record held by the credential store. The
// authorization server authenticates identities by email/password; the relying
// party creates them lazily on first federation, keyed by ExternalID.
type Identity struct {
	ID           int64
	ExternalID   string
	Email        string
	Name         string
	PasswordHash string
	Profile      json.RawMessage
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
