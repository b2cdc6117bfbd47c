package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/smallbiznis/oz-auth/internal/domain"
	"github.com/smallbiznis/oz-auth/internal/service"
)

const identityKey = "identity"

// Auth validates the Authorization header against the session credential and
// attaches the resolved identity.
type Auth struct {
	AuthService *service.AuthService
}

// ValidateSession ensures the request carries a valid session bearer token.
func (m *Auth) ValidateSession(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if header == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Authorization header required."})
		return
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Bearer token required."})
		return
	}
	issuer := fmt.Sprintf("%s://%s", SchemeOnly(c.Request), HostOnly(c.Request))
	identity, err := m.AuthService.VerifySession(c.Request.Context(), strings.TrimSpace(parts[1]), issuer)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Invalid session token."})
		return
	}
	c.Set(identityKey, identity)
	c.Next()
}

// GetIdentity exposes the authenticated identity to handlers.
func GetIdentity(c *gin.Context) (domain.Identity, bool) {
	value, ok := c.Get(identityKey)
	if !ok {
		return domain.Identity{}, false
	}
	identity, ok := value.(domain.Identity)
	return identity, ok
}

// HostOnly returns the request host without a port.
func HostOnly(r *http.Request) string {
	host := r.Host
	if strings.Contains(host, ":") {
		if h, _, err := net.SplitHostPort(host); err == nil {
			return h
		}
	}
	return host
}

// SchemeOnly resolves the effective request scheme.
func SchemeOnly(r *http.Request) string {
	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		if r.TLS != nil {
			scheme = "https"
		} else {
			scheme = "http"
		}
	}
	return scheme
}
