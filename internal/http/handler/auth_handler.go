package handler

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	domainoauth "github.com/smallbiznis/oz-auth/internal/domain/oauth"
	"github.com/smallbiznis/oz-auth/internal/http/middleware"
	"github.com/smallbiznis/oz-auth/internal/service"
)

// AuthHandler orchestrates the authorization server endpoints.
type AuthHandler struct {
	Auth      *service.AuthService
	Discovery *service.DiscoveryService
}

// NewAuthHandler creates the handler set.
func NewAuthHandler(auth *service.AuthService, discovery *service.DiscoveryService) *AuthHandler {
	return &AuthHandler{Auth: auth, Discovery: discovery}
}

// Login authenticates by email/password and returns the session credential.
func (h *AuthHandler) Login(c *gin.Context) {
	var req struct {
		Email    string `json:"email" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "email and password are required."})
		return
	}

	session, err := h.Auth.Login(c.Request.Context(), req.Email, req.Password, issuerOf(c))
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// Me returns the identity attached by the session middleware.
func (h *AuthHandler) Me(c *gin.Context) {
	identity, ok := middleware.GetIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Session not resolved."})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user": service.UserViewModel{ID: identity.ID, Email: identity.Email, Name: identity.Name},
	})
}

// Authorize validates the request and redirects the browser back to the client
// with a fresh single-use code. Without a valid session it redirects to the
// login page with the original query preserved.
func (h *AuthHandler) Authorize(c *gin.Context) {
	var req struct {
		ClientID     string `form:"client_id"`
		ResponseType string `form:"response_type"`
		RedirectURI  string `form:"redirect_uri"`
		State        string `form:"state"`
	}
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Invalid authorize request."})
		return
	}
	if rt := strings.TrimSpace(req.ResponseType); rt != "" && !strings.EqualFold(rt, "code") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported_response_type", "error_description": "Only response_type=code is supported."})
		return
	}

	redirect, err := h.Auth.Authorize(c.Request.Context(), service.AuthorizeRequest{
		ClientID:     req.ClientID,
		RedirectURI:  req.RedirectURI,
		State:        req.State,
		SessionToken: sessionToken(c),
		Issuer:       issuerOf(c),
	})
	if err != nil {
		if errors.Is(err, service.ErrLoginRequired) {
			h.redirectLogin(c, req.ClientID, req.RedirectURI, req.State)
			return
		}
		h.respondServiceError(c, err)
		return
	}

	c.Redirect(http.StatusFound, redirect)
}

// Token handles the authorization_code grant exchange.
func (h *AuthHandler) Token(c *gin.Context) {
	var req struct {
		GrantType    string `form:"grant_type" binding:"required"`
		ClientID     string `form:"client_id"`
		ClientSecret string `form:"client_secret"`
		Code         string `form:"code"`
	}
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Invalid token request."})
		return
	}

	resp, err := h.Auth.Exchange(c.Request.Context(), service.TokenRequest{
		GrantType:    strings.ToLower(strings.TrimSpace(req.GrantType)),
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		Code:         req.Code,
		Issuer:       issuerOf(c),
	})
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// UserInfo returns the identity bound to a bearer access token.
func (h *AuthHandler) UserInfo(c *gin.Context) {
	authz := c.GetHeader("Authorization")
	parts := strings.SplitN(authz, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		c.Header("WWW-Authenticate", "Bearer")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Authorization header missing or invalid."})
		return
	}

	info, err := h.Auth.UserInfo(c.Request.Context(), strings.TrimSpace(parts[1]), issuerOf(c))
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// OpenIDConfig returns the OpenID discovery document.
func (h *AuthHandler) OpenIDConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.Discovery.OpenIDConfigurationResponse(middleware.SchemeOnly(c.Request), middleware.HostOnly(c.Request)))
}

// JWKS exposes the access token signing key set.
func (h *AuthHandler) JWKS(c *gin.Context) {
	jwks, err := h.Auth.JWKS(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": err.Error()})
		return
	}
	c.JSON(http.StatusOK, jwks)
}

func (h *AuthHandler) redirectLogin(c *gin.Context, clientID, redirectURI, state string) {
	loginURL := &url.URL{
		Scheme: middleware.SchemeOnly(c.Request),
		Host:   middleware.HostOnly(c.Request),
		Path:   "/login",
	}
	q := loginURL.Query()
	if clientID != "" {
		q.Set("client_id", clientID)
	}
	if redirectURI != "" {
		q.Set("redirect_uri", redirectURI)
	}
	if state != "" {
		q.Set("state", state)
	}
	loginURL.RawQuery = q.Encode()
	c.Redirect(http.StatusFound, loginURL.String())
}

func (h *AuthHandler) respondServiceError(c *gin.Context, err error) {
	logger := zap.L()

	var oauthErr *service.OAuthError
	if errors.As(err, &oauthErr) {
		logger.Warn("oauth request rejected", zap.String("code", oauthErr.Code), zap.Error(err))
		c.JSON(oauthErr.Status, gin.H{"error": oauthErr.Code, "error_description": oauthErr.Description})
		return
	}

	switch {
	case errors.Is(err, domainoauth.ErrMissingToken):
		c.Header("WWW-Authenticate", "Bearer")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Bearer token required."})
	case errors.Is(err, domainoauth.ErrTokenExpired):
		logger.Warn("token expired", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Token expired."})
	case errors.Is(err, domainoauth.ErrTokenInvalid):
		logger.Warn("token invalid", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Token could not be verified."})
	case errors.Is(err, domainoauth.ErrUserNotFound):
		logger.Warn("identity missing", zap.Error(err))
		c.JSON(http.StatusNotFound, gin.H{"error": "user_not_found", "error_description": "Identity no longer exists."})
	default:
		logger.Error("auth service failure", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Internal server error."})
	}
}

func sessionToken(c *gin.Context) string {
	if cookie, err := c.Cookie("oz_session"); err == nil && strings.TrimSpace(cookie) != "" {
		return strings.TrimSpace(cookie)
	}
	authz := c.GetHeader("Authorization")
	parts := strings.SplitN(authz, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

func issuerOf(c *gin.Context) string {
	return fmt.Sprintf("%s://%s", middleware.SchemeOnly(c.Request), middleware.HostOnly(c.Request))
}
