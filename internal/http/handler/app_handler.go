package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	domainoauth "github.com/smallbiznis/oz-auth/internal/domain/oauth"
	"github.com/smallbiznis/oz-auth/internal/relying"
)

// AppHandler exposes the relying party endpoints consumed by the frontend.
type AppHandler struct {
	Relying *relying.Service
}

// NewAppHandler creates the relying party handler set.
func NewAppHandler(svc *relying.Service) *AppHandler {
	return &AppHandler{Relying: svc}
}

// LoginURL returns the authorization URL the browser should follow.
func (h *AppHandler) LoginURL(c *gin.Context) {
	resp, err := h.Relying.LoginURL(c.Request.Context())
	if err != nil {
		h.respondRelyingError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ExchangeToken runs the callback pipeline and returns the session credential.
func (h *AppHandler) ExchangeToken(c *gin.Context) {
	var req struct {
		Code  string `json:"code" binding:"required"`
		State string `json:"state"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "code is required."})
		return
	}

	session, err := h.Relying.ExchangeToken(c.Request.Context(), relying.ExchangeRequest{
		Code:   req.Code,
		State:  req.State,
		Issuer: issuerOf(c),
	})
	if err != nil {
		h.respondRelyingError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// Verify validates a session credential and returns the user it names.
func (h *AppHandler) Verify(c *gin.Context) {
	authz := c.GetHeader("Authorization")
	parts := strings.SplitN(authz, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Authorization header missing or invalid."})
		return
	}

	user, err := h.Relying.Verify(c.Request.Context(), strings.TrimSpace(parts[1]), issuerOf(c))
	if err != nil {
		h.respondRelyingError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

func (h *AppHandler) respondRelyingError(c *gin.Context, err error) {
	logger := zap.L()
	switch {
	case errors.Is(err, domainoauth.ErrInvalidRequest):
		logger.Warn("relying invalid request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": err.Error()})
	case errors.Is(err, domainoauth.ErrInvalidState):
		logger.Warn("relying state mismatch", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_state", "error_description": "Unknown or already used state."})
	case errors.Is(err, domainoauth.ErrMissingToken), errors.Is(err, domainoauth.ErrTokenInvalid):
		logger.Warn("relying token invalid", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Token could not be verified."})
	case errors.Is(err, domainoauth.ErrUserNotFound):
		logger.Warn("relying identity missing", zap.Error(err))
		c.JSON(http.StatusNotFound, gin.H{"error": "user_not_found", "error_description": "Identity no longer exists."})
	case errors.Is(err, domainoauth.ErrUpstream):
		logger.Error("authorization server unreachable", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Authorization server request failed."})
	default:
		logger.Error("relying service failure", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Internal server error."})
	}
}
