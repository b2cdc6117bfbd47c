package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/smallbiznis/oz-auth/internal/config"
	"github.com/smallbiznis/oz-auth/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/oz-auth/internal/http/middleware"
	"github.com/smallbiznis/oz-auth/internal/middleware"
)

// NewRouter wires the authorization server routes and middleware.
func NewRouter(cfg config.Config, authHandler *handler.AuthHandler, authMiddleware *httpmiddleware.Auth, rateLimiter *middleware.RateLimiter) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(nil))
	if rateLimiter != nil {
		r.Use(rateLimiter.Handler())
	}
	r.Use(middleware.CORS(cfg))
	r.Use(otelgin.Middleware(cfg.ServiceName))

	authGroup := r.Group("/auth")
	{
		authGroup.POST("/login", authHandler.Login)
		authGroup.GET("/me", authMiddleware.ValidateSession, authHandler.Me)
	}

	oauth := r.Group("/oauth")
	{
		oauth.GET("/authorize", authHandler.Authorize)
		oauth.POST("/token", authHandler.Token)
		oauth.GET("/userinfo", authHandler.UserInfo)
	}

	r.GET("/.well-known/openid-configuration", authHandler.OpenIDConfig)
	r.GET("/.well-known/jwks.json", authHandler.JWKS)

	return r
}

// NewAppRouter wires the relying party routes and middleware.
func NewAppRouter(cfg config.Config, appHandler *handler.AppHandler, rateLimiter *middleware.RateLimiter) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(nil))
	if rateLimiter != nil {
		r.Use(rateLimiter.Handler())
	}
	r.Use(middleware.CORS(cfg))
	r.Use(otelgin.Middleware(cfg.ServiceName))

	api := r.Group("/api/auth")
	{
		api.GET("/login-url", appHandler.LoginURL)
		api.POST("/exchange-token", appHandler.ExchangeToken)
		api.GET("/verify", appHandler.Verify)
	}

	return r
}
