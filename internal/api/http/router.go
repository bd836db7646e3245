package http

import (
	"github.com/gin-gonic/gin"

	"github.com/mtwarden/mtwarden/internal/api/http/handler"
	"github.com/mtwarden/mtwarden/internal/api/http/middleware"
	"github.com/mtwarden/mtwarden/internal/auth"
	"github.com/mtwarden/mtwarden/internal/engine"
)

type Services struct {
	Engine      *engine.Engine
	Store       engine.Store
	AuthService *auth.Service
	AuthSecret  string
	AdminAPIKey string
}

func SetupRoute(router *gin.Engine, srvs *Services) {
	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLogger())

	healthHandler := handler.NewHealthHandler()
	router.GET("/health", healthHandler.Check)

	authHandler := handler.NewAuthHandler(srvs.AuthService)
	router.POST("/api/v1/auth/login", authHandler.Login)

	eventsHandler := handler.NewEventsHandler(srvs.Engine)
	router.POST("/api/v1/events", middleware.APIKeyAuth(srvs.AdminAPIKey), eventsHandler.Ingest)

	credsHandler := handler.NewCredentialsHandler(srvs.Store, srvs.Engine)
	admin := router.Group("/api/v1", middleware.JWTAuth(srvs.AuthSecret))
	admin.GET("/credentials", credsHandler.List)
	admin.GET("/credentials/:user_id", credsHandler.Get)
	admin.POST("/credentials/:user_id/revoke", credsHandler.Revoke)
	admin.GET("/stats", credsHandler.Stats)
}
