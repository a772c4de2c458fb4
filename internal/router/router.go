package router // package router defines how HTTP routes are registered for the API

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/showtime-sniper/internal/handler"
	"github.com/iliyamo/showtime-sniper/internal/middleware"
)

// RegisterRoutes registers all control API routes on the provided Echo
// instance. Unauthenticated operations live under /v1/auth plus the health
// check; everything else requires a valid access token.
func RegisterRoutes(e *echo.Echo, a *handler.AuthHandler, j *handler.JobHandler, jwtSecret string) {
	e.GET("/healthz", handler.Health)

	g := e.Group("/v1/auth")
	g.POST("/register", a.Register)
	g.POST("/login", a.Login)

	auth := e.Group("/v1")
	auth.Use(middleware.JWTAuth(jwtSecret))
	auth.GET("/me", a.Me)
	auth.PATCH("/me/preferences", a.UpdatePreferences)
	auth.POST("/jobs", j.Create)
	auth.GET("/jobs", j.List)
	auth.GET("/jobs/:id", j.Get)
	auth.POST("/jobs/:id/cancel", j.Cancel)
	auth.POST("/jobs/:id/giftcards", j.AddGiftCard)
}
