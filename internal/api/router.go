package api

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	iauth "github.com/sentinelsec/accountd/internal/auth"
	"github.com/sentinelsec/accountd/internal/handlers"
	"github.com/sentinelsec/accountd/internal/middleware"
	"github.com/sentinelsec/accountd/internal/services"
)

// NewRouter builds the Gin engine, wires middleware and registers all routes.
func NewRouter(db *gorm.DB, jwt *iauth.JWTService, auth *services.AuthService, otp *services.OTPService) (*gin.Engine, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle must be provided")
	}
	if jwt == nil {
		return nil, fmt.Errorf("jwt service must be provided")
	}
	if auth == nil {
		return nil, fmt.Errorf("auth service must be provided")
	}
	if otp == nil {
		return nil, fmt.Errorf("otp service must be provided")
	}

	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.Use(middleware.SecurityHeaders())

	r.NoRoute(middleware.NotFoundHandler)

	// Operational endpoints (public)
	r.GET("/health", handlers.Health(db))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authHandler := handlers.NewAuthHandler(auth)
	userHandler := handlers.NewUserHandler(auth)
	adminHandler := handlers.NewAdminHandler(otp)

	// Public auth routes
	public := r.Group("/api/auth")
	{
		public.POST("/register", authHandler.Register)
		public.POST("/verify-registration", authHandler.VerifyRegistration)
		public.POST("/login", authHandler.Login)
		public.POST("/send-otp", authHandler.SendOTP)
		public.POST("/forgot-password", authHandler.ForgotPassword)
		public.POST("/reset-password", authHandler.ResetPassword)
	}

	// Protected routes
	requireAuth := middleware.Auth(jwt)

	api := r.Group("/api")
	api.Use(requireAuth)

	api.GET("/auth/me", authHandler.Me)
	api.POST("/user/change-password", userHandler.ChangePassword)

	admin := api.Group("/admin")
	admin.Use(middleware.RequireAdmin())
	{
		admin.GET("/otp-logs", adminHandler.OTPLogs)
	}

	return r, nil
}
