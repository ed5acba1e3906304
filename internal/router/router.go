package router

import (
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"github.com/noah-isme/clinic-auth-api/internal/handler"
	"github.com/noah-isme/clinic-auth-api/internal/middleware"
	"github.com/noah-isme/clinic-auth-api/internal/models"
	"github.com/noah-isme/clinic-auth-api/internal/service"
	"github.com/noah-isme/clinic-auth-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/clinic-auth-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/clinic-auth-api/pkg/middleware/requestid"
)

// Options carries everything the HTTP surface needs.
type Options struct {
	APIPrefix      string
	AllowedOrigins []string
	EnableDocs     bool
	Logger         *zap.Logger
	Metrics        *service.MetricsService

	Authenticator middleware.TokenAuthenticator
	Auth          *handler.AuthHandler
	Sessions      *handler.SessionHandler
	Ops           *handler.MetricsHandler
}

// New builds the gin engine with all routes mounted.
func New(opts Options) *gin.Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.APIPrefix == "" {
		opts.APIPrefix = "/api/v1"
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(opts.Logger))
	r.Use(corsmiddleware.New(opts.AllowedOrigins))
	r.Use(middleware.Metrics(opts.Metrics))

	r.GET("/health", opts.Ops.Health)
	r.GET("/ready", opts.Ops.Ready)
	if opts.Metrics != nil {
		r.GET("/metrics", opts.Ops.Prometheus)
	}
	if opts.EnableDocs {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(opts.APIPrefix)
	requireAuth := middleware.JWT(opts.Authenticator)

	auth := api.Group("/auth")
	auth.POST("/login", opts.Auth.Login)
	auth.POST("/register", opts.Auth.Register)
	auth.POST("/refresh", opts.Auth.Refresh)
	auth.POST("/forgot-password", opts.Auth.ForgotPassword)
	auth.POST("/reset-password", opts.Auth.ResetPassword)

	protected := auth.Group("", requireAuth)
	protected.POST("/logout", opts.Auth.Logout)
	protected.POST("/logout-all", opts.Sessions.TerminateAll)
	protected.POST("/change-password", opts.Auth.ChangePassword)
	protected.GET("/me", opts.Auth.Me)
	protected.GET("/sessions", opts.Sessions.List)
	protected.DELETE("/sessions/:id", opts.Sessions.Terminate)

	admin := api.Group("/admin", requireAuth, middleware.RequireRoles(models.RoleAdmin))
	admin.DELETE("/users/:id/sessions", opts.Sessions.ForceLogout)

	return r
}
