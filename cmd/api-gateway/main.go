package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	_ "github.com/noah-isme/clinic-auth-api/api/swagger"
	"github.com/noah-isme/clinic-auth-api/internal/handler"
	"github.com/noah-isme/clinic-auth-api/internal/repository"
	"github.com/noah-isme/clinic-auth-api/internal/router"
	"github.com/noah-isme/clinic-auth-api/internal/service"
	"github.com/noah-isme/clinic-auth-api/pkg/cache"
	"github.com/noah-isme/clinic-auth-api/pkg/config"
	"github.com/noah-isme/clinic-auth-api/pkg/database"
	"github.com/noah-isme/clinic-auth-api/pkg/logger"
	"github.com/noah-isme/clinic-auth-api/pkg/mailer"
)

// @title Clinic Auth API
// @version 1.0.0
// @description Credential and session lifecycle service for clinic staff
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	if cfg.Database.AutoMigrate {
		if err := database.Migrate(cfg.Database.URL(), "up"); err != nil {
			logr.Sugar().Fatalw("migration failed", "error", err)
		}
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to database", "error", err)
	}
	defer db.Close()

	var metrics *service.MetricsService
	if cfg.Metrics.Enabled {
		metrics = service.NewMetricsService()
	}

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Warnw("redis unavailable, principal cache disabled", "error", err)
	}
	var cacheRepo service.CacheRepository
	if redisClient != nil {
		defer redisClient.Close()
		cacheRepo = repository.NewCacheRepository(redisClient, "clinic-auth")
	}
	cacheSvc := service.NewCacheService(cacheRepo, metrics, cfg.Cache.PrincipalTTL, logr, redisClient != nil)

	users := repository.NewUserRepository(db)
	events := repository.NewEventRepository(db)

	var sender mailer.Sender = mailer.NewLogSender(logr)
	if cfg.Mail.Enabled {
		sender = mailer.NewSMTPSender(mailer.SMTPConfig{
			Host:     cfg.Mail.Host,
			Port:     cfg.Mail.Port,
			Username: cfg.Mail.Username,
			Password: cfg.Mail.Password,
			From:     cfg.Mail.From,
		})
	}
	mail := service.NewMailDispatcher(sender, service.MailDispatcherConfig{
		Workers:     cfg.Mail.Workers,
		Retries:     cfg.Mail.Retries,
		SendTimeout: cfg.Mail.SendTimeout,
	}, metrics, logr)

	policy := service.NewPasswordPolicy(cfg.Password.MinLength)
	audit := service.NewAuditRecorder(events, logr)
	tokens := service.NewTokenIssuer(users, service.TokenConfig{
		AccessSecret:  cfg.JWT.AccessSecret,
		RefreshSecret: cfg.JWT.RefreshSecret,
		Issuer:        cfg.JWT.Issuer,
		AccessTTL:     cfg.JWT.Expiration,
		RefreshTTL:    cfg.JWT.RefreshExpiration,
	}, logr)
	sessions := service.NewSessionService(events, service.SessionConfig{
		MaxConcurrent:   cfg.Session.MaxConcurrent,
		Window:          cfg.Session.Window,
		UserAgentMaxLen: cfg.Session.UserAgentMaxLen,
	}, logr, metrics)
	resets := service.NewPasswordResetService(users, policy, mail, audit, cacheSvc, metrics, service.ResetConfig{
		TokenTTL: cfg.Reset.TokenTTL,
		URL:      cfg.Reset.URL,
	}, logr)
	authSvc := service.NewAuthService(service.AuthDeps{
		Users:    users,
		Tokens:   tokens,
		Sessions: sessions,
		Policy:   policy,
		Audit:    audit,
		Cache:    cacheSvc,
		Metrics:  metrics,
	}, validator.New(), logr, service.AuthConfig{PrincipalTTL: cfg.Cache.PrincipalTTL})

	engine := router.New(router.Options{
		APIPrefix:      cfg.APIPrefix,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		EnableDocs:     cfg.Env != config.EnvProduction,
		Logger:         logr,
		Metrics:        metrics,
		Authenticator:  authSvc,
		Auth:           handler.NewAuthHandler(authSvc, resets),
		Sessions:       handler.NewSessionHandler(authSvc),
		Ops:            handler.NewMetricsHandler(metrics, db),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mail.Start(ctx)
	defer mail.Stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Sugar().Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}
}
