package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/prepdesk/qr-auth-server-go/internal/config"
	"github.com/prepdesk/qr-auth-server-go/internal/database"
	"github.com/prepdesk/qr-auth-server-go/internal/handler"
	"github.com/prepdesk/qr-auth-server-go/internal/jobs"
	"github.com/prepdesk/qr-auth-server-go/internal/middleware"
	"github.com/prepdesk/qr-auth-server-go/internal/notify"
	"github.com/prepdesk/qr-auth-server-go/internal/redis"
	"github.com/prepdesk/qr-auth-server-go/internal/repository"
	"github.com/prepdesk/qr-auth-server-go/internal/service"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := os.Getenv("FLY_APP_NAME") != ""
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	cancel()
	log.Info().Msg("database connected")

	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	sessionRepo := repository.NewPairingSessionRepository(db.DB)
	userRepo := repository.NewUserRepository(db.DB)

	broker := notify.NewBroker(redisClient)
	defer broker.Close()

	pairingService := service.NewPairingService(sessionRepo, userRepo, broker, cfg.PairingTTL())
	authService := service.NewAuthService(userRepo, cfg.JWTSecret, cfg.TokenTTL())
	rateLimiter := service.NewRateLimiter(redisClient.Client)

	authMiddleware := middleware.NewAuthMiddleware(authService)
	ipRateLimitMiddleware := middleware.NewIPRateLimitMiddleware(
		rateLimiter, config.GenerateLimitPerIP, config.GenerateLimitWindow, "qr-generate",
	)
	userRateLimitMiddleware := middleware.NewUserRateLimitMiddleware(
		rateLimiter, config.AuthenticateLimitPerUser, config.AuthenticateLimitWindow,
	)
	loginLimiter := middleware.NewLoginRateLimiter()
	securityHeadersMiddleware := middleware.NewSecurityHeadersMiddleware(isProduction)

	qrHandler := handler.NewQRHandler(pairingService)
	authHandler := handler.NewAuthHandler(authService)
	eventsHandler := handler.NewEventsHandler(broker, pairingService)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
	r.Use(middleware.BodyLimit(middleware.DefaultMaxBodySize))
	r.Use(securityHeadersMiddleware.Handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UnixMilli(),
		})
	})

	r.Route("/api/qr", func(r chi.Router) {
		r.With(ipRateLimitMiddleware.Handler).Post("/generate", qrHandler.Generate)
		r.Get("/status/{sessionID}", qrHandler.Status)
		r.Get("/events/{sessionID}", eventsHandler.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(authMiddleware.Handler)
			r.Use(userRateLimitMiddleware.Handler)
			r.Post("/authenticate", qrHandler.Authenticate)
		})
	})

	r.Route("/api/auth", func(r chi.Router) {
		r.With(loginLimiter.Handler).Post("/login", authHandler.Login)
	})

	cleanupJob := jobs.NewCleanupJob(sessionRepo, config.CleanupJobInterval)
	cleanupJob.Start()
	defer cleanupJob.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
