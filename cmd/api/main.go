package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"authgate/core"
)

func main() {
	cfg, err := core.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logCloser, err := core.SetupLogging(cfg, "api.log")
	if err != nil {
		log.Fatalf("failed to setup logging: %v", err)
	}
	defer logCloser.Close()

	if cfg.SessionKey == "change-this-session-key" {
		logrus.Warn("SESSION_KEY is the built-in default; set a random value in production")
	}

	db, err := core.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logrus.WithError(err).Fatal("failed to connect database")
	}
	defer db.Close()
	if err := core.EnsureSchema(ctx, db); err != nil {
		logrus.WithError(err).Fatal("failed to apply schema")
	}

	redisClient, err := core.NewRedisClient(cfg.RedisURL)
	if err != nil {
		logrus.WithError(err).Fatal("failed to connect redis")
	}
	defer redisClient.Close()

	// Ensure writable dirs for raw uploads and processed avatars
	for _, dir := range []*string{&cfg.UploadDir, &cfg.AvatarDir} {
		if *dir == "" {
			logrus.Fatal("upload and avatar dirs must be set")
		}
		if abs, err := filepath.Abs(*dir); err == nil {
			*dir = abs
		}
		if err := os.MkdirAll(*dir, 0o755); err != nil {
			logrus.WithError(err).WithField("dir", *dir).Fatal("failed to ensure dir")
		}
	}

	userRepo := core.NewPgUserRepository(db)
	authService := core.NewRepositoryAuthService(userRepo, core.NewRedisCodeGuard(redisClient), cfg.AuthPolicy())

	if err := core.BootstrapAdmin(ctx, userRepo, cfg); err != nil {
		logrus.WithError(err).Fatal("bootstrap admin failed")
	}

	router, err := core.NewRouter(cfg, core.RouterDeps{
		Store:      core.NewSessionStore(cfg),
		Auth:       authService,
		Challenges: core.NewRedisChallengeCounter(redisClient),
		Users:      userRepo,
		Uploads:    core.NewPgAvatarUploadRepository(db),
		Queue:      core.NewRedisQueue(redisClient),
		Metrics:    core.NewMetricsService(redisClient),
	})
	if err != nil {
		logrus.WithError(err).Fatal("failed to build router")
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logrus.WithField("addr", srv.Addr).Info("starting api server")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logrus.WithError(err).Fatal("server failed")
	}
}
