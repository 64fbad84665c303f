package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

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

	logCloser, err := core.SetupLogging(cfg, "worker.log")
	if err != nil {
		log.Fatalf("failed to setup logging: %v", err)
	}
	defer logCloser.Close()

	db, err := core.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logrus.WithError(err).Fatal("failed to connect database")
	}
	defer db.Close()

	redisClient, err := core.NewRedisClient(cfg.RedisURL)
	if err != nil {
		logrus.WithError(err).Fatal("failed to connect redis")
	}
	defer redisClient.Close()

	if abs, err := filepath.Abs(cfg.AvatarDir); err == nil {
		cfg.AvatarDir = abs
	}
	if err := os.MkdirAll(cfg.AvatarDir, 0o755); err != nil {
		logrus.WithError(err).WithField("dir", cfg.AvatarDir).Fatal("failed to ensure avatar dir")
	}

	uploads := core.NewPgAvatarUploadRepository(db)
	users := core.NewPgUserRepository(db)
	processor := core.NewAvatarProcessor(uploads, users, cfg.AvatarDir, cfg.AvatarSize)

	concurrency := cfg.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	workerID := core.NewWorkerID()
	hostname, _ := os.Hostname()
	state := core.NewHeartbeatState(workerID, hostname, concurrency)
	go state.Start(ctx, redisClient)

	logrus.WithFields(logrus.Fields{
		"worker_id":   workerID,
		"concurrency": concurrency,
		"queue":       core.PendingAvatarQueueKey,
		"avatar_dir":  cfg.AvatarDir,
	}).Info("worker started")

	worker := &core.AvatarWorker{
		Queue:       core.NewRedisQueue(redisClient),
		Uploads:     uploads,
		Processor:   processor,
		State:       state,
		Concurrency: concurrency,
		Visibility:  core.DefaultVisibilityTimeout,
		MaxRetries:  3,
	}
	worker.Run(ctx)
	logrus.Info("worker stopped")
}
