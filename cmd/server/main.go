package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/avatarforge/avatarforge/internal/auth"
	"github.com/avatarforge/avatarforge/internal/config"
	"github.com/avatarforge/avatarforge/internal/database"
	"github.com/avatarforge/avatarforge/internal/gemini"
	"github.com/avatarforge/avatarforge/internal/repository"
	"github.com/avatarforge/avatarforge/internal/server"
	"github.com/avatarforge/avatarforge/internal/service"
	"github.com/avatarforge/avatarforge/internal/storage"
	"github.com/avatarforge/avatarforge/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logr := logger.New()

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("database connect: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := database.Migrate(ctx, db); err != nil {
		log.Fatalf("database migrate: %v", err)
	}

	userRepo := repository.NewUserRepository(db)
	ledgerRepo := repository.NewLedgerRepository(db)
	usageRepo := repository.NewUsageRepository(db)
	billingRepo := repository.NewBillingRepository(db)
	promoRepo := repository.NewPromoRepository(db)

	var artifacts service.ArtifactStore
	if cfg.StorageConfigured() {
		uploader, err := storage.NewUploader(storage.Config{
			Endpoint:      cfg.S3Endpoint,
			Region:        cfg.S3Region,
			AccessKey:     cfg.S3AccessKey,
			SecretKey:     cfg.S3SecretKey,
			Bucket:        cfg.S3Bucket,
			PublicBaseURL: cfg.S3PublicBaseURL,
			UsePathStyle:  cfg.S3UsePathStyle,
			Prefix:        cfg.S3Prefix,
		})
		if err != nil {
			log.Fatalf("storage uploader: %v", err)
		}
		artifacts = uploader
	} else {
		logr.Warn("artifact storage not configured, generated avatars will not be persisted")
	}

	tokens := auth.NewManager(cfg.JWTSecret, 24*time.Hour)
	provider := gemini.NewClient(cfg, logr)

	accounts := service.NewAccountService(userRepo, tokens)
	generation := service.NewGenerationService(cfg.Pricing, logr, ledgerRepo, provider, artifacts, usageRepo)
	usage := service.NewUsageService(cfg.Pricing, ledgerRepo, usageRepo)
	promos := service.NewPromoService(promoRepo)
	billing := service.NewBillingService(cfg, logr, billingRepo)

	srv := server.New(cfg.ListenAddr, logr, tokens, accounts, generation, usage, promos, billing, ledgerRepo)

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logr.Error("server stopped", "err", err)
	}
}
