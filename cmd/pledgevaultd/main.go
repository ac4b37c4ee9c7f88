package main

import (
	"context"
	"flag"
	"log"
	"net/http"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"pledgevault/config"
	"pledgevault/issuer"
	"pledgevault/ledger"
	"pledgevault/models"
	"pledgevault/observability/logging"
	"pledgevault/recon"
	"pledgevault/redeem"
	"pledgevault/server"
	"pledgevault/storage"
	"pledgevault/token"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := logging.Setup("pledgevaultd", cfg.Environment, logging.Options{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})

	var dialector gorm.Dialector
	if cfg.PostgresDSN() {
		dialector = postgres.Open(cfg.DatabaseURL)
	} else {
		dialector = sqlite.Open(cfg.DatabaseURL)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		log.Fatalf("database connection error: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		log.Fatalf("auto migrate error: %v", err)
	}

	store, err := storage.New(db)
	if err != nil {
		log.Fatalf("store init error: %v", err)
	}
	ledgerClient, err := ledger.NewClient(ledger.Config{
		URL:          cfg.Ledger.URL,
		Timeout:      cfg.Ledger.Timeout,
		MaxCallBatch: cfg.Ledger.MaxCallBatch,
	})
	if err != nil {
		log.Fatalf("ledger client error: %v", err)
	}
	codec, err := token.NewCodec([]byte(cfg.CredentialSecret))
	if err != nil {
		log.Fatalf("credential codec error: %v", err)
	}
	tokenIssuer, err := issuer.New(issuer.Config{
		Store:  store,
		Ledger: ledgerClient,
		Codec:  codec,
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("issuer init error: %v", err)
	}
	engine, err := redeem.New(redeem.Config{
		Store:    store,
		Ledger:   ledgerClient,
		MaxBatch: ledgerClient.MaxCallBatch(),
		Logger:   logger,
	})
	if err != nil {
		log.Fatalf("redeem engine init error: %v", err)
	}

	reconciler, err := recon.NewReconciler(recon.Config{
		Store:       store,
		Flusher:     engine,
		StaleAfter:  cfg.Recon.StaleAfter,
		MaxAttempts: cfg.Recon.MaxAttempts,
		Logger:      logger,
	})
	if err != nil {
		log.Fatalf("reconciler init error: %v", err)
	}
	scheduler := recon.NewScheduler(recon.SchedulerConfig{
		Reconciler: reconciler,
		Interval:   cfg.Recon.Interval,
		Logger:     logger,
	})
	go scheduler.Start(context.Background())

	authenticator, err := server.NewAuthenticator([]byte(cfg.AuthSecret))
	if err != nil {
		log.Fatalf("authenticator error: %v", err)
	}
	srv, err := server.New(server.Config{
		Store:         store,
		Issuer:        tokenIssuer,
		Engine:        engine,
		Codec:         codec,
		Authenticator: authenticator,
		RatePerMinute: cfg.RateLimit.RedemptionsPerMinute,
		RateBurst:     cfg.RateLimit.Burst,
		Logger:        logger,
	})
	if err != nil {
		log.Fatalf("server init error: %v", err)
	}

	logger.Info("starting pledgevaultd", "addr", cfg.ListenAddress)
	if err := http.ListenAndServe(cfg.ListenAddress, srv.Handler()); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
