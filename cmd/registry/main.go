package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/bcrypt"

	"github.com/gateway-fm/doc-certificate-registry/internal/admin"
	"github.com/gateway-fm/doc-certificate-registry/internal/archive"
	"github.com/gateway-fm/doc-certificate-registry/internal/certificate"
	"github.com/gateway-fm/doc-certificate-registry/internal/config"
	registryhealth "github.com/gateway-fm/doc-certificate-registry/internal/health"
	"github.com/gateway-fm/doc-certificate-registry/internal/index"
	"github.com/gateway-fm/doc-certificate-registry/internal/ledger"
	"github.com/gateway-fm/doc-certificate-registry/internal/metrics"
)

type pingableLedger interface {
	certificate.Ledger
	Ping(ctx context.Context) error
}

func main() {
	configPath := flag.String("config", "", "Path to YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadWithEnv(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	setupLogging(cfg.Logging)

	// Create root context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	led, issuer, err := buildLedger(ctx, cfg.Ledger)
	if err != nil {
		log.Fatalf("Failed to initialize ledger: %v", err)
	}
	slog.Info("ledger ready", "backend", cfg.Ledger.Backend, "issuer", issuer)

	store, err := buildArchive(cfg.Archive)
	if err != nil {
		log.Fatalf("Failed to initialize archive: %v", err)
	}

	idx, pending, closeIndex, err := buildIndex(cfg.Index)
	if err != nil {
		log.Fatalf("Failed to initialize index: %v", err)
	}
	defer closeIndex()

	reporter := metrics.NewPrometheusReporter()
	service := certificate.NewService(
		certificate.ServiceConfig{
			Issuer:       issuer,
			PendingGrace: cfg.Reconcile.PendingGrace.Std(),
		},
		led, store, idx,
		certificate.WithPendingStore(pending),
		certificate.WithObserver(reporter),
	)

	updater := metrics.NewUpdater(service)
	reporter.OnIssued(updater.Trigger)
	updater.Start(ctx)
	updater.Trigger()

	// Create health service with root context
	healthService := registryhealth.NewService(ctx, led.Ping)

	apiCfg := certificate.APIConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
	}
	if cfg.Admin.APIKey != "" {
		hashedKey, err := bcrypt.GenerateFromPassword([]byte(cfg.Admin.APIKey), bcrypt.DefaultCost)
		if err != nil {
			slog.Error("failed to hash admin API key", "err", err)
			return
		}
		apiCfg.AdminKeyHash = hashedKey
		apiCfg.AdminGuard = admin.New(admin.Config{})
	} else {
		slog.Warn("no admin API key configured, admin endpoints disabled")
	}

	// Start scheduler for reconciling ambiguous issuances
	scheduler, err := certificate.NewScheduler(ctx, service, cfg.Reconcile.Interval.Std())
	if err != nil {
		log.Fatalf("Failed to create scheduler: %v", err)
	}
	schedulerDone := make(chan struct{})
	go func() {
		scheduler.Start()
		close(schedulerDone)
	}()

	router := certificate.NewAPIServer(service, apiCfg).Router()
	registryhealth.NewApi(healthService).RegisterHandlers(router)
	router.Handle("/metrics", reporter.Handler())

	httpServer := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
	go func() {
		slog.Info("http server listening", "address", cfg.Server.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start HTTP server: %v", err)
		}
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		slog.Info("received shutdown signal")
	case <-ctx.Done():
		slog.Info("context cancelled")
	}

	slog.Info("shutting down...")
	healthService.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// In-flight issuances keep their request context until the server drains.
	slog.Info("shutting down HTTP server...")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "err", err)
	}
	slog.Info("HTTP server shut down")

	cancel()

	select {
	case <-schedulerDone:
		slog.Info("graceful shutdown completed")
	case <-shutdownCtx.Done():
		slog.Warn("shutdown timeout exceeded, forcing shutdown")
	}

	slog.Info("shutdown complete")
}

func setupLogging(cfg config.LoggingConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func buildLedger(ctx context.Context, cfg config.LedgerConfig) (pingableLedger, string, error) {
	if cfg.Backend == "memory" {
		l := ledger.NewMemoryLedger(ledger.MemoryConfig{EnforceUnique: cfg.EnforceUnique})
		return l, cfg.Issuer, nil
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, "", fmt.Errorf("invalid private key: %w", err)
	}

	ethCfg := ledger.EthConfig{
		Contract:            common.HexToAddress(cfg.ContractAddress),
		PrivateKey:          key,
		GasLimit:            cfg.GasLimit,
		ConfirmTimeout:      cfg.ConfirmTimeout.Std(),
		PollInterval:        cfg.PollInterval.Std(),
		StartBlock:          cfg.StartBlock,
		LogRange:            cfg.LogRange,
		ReplayConfirmations: cfg.ReplayConfirmations,
	}
	if cfg.ChainID > 0 {
		ethCfg.ChainID = big.NewInt(cfg.ChainID)
	}
	if cfg.GasPriceGwei > 0 {
		ethCfg.GasPrice = new(big.Int).Mul(big.NewInt(cfg.GasPriceGwei), big.NewInt(1_000_000_000))
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, 30*time.Second)
	defer dialCancel()
	l, err := ledger.DialEthLedger(dialCtx, cfg.RPCURL, ethCfg)
	if err != nil {
		return nil, "", err
	}
	return l, l.Address().Hex(), nil
}

func buildArchive(cfg config.ArchiveConfig) (certificate.Archive, error) {
	switch cfg.Backend {
	case "dir":
		return archive.NewDirStore(cfg.Dir, cfg.PublicBaseURL)
	case "memory":
		return archive.NewMemoryStore(), nil
	default:
		return archive.NewPinataStore(archive.PinataConfig{
			JWT:        cfg.PinataJWT,
			UploadURL:  cfg.UploadURL,
			GatewayURL: cfg.GatewayURL,
			Timeout:    cfg.UploadTimeout.Std(),
		})
	}
}

// buildIndex opens the metadata index. Pending issuances always live in
// sqlite; with the file index they get a database next to the JSON file.
func buildIndex(cfg config.IndexConfig) (certificate.Index, certificate.PendingStore, func(), error) {
	dbPath := cfg.Path
	if cfg.Backend == "file" {
		dbPath = cfg.Path + ".pending.db"
	}

	db, err := index.NewSqliteStore(dbPath)
	if err != nil {
		return nil, nil, nil, err
	}
	closeDB := func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("failed to close database", "err", closeErr)
		}
	}

	if cfg.Backend == "file" {
		return index.NewFileIndex(cfg.Path), db, closeDB, nil
	}
	return db, db, closeDB, nil
}
