package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/metergate/metergate/internal/aggregator"
	"github.com/metergate/metergate/internal/budget"
	"github.com/metergate/metergate/internal/config"
	"github.com/metergate/metergate/internal/cost"
	"github.com/metergate/metergate/internal/db"
	"github.com/metergate/metergate/internal/httpapi"
	"github.com/metergate/metergate/internal/logging"
	"github.com/metergate/metergate/internal/models"
	"github.com/metergate/metergate/internal/notify"
	"github.com/metergate/metergate/internal/pricing"
	"github.com/metergate/metergate/internal/proxy"
	"github.com/metergate/metergate/internal/settings"
	log "github.com/sirupsen/logrus"
)

const shutdownGrace = 10 * time.Second

// Migrate opens the database and runs migrations.
func Migrate(ctx context.Context, configPath string) error {
	cfg, errLoad := config.Load(configPath)
	if errLoad != nil {
		return errLoad
	}
	logging.Setup(cfg.Logging)
	conn, errOpen := db.Open(cfg.Database.DSN)
	if errOpen != nil {
		return errOpen
	}
	return db.Migrate(conn)
}

// SeedPricing loads pricing entries from the configured seed file.
func SeedPricing(ctx context.Context, configPath, seedFile string) error {
	cfg, errLoad := config.Load(configPath)
	if errLoad != nil {
		return errLoad
	}
	logging.Setup(cfg.Logging)
	if seedFile == "" {
		seedFile = cfg.Pricing.SeedFile
	}
	if seedFile == "" {
		return errors.New("app: no pricing seed file configured")
	}

	conn, errOpen := db.Open(cfg.Database.DSN)
	if errOpen != nil {
		return errOpen
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}

	inserted, errSeed := pricing.SeedFromYAML(ctx, conn, seedFile)
	if errSeed != nil {
		return errSeed
	}
	log.Infof("seeded %d pricing entries from %s", inserted, seedFile)
	return nil
}

// RunServer boots the metering service and blocks until ctx is cancelled.
func RunServer(ctx context.Context, configPath string) error {
	cfg, errLoad := config.Load(configPath)
	if errLoad != nil {
		return errLoad
	}
	logging.Setup(cfg.Logging)

	conn, errOpen := db.Open(cfg.Database.DSN)
	if errOpen != nil {
		return errOpen
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}
	if errSnapshot := settings.RefreshDBConfigSnapshot(ctx, conn); errSnapshot != nil {
		log.WithError(errSnapshot).Warn("load runtime settings failed, using defaults")
	}

	fallback := models.PricingEntry{
		InputPriceMicros:  cfg.Pricing.Fallback.InputPriceMicros,
		OutputPriceMicros: cfg.Pricing.Fallback.OutputPriceMicros,
		Currency:          cfg.Pricing.Fallback.Currency,
	}
	table := pricing.NewTable(conn, fallback)
	if cfg.Pricing.SeedFile != "" {
		inserted, errSeed := pricing.SeedFromYAML(ctx, conn, cfg.Pricing.SeedFile)
		if errSeed != nil {
			return errSeed
		}
		if inserted > 0 {
			log.Infof("seeded %d pricing entries", inserted)
		}
	}
	if errRefresh := table.Refresh(ctx); errRefresh != nil {
		return errRefresh
	}
	table.StartRefreshLoop(ctx)

	calc := cost.NewCalculator(table)
	agg := aggregator.New(conn, calc)
	aggregator.NewRetentionSweeper(conn).Start(ctx)

	ledger := budget.NewLedger(conn, agg, cfg.Budget.Thresholds)

	hub := notify.NewHub(cfg.Notify)
	hub.Start(ctx)
	if bridge := notify.NewRedisBridge(cfg.Redis, hub); bridge != nil {
		bridge.Start(ctx)
		defer func() { _ = bridge.Close() }()
	}

	meter := proxy.NewMeter(cfg.Proxy, agg, calc, ledger, hub)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	httpapi.RegisterRoutes(engine, httpapi.NewHandler(agg, ledger, meter, hub))

	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: engine,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("metering server listening on %s", cfg.Server.Addr)
		if errServe := server.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			errCh <- errServe
		}
	}()

	select {
	case errServe := <-errCh:
		return errServe
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
