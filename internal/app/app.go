// Package app wires the credit engine's components into a runnable service.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/refly-ai/credit-engine/internal/accumulator"
	"github.com/refly-ai/credit-engine/internal/billing"
	"github.com/refly-ai/credit-engine/internal/config"
	"github.com/refly-ai/credit-engine/internal/db"
	"github.com/refly-ai/credit-engine/internal/httpapi"
	"github.com/refly-ai/credit-engine/internal/ledger"
	"github.com/refly-ai/credit-engine/internal/snapshot"
	internalsettings "github.com/refly-ai/credit-engine/internal/settings"
	"github.com/refly-ai/credit-engine/internal/usage"
)

// AppConfig holds boot parameters.
type AppConfig struct {
	ConfigPath string
}

// Migrate opens the database and runs migrations.
func Migrate(ctx context.Context, cfg AppConfig) error {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	fileCfg, errLoad := config.Load(configPath)
	if errLoad != nil {
		return errLoad
	}
	conn, errOpen := db.Open(fileCfg.DatabaseDSN)
	if errOpen != nil {
		return errOpen
	}
	return db.Migrate(conn)
}

// RunServer boots the billing API with database and Redis backed components.
func RunServer(ctx context.Context, cfg AppConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}

	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	fileCfg, errLoad := config.Load(configPath)
	if errLoad != nil {
		return errLoad
	}
	config.SetupLogging(fileCfg.Logging)

	conn, errOpen := db.Open(fileCfg.DatabaseDSN)
	if errOpen != nil {
		return errOpen
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}
	if errRefresh := internalsettings.RefreshDBConfigSnapshot(ctx, conn); errRefresh != nil {
		log.WithError(errRefresh).Warn("app: settings snapshot refresh failed, using defaults")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     fileCfg.Redis.Addr,
		Password: fileCfg.Redis.Password,
		DB:       fileCfg.Redis.DB,
	})
	defer func() { _ = rdb.Close() }()
	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	errPing := rdb.Ping(pingCtx).Err()
	cancelPing()
	if errPing != nil {
		return fmt.Errorf("app: redis ping: %w", errPing)
	}

	synchronizer := snapshot.NewSynchronizer(conn, rdb)
	if synchronizer == nil {
		return errors.New("app: build synchronizer failed")
	}
	synchronizer.Start(ctx)

	ttlSeconds := internalsettings.IntValue(
		internalsettings.AccumulatorTTLSecondsKey,
		internalsettings.DefaultAccumulatorTTLSeconds,
	)
	acc, errAcc := accumulator.New(rdb, accumulator.Options{
		TTL:                    time.Duration(ttlSeconds) * time.Second,
		Rehydrator:             synchronizer,
		AllowNonAtomicFallback: !fileCfg.IsProductionLike(),
	})
	if errAcc != nil {
		return errAcc
	}

	tokens, errTokens := billing.NewTiktokenCounter()
	if errTokens != nil {
		return fmt.Errorf("app: token counter: %w", errTokens)
	}

	rulesTTL := internalsettings.IntValue(
		internalsettings.BillingRulesTTLSecondsKey,
		internalsettings.DefaultBillingRulesTTLSeconds,
	)
	configCache := billing.NewConfigCache(time.Duration(rulesTTL)*time.Second, loadRuleConfig)

	sink, errSink := ledger.NewGormSink(conn)
	if errSink != nil {
		return errSink
	}
	processor, errProcessor := usage.NewProcessor(configCache, tokens, acc, sink)
	if errProcessor != nil {
		return errProcessor
	}

	if fileCfg.IsProductionLike() {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	httpapi.RegisterRoutes(engine, httpapi.NewBillingHandler(processor))

	server := &http.Server{
		Addr:              fileCfg.Listen,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("app: listening on %s", fileCfg.Listen)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if errShutdown := server.Shutdown(shutdownCtx); errShutdown != nil {
			log.WithError(errShutdown).Warn("app: server shutdown failed")
		}
		// Flush one last checkpoint so remainders survive the restart.
		if errCheckpoint := synchronizer.Checkpoint(shutdownCtx); errCheckpoint != nil {
			log.WithError(errCheckpoint).Warn("app: final checkpoint failed")
		}
		return nil
	case errServe := <-errCh:
		if errors.Is(errServe, http.ErrServerClosed) {
			return nil
		}
		return errServe
	}
}

// loadRuleConfig reads a tool's billing rule config from the settings
// snapshot under BILLING_RULES:<toolset>:<tool>.
func loadRuleConfig(_ context.Context, toolsetKey, toolName string) (*billing.Config, error) {
	raw, ok := internalsettings.DBConfigValue(internalsettings.BillingRulesKey(toolsetKey, toolName))
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("app: no billing rules for %s:%s", toolsetKey, toolName)
	}
	return billing.ParseConfig(raw)
}
