package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/refly-ai/credit-engine/internal/app"
	"github.com/refly-ai/credit-engine/internal/config"
)

func main() {
	configPath := flag.String("config", config.DefaultConfigPath, "path to the configuration file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := app.AppConfig{ConfigPath: *configPath}

	if flag.Arg(0) == "migrate" {
		if errMigrate := app.Migrate(ctx, cfg); errMigrate != nil {
			log.WithError(errMigrate).Fatal("migrate failed")
		}
		log.Info("migrate complete")
		return
	}

	if errRun := app.RunServer(ctx, cfg); errRun != nil {
		log.WithError(errRun).Fatal("server exited")
	}
}
