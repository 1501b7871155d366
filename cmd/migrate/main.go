package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/joho/godotenv"

	"github.com/theblitlabs/taskfleet/internal/core/config"
	"github.com/theblitlabs/taskfleet/internal/core/models"
	"github.com/theblitlabs/taskfleet/pkg/database"
	"github.com/theblitlabs/taskfleet/pkg/logger"
)

func main() {
	envFile := flag.String("env", ".env", "env file to load before reading the configuration")
	flag.Parse()

	logger.InitWithMode(logger.LogModePretty)
	log := logger.WithComponent("migrate")

	if err := godotenv.Load(*envFile); err != nil {
		log.Warn().Err(err).Str("file", *envFile).Msg("Could not load env file, using the environment only")
	}

	manager := config.GetConfigManager()
	manager.SetConfigPath(*envFile)
	cfg, err := manager.GetConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	log.Info().Str("driver", cfg.Database.Driver).Msg("Connecting to database")
	db, err := database.Open(cfg.Database.Driver, cfg.Database.GetConnectionURL(), nil)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}

	for _, model := range models.All() {
		log.Info().Str("model", typeName(model)).Msg("Migrating table")
		if err := db.WithContext(ctx).AutoMigrate(model); err != nil {
			log.Fatal().Err(err).Str("model", typeName(model)).Msg("Migration failed")
		}
	}

	tables, err := db.Migrator().GetTables()
	if err != nil {
		log.Warn().Err(err).Msg("Could not list tables")
	} else {
		log.Info().Strs("tables", tables).Msg("All database migrations completed successfully")
	}
}

func typeName(v interface{}) string {
	return fmt.Sprintf("%T", v)
}
