package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"sessions/internal/config"
	"sessions/internal/storage/mongodb"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

func main() {
	var configPath, migrationsPath string
	var down bool
	flag.StringVar(&configPath, "config", "", "path to config file (or use CONFIG_PATH env)")
	flag.StringVar(&migrationsPath, "migrations", "migrations", "path to SQL migrations (sqlite backend)")
	flag.BoolVar(&down, "down", false, "roll back all migrations instead of applying them")
	flag.Parse()

	if configPath == "" {
		configPath = os.Getenv("CONFIG_PATH")
	}

	cfg := config.LoadConfig(configPath)

	switch cfg.Storage.Backend {
	case "sqlite":
		migrateSQLite(cfg.Storage.Path, migrationsPath, down)
	case "mongo":
		ensureMongoIndexes(cfg.Storage.Mongo.URI, cfg.Storage.Mongo.Database)
	default:
		log.Fatalf("unknown storage backend %q", cfg.Storage.Backend)
	}

	fmt.Println("Database initialization completed successfully")
}

func migrateSQLite(storagePath, migrationsPath string, down bool) {
	m, err := migrate.New(
		"file://"+migrationsPath,
		"sqlite3://"+storagePath+"?x-no-tx-wrap=true",
	)
	if err != nil {
		log.Fatalf("failed to init migrator: %v", err)
	}
	defer m.Close()

	if down {
		err = m.Down()
	} else {
		err = m.Up()
	}
	if err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Println("no migrations to apply")
			return
		}
		log.Fatalf("migration failed: %v", err)
	}

	log.Println("SQL migrations applied")
}

func ensureMongoIndexes(uri, database string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	log.Println("Connecting to MongoDB...")

	storage, err := mongodb.New(ctx, uri, database)
	if err != nil {
		log.Fatalf("failed to connect to mongodb: %v", err)
	}
	defer storage.Close(ctx)

	log.Println("MongoDB connected, indexes created successfully")
}
