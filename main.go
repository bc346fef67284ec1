package main

import (
	"log"
	"os"

	"commonground/internal/api"
	"commonground/internal/config"
	"commonground/internal/convo"
	"commonground/internal/ledger"
	"commonground/internal/orchestrator"
	"commonground/internal/provider"
	"commonground/internal/redis"
	"commonground/internal/retriever"
	"commonground/internal/storage"
	"commonground/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {
	cfgPath := os.Getenv("COMMONGROUND_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, closeLog := config.SetupLogger(cfg.BasicConfig.LogFile, config.ParseLogLevel(cfg.BasicConfig.LogLevel))
	defer closeLog()

	dbType := os.Getenv("COMMONGROUND_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}
	// Standalone sqlite deployments carry their own copy of the platform
	// tables; with mysql the engine reads the main application's schema.
	if dbType == "sqlite3" {
		if err := storage.MigratePlatform(db, dbType); err != nil {
			log.Fatalf("migrate platform tables: %v", err)
		}
	}

	rdb, err := redis.NewClient(cfg)
	if err != nil {
		logger.Warn("redis unavailable, quota enforcement degrades to database counters", "error", err)
		rdb = nil
	} else {
		defer rdb.Close()
	}

	led := ledger.New(db, rdb, cfg.Limits.DailyCap, cfg.Limits.MonthlyCap, logger)
	retr := retriever.New(db, cfg.BasicConfig.DefaultTenantID, logger)
	gateway := provider.NewGateway(cfg, rdb, logger)
	dispatcher := worker.NewDispatcher(cfg.BasicConfig.MaxWorkers, cfg.BasicConfig.QueueSize, logger)
	convs := convo.NewStore(db)
	engine := orchestrator.New(convs, led, retr, gateway, dispatcher, logger)

	handlers := api.NewHandler(engine, gateway, cfg)

	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8091"
	}
	logger.Info("starting server", "addr", addr, "providers", gateway.Configured())

	if err := router.Run(addr); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
