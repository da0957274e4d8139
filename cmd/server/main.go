package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/OpenNSW/cardflow/internal/auth"
	"github.com/OpenNSW/cardflow/internal/config"
	"github.com/OpenNSW/cardflow/internal/database"
	"github.com/OpenNSW/cardflow/internal/middleware"
	"github.com/OpenNSW/cardflow/internal/uploads"
	"github.com/OpenNSW/cardflow/internal/workflow"
	"github.com/OpenNSW/cardflow/internal/workflow/model"
)

func main() {
	// Load configuration from environment variables
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := middleware.NewLogger(cfg.Log.Level, cfg.Log.Format, os.Stdout)
	slog.SetDefault(logger)

	slog.Info("configuration loaded successfully",
		"db_driver", cfg.Database.Driver,
		"db_host", cfg.Database.Host,
		"db_port", cfg.Database.Port,
		"db_name", cfg.Database.Name,
		"db_tx_isolation", cfg.Database.TxIsolation,
		"storage_type", cfg.Storage.Type,
	)

	slog.Info("server configuration",
		"port", cfg.Server.Port,
		"gin_mode", cfg.Server.GinMode,
	)

	// Initialize database connection
	db, err := database.New(&cfg.Database)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer func() {
		if err := database.Close(db); err != nil {
			slog.Error("failed to close database", "error", err)
		}
	}()

	// Perform health check
	if err := database.HealthCheck(db); err != nil {
		log.Fatalf("database health check failed: %v", err)
	}

	if cfg.Database.AutoMigrate {
		models := append(model.All(), &auth.User{})
		if err := database.Migrate(db, models...); err != nil {
			log.Fatalf("failed to migrate database: %v", err)
		}
	}

	storage, err := uploads.NewStorageFromConfig(context.Background(), cfg.Storage)
	if err != nil {
		log.Fatalf("failed to initialize attachment storage: %v", err)
	}
	uploadService := uploads.NewUploadService(storage, cfg.Storage.MaxUploadBytes)

	wm := workflow.NewManager(db, database.NewTxRunner(db, &cfg.Database), uploadService)

	// Set up HTTP routes
	gin.SetMode(cfg.Server.GinMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), middleware.RequestLogger(logger))

	engine.GET("/health", func(c *gin.Context) {
		if err := database.HealthCheck(db); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := engine.Group("/api", auth.Middleware(auth.NewAuthService(db)), auth.RequireActor())
	wm.RegisterRoutes(api)
	if cfg.Storage.Type == uploads.StorageLocal {
		api.GET("/files/:key", uploads.NewHTTPHandler(uploadService).Download)
	}

	// Set up graceful shutdown
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Channel to listen for interrupt signals
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// Start server in a goroutine
	go func() {
		slog.Info("starting server", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("failed to start server", "error", err)
			quit <- syscall.SIGTERM
		}
	}()

	// Wait for interrupt signal
	<-quit
	slog.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	} else {
		slog.Info("server gracefully stopped")
	}

	slog.Info("server stopped")
}
