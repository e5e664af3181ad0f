package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fjellstad/voxd/internal/backup"
	"github.com/fjellstad/voxd/internal/database"
	"github.com/fjellstad/voxd/internal/device"
	"github.com/fjellstad/voxd/internal/logging"
	"github.com/fjellstad/voxd/internal/server"
	"github.com/fjellstad/voxd/internal/uplink"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	logger := logging.Setup(envOr("VOXD_LOG_LEVEL", "info"))

	port := envOr("VOXD_PORT", "8080")
	dbPath := envOr("VOXD_DB_PATH", "voxd.db")
	backupDir := envOr("VOXD_BACKUP_DIR", "voxd-backups")

	quotaBytes, _ := strconv.ParseInt(envOr("VOXD_QUOTA_BYTES", "0"), 10, 64)

	db, err := database.Open(dbPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	cfg := server.Config{
		BackupDir:  backupDir,
		QuotaBytes: quotaBytes,
		Backup: backup.Config{
			S3: backup.S3Config{
				Endpoint:  os.Getenv("VOXD_S3_ENDPOINT"),
				Bucket:    os.Getenv("VOXD_S3_BUCKET"),
				Region:    envOr("VOXD_S3_REGION", "auto"),
				AccessKey: os.Getenv("VOXD_S3_ACCESS_KEY"),
				SecretKey: os.Getenv("VOXD_S3_SECRET_KEY"),
			},
			MirrorPassphrase: os.Getenv("VOXD_MIRROR_PASSPHRASE"),
		},
		Uplink: uplink.Config{
			BaseURL:   envOr("VOXD_UPLINK_URL", "http://localhost:9090"),
			AuthToken: os.Getenv("VOXD_UPLINK_TOKEN"),
		},
	}

	sourceCfg := device.DefaultConfig()
	if cmd := os.Getenv("VOXD_RECORDER_CMD"); cmd != "" {
		parts := strings.Fields(cmd)
		sourceCfg = device.Config{Command: parts[0], Args: parts[1:]}
	}
	source := device.NewSource(sourceCfg, logger.With("component", "device"))
	wake := device.NewInhibitor(logger.With("component", "wakelock"))

	srv, err := server.New(db, cfg, source, wake, logger)
	if err != nil {
		log.Fatalf("failed to build server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv.Queue().Start(ctx)
	srv.Recover(ctx)

	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      srv.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("voxd listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	// Best-effort final persistence for an open capture session before the
	// process exits.
	termCtx, termCancel := context.WithTimeout(context.Background(), 5*time.Second)
	srv.Session().OnTerminate(termCtx)
	termCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("shutdown error: %v", err)
	}
	srv.Queue().Stop()
}
