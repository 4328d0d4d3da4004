package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	waLog "go.mau.fi/whatsmeow/util/log"
)

// janitorInterval is how often expired uploads are swept when retention is enabled
const janitorInterval = 10 * time.Minute

func main() {
	cfg, err := LoadConfig(".env")
	if err != nil {
		waLog.Stdout("Main", "INFO", true).Errorf("Invalid configuration: %v", err)
		os.Exit(1)
	}

	logger := waLog.Stdout("Main", cfg.LogLevel, true)
	logger.Infof("Starting WhatsApp form relay...")

	uploads := NewUploadStore(cfg.UploadDir, waLog.Stdout("Upload", cfg.LogLevel, true))
	sessions := NewSessionManager(cfg, WhatsAppConnector(cfg.LogLevel, os.Stdout), waLog.Stdout("Session", cfg.LogLevel, true))
	server := NewServer(sessions, sessions, uploads, cfg.UploadMemory, waLog.Stdout("HTTP", cfg.LogLevel, true))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.UploadRetention > 0 {
		logger.Infof("Uploads older than %s will be removed", cfg.UploadRetention)
		go uploads.RunJanitor(ctx, cfg.UploadRetention, janitorInterval)
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Infof("Listening on http://localhost:%s", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("Server error: %v", err)
			cancel()
		}
	}()

	exitChan := make(chan os.Signal, 1)
	signal.Notify(exitChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-exitChan:
	case <-ctx.Done():
	}

	logger.Infof("Shutting down...")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("HTTP shutdown: %v", err)
	}
	if err := sessions.Close(); err != nil {
		logger.Warnf("Session close: %v", err)
	}
}
