package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"

	"github.com/gluk-w/sshbridge/internal/config"
	"github.com/gluk-w/sshbridge/internal/filechan"
	"github.com/gluk-w/sshbridge/internal/gateway"
	"github.com/gluk-w/sshbridge/internal/handlers"
	"github.com/gluk-w/sshbridge/internal/logging"
	"github.com/gluk-w/sshbridge/internal/remote"
	"github.com/gluk-w/sshbridge/internal/upload"
)

func main() {
	config.Load()
	logging.Init()

	idleTimeout, err := time.ParseDuration(config.Cfg.UploadIdleTimeout)
	if err != nil {
		log.Printf("WARNING: invalid upload idle timeout %q, using default", config.Cfg.UploadIdleTimeout)
		idleTimeout = upload.DefaultIdleTimeout
	}

	uploads, err := upload.NewManager(upload.Config{
		Dir:         filepath.Join(config.Cfg.DataPath, "uploads"),
		ChunkSize:   config.Cfg.UploadChunkSize,
		MaxFileSize: config.Cfg.UploadMaxFileSize,
		IdleTimeout: idleTimeout,
	})
	if err != nil {
		log.Fatalf("Upload manager init: %v", err)
	}
	handlers.Uploads = uploads
	log.Printf("Upload manager initialized (chunk=%d bytes, max=%d bytes, idle_timeout=%s)",
		config.Cfg.UploadChunkSize, config.Cfg.UploadMaxFileSize, idleTimeout)

	channels := filechan.NewManager()
	gw := gateway.New(&remote.SSHDialer{}, channels, config.Cfg.TerminalType)
	handlers.Gateway = gw

	// Periodic sweep of abandoned upload tasks
	sweeper := cron.New()
	if _, err := sweeper.AddFunc("@every 5m", func() {
		if n := uploads.SweepExpired(); n > 0 {
			log.Printf("Swept %d expired upload tasks", n)
		}
	}); err != nil {
		log.Fatalf("Sweep schedule: %v", err)
	}
	sweeper.Start()

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", handlers.Health)
	r.Get("/ws", gw.ServeWS)

	r.Route("/api", func(r chi.Router) {
		r.Get("/logs", handlers.ServerLogs)

		r.Route("/sftp/{sessionID}", func(r chi.Router) {
			r.Get("/list", handlers.ListFiles)
			r.Get("/stat", handlers.StatFile)
			r.Get("/download", handlers.DownloadFile)
			r.Post("/mkdir", handlers.MakeDirectory)
			r.Post("/rmdir", handlers.RemoveDirectory)
			r.Post("/unlink", handlers.RemoveFile)
			r.Post("/delete", handlers.DeleteBatch)
			r.Post("/rename", handlers.RenameFile)

			r.Route("/upload", func(r chi.Router) {
				r.Post("/init", handlers.UploadInit)
				r.Post("/chunk", handlers.UploadChunk)
				r.Post("/complete", handlers.UploadComplete)
				r.Get("/status", handlers.UploadStatus)
				r.Post("/cancel", handlers.UploadCancel)
			})
		})
	})

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	sweeper.Stop()
	gw.CloseAll()
	channels.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
