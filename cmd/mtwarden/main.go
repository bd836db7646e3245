package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	internalhttp "github.com/mtwarden/mtwarden/internal/api/http"
	"github.com/mtwarden/mtwarden/internal/auth"
	"github.com/mtwarden/mtwarden/internal/db"
	"github.com/mtwarden/mtwarden/internal/engine"
	"github.com/mtwarden/mtwarden/internal/notify"
	"github.com/mtwarden/mtwarden/internal/provisioner"
	"github.com/mtwarden/mtwarden/internal/secret"
	"github.com/mtwarden/mtwarden/internal/store"
	"github.com/mtwarden/mtwarden/internal/telegram"
)

var AppVersion string

func main() {
	InitConfig()

	slog.Info("MTWarden", "version", AppVersion)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := db.RunMigrations(config.Database.Url, config.Database.Schema); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	pool, err := db.InitDB(ctx, config.Database.Url, config.Database.Schema)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	credStore := store.NewPostgres(pool)
	salt, err := credStore.EnsureSalt(ctx)
	if err != nil {
		slog.Error("Failed to load installation salt", "error", err)
		os.Exit(1)
	}

	deriver := secret.NewDeriver(salt)
	links := &secret.LinkBuilder{
		Host:      config.Proxy.PublicHost,
		Port:      config.Proxy.Port,
		TLSDomain: config.Proxy.TLSDomain,
	}

	runner := provisioner.NewSSHRunner(config.Ssh)
	defer runner.Close()

	prov := provisioner.NewMTProxy(runner, deriver, links, config.Proxy.Provisioner)
	prov.Start()

	var notifier notify.Notifier = notify.LogNotifier{}
	var tgClient *telegram.Client
	if config.Telegram.Enabled {
		tgClient = telegram.NewClient(config.Telegram.Token)
		notifier = telegram.NewNotifier(tgClient)
	}

	eng := engine.New(credStore, prov, notifier, config.Engine)
	eng.Start(ctx)

	// Pick up any work a previous process left unfinished.
	eng.Sweep(ctx)

	var poller *telegram.Poller
	if config.Telegram.Enabled {
		poller = telegram.NewPoller(tgClient, config.Telegram, eng)
		go poller.Run(ctx)
	}

	authService := auth.NewService(config.Auth)

	services := &internalhttp.Services{
		Engine:      eng,
		Store:       credStore,
		AuthService: authService,
		AuthSecret:  config.Auth.Secret,
		AdminAPIKey: config.Http.AdminAPIKey,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"PUT", "PATCH", "GET", "POST", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	router.Use(gin.Recovery())
	internalhttp.SetupRoute(router, services)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Http.Port),
		Handler: router,
	}

	errChan := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("Server error", "error", err)
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	}

	slog.Info("Shutting down...")

	var wg sync.WaitGroup
	shutdownTimeout := 10 * time.Second

	wg.Add(1)
	go func() {
		defer wg.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		} else {
			slog.Info("HTTP server stopped")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		cancel()
		if poller != nil {
			poller.Wait()
		}
		eng.Stop()
		prov.Stop()
	}()

	wg.Wait()
	slog.Info("Shutdown complete")
}
