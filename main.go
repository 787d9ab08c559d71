package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sweater-ventures/relay/api"
	"github.com/sweater-ventures/relay/app"
	"github.com/sweater-ventures/relay/config"
	"github.com/sweater-ventures/relay/middleware"
)

func main() {
	config.InitLogging()
	appConfig, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Unable to load configuration!!!", err)
	}

	application, err := app.NewApp(appConfig)
	if err != nil {
		log.Fatal("Unable to initialize application", err)
	}
	defer application.Close()

	slog.Debug("Configuration",
		"DevMode", appConfig.DevMode,
		"LogLevel", appConfig.LogLevel,
		"DeliveryWorkers", appConfig.DeliveryWorkers,
		"RateLimitStrategy", appConfig.RateLimitStrategy,
	)

	router := http.NewServeMux()
	api.AddApis(application, router)

	listenerCtx, stopListener := context.WithCancel(context.Background())
	application.Cache.StartListener(listenerCtx)

	app.StartWorkers(application)
	app.ResumePendingTasks(context.Background(), application)
	stopRetention := app.StartRetention(application)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", appConfig.Port),
		Handler: middleware.AllStandardMiddleware(router),
	}

	// Listen for shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("Starting Relay", "port", appConfig.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	<-sigChan
	slog.Info("Shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	// Stop accepting new work, let in-flight attempts finish, then release
	// the background loops and connections.
	application.StopWorkers()
	stopRetention()
	stopListener()

	slog.Info("Shutdown complete")
}
