package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/sweater-ventures/relay/app"
	"github.com/sweater-ventures/relay/config"
	"github.com/sweater-ventures/relay/middleware"
)

type routeRegistrationFunc func(relay *app.Application, router *http.ServeMux)

var routes []routeRegistrationFunc

func registerRoute(r routeRegistrationFunc) {
	routes = append(routes, r)
}

func AddApis(relay *app.Application, router *http.ServeMux) {
	slog.Debug("Registering all API Endpoints", "count", len(routes))
	apiRouter := http.NewServeMux()
	for _, r := range routes {
		r(relay, apiRouter)
	}

	limiter := middleware.NewRateLimiter(relay.Redis, relay.Config.RateLimitStrategy)
	limited := middleware.RateLimitMiddleware(&relay.Config, limiter,
		relay.Config.RateLimitDefaultLimit, relay.Config.RateLimitDefaultWindow)(apiRouter)

	router.Handle("/api/v1/", http.StripPrefix("/api/v1", limited))
}

func log(ctx context.Context) *slog.Logger {
	log := ctx.Value(config.LoggerContextKey)
	if log == nil {
		return slog.Default()
	} else {
		return log.(*slog.Logger)
	}
}

type appHandler func(relay *app.Application, w http.ResponseWriter, r *http.Request)

func routeHandler(relay *app.Application, handler appHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler(relay, w, r)
	})
}

func writeJsonResponse(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}
