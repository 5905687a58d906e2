package main

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/menulens/menulens/libs/config"
	"github.com/menulens/menulens/libs/httpx"
	otelx "github.com/menulens/menulens/libs/otel"
	"github.com/menulens/menulens/libs/runtime"
	"github.com/menulens/menulens/services/purchase-gateway/internal/backend"
	"github.com/menulens/menulens/services/purchase-gateway/internal/handlers"
	"github.com/menulens/menulens/services/purchase-gateway/internal/purchase"
	"github.com/menulens/menulens/services/purchase-gateway/internal/store"
	"github.com/menulens/menulens/services/purchase-gateway/internal/usage"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	service := config.String("SERVICE_NAME", "purchase-gateway")
	port, err := config.Port("PORT", "8090")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	sandbox := isTruthy(config.String("STORE_SANDBOX", "false"))
	var sdk store.SDK
	if baseURL := config.String("STORE_API_URL", ""); strings.TrimSpace(baseURL) != "" {
		sdk = store.NewRestSDK(store.RestSDKConfig{
			BaseURL:   baseURL,
			AppUserID: config.String("STORE_APP_USER_ID", ""),
		})
	} else {
		logger.Warn("STORE_API_URL not set, store unavailable, purchases degrade to sandbox mocks when allowed")
	}
	storeClient := store.NewClient(sdk, sandbox, logger)
	storeClient.Initialize(ctx, config.String("STORE_API_KEY", ""))

	backendURL, err := config.RequiredString("SUBSCRIPTION_SERVICE_URL")
	if err != nil {
		panic(err)
	}
	backendClient := backend.NewClient(backend.Config{BaseURL: backendURL})

	loc := time.UTC
	if tz := config.String("USAGE_RESET_TIMEZONE", ""); tz != "" {
		parsed, err := time.LoadLocation(tz)
		if err != nil {
			logger.Error("invalid USAGE_RESET_TIMEZONE, falling back to UTC", "tz", tz, "err", err)
		} else {
			loc = parsed
		}
	}
	accountant := usage.NewAccountant(loc)

	orchestrator := purchase.NewOrchestrator(storeClient, backendClient, handlers.RequestConfirmer{}, logger, purchase.Config{
		Platform:    config.String("STORE_PLATFORM", "android"),
		PackageName: config.String("ANDROID_PACKAGE_NAME", "com.menulens.app"),
	})

	h := handlers.New(orchestrator, backendClient, accountant, logger)

	mux := runtime.NewBaseMuxWithReady()
	mux.HandleFunc("/api/v1/gateway/subscription", h.GetSubscription)
	mux.HandleFunc("/api/v1/gateway/purchase", h.Purchase)

	limitPerMinute := 60
	if v, err := strconv.Atoi(config.String("RATE_LIMIT_PER_MINUTE", "60")); err == nil && v > 0 {
		limitPerMinute = v
	}
	var rateLimitMW httpx.Middleware
	if addr := config.String("REDIS_ADDR", ""); addr != "" {
		redisDB := 0
		if v, err := strconv.Atoi(config.String("REDIS_DB", "0")); err == nil && v >= 0 {
			redisDB = v
		}
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: config.String("REDIS_PASSWORD", ""),
			DB:       redisDB,
		})
		defer func() { _ = rdb.Close() }()

		rl := httpx.NewRedisRateLimiter(rdb, limitPerMinute, time.Minute, config.String("RATE_LIMIT_PREFIX", "rl"))
		rateLimitMW = rl.Middleware(logger, isTruthy(config.String("RATE_LIMIT_FAIL_OPEN", "true")))
		logger.Info("rate limiting enabled (redis)", "per_minute", limitPerMinute, "redis_addr", addr)
	} else {
		rl := httpx.NewRateLimiter(limitPerMinute, time.Minute)
		rateLimitMW = rl.Middleware()
		logger.Info("rate limiting enabled (in-memory)", "per_minute", limitPerMinute)
	}

	middlewares := []httpx.Middleware{
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins:   parseList(config.String("CORS_ALLOWED_ORIGINS", "")),
			AllowedMethods:   parseList(config.String("CORS_ALLOWED_METHODS", "GET,POST,OPTIONS")),
			AllowedHeaders:   parseList(config.String("CORS_ALLOWED_HEADERS", "Content-Type,X-Request-Id,X-User-Id,X-Api-Key")),
			AllowCredentials: isTruthy(config.String("CORS_ALLOW_CREDENTIALS", "false")),
			MaxAge:           time.Duration(corsMaxAgeSeconds()) * time.Second,
		}),
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(1 << 20),
		rateLimitMW,
	}
	if keyHash := config.String("GATEWAY_API_KEY_HASH", ""); keyHash != "" {
		middlewares = append(middlewares, handlers.RequireAPIKey(keyHash))
	} else {
		logger.Warn("GATEWAY_API_KEY_HASH not set, api key auth disabled")
	}

	handler := httpx.Chain(mux, middlewares...)
	handler = otelhttp.NewHandler(handler, "purchase-gateway")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}

func parseList(raw string) []string {
	items := strings.Split(raw, ",")
	out := make([]string, 0, len(items))
	for _, item := range items {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func corsMaxAgeSeconds() int {
	value := 600
	if v, err := strconv.Atoi(config.String("CORS_MAX_AGE_SECONDS", "600")); err == nil && v > 0 {
		value = v
	}
	return value
}

func isTruthy(s string) bool {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	default:
		return false
	}
}
