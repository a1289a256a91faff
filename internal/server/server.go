package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/terralens/geolocator/config"
	"github.com/terralens/geolocator/internal/engine"
	"github.com/terralens/geolocator/internal/gateway"
	"github.com/terralens/geolocator/internal/queue/streams"
	"github.com/terralens/geolocator/internal/store"
	"github.com/terralens/geolocator/internal/telemetry"
	"github.com/terralens/geolocator/internal/worker"
)

// Run wires the full service and serves HTTP until the listener fails.
func Run(cfg *config.Config) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, HTTPError{Error: msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization", "Cookie"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	if cfg.Server.JWTSecret == "" {
		return fmt.Errorf("jwt secret not configured (server.jwt_secret)")
	}

	ctx := context.Background()
	if err := Migrate("file://migrations", cfg.Storage.Postgres.DSN(), "up", 0); err != nil {
		baseLogger.Printf("warn: migrations: %v", err)
	}
	st, err := store.New(ctx, cfg.Storage.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	tele := telemetry.New(cfg.Telemetry)
	gw := gateway.New(cfg.Gateway, tele)
	registerHTTPSources(gw, cfg.Gateway)

	workers, err := buildWorkers(cfg, gw)
	if err != nil {
		return err
	}

	opts := []engine.Option{engine.WithResultStore(st)}
	if cfg.Progress.PublishRedis {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr(),
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		notifier, err := streams.NewNotifier(rdb, cfg.Progress.Stream)
		if err != nil {
			return err
		}
		opts = append(opts, engine.WithReporter(engine.NewReporter(cfg.Progress.BufferSize, notifier)))
	}

	orch, err := engine.NewOrchestrator(cfg, tele, workers, opts...)
	if err != nil {
		return err
	}

	rh := &RequestsHandler{Orch: orch, Store: st, Logger: baseLogger}
	rh.Register(e.Group("/api/requests"), []byte(cfg.Server.JWTSecret))

	baseLogger.Printf("listening on %s", cfg.Server.Address)
	return e.Start(cfg.Server.Address)
}

// buildWorkers assembles the fixed crew: HTTP specialists from configured
// endpoints, research backed by the gateway.
func buildWorkers(cfg *config.Config, gw *gateway.Gateway) (map[engine.AgentRole]engine.Worker, error) {
	workers := make(map[engine.AgentRole]engine.Worker)
	httpRoles := append(append([]engine.AgentRole(nil), engine.SpecialistRoles...), engine.RoleValidation)
	for _, role := range httpRoles {
		endpoint := cfg.Agents.Endpoints[string(role)]
		if endpoint == "" {
			return nil, fmt.Errorf("no endpoint configured for %s agent (agents.endpoints.%s)", role, role)
		}
		workers[role] = worker.NewHTTP(role, endpoint, cfg.Agents.Role(string(role)).Timeout)
	}

	sources := make([]string, 0, len(cfg.Gateway.Sources))
	for name := range cfg.Gateway.Sources {
		sources = append(sources, name)
	}
	sort.Strings(sources)
	workers[engine.RoleResearch] = worker.NewResearch(gw, sources)
	return workers, nil
}

// registerHTTPSources wires every configured external source as a JSON GET
// endpoint behind the gateway.
func registerHTTPSources(gw *gateway.Gateway, cfg config.GatewayConfig) {
	for name, policy := range cfg.Sources {
		endpoint := policy.Endpoint
		if endpoint == "" {
			continue
		}
		gw.Register(name, httpSource(endpoint))
	}
}

func httpSource(endpoint string) gateway.SourceFunc {
	client := &http.Client{Timeout: 15 * time.Second}
	return func(ctx context.Context, query string) (map[string]interface{}, error) {
		u := fmt.Sprintf("%s?q=%s", endpoint, url.QueryEscape(query))
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, fmt.Errorf("source returned %d: %s", resp.StatusCode, snippet)
		}
		var data map[string]interface{}
		if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
			return nil, fmt.Errorf("decode source response: %w", err)
		}
		return data, nil
	}
}
