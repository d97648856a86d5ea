// Package server wires the conversation engine behind an Echo HTTP
// surface: the SSE turn stream, the report read pair, session and
// trait reads, and auth glue.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	appconfig "github.com/yuexia/opinio/config"
	"github.com/yuexia/opinio/internal/chat"
	"github.com/yuexia/opinio/internal/runtime"
	"github.com/yuexia/opinio/internal/store"
	"github.com/yuexia/opinio/internal/telemetry"
)

// Run builds the full service from configuration and serves it.
func Run(cfgPath, addr string) error {
	cfg := appconfig.LoadConfig(cfgPath)
	if addr == "" {
		addr = cfg.Server.Address
	}

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
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(200, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	ctx := context.Background()

	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return err
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}

	tele := telemetry.NewTelemetry(cfg.Telemetry, nil)

	provider, err := chat.NewLLMProvider(cfg.LLM)
	if err != nil {
		return err
	}

	var traits chat.TraitStore = st
	if cfg.Storage.Redis.Enabled {
		client, err := store.NewRedisClient(ctx, cfg.Storage.Redis)
		if err != nil {
			// The cache is an optimization; the engine runs without it.
			baseLogger.Printf("redis unavailable, trait cache disabled: %v", err)
		} else {
			traits = store.NewTraitCache(st, client, cfg.Storage.Redis.TTL, nil)
		}
	}

	analyst := chat.NewAnalyst(provider, cfg.LLM.Routing.Model("analysis"), tele, nil)
	aggregator := chat.NewTraitAggregator(provider, cfg.LLM.Routing.Model("traits"), tele, nil)
	finalizer := chat.NewFinalizer(store.Opener(dsn), analyst, tele, nil, 2, cfg.General.DefaultTimeout)
	defer finalizer.Close()

	orch := chat.NewOrchestrator(st, traits, st, provider, analyst, aggregator, finalizer,
		cfg.LLM.Routing.Model("dialogue"), tele, nil)

	secret := cfg.Server.JWTSecret
	if secret == "" {
		return fmt.Errorf("jwt secret not configured (server.jwt_secret)")
	}

	api := e.Group("/api")

	auth := &AuthHandler{Store: st, Secret: []byte(secret)}
	auth.Register(api.Group("/auth"))

	protected := api.Group("")
	protected.Use(runtime.EchoAuthMiddleware([]byte(secret)))

	ch := &ChatHandler{Orch: orch, Store: st, Logger: log.New(log.Writer(), "[CHAT] ", log.LstdFlags)}
	ch.Register(protected)

	protected.GET("/ops/telemetry", func(c echo.Context) error {
		return c.JSON(http.StatusOK, tele.Snapshot())
	})

	srv := &http.Server{
		Addr:        addr,
		ReadTimeout: 30 * time.Second,
		// No write timeout: the turn stream stays open for the whole
		// model reply.
	}
	return e.StartServer(srv)
}
