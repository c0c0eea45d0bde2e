// SPDX-FileCopyrightText: Copyright 2025 Rivet Framework Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rivetfw/rivet/pkg/codec"
	"github.com/rivetfw/rivet/pkg/config"
	"github.com/rivetfw/rivet/pkg/events"
	"github.com/rivetfw/rivet/pkg/logger"
	"github.com/rivetfw/rivet/pkg/methods/account"
	"github.com/rivetfw/rivet/pkg/process"
	"github.com/rivetfw/rivet/pkg/registry"
	"github.com/rivetfw/rivet/pkg/server"
	"github.com/rivetfw/rivet/pkg/session"
	"github.com/rivetfw/rivet/pkg/telemetry"
	"github.com/rivetfw/rivet/pkg/worker"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API service in the foreground",
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), settings)
		},
	}
}

func runServe(ctx context.Context, settings *config.Settings) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := buildStore(settings)
	if err != nil {
		return err
	}

	metrics := telemetry.NewMetrics()

	hub := events.NewHub(events.WithMetrics(metrics))
	defer hub.Close()
	for _, peer := range settings.EventPeers {
		hub.ConnectPeer(ctx, peer)
	}

	reg := registry.New()
	account.MustRegister(reg)

	if len(settings.WorkerEndpoints) > 0 {
		workers := worker.NewConnection(worker.WithMetrics(metrics))
		defer workers.Close()
		workers.SetEndpoints(ctx, settings.WorkerEndpoints)
		registerWorkerBridge(reg, workers)
	}

	opts := []server.Option{
		server.WithHMAC(settings.HMACEnabled),
		server.WithAllowedOrigin(settings.Origin),
		server.WithEventHub(hub),
		server.WithMetrics(metrics),
	}
	if settings.SessionKeyHMAC {
		opts = append(opts, server.WithSessionKeyHMAC())
	}
	if settings.CookieName != "" {
		opts = append(opts, server.WithSessionCookie(settings.CookieName))
	}
	srv := server.New(reg, store, opts...)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", settings.Port+processIndex()),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("rivetd listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// buildStore assembles the session backend named by the configuration.
func buildStore(settings *config.Settings) (session.Store, error) {
	var cache session.Cache
	if settings.SealedSecret != "" {
		sealed, err := session.NewSealedTokenCache([]byte(settings.SealedSecret), codec.JSON{})
		if err != nil {
			return nil, fmt.Errorf("failed to build sealed token cache: %w", err)
		}
		cache = sealed
	}
	switch settings.Database {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     settings.RedisAddr(),
			Password: settings.DBPassword,
		})
		return session.NewRedisStore(settings.SessionConfig(), client, cache, nil), nil
	case "", "memory":
		return session.NewMemoryStore(settings.SessionConfig(), cache), nil
	default:
		return nil, fmt.Errorf("unknown database backend %q", settings.Database)
	}
}

// registerWorkerBridge exposes the dispatch fabric as an authenticated
// method. The handler returns the worker future directly; the pipeline
// awaits it before responding.
func registerWorkerBridge(reg *registry.Registry, workers *worker.Connection) {
	reg.MustRegister(&registry.Method{
		Name:          "worker.invoke",
		Authenticated: true,
		Requires:      []string{"method"},
		Handler: func(ctx context.Context, call *registry.Call) (any, error) {
			method, _ := call.Parameters["method"].(string)
			params, _ := call.Parameters["parameters"].(map[string]any)
			return workers.Invoke(ctx, method, params), nil
		},
	})
}

// processIndex identifies this process's slot when spawned by the
// supervisor. Slot i listens on the base port plus i.
func processIndex() int {
	idx, err := strconv.Atoi(os.Getenv(process.EnvProcessIndex))
	if err != nil || idx < 0 {
		return 0
	}
	return idx
}
