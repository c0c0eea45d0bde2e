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
	"github.com/rivetfw/rivet/pkg/logger"
	"github.com/rivetfw/rivet/pkg/methods/account"
	"github.com/rivetfw/rivet/pkg/process"
	"github.com/rivetfw/rivet/pkg/registry"
	"github.com/rivetfw/rivet/pkg/session"
	"github.com/rivetfw/rivet/pkg/worker"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run one worker process in the foreground",
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

	reg := registry.New()
	account.MustRegister(reg)

	svc := worker.NewService(reg, worker.ServiceStore(store))
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", settings.Port+processIndex()),
		Handler:           svc.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("rivet-worker listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("worker failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-svc.ShutdownRequested():
			logger.Info("Shutdown requested over control channel")
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

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

func processIndex() int {
	idx, err := strconv.Atoi(os.Getenv(process.EnvProcessIndex))
	if err != nil || idx < 0 {
		return 0
	}
	return idx
}
