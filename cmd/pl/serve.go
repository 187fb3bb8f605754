package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"pressline/internal/app"
	"pressline/internal/config"
	"pressline/internal/engine"
	"pressline/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin, allowActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the automation runner",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("PRESSLINE_JWT_SECRET is required for bearer auth")
			}
			logger := newLogger()
			a, err := app.Bootstrap(cmd.Context(), viper.GetString("workspace"), logger)
			if err != nil {
				return err
			}
			defer a.Close()

			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret:        secret,
					AllowActorHeader: allowActorHeader,
					DevLogin:         devLogin,
					Logger:           logger.With("component", "auth"),
				},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			g, ctx := errgroup.WithContext(cmd.Context())
			if err := config.Watch(ctx, a.ConfigPath, logger.With("component", "config"), func(cfg *config.Config) {
				if err := a.Engine.Reload(cfg); err != nil {
					logger.Warn("config reload failed", slog.Any("err", err))
				}
			}); err != nil {
				logger.Warn("config hot reload disabled", slog.Any("err", err))
			}
			g.Go(func() error {
				return engine.NewRunner(a.Engine).Run(ctx)
			})
			g.Go(func() error {
				server.NewWebhookDispatcher(a.Engine, logger.With("component", "webhooks")).Run(ctx)
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			g.Go(func() error {
				fmt.Printf("Serving Pressline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "trust X-Actor-Id without a token")
	cmd.Flags().String("jwt-secret", "", "HS256 secret (or PRESSLINE_JWT_SECRET)")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}
