package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/deliverables-engine/api"
)

// serveCmd runs the HTTP API.
//
// GRACEFUL SHUTDOWN:
//
//	On SIGINT/SIGTERM:
//	1. Stop the period scheduler
//	2. Stop accepting new connections
//	3. Wait for active requests to complete (30s timeout)
//	4. Close database connection
func serveCmd(flags *globalFlags) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := flags.open()
			if err != nil {
				return err
			}
			defer a.close()

			if cmd.Flags().Changed("port") {
				a.cfg.Server.Port = port
			}

			handler := api.NewHandler(a.service, a.store, a.logger.Named("api"))
			auth := api.NewAuthenticator(a.cfg.Auth.JWTSecret, a.cfg.Auth.Issuer, a.logger.Named("auth"))
			if a.cfg.Auth.JWTSecret == "" && a.cfg.Auth.Insecure {
				auth = api.NewInsecureAuthenticator(a.cfg.Auth.Issuer, a.logger.Named("auth"))
			}
			router := api.NewRouter(handler, auth, api.RouterOptions{AllowedOrigins: a.cfg.Server.AllowedOrigins})

			scheduler := api.NewPeriodScheduler(a.service, a.store, a.logger.Named("scheduler"))
			scheduler.Enabled = a.cfg.Generator.Enabled
			scheduler.Interval = a.cfg.Generator.Interval
			scheduler.Start()
			defer scheduler.Stop()

			server := &http.Server{
				Addr:         a.cfg.Server.Addr(),
				Handler:      router,
				ReadTimeout:  a.cfg.Server.ReadTimeout,
				WriteTimeout: a.cfg.Server.WriteTimeout,
				IdleTimeout:  60 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				a.logger.Info("server starting", zap.String("addr", server.Addr), zap.String("db", a.cfg.Database.Path))
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			// Wait for interrupt signal
			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			select {
			case <-quit:
			case err := <-errCh:
				if err != nil {
					return err
				}
			}

			a.logger.Info("shutting down server")
			scheduler.Stop()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return err
			}

			a.logger.Info("server stopped")
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", 8080, "HTTP server port (overrides config)")
	return cmd
}
