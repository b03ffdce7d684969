package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var serveRouter string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway and facilitator endpoints",
	Long:  "Serve GET /resource, POST /facilitators/{name}, GET /stats, GET /health and GET /metrics.",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveRouter, "router", "gin", "HTTP router: gin, echo or stdlib")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	gin.SetMode(gin.ReleaseMode)

	startCtx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	a, err := buildApp(startCtx, cfg)
	cancel()
	if err != nil {
		return err
	}
	defer a.Close()

	handler, err := a.handler(serveRouter)
	if err != nil {
		return err
	}

	stopCleanup := make(chan struct{})
	defer close(stopCleanup)
	a.limiter.StartCleanup(10*time.Minute, stopCleanup)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logrus.WithFields(logrus.Fields{"addr": cfg.ListenAddr, "router": serveRouter}).Info("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return err
	}
	logrus.Info("Shutting down...")

	// in-flight settlements may still be waiting on confirmations
	shutdownCtx, cancel := context.WithTimeout(context.Background(), settleTimeout(cfg))
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("HTTP shutdown error")
	}

	logrus.Info("Server stopped")
	return nil
}
