package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/PL-James/ROSIE/pkg/rrt"
	"github.com/PL-James/ROSIE/services/sor/internal/approval"
	"github.com/PL-James/ROSIE/services/sor/internal/audit"
	"github.com/PL-James/ROSIE/services/sor/internal/config"
	"github.com/PL-James/ROSIE/services/sor/internal/manifests"
	"github.com/PL-James/ROSIE/services/sor/internal/readiness"
	"github.com/PL-James/ROSIE/services/sor/internal/store"
)

const (
	serviceName    = "rosie-sor"
	serviceVersion = "1.0.0"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet(serviceName, pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to a YAML config file (default $ROSIE_CONFIG)")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(*configPath, nil)
	if err != nil {
		return err
	}
	logger := cfg.Log.NewLogger(os.Stderr).With("service", serviceName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Database.URL, logger)
	if err != nil {
		return fmt.Errorf("open record store: %w", err)
	}
	defer st.Close()

	a, err := newApp(cfg, st, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           newRouter(a),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr, "demo_routes", cfg.Demo.Enabled)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

type app struct {
	store     store.Store
	audit     *audit.Log
	manifests *manifests.Service
	approvals *approval.Service
	gate      *readiness.Gate
	logger    *slog.Logger
	demo      bool
	now       func() time.Time
}

func newApp(cfg *config.Config, st store.Store, logger *slog.Logger) (*app, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	issuer := &rrt.Issuer{Issuer: cfg.RRT.Issuer, Validity: cfg.TokenValidity()}
	if cfg.RRT.SigningKey != "" {
		signer, err := rrt.NewHMACSigner(cfg.RRT.SigningKey)
		if err != nil {
			return nil, err
		}
		issuer.Signer = signer
	} else {
		logger.Warn("no rrt signing key configured; readiness tokens carry a placeholder signature")
	}

	lg := audit.New(st, logger)
	return &app{
		store:     st,
		audit:     lg,
		manifests: manifests.New(st, lg, logger),
		approvals: approval.New(st, lg, logger),
		gate:      readiness.New(st, lg, issuer, logger),
		logger:    logger,
		demo:      cfg.Demo.Enabled,
		now:       time.Now,
	}, nil
}
