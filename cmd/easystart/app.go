package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/easystart/internal/account"
	"github.com/loykin/easystart/internal/config"
	"github.com/loykin/easystart/internal/history"
	"github.com/loykin/easystart/internal/history/factory"
	"github.com/loykin/easystart/internal/metrics"
	"github.com/loykin/easystart/internal/registry"
	"github.com/loykin/easystart/internal/server"
)

// app is everything a command needs, built from one config.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	accounts account.Store
	sink     history.Sink
	reg      *registry.Registry

	closers []io.Closer
	servers []*http.Server
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newApp opens the account store and history sink and builds the registry.
// The registry is only built when withRegistry is set.
func newApp(path string, withRegistry bool) (*app, error) {
	cfg, err := loadConfig(path)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: cfg.Log.NewSlogger()}

	a.accounts, err = account.NewStoreFromDSN(cfg.Accounts.DSN, a.logger)
	if err != nil {
		return nil, fmt.Errorf("open account store: %w", err)
	}
	a.closers = append(a.closers, a.accounts)

	sink, closer, err := factory.NewSinkFromDSN(cfg.History.DSN)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("open history sink: %w", err)
	}
	a.sink = sink
	a.closers = append(a.closers, closer)

	if withRegistry {
		wopts, err := cfg.WorkerOptions()
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.reg = registry.New(cfg.Template(),
			registry.WithLogger(a.logger),
			registry.WithHistory(sink),
			registry.WithWorkerOptions(wopts),
			registry.WithKillWait(cfg.Timeouts.KillWait),
		)
	}
	return a, nil
}

// serveMetrics exposes Prometheus metrics on metrics.listen when set.
func (a *app) serveMetrics() error {
	if a.cfg.Metrics.Listen == "" {
		return nil
	}
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	a.listen(a.cfg.Metrics.Listen, mux, "metrics")
	return nil
}

func (a *app) listen(addr string, h http.Handler, what string) {
	srv := server.NewHTTPServer(addr, h)
	a.servers = append(a.servers, srv)
	go func() {
		a.logger.Info("listening", "what", what, "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("listener stopped", "what", what, "addr", addr, "error", err)
		}
	}()
}

// Close shuts listeners down and releases stores.
func (a *app) Close() error {
	var result *multierror.Error
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, s := range a.servers {
		if err := s.Shutdown(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
