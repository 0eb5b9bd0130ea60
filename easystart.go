package easystart

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/easystart/internal/account"
	"github.com/loykin/easystart/internal/config"
	"github.com/loykin/easystart/internal/history"
	"github.com/loykin/easystart/internal/history/factory"
	"github.com/loykin/easystart/internal/metrics"
	"github.com/loykin/easystart/internal/registry"
	iapi "github.com/loykin/easystart/internal/server"
	"github.com/loykin/easystart/internal/worker"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Account = account.Account

type AccountStore = account.Store

type CommandTemplate = worker.CommandTemplate

type WorkerOptions = worker.Options

type Snapshot = registry.Snapshot

type ProbeResult = registry.ProbeResult

type HistorySink = history.Sink

type HistoryEvent = history.Event

type Config = config.Config

var (
	ErrAlreadyRunning = registry.ErrAlreadyRunning
	ErrNotFound       = registry.ErrNotFound
	ErrSpawn          = worker.ErrSpawn
	ErrTimedOut       = worker.ErrTimedOut
)

const (
	OutputDiscard = worker.OutputDiscard
	OutputCapture = worker.OutputCapture
	OutputFile    = worker.OutputFile

	PlaceholderUsername = worker.PlaceholderUsername
	PlaceholderSecret   = worker.PlaceholderSecret
)

// Manager is a thin facade over internal/registry.Registry.
// It provides a stable public API for embedding.
type Manager struct{ inner *registry.Registry }

// New builds a manager for tmpl. Logger and sinks are optional.
func New(tmpl CommandTemplate, opts WorkerOptions, logger *slog.Logger, sinks ...HistorySink) *Manager {
	return &Manager{inner: registry.New(tmpl,
		registry.WithWorkerOptions(opts),
		registry.WithLogger(logger),
		registry.WithHistory(sinks...),
	)}
}

func DefaultTemplate() CommandTemplate { return worker.DefaultTemplate() }

func (m *Manager) Start(ctx context.Context, a Account) error {
	_, err := m.inner.Start(ctx, a)
	return err
}
func (m *Manager) StartAll(ctx context.Context, accts []Account) error {
	return m.inner.StartAll(ctx, accts)
}
func (m *Manager) Reap() int                                   { return m.inner.Reap() }
func (m *Manager) IdleAccounts(all []Account) []Account        { return m.inner.IdleAccounts(all) }
func (m *Manager) ProbeAll(timeout time.Duration) []ProbeResult { return m.inner.ProbeAll(timeout) }
func (m *Manager) Terminate(username string, grace time.Duration) error {
	return m.inner.Terminate(username, grace)
}
func (m *Manager) TerminateAll(grace time.Duration) error { return m.inner.TerminateAll(grace) }
func (m *Manager) Len() int                               { return m.inner.Len() }
func (m *Manager) Handles() []Snapshot                    { return m.inner.Handles() }

// OpenAccounts opens an account store (flat file, sqlite:// or postgres://).
func OpenAccounts(dsn string) (AccountStore, error) { return account.NewStoreFromDSN(dsn, nil) }

// OpenHistory opens a history sink from a DSN; an empty DSN discards events.
func OpenHistory(dsn string) (HistorySink, func() error, error) {
	s, c, err := factory.NewSinkFromDSN(dsn)
	if err != nil {
		return nil, nil, err
	}
	return s, c.Close, nil
}

func LoadConfig(path string) (*Config, error) {
	c, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return c, c.Validate()
}

// NewHTTPHandler returns the HTTP API for m mounted at basePath.
func NewHTTPHandler(m *Manager, accounts AccountStore, basePath string) http.Handler {
	return iapi.NewRouter(m.inner, accounts, iapi.Options{BasePath: basePath}).Handler()
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
func MetricsHandler() http.Handler                  { return metrics.Handler() }
