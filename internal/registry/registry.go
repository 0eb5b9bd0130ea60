package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/loykin/easystart/internal/account"
	"github.com/loykin/easystart/internal/history"
	"github.com/loykin/easystart/internal/metrics"
	"github.com/loykin/easystart/internal/worker"
)

var (
	// ErrAlreadyRunning is returned by Start when the username has a live worker.
	ErrAlreadyRunning = errors.New("worker already running")
	// ErrNotFound is returned by Terminate when no worker is held for the username.
	ErrNotFound = errors.New("worker not found")
)

// DefaultKillWait bounds how long Terminate waits for exit after a forced kill.
const DefaultKillWait = 2 * time.Second

const historyTimeout = 5 * time.Second

// Registry is the ledger of workers that have not yet been confirmed dead.
// Handles stay in insertion order and are removed only by Reap.
type Registry struct {
	mu      sync.Mutex
	live    []*worker.Handle
	pending map[string]struct{} // usernames with a spawn in flight

	tmpl     worker.CommandTemplate
	opts     worker.Options
	killWait time.Duration
	sinks    []history.Sink
	logger   *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithHistory adds sinks that receive lifecycle events. Delivery is best-effort.
func WithHistory(sinks ...history.Sink) Option {
	return func(r *Registry) {
		for _, s := range sinks {
			if s != nil {
				r.sinks = append(r.sinks, s)
			}
		}
	}
}

// WithWorkerOptions sets how workers are launched (output mode, dir, env).
func WithWorkerOptions(o worker.Options) Option {
	return func(r *Registry) { r.opts = o }
}

func WithKillWait(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.killWait = d
		}
	}
}

func New(tmpl worker.CommandTemplate, opts ...Option) *Registry {
	r := &Registry{
		pending:  make(map[string]struct{}),
		tmpl:     tmpl,
		killWait: DefaultKillWait,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Start spawns a worker for acct unless its username already holds a handle.
// An exited handle still counts until Reap drops it.
func (r *Registry) Start(ctx context.Context, acct account.Account) (*worker.Handle, error) {
	r.mu.Lock()
	_, busy := r.pending[acct.Username]
	if busy || r.findLocked(acct.Username) != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, acct.Username)
	}
	r.pending[acct.Username] = struct{}{}
	r.mu.Unlock()

	h, err := worker.Spawn(ctx, acct, r.tmpl, r.opts)

	r.mu.Lock()
	delete(r.pending, acct.Username)
	if err == nil {
		r.live = append(r.live, h)
	}
	n := len(r.live)
	r.mu.Unlock()
	metrics.SetLive(n)

	if err != nil {
		metrics.IncSpawnFailure(acct.Username)
		r.logger.Error("worker spawn failed", "username", acct.Username, "error", err)
		return nil, err
	}
	metrics.IncStart(acct.Username)
	r.logger.Info("worker started", "username", acct.Username, "pid", h.PID(), "id", h.ID())
	r.record(history.EventStart, h)
	return h, nil
}

// StartAll starts every account in accts that has no live worker, in order.
// A failed start does not prevent later ones; failures are aggregated.
func (r *Registry) StartAll(ctx context.Context, accts []account.Account) error {
	var result *multierror.Error
	for _, a := range r.IdleAccounts(accts) {
		if _, err := r.Start(ctx, a); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Reap drops every handle whose process has exited and returns how many
// were removed. Survivors keep their relative order.
func (r *Registry) Reap() int {
	r.mu.Lock()
	var gone []*worker.Handle
	kept := r.live[:0]
	for _, h := range r.live {
		if h.IsAlive() {
			kept = append(kept, h)
		} else {
			gone = append(gone, h)
		}
	}
	clear(r.live[len(kept):])
	r.live = kept
	n := len(r.live)
	r.mu.Unlock()

	metrics.SetLive(n)
	if len(gone) == 0 {
		return 0
	}
	metrics.AddReaped(len(gone))
	for _, h := range gone {
		r.logger.Info("worker reaped", "username", h.Username(), "pid", h.PID(), "exit_code", h.ExitCode())
		r.record(history.EventExit, h)
	}
	return len(gone)
}

// IdleAccounts returns the accounts of all that have no handle in the
// registry, in the order given.
func (r *Registry) IdleAccounts(all []account.Account) []account.Account {
	r.mu.Lock()
	held := make(map[string]struct{}, len(r.live))
	for _, h := range r.live {
		held[h.Username()] = struct{}{}
	}
	r.mu.Unlock()

	out := make([]account.Account, 0, len(all))
	for _, a := range all {
		if _, ok := held[a.Username]; !ok {
			out = append(out, a)
		}
	}
	return out
}

// Outcome of probing one worker.
type Outcome string

const (
	ProbeExited   Outcome = "exited"
	ProbeTimedOut Outcome = "timed_out"
)

type ProbeResult struct {
	Username string  `json:"username"`
	Stdout   []byte  `json:"stdout"`
	Stderr   []byte  `json:"stderr"`
	Outcome  Outcome `json:"outcome"`
}

// ProbeAll collects output from every held worker concurrently, each bounded
// by timeout, so the whole call takes about one timeout. Results follow
// insertion order. A worker that is still running is reported as
// ProbeTimedOut and left alone.
func (r *Registry) ProbeAll(timeout time.Duration) []ProbeResult {
	handles := r.snapshotHandles()
	results := make([]ProbeResult, len(handles))
	var wg sync.WaitGroup
	for i, h := range handles {
		wg.Add(1)
		go func(i int, h *worker.Handle) {
			defer wg.Done()
			res := ProbeResult{Username: h.Username(), Outcome: ProbeExited}
			out, errOut, err := h.CollectOutput(timeout)
			if errors.Is(err, worker.ErrTimedOut) {
				res.Outcome = ProbeTimedOut
				metrics.IncProbeTimeout(h.Username())
			} else {
				res.Stdout, res.Stderr = out, errOut
			}
			results[i] = res
		}(i, h)
	}
	wg.Wait()
	return results
}

// Terminate stops the worker for username: SIGTERM, up to grace for it to
// exit, then a forced kill. The handle stays until the next Reap.
func (r *Registry) Terminate(username string, grace time.Duration) error {
	h := r.find(username)
	if h == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, username)
	}
	if !h.IsAlive() {
		return nil
	}

	var result *multierror.Error
	if err := h.Terminate(); err != nil {
		result = multierror.Append(result, fmt.Errorf("terminate %s: %w", username, err))
	}
	if h.Wait(grace) {
		metrics.IncStop(username, metrics.StopGraceful)
		r.logger.Info("worker terminated", "username", username, "pid", h.PID())
		r.record(history.EventTerminate, h)
		return nil
	}

	r.logger.Warn("worker ignored termination, killing", "username", username, "pid", h.PID(), "grace", grace)
	if err := h.Kill(); err != nil {
		result = multierror.Append(result, fmt.Errorf("kill %s: %w", username, err))
	}
	if !h.Wait(r.killWait) {
		result = multierror.Append(result, fmt.Errorf("worker %s still running %s after kill", username, r.killWait))
	}
	metrics.IncStop(username, metrics.StopForced)
	r.record(history.EventKill, h)
	return result.ErrorOrNil()
}

// TerminateAll stops every live worker in parallel.
func (r *Registry) TerminateAll(grace time.Duration) error {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		result *multierror.Error
	)
	for _, h := range r.snapshotHandles() {
		if !h.IsAlive() {
			continue
		}
		wg.Add(1)
		go func(username string) {
			defer wg.Done()
			if err := r.Terminate(username, grace); err != nil {
				mu.Lock()
				result = multierror.Append(result, err)
				mu.Unlock()
			}
		}(h.Username())
	}
	wg.Wait()
	return result.ErrorOrNil()
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// Snapshot is a read-only view of one handle.
type Snapshot struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Alive     bool      `json:"alive"`
	ExitCode  int       `json:"exit_code"`
}

func (r *Registry) Handles() []Snapshot {
	handles := r.snapshotHandles()
	out := make([]Snapshot, len(handles))
	for i, h := range handles {
		out[i] = Snapshot{
			ID:        h.ID(),
			Username:  h.Username(),
			PID:       h.PID(),
			StartedAt: h.StartedAt(),
			Alive:     h.IsAlive(),
			ExitCode:  h.ExitCode(),
		}
	}
	return out
}

func (r *Registry) snapshotHandles() []*worker.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*worker.Handle(nil), r.live...)
}

func (r *Registry) find(username string) *worker.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findLocked(username)
}

// findLocked requires r.mu.
func (r *Registry) findLocked(username string) *worker.Handle {
	for _, h := range r.live {
		if h.Username() == username {
			return h
		}
	}
	return nil
}

func (r *Registry) record(t history.EventType, h *worker.Handle) {
	if len(r.sinks) == 0 {
		return
	}
	e := history.Event{
		ID:         h.ID(),
		Type:       t,
		Username:   h.Username(),
		PID:        h.PID(),
		OccurredAt: time.Now().UTC(),
		ExitCode:   h.ExitCode(),
	}
	if t == history.EventStart {
		e.OccurredAt = h.StartedAt().UTC()
	} else if err := h.ExitErr(); err != nil {
		e.Error = err.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()
	for _, s := range r.sinks {
		if err := s.Send(ctx, e); err != nil {
			r.logger.Warn("history send failed", "type", string(t), "username", e.Username, "error", err)
		}
	}
}
