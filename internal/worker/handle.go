package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/easystart/internal/account"
	"github.com/loykin/easystart/internal/logger"
)

var (
	// ErrSpawn matches every *SpawnError.
	ErrSpawn = errors.New("worker spawn failed")
	// ErrTimedOut is returned by CollectOutput when the worker is still running.
	ErrTimedOut = errors.New("worker still running after timeout")
)

// SpawnError reports that the operating system refused to start a worker.
type SpawnError struct {
	Username string
	Path     string
	Err      error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn worker for %s (%s): %v", e.Username, e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

func (e *SpawnError) Is(target error) bool { return target == ErrSpawn }

// OutputMode selects where a worker's stdout and stderr go.
type OutputMode string

const (
	OutputDiscard OutputMode = "discard"
	OutputCapture OutputMode = "capture"
	OutputFile    OutputMode = "file"
)

// ParseOutputMode accepts the config spelling of a mode; empty means discard.
func ParseOutputMode(s string) (OutputMode, error) {
	switch OutputMode(s) {
	case "", OutputDiscard:
		return OutputDiscard, nil
	case OutputCapture, OutputFile:
		return OutputMode(s), nil
	}
	return "", fmt.Errorf("unknown output mode %q", s)
}

// Options control how a worker is launched.
type Options struct {
	Output       OutputMode
	CaptureLimit int               // per stream, OutputCapture only
	Files        logger.FileConfig // OutputFile only
	Dir          string
	Env          []string // appended to the manager's environment
}

// waitDelay bounds how long Wait keeps copying output after the worker exits
// while a grandchild still holds the pipes open.
const waitDelay = 500 * time.Millisecond

// Handle is one running (or exited) worker process.
type Handle struct {
	id        string
	username  string
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time

	stdout, stderr *cappedBuffer
	closers        []io.Closer

	done     chan struct{} // closed by the waiter once cmd.Wait returns
	mu       sync.Mutex
	exitErr  error
	exitCode int
}

// Spawn starts the worker for acct. The context only guards the launch; the
// worker itself outlives it. Every failure is a *SpawnError.
func Spawn(ctx context.Context, acct account.Account, tmpl CommandTemplate, opts Options) (*Handle, error) {
	path, args := tmpl.Render(acct)
	spawnErr := func(err error) error {
		return &SpawnError{Username: acct.Username, Path: path, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, spawnErr(err)
	}
	if err := tmpl.Validate(); err != nil {
		return nil, spawnErr(err)
	}

	cmd := exec.Command(path, args...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	configureSysProcAttr(cmd)
	cmd.WaitDelay = waitDelay

	h := &Handle{
		id:       uuid.NewString(),
		username: acct.Username,
		cmd:      cmd,
		done:     make(chan struct{}),
		exitCode: -1,
	}

	switch opts.Output {
	case OutputCapture:
		h.stdout = newCappedBuffer(opts.CaptureLimit)
		h.stderr = newCappedBuffer(opts.CaptureLimit)
		cmd.Stdout = h.stdout
		cmd.Stderr = h.stderr
	case OutputFile:
		outW, errW, err := opts.Files.ProcessWriters(acct.Username)
		if err != nil {
			return nil, spawnErr(err)
		}
		if outW != nil {
			cmd.Stdout = outW
			h.closers = append(h.closers, outW)
		}
		if errW != nil {
			cmd.Stderr = errW
			h.closers = append(h.closers, errW)
		}
	}
	// nil Stdout/Stderr/Stdin are connected to the null device by os/exec

	if err := cmd.Start(); err != nil {
		h.closeWriters()
		return nil, spawnErr(err)
	}
	h.pid = cmd.Process.Pid
	h.startedAt = time.Now()
	go h.wait()
	return h, nil
}

// wait is the only caller of cmd.Wait.
func (h *Handle) wait() {
	err := h.cmd.Wait()
	code := -1
	if h.cmd.ProcessState != nil {
		code = h.cmd.ProcessState.ExitCode()
	}
	h.closeWriters()
	h.mu.Lock()
	h.exitErr = err
	h.exitCode = code
	h.mu.Unlock()
	close(h.done)
}

func (h *Handle) closeWriters() {
	for _, c := range h.closers {
		_ = c.Close()
	}
	h.closers = nil
}

func (h *Handle) ID() string           { return h.id }
func (h *Handle) Username() string     { return h.username }
func (h *Handle) PID() int             { return h.pid }
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Done is closed once the worker has exited and been reaped by the OS.
func (h *Handle) Done() <-chan struct{} { return h.done }

// IsAlive reports whether the worker has not yet exited. It never blocks.
func (h *Handle) IsAlive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Wait blocks up to timeout for exit and reports whether the worker exited.
func (h *Handle) Wait(timeout time.Duration) bool {
	if timeout <= 0 {
		return !h.IsAlive()
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-h.done:
		return true
	case <-t.C:
		return false
	}
}

// ExitCode is -1 while running or when the worker was ended by a signal.
func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// ExitErr is the error returned by the wait, nil for a clean exit.
func (h *Handle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

// Terminate asks the worker's process group to stop and returns immediately.
func (h *Handle) Terminate() error {
	if !h.IsAlive() {
		return nil
	}
	return terminateGroup(h.cmd.Process)
}

// Kill forcibly stops the worker's process group.
func (h *Handle) Kill() error {
	if !h.IsAlive() {
		return nil
	}
	return killGroup(h.cmd.Process)
}

// CollectOutput waits up to timeout for the worker to exit and drains what
// it wrote, so a later call returns only bytes written since. A worker still
// running afterwards is left untouched and ErrTimedOut is returned. Only
// OutputCapture retains any bytes.
func (h *Handle) CollectOutput(timeout time.Duration) ([]byte, []byte, error) {
	if !h.Wait(timeout) {
		return nil, nil, ErrTimedOut
	}
	if h.stdout == nil {
		return []byte{}, []byte{}, nil
	}
	return h.stdout.Drain(), h.stderr.Drain(), nil
}

// Truncated reports how many captured bytes were dropped per stream.
func (h *Handle) Truncated() (stdout, stderr int64) {
	if h.stdout == nil {
		return 0, 0
	}
	return h.stdout.Dropped(), h.stderr.Dropped()
}
