package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/easystart/internal/account"
	"github.com/loykin/easystart/internal/registry"
	"github.com/loykin/easystart/internal/worker"
)

// Router exposes the registry over HTTP.
// Endpoints:
//
//	GET  {basePath}/workers                   live handles in insertion order
//	GET  {basePath}/accounts/idle             accounts without a worker
//	POST {basePath}/workers/start?username=u  start the stored account u
//	POST {basePath}/workers/stop?username=u&wait=2s
//	POST {basePath}/reap                      drop exited handles
//	GET  {basePath}/workers/probe?timeout=10s collect output from every worker
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	reg      *registry.Registry
	accounts account.Store
	basePath string
	probe    time.Duration
	grace    time.Duration
}

// Options for NewRouter. Zero timeouts fall back to 10s probe and 2s grace.
type Options struct {
	BasePath     string
	ProbeTimeout time.Duration
	Grace        time.Duration
}

// maxProbeTimeout caps the timeout a client can ask a probe to wait.
const maxProbeTimeout = time.Minute

func NewRouter(reg *registry.Registry, accounts account.Store, opts Options) *Router {
	r := &Router{
		reg:      reg,
		accounts: accounts,
		basePath: sanitizeBase(opts.BasePath),
		probe:    opts.ProbeTimeout,
		grace:    opts.Grace,
	}
	if r.probe <= 0 {
		r.probe = 10 * time.Second
	}
	if r.grace <= 0 {
		r.grace = 2 * time.Second
	}
	return r
}

// BasePath returns the normalised mount point.
func (r *Router) BasePath() string { return r.basePath }

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/workers", r.handleWorkers)
	group.GET("/accounts/idle", r.handleIdle)
	group.POST("/workers/start", r.handleStart)
	group.POST("/workers/stop", r.handleStop)
	group.POST("/reap", r.handleReap)
	group.GET("/workers/probe", r.handleProbe)
	return g
}

// NewHTTPServer wraps h with the timeouts every listener in this program uses.
func NewHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// probes may legitimately wait up to maxProbeTimeout
		WriteTimeout: maxProbeTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type startResp struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	PID      int    `json:"pid"`
}

type reapResp struct {
	Reaped int `json:"reaped"`
	Live   int `json:"live"`
}

type probeResp struct {
	Username string           `json:"username"`
	Outcome  registry.Outcome `json:"outcome"`
	Stdout   string           `json:"stdout"`
	Stderr   string           `json:"stderr"`
}

func (r *Router) handleWorkers(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.reg.Handles())
}

func (r *Router) handleIdle(c *gin.Context) {
	all, err := r.accounts.List(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	idle := r.reg.IdleAccounts(all)
	names := make([]string, len(idle))
	for i, a := range idle {
		names[i] = a.Username
	}
	writeJSON(c, http.StatusOK, names)
}

func (r *Router) handleStart(c *gin.Context) {
	username := c.Query("username")
	if !isSafeName(username) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "username query param required"})
		return
	}
	acct, ok, err := r.lookup(c, username)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown account: " + username})
		return
	}
	h, err := r.reg.Start(c.Request.Context(), acct)
	switch {
	case errors.Is(err, registry.ErrAlreadyRunning):
		writeJSON(c, http.StatusConflict, errorResp{Error: err.Error()})
	case errors.Is(err, worker.ErrSpawn):
		writeJSON(c, http.StatusBadGateway, errorResp{Error: err.Error()})
	case err != nil:
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
	default:
		writeJSON(c, http.StatusOK, startResp{ID: h.ID(), Username: h.Username(), PID: h.PID()})
	}
}

func (r *Router) handleStop(c *gin.Context) {
	username := c.Query("username")
	if username == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "username query param required"})
		return
	}
	wait, ok := parseDuration(c.Query("wait"), r.grace, maxProbeTimeout)
	if !ok {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid wait duration"})
		return
	}
	err := r.reg.Terminate(username, wait)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
	case err != nil:
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
	default:
		writeJSON(c, http.StatusOK, okResp{OK: true})
	}
}

func (r *Router) handleReap(c *gin.Context) {
	n := r.reg.Reap()
	writeJSON(c, http.StatusOK, reapResp{Reaped: n, Live: r.reg.Len()})
}

func (r *Router) handleProbe(c *gin.Context) {
	timeout, ok := parseDuration(c.Query("timeout"), r.probe, maxProbeTimeout)
	if !ok {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid timeout duration"})
		return
	}
	results := r.reg.ProbeAll(timeout)
	out := make([]probeResp, len(results))
	for i, res := range results {
		out[i] = probeResp{
			Username: res.Username,
			Outcome:  res.Outcome,
			Stdout:   string(res.Stdout),
			Stderr:   string(res.Stderr),
		}
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) lookup(c *gin.Context, username string) (account.Account, bool, error) {
	all, err := r.accounts.List(c.Request.Context())
	if err != nil {
		return account.Account{}, false, err
	}
	for _, a := range all {
		if a.Username == username {
			return a, true, nil
		}
	}
	return account.Account{}, false, nil
}
