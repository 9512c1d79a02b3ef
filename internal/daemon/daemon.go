// Package daemon wires the licence server's long-running parts
// together and owns their lifecycle: the TCP transport, the optional
// web dashboard, the reload scheduler and the licence-folder watcher.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/altia/nlserv/internal/api"
	"github.com/altia/nlserv/internal/jobs"
	"github.com/altia/nlserv/internal/log"
	"github.com/altia/nlserv/internal/transport"
)

// ShutdownTimeout bounds graceful shutdown of the web server and hooks.
const ShutdownTimeout = 30 * time.Second

// ShutdownHook is cleanup run during shutdown, LIFO.
type ShutdownHook func(ctx context.Context) error

// Deps are the components the daemon runs.
type Deps struct {
	Transport *transport.Server
	Web       *api.Server // nil when the dashboard is disabled
	Scheduler *jobs.Scheduler
	Watcher   *jobs.Watcher // nil when the licence folder cannot be watched
}

// Validate checks the required dependencies are present.
func (d Deps) Validate() error {
	if d.Transport == nil {
		return fmt.Errorf("transport server is required")
	}
	if d.Scheduler == nil {
		return fmt.Errorf("reload scheduler is required")
	}
	return nil
}

type namedHook struct {
	name string
	hook ShutdownHook
}

// Manager runs the daemon until the context is cancelled or the
// transport stops (Kill message or bind failure).
type Manager struct {
	deps Deps

	mu    sync.Mutex
	hooks []namedHook
}

// NewManager validates the dependencies and builds a Manager.
func NewManager(deps Deps) (*Manager, error) {
	if err := deps.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dependencies: %w", err)
	}
	return &Manager{deps: deps}, nil
}

// RegisterShutdownHook adds a cleanup step, run LIFO on shutdown.
func (m *Manager) RegisterShutdownHook(name string, hook ShutdownHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, namedHook{name: name, hook: hook})
}

// Run starts every component and blocks until the first of them stops
// or ctx is cancelled, then shuts the rest down.
func (m *Manager) Run(ctx context.Context) error {
	logger := log.WithComponent("daemon")

	g, gctx := errgroup.WithContext(ctx)

	// The transport decides process lifetime: when it stops (Kill or
	// fatal bind error) the group context cancels everything else.
	g.Go(func() error {
		defer m.deps.Transport.Stop()
		return m.deps.Transport.Run(gctx)
	})

	var webServer *http.Server
	if m.deps.Web != nil {
		webServer = m.deps.Web.HTTPServer()
		g.Go(func() error {
			logger.Info().
				Str("event", "daemon.web_start").
				Str("addr", webServer.Addr).
				Msg("starting web dashboard")
			if err := webServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("web server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), ShutdownTimeout)
			defer cancel()
			return webServer.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		err := m.deps.Scheduler.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if m.deps.Watcher != nil {
		g.Go(func() error {
			err := m.deps.Watcher.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	m.runShutdownHooks()
	logger.Info().Str("event", "daemon.stopped").Msg("daemon stopped")
	return err
}

func (m *Manager) runShutdownHooks() {
	logger := log.WithComponent("daemon")

	m.mu.Lock()
	hooks := make([]namedHook, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		if err := h.hook(ctx); err != nil {
			logger.Error().
				Err(err).
				Str("event", "daemon.hook_failed").
				Str("hook", h.name).
				Msg("shutdown hook failed")
		}
	}
}
