// internal/browser/manager.go
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/tether/internal/browser/cdp"
	"github.com/xkilldash9x/tether/internal/browser/pw"
	"github.com/xkilldash9x/tether/internal/browser/rodengine"
	"github.com/xkilldash9x/tether/internal/browser/session"
	"github.com/xkilldash9x/tether/internal/config"
)

const shutdownGracePeriod = 15 * time.Second

// Engine is a browser automation backend that hands out isolated sessions.
type Engine interface {
	Name() string
	Launch(ctx context.Context) error
	NewSession(ctx context.Context) (session.Session, error)
	Close() error
}

// NewEngine returns the backend registered under name.
func NewEngine(name string, opts session.Options, logger *zap.Logger) (Engine, error) {
	switch name {
	case config.EngineChromedp, "":
		return cdp.New(opts, logger), nil
	case config.EnginePlaywright:
		return pw.New(opts, logger), nil
	case config.EngineRod:
		return rodengine.New(opts, logger), nil
	}
	return nil, fmt.Errorf("unknown browser engine %q", name)
}

// Option customizes a Manager.
type Option func(*Manager)

// WithEngine replaces the configured backend.
func WithEngine(e Engine) Option {
	return func(m *Manager) { m.engine = e }
}

// WithProxy routes browser traffic through proxyURL.
func WithProxy(proxyURL string) Option {
	return func(m *Manager) { m.proxyURL = proxyURL }
}

// Manager handles the browser process lifecycle and session creation. The browser is
// launched lazily on the first session request.
type Manager struct {
	engine   Engine
	proxyURL string
	logger   *zap.Logger

	sessions map[string]session.Session
	mu       sync.RWMutex
	wg       sync.WaitGroup

	initOnce sync.Once
	initErr  error
}

// NewManager creates a manager for the engine named in the browser configuration.
func NewManager(cfg config.Interface, logger *zap.Logger, opts ...Option) (*Manager, error) {
	m := &Manager{
		logger:   logger.Named("browser_manager"),
		sessions: make(map[string]session.Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.engine == nil {
		engine, err := NewEngine(cfg.Browser().Engine, session.OptionsFromConfig(cfg, m.proxyURL), logger)
		if err != nil {
			return nil, err
		}
		m.engine = engine
	}
	m.logger.Info("Browser manager created (initialization deferred).", zap.String("engine", m.engine.Name()))
	return m, nil
}

func (m *Manager) initialize(ctx context.Context) error {
	m.initOnce.Do(func() {
		m.logger.Info("Launching browser.", zap.String("engine", m.engine.Name()))
		if err := m.engine.Launch(ctx); err != nil {
			m.initErr = fmt.Errorf("failed to launch %s engine: %w", m.engine.Name(), err)
		}
	})
	return m.initErr
}

// managed reports its own close back to the manager.
type managed struct {
	session.Session
	once    sync.Once
	onClose func()
}

func (s *managed) Close(ctx context.Context) error {
	err := s.Session.Close(ctx)
	s.once.Do(s.onClose)
	return err
}

// NewSession creates a new isolated browser session.
func (m *Manager) NewSession(ctx context.Context) (session.Session, error) {
	if err := m.initialize(ctx); err != nil {
		return nil, err
	}

	inner, err := m.engine.NewSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	m.wg.Add(1)
	s := &managed{Session: inner}
	s.onClose = func() {
		m.mu.Lock()
		delete(m.sessions, s.ID())
		m.mu.Unlock()
		m.wg.Done()
		m.logger.Debug("Session removed from manager.", zap.String("session_id", s.ID()))
	}

	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()

	m.logger.Info("New session created.", zap.String("session_id", s.ID()))
	return s, nil
}

// ActiveSessions returns the number of sessions not yet closed.
func (m *Manager) ActiveSessions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Shutdown closes all sessions and then the browser.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("Shutting down browser manager.")

	m.mu.RLock()
	open := make([]session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.RUnlock()

	for _, s := range open {
		go func(s session.Session) {
			if err := s.Close(ctx); err != nil {
				m.logger.Warn("Error during session close in shutdown.", zap.String("session_id", s.ID()), zap.Error(err))
			}
		}(s)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("All sessions closed gracefully.")
	case <-ctx.Done():
		m.logger.Warn("Timeout waiting for sessions to close. Proceeding with forceful shutdown.", zap.Error(ctx.Err()))
	}

	errc := make(chan error, 1)
	go func() { errc <- m.engine.Close() }()
	select {
	case err := <-errc:
		if err != nil {
			m.logger.Error("Failed to close browser.", zap.Error(err))
			return fmt.Errorf("failed to close browser: %w", err)
		}
	case <-time.After(shutdownGracePeriod):
		return fmt.Errorf("browser did not close within %s", shutdownGracePeriod)
	}

	m.logger.Info("Browser manager shutdown complete.")
	return nil
}
