// internal/browser/manager_test.go
package browser_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/tether/internal/browser"
	"github.com/xkilldash9x/tether/internal/browser/session"
	"github.com/xkilldash9x/tether/internal/config"
	"github.com/xkilldash9x/tether/internal/interaction"
	"github.com/xkilldash9x/tether/internal/interaction/interactiontest"
)

type fakeSession struct {
	id     string
	page   *interactiontest.Page
	closed atomic.Int32
}

func (s *fakeSession) ID() string             { return s.id }
func (s *fakeSession) Page() interaction.Page { return s.page }
func (s *fakeSession) Close(context.Context) error {
	s.closed.Add(1)
	s.page.Close()
	return nil
}

type fakeEngine struct {
	launches  atomic.Int32
	closes    atomic.Int32
	launchErr error

	mu       sync.Mutex
	sessions []*fakeSession
}

func (e *fakeEngine) Name() string { return "fake" }

func (e *fakeEngine) Launch(context.Context) error {
	e.launches.Add(1)
	return e.launchErr
}

func (e *fakeEngine) NewSession(context.Context) (session.Session, error) {
	s := &fakeSession{id: uuid.NewString(), page: interactiontest.NewPage("about:blank")}
	e.mu.Lock()
	e.sessions = append(e.sessions, s)
	e.mu.Unlock()
	return s, nil
}

func (e *fakeEngine) Close() error {
	e.closes.Add(1)
	return nil
}

func TestManager_LaunchesOnceAndTracksSessions(t *testing.T) {
	eng := &fakeEngine{}
	m, err := browser.NewManager(config.NewDefaultConfig(), zaptest.NewLogger(t), browser.WithEngine(eng))
	require.NoError(t, err)
	assert.Zero(t, eng.launches.Load())

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.NewSession(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, eng.launches.Load())
	assert.Equal(t, 4, m.ActiveSessions())

	first := eng.sessions[0]
	var s session.Session
	s, err = m.NewSession(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Close(ctx))
	require.NoError(t, s.Close(ctx))
	assert.Equal(t, 4, m.ActiveSessions())

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(shutdownCtx))
	assert.Zero(t, m.ActiveSessions())
	assert.EqualValues(t, 1, first.closed.Load())
	assert.EqualValues(t, 1, eng.closes.Load())
}

func TestManager_LaunchFailureIsSticky(t *testing.T) {
	eng := &fakeEngine{launchErr: errors.New("no chrome")}
	m, err := browser.NewManager(config.NewDefaultConfig(), zaptest.NewLogger(t), browser.WithEngine(eng))
	require.NoError(t, err)

	_, err = m.NewSession(context.Background())
	assert.ErrorContains(t, err, "no chrome")
	_, err = m.NewSession(context.Background())
	assert.ErrorContains(t, err, "no chrome")
	assert.EqualValues(t, 1, eng.launches.Load())
}

func TestNewEngine(t *testing.T) {
	logger := zaptest.NewLogger(t)
	for _, name := range []string{"", config.EngineChromedp, config.EnginePlaywright, config.EngineRod} {
		e, err := browser.NewEngine(name, session.Options{}, logger)
		require.NoError(t, err, name)
		if name != "" {
			assert.Equal(t, name, e.Name())
		}
	}
	_, err := browser.NewEngine("selenium", session.Options{}, logger)
	assert.Error(t, err)

	cfg := config.NewDefaultConfig()
	cfg.SetBrowserEngine("selenium")
	_, err = browser.NewManager(cfg, logger)
	assert.Error(t, err)
}
