package team

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/jholhewres/agenth/pkg/agenth/llm"
)

// ErrNoSupervisor is returned by Invoke when the team has no supervisor,
// either because it was never started or because its build failed.
var ErrNoSupervisor = errors.New("team supervisor is not available")

// SpecSource returns the current agent specs.
type SpecSource func() ([]AgentSpec, error)

// Manager owns the running team: it builds it, rebuilds it on restart and
// routes requests to the supervisor.
type Manager struct {
	builder *Builder
	specs   SpecSource
	logger  *slog.Logger

	// restartMu serializes Start/Restart/Stop.
	restartMu sync.Mutex
	mu        sync.RWMutex
	team      *Team
}

// NewManager creates a manager. Call Start to build the team.
func NewManager(builder *Builder, specs SpecSource, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		builder: builder,
		specs:   specs,
		logger:  logger.With("component", "team_manager"),
	}
}

// Start builds the team. It is a no-op when a team is already running.
func (m *Manager) Start(ctx context.Context) error {
	m.restartMu.Lock()
	defer m.restartMu.Unlock()

	m.mu.RLock()
	running := m.team != nil
	m.mu.RUnlock()
	if running {
		return nil
	}
	return m.build(ctx)
}

// Restart stops every controller, waits for all of them, and rebuilds the
// team from freshly loaded specs.
func (m *Manager) Restart(ctx context.Context) error {
	m.restartMu.Lock()
	defer m.restartMu.Unlock()

	m.stopControllers(ctx)
	m.logger.Info("rebuilding team")
	return m.build(ctx)
}

// Stop stops every controller and drops the team.
func (m *Manager) Stop(ctx context.Context) {
	m.restartMu.Lock()
	defer m.restartMu.Unlock()
	m.stopControllers(ctx)
}

func (m *Manager) build(ctx context.Context) error {
	specs, err := m.specs()
	if err != nil {
		return fmt.Errorf("load agent specs: %w", err)
	}
	if err := ValidateSpecs(specs); err != nil {
		return err
	}
	t := m.builder.Build(ctx, specs)

	m.mu.Lock()
	m.team = t
	m.mu.Unlock()

	m.logger.Info("team ready",
		"agents", t.Names(),
		"failed", len(t.Failed),
		"supervisor", t.Supervisor != nil,
	)
	return nil
}

func (m *Manager) stopControllers(ctx context.Context) {
	m.mu.Lock()
	t := m.team
	m.team = nil
	m.mu.Unlock()
	if t == nil {
		return
	}

	var g errgroup.Group
	for name, a := range t.Agents {
		if a.Controller == nil {
			continue
		}
		g.Go(func() error {
			if err := a.Controller.Stop(ctx); err != nil {
				m.logger.Warn("controller stop failed", "agent", name, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Team returns the running team, or nil.
func (m *Manager) Team() *Team {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.team
}

// Invoke sends input to the supervisor.
func (m *Manager) Invoke(ctx context.Context, input string, history []llm.Message) (Result, error) {
	m.mu.RLock()
	t := m.team
	m.mu.RUnlock()

	if t == nil || t.Supervisor == nil {
		if t != nil && t.SupervisorErr != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrNoSupervisor, t.SupervisorErr)
		}
		return Result{}, ErrNoSupervisor
	}
	return t.Supervisor.Invoke(ctx, Input{Input: input, ChatHistory: history})
}
