package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/room4-2/voicebridge/bridge"
	"github.com/room4-2/voicebridge/hub"
	"github.com/room4-2/voicebridge/session"
)

// SupervisorState tracks the lifecycle of the whole server process.
type SupervisorState int32

const (
	StateIdle SupervisorState = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

func (s SupervisorState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Supervisor owns both listeners and drives startup and ordered shutdown.
// Shutdown runs in bounded phases so a wedged connection can never hang the
// process: cancel connection contexts, close the live connections, then close
// the listeners.
type Supervisor struct {
	clientServer *ClientServer
	hubServer    *HubServer
	registry     *hub.Registry
	manager      *session.Manager
	bridge       *bridge.Bridge
	phaseTimeout time.Duration
	log          *zap.Logger

	mu    sync.Mutex
	state SupervisorState

	connCtx    context.Context
	connCancel context.CancelFunc
	group      *errgroup.Group
}

// NewSupervisor wires the two servers together. phaseTimeout bounds each of
// the three shutdown phases independently.
func NewSupervisor(clientServer *ClientServer, hubServer *HubServer, registry *hub.Registry, manager *session.Manager, b *bridge.Bridge, phaseTimeout time.Duration, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		clientServer: clientServer,
		hubServer:    hubServer,
		registry:     registry,
		manager:      manager,
		bridge:       b,
		phaseTimeout: phaseTimeout,
		log:          logger.With(zap.String("component", "supervisor")),
		state:        StateIdle,
	}
}

// State returns the supervisor's lifecycle state.
func (s *Supervisor) State() SupervisorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(st SupervisorState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.log.Info("state changed", zap.String("state", st.String()))
}

// Start binds both listeners and launches the serve loops. Binding is
// synchronous: a port that cannot be bound fails Start, and the caller exits.
func (s *Supervisor) Start(ctx context.Context) error {
	s.setState(StateStarting)

	if err := s.clientServer.Listen(); err != nil {
		s.setState(StateStopped)
		return err
	}
	if err := s.hubServer.Listen(); err != nil {
		s.clientServer.Shutdown(context.Background())
		s.setState(StateStopped)
		return fmt.Errorf("hub listener: %w", err)
	}

	s.connCtx, s.connCancel = context.WithCancel(ctx)
	s.group, _ = errgroup.WithContext(ctx)

	s.group.Go(func() error {
		return s.clientServer.Serve()
	})
	s.group.Go(func() error {
		return s.hubServer.Serve(s.connCtx)
	})
	s.group.Go(func() error {
		s.manager.StartCleanupRoutine(s.connCtx)
		return nil
	})

	s.setState(StateRunning)
	return nil
}

// Wait blocks until both serve loops exit.
func (s *Supervisor) Wait() error {
	return s.group.Wait()
}

// Stop shuts the server down in three bounded phases. Each phase gets its own
// timeout; a phase that overruns is abandoned and the next begins, so stop
// always makes forced progress. Idempotent.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.state == StateStopping || s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	s.state = StateStopping
	s.mu.Unlock()
	s.log.Info("state changed", zap.String("state", StateStopping.String()))

	// Phase 1: cancel connection contexts so in-flight work stops feeding.
	if s.connCancel != nil {
		s.connCancel()
	}

	// Phase 2: close live connections on both sides.
	s.registry.CloseAll(s.phaseTimeout)
	s.manager.CloseAll(s.phaseTimeout)

	// Phase 3: close the listeners.
	s.hubServer.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.phaseTimeout)
	defer cancel()
	if err := s.clientServer.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("client listener shutdown overran", zap.Error(err))
	}

	s.bridge.Close()
	s.setState(StateStopped)
	s.log.Info("👋 shutdown complete")
}
