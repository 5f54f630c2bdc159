package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/room4-2/voicebridge/messages"
	"github.com/room4-2/voicebridge/metrics"
)

// ManagerConfig carries the session-level knobs the manager needs.
type ManagerConfig struct {
	MaxClients     int
	AuthToken      string
	AuthTimeout    time.Duration
	SessionTimeout time.Duration
	RedisURL       string
	RedisPassword  string
}

// Manager tracks all live client sessions. Membership changes are the only
// mutation; broadcast iterates a snapshot so sessions may remove themselves
// concurrently. Presence is optionally mirrored into Redis, exactly as
// best-effort metadata: the manager works identically without it.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*ClientSession

	cfg   ManagerConfig
	redis *redis.Client
	log   *zap.Logger
}

// NewManager creates a session manager. Redis is probed once; when
// unreachable the manager continues without it.
func NewManager(cfg ManagerConfig, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.With(zap.String("component", "client_registry"))

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisURL,
			Password: cfg.RedisPassword,
			DB:       0,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Warn("redis unavailable, continuing without presence mirror", zap.Error(err))
			redisClient = nil
		}
	}

	return &Manager{
		sessions: make(map[string]*ClientSession),
		cfg:      cfg,
		redis:    redisClient,
		log:      log,
	}
}

// CreateSession registers a new client connection. relay receives the
// session's microphone audio and control events.
func (sm *Manager) CreateSession(ctx context.Context, conn *websocket.Conn, relay Relay) (*ClientSession, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.cfg.MaxClients > 0 && len(sm.sessions) >= sm.cfg.MaxClients {
		return nil, fmt.Errorf("maximum clients reached (%d)", sm.cfg.MaxClients)
	}

	id := uuid.New().String()
	session := NewClientSession(id, conn, relay, sm.cfg.AuthToken, sm.cfg.AuthTimeout, sm.log)
	sm.sessions[id] = session
	metrics.ActiveClients.Set(float64(len(sm.sessions)))
	sm.storeSession(ctx, session)
	return session, nil
}

// storeSession mirrors session presence into Redis. Caller holds sm.mu.
func (sm *Manager) storeSession(ctx context.Context, session *ClientSession) {
	if sm.redis == nil {
		return
	}
	sm.redis.HSet(ctx, "session:"+session.ID, map[string]interface{}{
		"created_at":    session.CreatedAt.Format(time.RFC3339),
		"last_activity": session.LastActivity.Format(time.RFC3339),
		"status":        "active",
	})
	sm.redis.SAdd(ctx, "active_sessions", session.ID)
	if sm.cfg.SessionTimeout > 0 {
		sm.redis.Expire(ctx, "session:"+session.ID, sm.cfg.SessionTimeout)
	}
}

// GetSession retrieves a session by ID.
func (sm *Manager) GetSession(id string) (*ClientSession, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	session, exists := sm.sessions[id]
	return session, exists
}

// RemoveSession closes and drops a session.
func (sm *Manager) RemoveSession(ctx context.Context, id string) {
	sm.mu.Lock()
	session, exists := sm.sessions[id]
	if exists {
		delete(sm.sessions, id)
	}
	n := len(sm.sessions)
	sm.mu.Unlock()

	if !exists {
		return
	}
	session.Close()
	metrics.ActiveClients.Set(float64(n))
	if sm.redis != nil {
		sm.redis.Del(ctx, "session:"+id)
		sm.redis.SRem(ctx, "active_sessions", id)
	}
}

// Count returns the number of live sessions.
func (sm *Manager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

func (sm *Manager) snapshot() []*ClientSession {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	sessions := make([]*ClientSession, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// BroadcastBinary fans a raw audio frame out to every active session,
// best-effort: a failing session is dropped and the fan-out continues.
func (sm *Manager) BroadcastBinary(data []byte) {
	for _, s := range sm.snapshot() {
		if s.State() != StateActive {
			continue
		}
		if err := s.QueueBinary(data); err != nil {
			sm.broadcastFailed(s)
		}
	}
}

// BroadcastJSON fans a control frame out to every active session.
func (sm *Manager) BroadcastJSON(msg *messages.ServerMessage) {
	for _, s := range sm.snapshot() {
		if s.State() != StateActive {
			continue
		}
		if err := s.QueueJSON(msg); err != nil {
			sm.broadcastFailed(s)
		}
	}
}

func (sm *Manager) broadcastFailed(s *ClientSession) {
	metrics.BroadcastFailures.WithLabelValues("client").Inc()
	sm.log.Warn("broadcast send failed, dropping client", zap.String("session", s.ID[:8]))
	sm.RemoveSession(context.Background(), s.ID)
}

// CleanupInactiveSessions removes sessions idle past the session timeout.
func (sm *Manager) CleanupInactiveSessions(ctx context.Context) {
	if sm.cfg.SessionTimeout <= 0 {
		return
	}
	now := time.Now()
	for _, s := range sm.snapshot() {
		s.mu.RLock()
		idle := now.Sub(s.LastActivity)
		s.mu.RUnlock()
		if idle > sm.cfg.SessionTimeout {
			sm.log.Info("removing inactive session", zap.String("session", s.ID[:8]))
			sm.RemoveSession(ctx, s.ID)
		}
	}
}

// StartCleanupRoutine runs periodic cleanup until ctx is cancelled.
func (sm *Manager) StartCleanupRoutine(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sm.CleanupInactiveSessions(ctx)
		}
	}
}

// CloseAll closes every session, bounded by timeout. Used during shutdown.
func (sm *Manager) CloseAll(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, s := range sm.snapshot() {
			sm.RemoveSession(context.Background(), s.ID)
		}
		if sm.redis != nil {
			sm.redis.Close()
		}
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		sm.log.Warn("timeout closing client sessions")
	}
}
