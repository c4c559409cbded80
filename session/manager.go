package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/room4-2/voicelive/capture"
	"github.com/room4-2/voicelive/config"
	"github.com/room4-2/voicelive/live"
	"github.com/room4-2/voicelive/metrics"
	"github.com/room4-2/voicelive/playback"
)

var ErrMaxSessions = errors.New("maximum sessions reached")

// DeviceFactory opens the microphone and output used by one session
type DeviceFactory func() (capture.Microphone, playback.Output, error)

// Manager manages all voice sessions
type Manager struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	redis    *redis.Client
	config   *config.Config
	dialer   live.Dialer
	devices  DeviceFactory
	metrics  *metrics.Metrics
}

// NewManager creates a session manager with an optional Redis mirror
func NewManager(cfg *config.Config, dialer live.Dialer, devices DeviceFactory) (*Manager, error) {
	if dialer == nil {
		return nil, fmt.Errorf("session manager requires a channel dialer")
	}
	if devices == nil {
		return nil, fmt.Errorf("session manager requires a device factory")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisURL,
		Password: cfg.RedisPassword,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		// Redis unavailable, continue without it
		logger.Warn("redis unavailable, session registry is in-memory only", "addr", cfg.RedisURL, "error", err)
		_ = redisClient.Close()
		redisClient = nil
	}

	return &Manager{
		sessions: make(map[string]*Session),
		redis:    redisClient,
		config:   cfg,
		dialer:   dialer,
		devices:  devices,
		metrics:  metrics.Default,
	}, nil
}

// WithMetrics overrides the metrics sink handed to new sessions
func (sm *Manager) WithMetrics(m *metrics.Metrics) *Manager {
	if m != nil {
		sm.metrics = m
	}
	return sm
}

// ChannelConfig derives the remote channel configuration from server
// configuration, falling back to DefaultSystemPrompt
func ChannelConfig(c *config.Config) live.Config {
	cfg := live.DefaultConfig()
	if c.Model != "" {
		cfg.Model = c.Model
	}
	if c.VoiceName != "" {
		cfg.Voice = c.VoiceName
	}
	cfg.SystemPrompt = DefaultSystemPrompt
	if c.SystemPrompt != "" {
		cfg.SystemPrompt = c.SystemPrompt
	}
	return cfg
}

// CreateSession builds an idle session backed by fresh devices. The caller
// opens it.
func (sm *Manager) CreateSession(ctx context.Context) (*Session, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if len(sm.sessions) >= sm.config.MaxSessions {
		return nil, ErrMaxSessions
	}

	mic, out, err := sm.devices()
	if err != nil {
		return nil, fmt.Errorf("failed to open audio devices: %w", err)
	}

	session := New(sm.dialer, mic, out,
		WithID(uuid.New().String()),
		WithConfig(ChannelConfig(sm.config)),
		WithMetrics(sm.metrics),
		WithDecodeErrorLimit(sm.config.DecodeErrorLimit),
		WithCaptureOptions(
			capture.WithBlockSize(sm.config.CaptureBlockSize),
			capture.WithQueueFrames(sm.config.OutboundQueueFrames),
		),
	)

	sm.storeSession(ctx, session)
	sm.metrics.ActiveSessions.Set(float64(len(sm.sessions)))
	return session, nil
}

// storeSession saves a session to memory and Redis
func (sm *Manager) storeSession(ctx context.Context, session *Session) {
	sm.sessions[session.ID] = session

	if sm.redis != nil {
		sm.writeSnapshot(ctx, session.Snapshot())
		sm.redis.SAdd(ctx, "active_sessions", session.ID)
		updates, cancel := session.Subscribe()
		go sm.mirror(session, updates, cancel)
	}
}

func (sm *Manager) writeSnapshot(ctx context.Context, snap Snapshot) {
	key := "session:" + snap.ID
	sm.redis.HSet(ctx, key, map[string]interface{}{
		"created_at":    snap.CreatedAt.Format(time.RFC3339),
		"last_activity": snap.LastActivity.Format(time.RFC3339),
		"status":        snap.State.String(),
		"last_error":    snap.LastError,
	})
	sm.redis.Expire(ctx, key, sm.config.SessionTimeout)
}

// mirror keeps the Redis hash in step with the session until it is removed
func (sm *Manager) mirror(session *Session, updates <-chan struct{}, cancel func()) {
	defer cancel()

	ctx := context.Background()
	for range updates {
		snap := session.Snapshot()

		sm.mu.RLock()
		_, tracked := sm.sessions[session.ID]
		if tracked {
			sm.writeSnapshot(ctx, snap)
		}
		sm.mu.RUnlock()

		if !tracked || snap.State == Closed {
			return
		}
	}
}

// GetSession retrieves a session by ID
func (sm *Manager) GetSession(sessionID string) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	session, exists := sm.sessions[sessionID]
	return session, exists
}

// RemoveSession closes and forgets a session
func (sm *Manager) RemoveSession(ctx context.Context, sessionID string) error {
	sm.mu.Lock()
	session, exists := sm.sessions[sessionID]
	if !exists {
		sm.mu.Unlock()
		return nil
	}
	sm.forgetLocked(ctx, sessionID)
	sm.mu.Unlock()

	return session.Close()
}

func (sm *Manager) forgetLocked(ctx context.Context, sessionID string) {
	delete(sm.sessions, sessionID)
	sm.metrics.ActiveSessions.Set(float64(len(sm.sessions)))

	if sm.redis != nil {
		sm.redis.Del(ctx, "session:"+sessionID)
		sm.redis.SRem(ctx, "active_sessions", sessionID)
	}
}

// GetActiveSessionCount returns current session count
func (sm *Manager) GetActiveSessionCount() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// CleanupInactiveSessions removes sessions that have been inactive
func (sm *Manager) CleanupInactiveSessions(ctx context.Context) int {
	sm.mu.Lock()
	now := time.Now()
	var stale []*Session
	for id, session := range sm.sessions {
		if now.Sub(session.LastActivity()) > sm.config.SessionTimeout {
			stale = append(stale, session)
			sm.forgetLocked(ctx, id)
		}
	}
	sm.mu.Unlock()

	for _, session := range stale {
		if err := session.Close(); err != nil {
			logger.Warn("failed to close inactive session", "session", session.short(), "error", err)
		}
	}
	return len(stale)
}

// StartCleanupRoutine starts periodic cleanup of inactive sessions
func (sm *Manager) StartCleanupRoutine(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := sm.CleanupInactiveSessions(ctx); n > 0 {
				logger.Info("removed inactive sessions", "count", n)
			}
		}
	}
}

// Shutdown closes all sessions
func (sm *Manager) Shutdown() {
	sm.mu.Lock()
	sessions := make([]*Session, 0, len(sm.sessions))
	for id, session := range sm.sessions {
		sessions = append(sessions, session)
		sm.forgetLocked(context.Background(), id)
	}
	sm.mu.Unlock()

	for _, session := range sessions {
		_ = session.Close()
	}

	if sm.redis != nil {
		sm.redis.Close()
	}
}
