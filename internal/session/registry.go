package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/happybits/funnel-stream/internal/backend"
	"github.com/happybits/funnel-stream/internal/metrics"
	"github.com/happybits/funnel-stream/internal/protocol"
)

// RegistryConfig holds the tunables of the session registry.
type RegistryConfig struct {
	MaxSessions     int
	IdleTimeout     time.Duration
	RetentionWindow time.Duration
	EventQueueDepth int
	FinalizeTimeout time.Duration
	SweepInterval   time.Duration
}

// Registry tracks live and recently finished sessions by ID. The mutex
// guards only the map; per-session state is owned by each session.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	dialer  backend.Dialer
	cfg     RegistryConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewRegistry creates a registry and starts its background sweeper.
func NewRegistry(dialer backend.Dialer, cfg RegistryConfig, logger *slog.Logger, m *metrics.Metrics) *Registry {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Second
	}
	if cfg.EventQueueDepth <= 0 {
		cfg.EventQueueDepth = 64
	}

	r := &Registry{
		sessions: make(map[string]*Session),
		dialer:   dialer,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}

	go r.sweep()
	return r
}

// Create dials the backend and registers a new session under the given
// ID. The ID slot is reserved before the dial so two concurrent creates
// with the same ID cannot both win.
func (r *Registry) Create(ctx context.Context, id string, cfg protocol.StreamConfig) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSession, id)
	}
	if r.cfg.MaxSessions > 0 && r.activeLocked() >= r.cfg.MaxSessions {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: limit %d", ErrSessionLimit, r.cfg.MaxSessions)
	}
	// Reserve the slot before the dial.
	r.sessions[id] = nil
	r.mu.Unlock()

	conn, err := r.dialer.Dial(ctx, cfg)
	if err != nil {
		r.mu.Lock()
		delete(r.sessions, id)
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	s := newSession(id, cfg.SampleRate, conn, r.cfg.EventQueueDepth, r.logger, r.metrics)

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordSessionCreated()
	}

	r.logger.Info("Session created",
		slog.String("session_id", id),
		slog.Int("sample_rate", cfg.SampleRate),
	)
	return s, nil
}

// Get returns the session for an ID.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok || s == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return s, nil
}

// AppendAudio forwards a frame to the named session.
func (r *Registry) AppendAudio(id string, frame []byte) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	return s.AppendAudio(frame)
}

// Finalize stops the named session and returns its assembled result,
// using the registry's configured wait ceiling.
func (r *Registry) Finalize(ctx context.Context, id string) (*Result, error) {
	s, err := r.Get(id)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := s.Finalize(ctx, r.cfg.FinalizeTimeout)
	if r.metrics != nil && err == nil {
		r.metrics.RecordFinalize(time.Since(start).Seconds(), result.Partial)
	}
	return result, err
}

// Remove drops a session from the registry, failing it first if it is
// still live.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if ok && s != nil && !s.State().Terminal() {
		s.Fail(fmt.Errorf("session removed"))
	}
}

// List returns monitoring snapshots of all known sessions.
func (r *Registry) List() []Info {
	r.mu.RLock()
	infos := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s != nil {
			infos = append(infos, s.Info())
		}
	}
	r.mu.RUnlock()
	return infos
}

// Stop halts the sweeper and fails every live session.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		<-r.done

		r.mu.Lock()
		sessions := make([]*Session, 0, len(r.sessions))
		for _, s := range r.sessions {
			if s != nil {
				sessions = append(sessions, s)
			}
		}
		r.mu.Unlock()

		for _, s := range sessions {
			if !s.State().Terminal() {
				s.Fail(fmt.Errorf("server shutting down"))
			}
		}
	})
}

func (r *Registry) activeLocked() int {
	n := 0
	for _, s := range r.sessions {
		if s == nil || !s.State().Terminal() {
			n++
		}
	}
	return n
}

// sweep periodically fails idle streaming sessions and evicts terminal
// sessions past the retention window.
func (r *Registry) sweep() {
	defer close(r.done)

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweepOnce(time.Now())
		}
	}
}

func (r *Registry) sweepOnce(now time.Time) {
	r.mu.RLock()
	sessions := make(map[string]*Session, len(r.sessions))
	for id, s := range r.sessions {
		if s != nil {
			sessions[id] = s
		}
	}
	r.mu.RUnlock()

	var evict []string
	for id, s := range sessions {
		state := s.State()
		switch {
		case state.Terminal():
			if r.cfg.RetentionWindow > 0 && now.Sub(s.endedAtTime()) > r.cfg.RetentionWindow {
				evict = append(evict, id)
			}
		case state == StateStreaming || state == StateConnecting:
			if r.cfg.IdleTimeout > 0 && now.Sub(s.lastActivityTime()) > r.cfg.IdleTimeout {
				r.logger.Warn("Failing idle session",
					slog.String("session_id", id),
					slog.Duration("idle", now.Sub(s.lastActivityTime())),
				)
				s.Fail(fmt.Errorf("idle for longer than %s", r.cfg.IdleTimeout))
			}
		}
	}

	if len(evict) > 0 {
		r.mu.Lock()
		for _, id := range evict {
			delete(r.sessions, id)
		}
		r.mu.Unlock()

		r.logger.Debug("Evicted finished sessions",
			slog.Int("count", len(evict)),
		)
	}
}
