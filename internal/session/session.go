// Package session implements the connection pool (C8): accepts
// bidirectional connections, owns each session's pipeline lifecycle,
// handles egress batching, health probing and graceful shutdown.
// Grounded on the teacher's server/client.go (per-client
// readPump/writePump actor), server/server.go (central hub, single
// broadcast-writer invariant), server/lifecycle.go (graceful shutdown
// sequencing) and server/broadcast.go (fan-out).
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/prats-2311/story-sign-sub001/internal/analysis"
	"github.com/prats-2311/story-sign-sub001/internal/apperrors"
	"github.com/prats-2311/story-sign-sub001/internal/gesture"
	"github.com/prats-2311/story-sign-sub001/internal/logging"
	"github.com/prats-2311/story-sign-sub001/internal/metrics"
	"github.com/prats-2311/story-sign-sub001/internal/pipeline"
	"github.com/prats-2311/story-sign-sub001/internal/profile"
	"github.com/prats-2311/story-sign-sub001/internal/quality"
)

// performanceSampleInterval governs how often the pool's shared
// metrics.Sampler feeds each session's quality controller, independent
// of HealthCheckInterval's inactivity-disconnect cadence.
const performanceSampleInterval = 5 * time.Second

// WebSocket timeout constants, following the same Gorilla conventions
// the teacher's client.go documents.
const (
	writeWait       = 10 * time.Second
	pongWait        = 5 * time.Minute
	pingPeriod      = 30 * time.Second
	keepalivePeriod = 20 * time.Second // app-level heartbeat, distinct from the transport ping/pong pair
	maxMessageSize  = 2 * 1024 * 1024  // inbound frames <= 2MB
)

// poolState mirrors the teacher's atomic ServerState pattern.
type poolState int32

const (
	stateRunning poolState = iota
	stateDraining
	stateStopped
)

// Config parameterizes the pool per spec §4.1 / §6.
type Config struct {
	MaxConnections      int
	MaxQueueSize        int
	HealthCheckInterval time.Duration
	BatchSize           int
	BatchTimeout        time.Duration
	ShutdownGrace       time.Duration

	Extractor      pipeline.Extractor
	Dispatcher     *analysis.Dispatcher
	GestureConfig  gesture.Config
	QualityConfig  quality.Config
	DefaultProfile profile.Profile
}

func DefaultConfig() Config {
	return Config{
		MaxConnections:      200,
		MaxQueueSize:        100,
		HealthCheckInterval: 30 * time.Second,
		BatchSize:           10,
		BatchTimeout:        10 * time.Millisecond,
		ShutdownGrace:       30 * time.Second,
		GestureConfig:       gesture.DefaultConfig(),
		QualityConfig:       quality.DefaultConfig(),
		DefaultProfile:      profile.Medium,
	}
}

// Pool is the connection pool (C8), owning every live session.
type Pool struct {
	cfg Config

	mu       sync.RWMutex
	sessions map[string]*Session
	groups   map[string]map[string]bool // group -> set of session ids

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	state atomic.Int32

	// sampler feeds every session's quality controller with process-wide
	// CPU/memory readings; nil if gopsutil couldn't open a process handle.
	sampler *metrics.Sampler
}

// New constructs a Pool. Call Run to start its health-check loop, and
// Shutdown to drain.
func New(cfg Config) *Pool {
	ctx, cancel := context.WithCancel(context.Background())

	sampler, err := metrics.NewSampler()
	if err != nil {
		logging.Warnw("metrics sampler unavailable, performance-based quality adaptation disabled", "error", err)
		sampler = nil
	}

	return &Pool{
		cfg:      cfg,
		sessions: make(map[string]*Session),
		groups:   make(map[string]map[string]bool),
		ctx:      ctx,
		cancel:   cancel,
		sampler:  sampler,
	}
}

// Run starts the pool's background health-check and performance-sampling
// loops. Blocks until ctx (the pool's internal context) is cancelled by
// Shutdown.
func (p *Pool) Run() {
	p.wg.Add(1)
	defer p.wg.Done()

	if p.sampler != nil {
		stop := make(chan struct{})
		go func() {
			<-p.ctx.Done()
			close(stop)
		}()
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.sampler.Run(stop, performanceSampleInterval)
		}()
	}

	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	perfTicker := time.NewTicker(performanceSampleInterval)
	defer perfTicker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.healthCheck()
		case <-perfTicker.C:
			p.observePerformance()
		}
	}
}

// observePerformance feeds the latest system-resource sample into every
// live session's quality controller, alongside that session's own queue
// depth and drop rate.
func (p *Pool) observePerformance() {
	if p.sampler == nil {
		return
	}
	sample := p.sampler.Latest()
	if sample.Timestamp.IsZero() {
		return
	}

	p.mu.RLock()
	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.RUnlock()

	for _, s := range sessions {
		s.observePerformance(sample)
	}
}

// Connect upgrades conn into a new Session, registers it under group,
// and starts its worker goroutines. Fails with CodeCapacity if the pool
// is full, CodeShutdown if draining/stopped.
func (p *Pool) Connect(conn *websocket.Conn, group string) (*Session, error) {
	if poolState(p.state.Load()) != stateRunning {
		return nil, apperrors.WithCode(apperrors.New("pool is shutting down"), apperrors.CodeShutdown)
	}

	p.mu.Lock()
	if len(p.sessions) >= p.cfg.MaxConnections {
		p.mu.Unlock()
		return nil, apperrors.WithCode(apperrors.New("max connections reached"), apperrors.CodeCapacity)
	}
	p.mu.Unlock()

	s := newSession(p, conn, group)

	p.mu.Lock()
	p.sessions[s.ID] = s
	if p.groups[group] == nil {
		p.groups[group] = make(map[string]bool)
	}
	p.groups[group][s.ID] = true
	total := len(p.sessions)
	p.mu.Unlock()

	logging.Infow("client connected", "client_id", s.ID, "group", group, "total_clients", total)

	s.start()
	return s, nil
}

// Disconnect removes a session by id, closing it if present. Idempotent.
func (p *Pool) Disconnect(clientID string) {
	p.mu.Lock()
	s, ok := p.sessions[clientID]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.sessions, clientID)
	if g, ok := p.groups[s.group]; ok {
		delete(g, clientID)
	}
	total := len(p.sessions)
	p.mu.Unlock()

	s.close()
	logging.Infow("client disconnected", "client_id", clientID, "total_clients", total)
}

// Send enqueues message on a specific client's egress path. Returns
// false if the session is unknown, unhealthy, or its egress queue is
// full.
func (p *Pool) Send(clientID string, message interface{}, priority bool) bool {
	p.mu.RLock()
	s, ok := p.sessions[clientID]
	p.mu.RUnlock()
	if !ok {
		return false
	}
	return s.send(message, priority)
}

// Broadcast fans message out to every session, optionally scoped to a
// group and excluding one client id.
func (p *Pool) Broadcast(message interface{}, group, exclude string) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ids := p.sessions
	if group != "" {
		ids = make(map[string]*Session)
		for id := range p.groups[group] {
			if s, ok := p.sessions[id]; ok {
				ids[id] = s
			}
		}
	}

	for id, s := range ids {
		if id == exclude {
			continue
		}
		s.send(message, false)
	}
}

// Stats is the read-only pool-wide snapshot for the admin/health HTTP
// surface.
type Stats struct {
	ActiveConnections int
	MaxConnections    int
	State             string
}

func (p *Pool) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Stats{
		ActiveConnections: len(p.sessions),
		MaxConnections:    p.cfg.MaxConnections,
		State:             stateName(poolState(p.state.Load())),
	}
}

func stateName(s poolState) string {
	switch s {
	case stateRunning:
		return "running"
	case stateDraining:
		return "draining"
	default:
		return "stopped"
	}
}

// ClientMetrics returns one session's read-only counters, or false if
// the client is unknown.
func (p *Pool) ClientMetrics(clientID string) (SessionMetrics, bool) {
	p.mu.RLock()
	s, ok := p.sessions[clientID]
	p.mu.RUnlock()
	if !ok {
		return SessionMetrics{}, false
	}
	return s.metricsSnapshot(), true
}

// maxUnhealthyHealthChecks is how many consecutive 30s health-check
// ticks a session may spend marked unhealthy before the pool gives up
// and disconnects it, per spec §6's "repeated failures during health
// checks cause disconnect" — three ticks gives a flaky connection ~90s
// to recover via a successful pong before it's dropped.
const maxUnhealthyHealthChecks = 3

func (p *Pool) healthCheck() {
	p.mu.RLock()
	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.RUnlock()

	now := time.Now()
	for _, s := range sessions {
		last := s.lastActivity()
		if now.Sub(last) > 5*time.Minute {
			logging.Warnw("client inactive beyond grace window, disconnecting", "client_id", s.ID)
			p.Disconnect(s.ID)
			continue
		}

		if !s.healthy.Load() {
			streak := s.unhealthyStreak.Add(1)
			logging.Warnw("client failed health check", "client_id", s.ID, "consecutive_failures", streak)
			if streak >= maxUnhealthyHealthChecks {
				logging.Warnw("client failed repeated health checks, disconnecting", "client_id", s.ID)
				p.Disconnect(s.ID)
			}
			continue
		}

		s.unhealthyStreak.Store(0)
		s.send(map[string]interface{}{"type": "ping", "timestamp": now.UnixMilli()}, true)
	}
}

// Shutdown performs the graceful shutdown sequence from spec §4.1:
// reject new connections, notify every client, close sessions in
// parallel with a deadline, then force-close stragglers.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.state.Store(int32(stateDraining))

	p.mu.RLock()
	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.RUnlock()

	for _, s := range sessions {
		s.send(map[string]interface{}{"type": "server_shutdown"}, true)
	}
	time.Sleep(500 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, s := range sessions {
			wg.Add(1)
			go func(s *Session) {
				defer wg.Done()
				p.Disconnect(s.ID)
			}(s)
		}
		wg.Wait()
		close(done)
	}()

	grace := p.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 30 * time.Second
	}

	select {
	case <-done:
	case <-time.After(grace):
		logging.Warnw("shutdown grace window exceeded, force-closing remaining sessions")
		p.mu.RLock()
		remaining := make([]*Session, 0, len(p.sessions))
		for _, s := range p.sessions {
			remaining = append(remaining, s)
		}
		p.mu.RUnlock()
		for _, s := range remaining {
			p.Disconnect(s.ID)
		}
	}

	p.state.Store(int32(stateStopped))
	p.cancel()
	p.wg.Wait()
	return nil
}
