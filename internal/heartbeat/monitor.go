// Package heartbeat probes every live endpoint on a fixed interval and evicts the silent ones.
package heartbeat

import (
	"context"
	"time"

	"github.com/kauschie/knewit/internal/hub"
	"github.com/kauschie/knewit/internal/protocol"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultInterval = 20 * time.Second
	DefaultTimeout  = 60 * time.Second

	pingParallelism = 64
)

// Config tunes the monitor. Zero values use the defaults.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
	Clock    func() time.Time
	// OnEvict runs for every endpoint removed for silence.
	OnEvict func(ctx context.Context, ep *hub.Endpoint)
	// OnTick runs after each probe pass; used to drive periodic session sweeps.
	OnTick func(ctx context.Context, now time.Time)
}

// Monitor pings endpoints and evicts those silent for longer than the timeout.
type Monitor struct {
	registry *hub.Registry
	cfg      Config
	log      *zap.Logger
}

func NewMonitor(registry *hub.Registry, cfg Config, logger *zap.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{registry: registry, cfg: cfg, log: logger.With(zap.String("module", "heartbeat"))}
}

// Run probes until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick runs one probe pass and reports how many endpoints were evicted.
func (m *Monitor) Tick(ctx context.Context) int {
	now := m.cfg.Clock()
	ping := protocol.MustNew(protocol.TypePing, protocol.PingPayload{TS: now.UnixMilli()})

	var alive []*hub.Endpoint
	evicted := 0
	for _, ep := range m.registry.All() {
		if now.Sub(ep.LastSeen()) <= m.cfg.Timeout {
			alive = append(alive, ep)
			continue
		}
		if !m.registry.Evict(ep) {
			continue
		}
		evicted++
		m.log.Info("evicted silent endpoint",
			zap.String("session_id", ep.SessionID),
			zap.String("participant_id", ep.ParticipantID),
			zap.Duration("silent_for", now.Sub(ep.LastSeen())))
		if m.cfg.OnEvict != nil {
			m.cfg.OnEvict(ctx, ep)
		}
	}

	var g errgroup.Group
	g.SetLimit(pingParallelism)
	for _, ep := range alive {
		ep := ep
		g.Go(func() error {
			// Failures are reaped by the registry and reported through its OnDead hook.
			_ = m.registry.SendEndpoint(ep, ping)
			return nil
		})
	}
	_ = g.Wait()

	if m.cfg.OnTick != nil {
		m.cfg.OnTick(ctx, now)
	}
	return evicted
}
