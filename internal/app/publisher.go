package app

import (
	"context"
	"sync"

	"github.com/kauschie/knewit/internal/domain"
	"go.uber.org/zap"
)

// leaderboardPublisher forwards standings to a sink off the session lock. Writes for one session
// run one at a time in the order they were scored; a backlog collapses to the newest standings.
type leaderboardPublisher struct {
	sink LeaderboardSink
	log  *zap.Logger

	mu      sync.Mutex
	pending map[string]domain.Leaderboard
	running map[string]bool
}

func newLeaderboardPublisher(sink LeaderboardSink, logger *zap.Logger) *leaderboardPublisher {
	return &leaderboardPublisher{
		sink:    sink,
		log:     logger,
		pending: make(map[string]domain.Leaderboard),
		running: make(map[string]bool),
	}
}

// publish must be called in scoring order for a session.
func (p *leaderboardPublisher) publish(lb domain.Leaderboard) {
	p.mu.Lock()
	p.pending[lb.SessionID] = lb
	if p.running[lb.SessionID] {
		p.mu.Unlock()
		return
	}
	p.running[lb.SessionID] = true
	p.mu.Unlock()

	go p.drain(lb.SessionID)
}

func (p *leaderboardPublisher) drain(sessionID string) {
	for {
		p.mu.Lock()
		lb, ok := p.pending[sessionID]
		if !ok {
			delete(p.running, sessionID)
			p.mu.Unlock()
			return
		}
		delete(p.pending, sessionID)
		p.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := p.sink.PublishLeaderboard(ctx, lb)
		cancel()
		if err != nil {
			p.log.Warn("leaderboard publish failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
}
