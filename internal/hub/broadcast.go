package hub

import (
	"context"
	"sync"

	"github.com/kauschie/knewit/internal/domain"
	"github.com/kauschie/knewit/internal/protocol"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Broadcast delivers msg to every endpoint of the session except the excluded participants.
// Sends run concurrently over a snapshot taken at call time. Endpoints whose send fails are
// marked dead and removed once all sends finish; those failures never surface to the caller.
// It returns the number of successful deliveries.
func (r *Registry) Broadcast(ctx context.Context, sessionID string, msg protocol.Envelope, exclude ...string) int {
	data, err := msg.Encode()
	if err != nil {
		r.log.Error("encode broadcast", zap.Error(err), zap.String("type", string(msg.Type)))
		return 0
	}

	targets := r.Endpoints(sessionID)
	if len(exclude) > 0 {
		kept := targets[:0]
		for _, ep := range targets {
			if !contains(exclude, ep.ParticipantID) {
				kept = append(kept, ep)
			}
		}
		targets = kept
	}
	if len(targets) == 0 {
		return 0
	}

	var (
		mu        sync.Mutex
		dead      []*Endpoint
		delivered int
	)
	var g errgroup.Group
	for _, ep := range targets {
		ep := ep
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			err := ep.Send(data)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				ep.markDead()
				dead = append(dead, ep)
				return nil
			}
			delivered++
			return nil
		})
	}
	_ = g.Wait()

	r.reap(dead, msg.Type)
	return delivered
}

// SendTo delivers msg to a single participant. A failed send marks the endpoint dead.
func (r *Registry) SendTo(sessionID, participantID string, msg protocol.Envelope) error {
	ep, ok := r.Lookup(sessionID, participantID)
	if !ok {
		return domain.ErrConnectionClosed
	}
	return r.SendEndpoint(ep, msg)
}

// SendEndpoint delivers msg to ep, which need not be registered yet.
func (r *Registry) SendEndpoint(ep *Endpoint, msg protocol.Envelope) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	if err := ep.Send(data); err != nil {
		ep.markDead()
		r.reap([]*Endpoint{ep}, msg.Type)
		return err
	}
	return nil
}

func (r *Registry) reap(dead []*Endpoint, typ protocol.MessageType) {
	if len(dead) == 0 {
		return
	}
	r.mu.Lock()
	for _, ep := range dead {
		r.removeLocked(ep)
	}
	onDead := r.onDead
	r.mu.Unlock()

	for _, ep := range dead {
		ep.close()
		r.log.Warn("removed dead endpoint",
			zap.String("session_id", ep.SessionID),
			zap.String("participant_id", ep.ParticipantID),
			zap.String("type", string(typ)))
		if onDead != nil {
			go onDead(ep)
		}
	}
}

func contains(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
