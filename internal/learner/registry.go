package learner

import (
	"context"
	"sync"
	"time"

	"github.com/Mozmina/formatrice/internal/realtime"
	"github.com/Mozmina/formatrice/internal/runner"
	"github.com/Mozmina/formatrice/pkg/logger"
)

// Registry owns one Session per learner, created on first use and closed after
// IdleTTL without requests or open event streams.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	src     Source
	hub     *realtime.Hub
	policy  runner.WritePolicy
	idleTTL time.Duration
	log     *logger.Logger
}

func NewRegistry(src Source, hub *realtime.Hub, policy runner.WritePolicy, idleTTL time.Duration, log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Nop()
	}
	if idleTTL <= 0 {
		idleTTL = 2 * time.Hour
	}
	return &Registry{
		sessions: map[string]*Session{},
		src:      src,
		hub:      hub,
		policy:   policy,
		idleTTL:  idleTTL,
		log:      log.With("component", "LearnerRegistry"),
	}
}

// Get returns the learner's session, starting it if needed.
func (r *Registry) Get(learnerID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[learnerID]; ok {
		return s, nil
	}
	s, err := NewSession(learnerID, r.src, r.policy, r.log)
	if err != nil {
		return nil, err
	}
	if r.hub != nil {
		channel := realtime.LearnerChannel(learnerID)
		s.Watch(func(v View) {
			r.hub.Broadcast(realtime.Message{Channel: channel, Event: realtime.EventView, Data: v})
		})
	}
	r.sessions[learnerID] = s
	r.log.Debug("learner session started", "learner", learnerID)
	return s, nil
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep closes sessions idle since before now-IdleTTL that have no event
// stream attached. Returns how many were closed.
func (r *Registry) Sweep(now time.Time) int {
	cutoff := now.Add(-r.idleTTL)
	r.mu.Lock()
	var idle []*Session
	for id, s := range r.sessions {
		if r.hub != nil && r.hub.Subscribers(realtime.LearnerChannel(id)) > 0 {
			continue
		}
		if s.IdleSince().Before(cutoff) {
			idle = append(idle, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, s := range idle {
		s.Close()
	}
	if len(idle) > 0 {
		r.log.Info("idle learner sessions closed", "count", len(idle))
	}
	return len(idle)
}

// Run sweeps periodically until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	every := r.idleTTL / 4
	if every < time.Minute {
		every = time.Minute
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			r.Sweep(now)
		}
	}
}

func (r *Registry) Close() {
	r.mu.Lock()
	all := r.sessions
	r.sessions = map[string]*Session{}
	r.mu.Unlock()
	for _, s := range all {
		s.Close()
	}
}
