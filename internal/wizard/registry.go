package wizard

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"storyarchive/internal/util"
	"storyarchive/pkg/domain"
)

var (
	ErrSessionNotFound = errors.New("wizard: session not found")
	ErrForbidden       = errors.New("wizard: session belongs to another user")
)

const (
	defaultIdleTTL         = 2 * time.Hour
	defaultMaxPerUser      = 3
	defaultJanitorInterval = time.Minute
)

// Factory builds the wizard for a new session.
type Factory func(id string, author domain.Identity) (*Wizard, error)

type RegistryOptions struct {
	IdleTTL    time.Duration
	MaxPerUser int
	Now        func() time.Time
}

type session struct {
	w        *Wizard
	owner    string
	created  time.Time
	lastSeen time.Time
}

// Registry keeps the open wizard sessions of all users. Idle sessions are
// closed by Run; opening more than MaxPerUser sessions closes the oldest.
type Registry struct {
	mu         sync.Mutex
	factory    Factory
	ttl        time.Duration
	maxPerUser int
	now        func() time.Time
	sessions   map[string]*session
}

func NewRegistry(factory Factory, opts RegistryOptions) *Registry {
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = defaultIdleTTL
	}
	if opts.MaxPerUser <= 0 {
		opts.MaxPerUser = defaultMaxPerUser
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		factory:    factory,
		ttl:        opts.IdleTTL,
		maxPerUser: opts.MaxPerUser,
		now:        opts.Now,
		sessions:   make(map[string]*session),
	}
}

// Create opens a new session for author.
func (r *Registry) Create(author domain.Identity) (*Wizard, error) {
	w, err := r.factory(util.NewID(), author)
	if err != nil {
		return nil, err
	}
	now := r.now()

	r.mu.Lock()
	r.sessions[w.ID()] = &session{w: w, owner: author.UID, created: now, lastSeen: now}
	evicted := r.overflowLocked(author.UID)
	r.mu.Unlock()

	for _, old := range evicted {
		slog.Info("wizard session evicted", "wizard_id", old.ID(), "reason", "per_user_limit")
		old.Close()
	}
	return w, nil
}

// Get returns the session if uid owns it and marks it active.
func (r *Registry) Get(id, uid string) (*Wizard, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if s.owner != uid {
		return nil, ErrForbidden
	}
	s.lastSeen = r.now()
	return s.w, nil
}

// Delete closes and forgets a session.
func (r *Registry) Delete(id, uid string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	if s.owner != uid {
		r.mu.Unlock()
		return ErrForbidden
	}
	delete(r.sessions, id)
	r.mu.Unlock()
	s.w.Close()
	return nil
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep closes sessions idle for longer than the TTL and returns how many.
func (r *Registry) Sweep() int {
	cutoff := r.now().Add(-r.ttl)
	var idle []*Wizard
	r.mu.Lock()
	for id, s := range r.sessions {
		if s.lastSeen.Before(cutoff) {
			idle = append(idle, s.w)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()
	for _, w := range idle {
		slog.Info("wizard session evicted", "wizard_id", w.ID(), "reason", "idle")
		w.Close()
	}
	return len(idle)
}

// Run sweeps periodically until ctx is done, then closes every session.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultJanitorInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.closeAll()
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

func (r *Registry) closeAll() {
	r.mu.Lock()
	all := make([]*Wizard, 0, len(r.sessions))
	for id, s := range r.sessions {
		all = append(all, s.w)
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	for _, w := range all {
		w.Close()
	}
}

func (r *Registry) overflowLocked(uid string) []*Wizard {
	var owned []*session
	for _, s := range r.sessions {
		if s.owner == uid {
			owned = append(owned, s)
		}
	}
	if len(owned) <= r.maxPerUser {
		return nil
	}
	sort.Slice(owned, func(i, j int) bool { return owned[i].created.Before(owned[j].created) })
	var evicted []*Wizard
	for _, s := range owned[:len(owned)-r.maxPerUser] {
		delete(r.sessions, s.w.ID())
		evicted = append(evicted, s.w)
	}
	return evicted
}
