package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whatsapp-automation/sessiond/internal/browser"
	"github.com/whatsapp-automation/sessiond/internal/config"
	"github.com/whatsapp-automation/sessiond/internal/generator"
	"github.com/whatsapp-automation/sessiond/internal/notify"
)

// Registry is the process-wide table of sessions. It is the only structure
// touched by multiple independent tasks: the API creates, looks up and
// terminates sessions while their own goroutines run, and the janitor
// sweeps dead ones after a grace period.
type Registry struct {
	cfg      config.Config
	factory  browser.Factory
	gen      generator.Generator
	notifier *notify.Notifier

	mu       sync.RWMutex
	sessions map[string]*Session

	stopChan chan struct{}
	running  bool
	runMu    sync.Mutex
}

// NewRegistry builds a registry. factory creates the browser session owned
// by each new automation session; gen produces auto-reply text.
func NewRegistry(cfg config.Config, factory browser.Factory, gen generator.Generator, notifier *notify.Notifier) *Registry {
	return &Registry{
		cfg:      cfg,
		factory:  factory,
		gen:      gen,
		notifier: notifier,
		sessions: make(map[string]*Session),
		stopChan: make(chan struct{}),
	}
}

// CreateOptions are the operator-supplied knobs for a new session.
type CreateOptions struct {
	Pacing     *PacingPolicy            // nil uses the configured defaults
	Persona    *generator.PersonaConfig // may be set later via SelectMode
	DailyLimit int                      // 0 uses the configured default
}

// Create allocates a session, acquires its browser session and starts the
// login flow. The pacing policy is validated before any resource is opened.
func (r *Registry) Create(ctx context.Context, opts CreateOptions) (*Session, error) {
	policy := PacingPolicy{
		MinDelay:  r.cfg.DefaultMinDelay,
		MaxJitter: r.cfg.DefaultMaxJitter,
	}
	if opts.Pacing != nil {
		policy = *opts.Pacing
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	id := uuid.New().String()

	b, err := r.factory(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to open browser session: %w", err)
	}

	s, err := newSession(id, r.cfg, b, r.gen, policy, r.handleFailure)
	if err != nil {
		b.Close()
		return nil, err
	}
	if opts.Persona != nil {
		s.persona = *opts.Persona
	}
	if opts.DailyLimit > 0 {
		s.daily = newDailyCounter(opts.DailyLimit, r.cfg.DailyResetHour)
	}

	r.mu.Lock()
	r.sessions[id] = s
	total := len(r.sessions)
	r.mu.Unlock()

	if err := s.BeginAuth(); err != nil {
		// Unreachable for a fresh session, but never leave a zombie behind.
		r.Terminate(id)
		return nil, err
	}

	log.Printf("[Registry] Created session %s (total: %d)", id, total)
	return s, nil
}

// Get looks up a session by id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// List returns a status snapshot for every known session, including failed
// ones still inside their grace period.
func (r *Registry) List() []Status {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	out := make([]Status, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Status())
	}
	return out
}

// Terminate shuts a session down. Unknown ids and repeated calls are both
// no-ops: terminating twice is safe.
func (r *Registry) Terminate(id string) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	s.Terminate()
}

// StartJanitor begins sweeping Terminated/Failed sessions once their grace
// period has passed, releasing their browser resources.
func (r *Registry) StartJanitor() {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.running {
		return
	}
	r.running = true
	go r.janitorLoop()
	log.Printf("[Registry] Janitor started (sweep every %v, grace %v)",
		r.cfg.JanitorInterval, r.cfg.TerminatedGracePeriod)
}

// Stop halts the janitor.
func (r *Registry) Stop() {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if !r.running {
		return
	}
	r.running = false
	close(r.stopChan)
}

func (r *Registry) janitorLoop() {
	ticker := time.NewTicker(r.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep removes sessions that ended before the grace cutoff. A failed
// session stays visible (with its cause) until then; it never silently
// disappears.
func (r *Registry) sweep() {
	cutoff := time.Now().Add(-r.cfg.TerminatedGracePeriod)

	r.mu.Lock()
	var dead []*Session
	for id, s := range r.sessions {
		if s.endedBefore(cutoff) {
			delete(r.sessions, id)
			dead = append(dead, s)
		}
	}
	r.mu.Unlock()

	for _, s := range dead {
		s.releaseBrowser()
		log.Printf("[Registry] Swept session %s", s.ID)
	}
}

// Close terminates every session; used on process shutdown.
func (r *Registry) Close() {
	r.Stop()

	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		delete(r.sessions, id)
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Terminate()
	}
	log.Printf("[Registry] Closed (%d sessions terminated)", len(sessions))
}

// Summary returns aggregate counts for health checks.
func (r *Registry) Summary() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[State]int)
	for _, s := range r.sessions {
		counts[s.State()]++
	}

	return map[string]interface{}{
		"total_sessions": len(r.sessions),
		"awaiting_qr":    counts[StateAwaitingQR],
		"authenticated":  counts[StateAuthenticated] + counts[StateOutreachActive] + counts[StateAutoReplyActive],
		"outreach":       counts[StateOutreachActive],
		"autoreply":      counts[StateAutoReplyActive],
		"failed":         counts[StateFailed],
	}
}

func (r *Registry) handleFailure(id string, cause error) {
	if errors.Is(cause, browser.ErrAuthTimeout) {
		r.notifier.AlertAuthTimeout(id)
		return
	}
	r.notifier.AlertSessionFailed(id, cause)
}
