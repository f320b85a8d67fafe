package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/whatsapp-automation/sessiond/internal/browser"
	"github.com/whatsapp-automation/sessiond/internal/config"
	"github.com/whatsapp-automation/sessiond/internal/generator"
)

// State is a session's lifecycle state.
type State string

const (
	StateCreated         State = "CREATED"
	StateAwaitingQR      State = "AWAITING_QR"
	StateAuthenticated   State = "AUTHENTICATED"
	StateOutreachActive  State = "OUTREACH_ACTIVE"
	StateAutoReplyActive State = "AUTOREPLY_ACTIVE"
	StateTerminated      State = "TERMINATED"
	StateFailed          State = "FAILED"
)

// Mode is the operator-selected dispatch mode. A session has at most one.
type Mode string

const (
	ModeIdle      Mode = "idle"
	ModeOutreach  Mode = "outreach"
	ModeAutoReply Mode = "autoreply"
)

// Session is one WhatsApp login under automation. It owns its browser
// session, pacer and queue exclusively; nothing here is shared between
// sessions, so a stuck login can never slow a healthy one down.
type Session struct {
	ID        string
	CreatedAt time.Time

	cfg        config.Config
	browser    browser.Session
	gen        generator.Generator
	pacer      *Pacer
	queue      *queue
	deliveries deliveryLog
	daily      *dailyCounter

	root   context.Context
	cancel context.CancelFunc

	onFail func(id string, cause error)

	closeOnce sync.Once

	mu           sync.Mutex
	state        State
	mode         Mode
	qrImage      []byte
	failure      error
	persona      generator.PersonaConfig
	lastActivity time.Time
	endedAt      time.Time
	cycleBusy    bool
	paused       bool
	resumeCh     chan struct{} // non-nil while paused; closed on resume
	loopCancel   context.CancelFunc
	loopDone     chan struct{}
}

func newSession(id string, cfg config.Config, b browser.Session, gen generator.Generator, policy PacingPolicy, onFail func(string, error)) (*Session, error) {
	pacer, err := NewPacer(policy)
	if err != nil {
		return nil, err
	}

	root, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:        id,
		CreatedAt: time.Now(),
		cfg:       cfg,
		browser:   b,
		gen:       gen,
		pacer:     pacer,
		queue:     newQueue(),
		daily:     newDailyCounter(cfg.DailySendLimit, cfg.DailyResetHour),
		root:      root,
		cancel:    cancel,
		onFail:    onFail,
		state:     StateCreated,
		mode:      ModeIdle,
	}, nil
}

// State returns the current lifecycle state. Transitions are atomic: a
// reader never observes an intermediate.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Mode returns the active dispatch mode.
func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// FailureCause returns why the session failed, or nil.
func (s *Session) FailureCause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// QueueLen returns how many outreach items are pending.
func (s *Session) QueueLen() int {
	return s.queue.Len()
}

// Deliveries returns the session's delivery log, oldest first.
func (s *Session) Deliveries() []DeliveryRecord {
	return s.deliveries.Snapshot()
}

// LastActivity returns the time of the last successful send or receive.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// BeginAuth moves the session to AwaitingQR and starts the login flow in
// the background: obtain the QR, then poll until the scan completes or the
// auth window expires.
func (s *Session) BeginAuth() error {
	s.mu.Lock()
	if s.state != StateCreated {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot begin auth in state %s", ErrInvalidTransition, state)
	}
	s.state = StateAwaitingQR
	s.mu.Unlock()

	go s.authLoop()
	return nil
}

func (s *Session) authLoop() {
	ctx, cancel := context.WithTimeout(s.root, s.cfg.AuthTimeout)
	defer cancel()

	qr, err := s.browser.OpenAndAwaitQR(ctx)
	if err != nil {
		s.authFailed(err)
		return
	}
	if len(qr) > 0 {
		s.mu.Lock()
		if s.state == StateAwaitingQR {
			s.qrImage = qr
		}
		s.mu.Unlock()
		log.Printf("[%s] QR code ready (%d bytes)", s.ID, len(qr))
	}

	ticker := time.NewTicker(s.cfg.QRPollInterval)
	defer ticker.Stop()
	for {
		ok, err := s.browser.PollAuthenticated(ctx)
		if err != nil {
			if errors.Is(err, browser.ErrFatalDisconnect) {
				s.authFailed(err)
				return
			}
			log.Printf("[%s] Auth poll error (will retry): %v", s.ID, err)
		}
		if ok {
			s.onAuthenticated()
			return
		}

		select {
		case <-ctx.Done():
			s.authFailed(browser.ErrAuthTimeout)
			return
		case <-ticker.C:
		}
	}
}

func (s *Session) authFailed(err error) {
	if s.root.Err() != nil {
		return // terminated while waiting, not a failure
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		err = browser.ErrAuthTimeout
	}
	s.fail(err)
}

func (s *Session) onAuthenticated() {
	s.mu.Lock()
	if s.state != StateAwaitingQR {
		s.mu.Unlock()
		return
	}
	s.state = StateAuthenticated
	s.qrImage = nil
	s.lastActivity = time.Now()
	s.mu.Unlock()

	log.Printf("[%s] Authenticated", s.ID)
}

// SelectMode switches between outreach, auto-reply and idle. Switching is
// only allowed between dispatch cycles: an in-flight item rejects the request
// with ErrInvalidTransition, and so does leaving outreach while queued items
// remain. Entering outreach with a backlog is the normal flow. The previous
// loop is stopped and drained before the new one starts.
func (s *Session) SelectMode(mode Mode, persona *generator.PersonaConfig) error {
	switch mode {
	case ModeIdle, ModeOutreach, ModeAutoReply:
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidTransition, mode)
	}

	s.mu.Lock()
	switch s.state {
	case StateAuthenticated, StateOutreachActive, StateAutoReplyActive:
	default:
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot select mode in state %s", ErrInvalidTransition, state)
	}
	if s.mode == mode {
		if persona != nil {
			s.persona = *persona
		}
		s.mu.Unlock()
		return nil
	}
	if s.cycleBusy {
		s.mu.Unlock()
		return fmt.Errorf("%w: dispatch cycle in progress", ErrInvalidTransition)
	}
	// Queued items pin the session to the outreach dispatcher: switching away
	// would strand them. Switching INTO outreach with a backlog is the normal
	// enqueue-then-dispatch flow.
	if mode != ModeOutreach && s.queue.Len() > 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: outreach queue is not empty", ErrInvalidTransition)
	}

	stop := s.loopCancel
	done := s.loopDone
	s.loopCancel = nil
	s.loopDone = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// The session may have failed while the old loop drained.
	switch s.state {
	case StateAuthenticated, StateOutreachActive, StateAutoReplyActive:
	default:
		return fmt.Errorf("%w: session ended during mode switch", ErrInvalidTransition)
	}

	// An enqueue may have landed while the old loop drained; the dispatcher
	// must keep owning those items.
	if mode != ModeOutreach && s.queue.Len() > 0 {
		if s.mode == ModeOutreach {
			s.startLoopLocked(s.runOutreach)
		}
		return fmt.Errorf("%w: outreach queue is not empty", ErrInvalidTransition)
	}

	if persona != nil {
		s.persona = *persona
	}

	// A pause belongs to the loop that was paused; the new mode starts live.
	s.clearPauseLocked()

	switch mode {
	case ModeIdle:
		s.mode = ModeIdle
		s.state = StateAuthenticated
	case ModeOutreach:
		s.mode = ModeOutreach
		s.state = StateOutreachActive
		s.startLoopLocked(s.runOutreach)
	case ModeAutoReply:
		s.mode = ModeAutoReply
		s.state = StateAutoReplyActive
		s.startLoopLocked(s.runAutoReply)
	}
	log.Printf("[%s] Mode set to %s", s.ID, mode)
	return nil
}

// Pause suspends the active loop before its next cycle. The in-flight item,
// if any, settles normally. Pausing an already paused session is a no-op.
func (s *Session) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateOutreachActive, StateAutoReplyActive:
	default:
		return fmt.Errorf("%w: cannot pause in state %s", ErrInvalidTransition, s.state)
	}
	if s.paused {
		return nil
	}
	s.paused = true
	s.resumeCh = make(chan struct{})
	log.Printf("[%s] Paused", s.ID)
	return nil
}

// Resume lifts a pause. Resuming a session that is not paused is a no-op.
func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateOutreachActive, StateAutoReplyActive:
	default:
		return fmt.Errorf("%w: cannot resume in state %s", ErrInvalidTransition, s.state)
	}
	if !s.paused {
		return nil
	}
	s.clearPauseLocked()
	log.Printf("[%s] Resumed", s.ID)
	return nil
}

func (s *Session) clearPauseLocked() {
	if s.resumeCh != nil {
		close(s.resumeCh)
		s.resumeCh = nil
	}
	s.paused = false
}

// awaitResume parks the caller while the session is paused. Returns true when
// ctx was cancelled instead.
func (s *Session) awaitResume(ctx context.Context) (stop bool) {
	for {
		s.mu.Lock()
		ch := s.resumeCh
		s.mu.Unlock()
		if ch == nil {
			return false
		}
		select {
		case <-ctx.Done():
			return true
		case <-ch:
		}
	}
}

func (s *Session) startLoopLocked(run func(context.Context)) {
	ctx, cancel := context.WithCancel(s.root)
	done := make(chan struct{})
	s.loopCancel = cancel
	s.loopDone = done
	go func() {
		defer close(done)
		run(ctx)
	}()
}

// EnqueueOutreach appends items to the outreach queue. Enqueueing while the
// dispatcher is draining is safe. The push happens under the session mutex so
// a concurrent mode switch either sees the items or serializes after them.
func (s *Session) EnqueueOutreach(items []OutreachItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTerminated || s.state == StateFailed {
		return ErrSessionClosed
	}
	s.queue.Push(items...)
	return nil
}

// Terminate shuts the session down from any state. Calling it twice is
// safe; the second call has no effect. The active loop is allowed to settle
// its in-flight item before the browser session is released.
func (s *Session) Terminate() {
	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		return
	}
	s.state = StateTerminated
	s.mode = ModeIdle
	s.qrImage = nil
	s.clearPauseLocked()
	s.endedAt = time.Now()
	done := s.loopDone
	s.loopCancel = nil
	s.loopDone = nil
	s.cancel()
	s.mu.Unlock()

	if done != nil {
		<-done
	}
	s.releaseBrowser()
	log.Printf("[%s] Session terminated", s.ID)
}

// fail drives the session to Failed with a recorded cause. The cause stays
// visible in status queries until the session is cleaned up.
func (s *Session) fail(cause error) {
	s.mu.Lock()
	if s.state == StateTerminated || s.state == StateFailed {
		s.mu.Unlock()
		return
	}
	s.state = StateFailed
	s.mode = ModeIdle
	s.qrImage = nil
	s.clearPauseLocked()
	s.failure = cause
	s.endedAt = time.Now()
	s.cancel()
	hook := s.onFail
	s.mu.Unlock()

	log.Printf("[%s] Session failed: %v", s.ID, cause)
	if hook != nil {
		go hook(s.ID, cause)
	}
	go s.releaseBrowser()
}

func (s *Session) releaseBrowser() {
	s.closeOnce.Do(func() {
		if err := s.browser.Close(); err != nil {
			log.Printf("[%s] Error closing browser session: %v", s.ID, err)
		}
	})
}

// endedBefore reports whether the session reached a terminal state before t.
func (s *Session) endedBefore(t time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateTerminated && s.state != StateFailed {
		return false
	}
	return s.endedAt.Before(t)
}

func (s *Session) setCycleBusy(busy bool) {
	s.mu.Lock()
	s.cycleBusy = busy
	s.mu.Unlock()
}

func (s *Session) touchActivity(t time.Time) {
	s.mu.Lock()
	if t.After(s.lastActivity) {
		s.lastActivity = t
	}
	s.mu.Unlock()
}

func (s *Session) personaSnapshot() generator.PersonaConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persona
}

// Status is a point-in-time snapshot for the polling API.
type Status struct {
	ID             string    `json:"session_id"`
	State          State     `json:"state"`
	Mode           Mode      `json:"mode"`
	Paused         bool      `json:"paused"`
	QRImage        []byte    `json:"qr_image,omitempty"` // PNG, AwaitingQR only
	FailureCause   string    `json:"failure_cause,omitempty"`
	QueueLen       int       `json:"queue_len"`
	DailyLimit     int       `json:"daily_limit,omitempty"`
	SentToday      int       `json:"sent_today,omitempty"`
	LastActivityAt time.Time `json:"last_activity_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// Status returns a consistent snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		ID:             s.ID,
		State:          s.state,
		Mode:           s.mode,
		Paused:         s.paused,
		QueueLen:       s.queue.Len(),
		DailyLimit:     s.daily.Limit(),
		SentToday:      s.daily.Used(time.Now()),
		LastActivityAt: s.lastActivity,
		CreatedAt:      s.CreatedAt,
	}
	if s.state == StateAwaitingQR && len(s.qrImage) > 0 {
		st.QRImage = append([]byte(nil), s.qrImage...)
	}
	if s.failure != nil {
		st.FailureCause = s.failure.Error()
	}
	return st
}
