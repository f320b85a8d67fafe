package session

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// PacingPolicy bounds how fast one session may send. MinDelay is the hard
// floor between consecutive sends; MaxJitter adds 0..MaxJitter of random
// extra delay so the cadence never looks mechanical.
type PacingPolicy struct {
	MinDelay  time.Duration `json:"min_delay"`
	MaxJitter time.Duration `json:"max_jitter"`
}

// Validate rejects policies that would allow unthrottled sending.
func (p PacingPolicy) Validate() error {
	if p.MinDelay <= 0 {
		return fmt.Errorf("%w: min_delay must be > 0", ErrInvalidPacingPolicy)
	}
	if p.MaxJitter < 0 {
		return fmt.Errorf("%w: max_jitter must be >= 0", ErrInvalidPacingPolicy)
	}
	return nil
}

// Pacer gates sends for a single session. It is never shared: two sessions'
// pacers cannot block each other.
type Pacer struct {
	policy PacingPolicy

	mu       sync.Mutex
	lastSend time.Time
}

// NewPacer builds a pacer for a validated policy.
func NewPacer(policy PacingPolicy) (*Pacer, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &Pacer{policy: policy}, nil
}

// Wait blocks until the next send slot: lastSend + MinDelay + rand(0,MaxJitter).
// Returns immediately if nothing has been sent yet. Cancelling ctx unblocks
// the caller promptly.
func (p *Pacer) Wait(ctx context.Context) error {
	p.mu.Lock()
	last := p.lastSend
	p.mu.Unlock()

	if last.IsZero() {
		return ctx.Err()
	}

	delay := p.policy.MinDelay
	if p.policy.MaxJitter > 0 {
		delay += time.Duration(rand.Int63n(int64(p.policy.MaxJitter) + 1))
	}

	wait := time.Until(last.Add(delay))
	if wait <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RecordSend marks now as the last send time.
func (p *Pacer) RecordSend() {
	p.mu.Lock()
	p.lastSend = time.Now()
	p.mu.Unlock()
}

// Policy returns the policy the pacer enforces.
func (p *Pacer) Policy() PacingPolicy {
	return p.policy
}
