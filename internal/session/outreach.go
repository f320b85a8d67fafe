package session

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/whatsapp-automation/sessiond/internal/browser"
)

// runOutreach drains the outreach queue, one item at a time, in strict FIFO
// order. Items are gated through the pacer; a per-item failure is recorded
// and the drain continues, a fatal disconnect drops the remainder and fails
// the session.
func (s *Session) runOutreach(ctx context.Context) {
	log.Printf("[%s] Outreach dispatcher started", s.ID)
	defer log.Printf("[%s] Outreach dispatcher stopped", s.ID)

	for {
		if stop := s.awaitResume(ctx); stop {
			return
		}
		if stop := s.awaitDailyWindow(ctx); stop {
			return
		}

		item, ok := s.queue.Pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-s.queue.Wake():
				continue
			}
		}

		if stop := s.dispatchItem(ctx, item); stop {
			return
		}
	}
}

// awaitDailyWindow parks the dispatcher while the daily send cap is reached;
// queued items stay queued until the window resets. Returns true when ctx was
// cancelled instead.
func (s *Session) awaitDailyWindow(ctx context.Context) (stop bool) {
	ok, resetAt := s.daily.Allow(time.Now())
	if ok {
		return false
	}
	log.Printf("[%s] Daily send limit reached, resuming at %s", s.ID, resetAt.Format(time.RFC3339))

	timer := time.NewTimer(time.Until(resetAt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}

// dispatchItem sends one popped item and records its outcome. Returns true
// when the dispatcher must stop.
func (s *Session) dispatchItem(ctx context.Context, item OutreachItem) (stop bool) {
	s.setCycleBusy(true)
	defer s.setCycleBusy(false)

	err := s.sendPaced(ctx, item.Recipient, item.Text)
	switch {
	case err == nil:
		s.daily.Record(time.Now())
		s.deliveries.Add(item.Recipient, item.Text, DeliverySent, nil)
		log.Printf("[%s] Sent outreach to %s (%d left)", s.ID, item.Recipient, s.queue.Len())
		return false

	case errors.Is(err, browser.ErrFatalDisconnect):
		s.deliveries.Add(item.Recipient, item.Text, DeliveryDropped, err)
		s.dropRemaining()
		s.fail(err)
		return true

	case ctx.Err() != nil:
		// Stopping mid-item: the in-flight send already settled; the popped
		// item goes back to the log as dropped, never re-sent.
		s.deliveries.Add(item.Recipient, item.Text, DeliveryDropped, ctx.Err())
		return true

	default:
		// Retries exhausted; not fatal to the session.
		s.deliveries.Add(item.Recipient, item.Text, DeliveryFailed, err)
		log.Printf("[%s] Delivery to %s failed after %d attempts: %v",
			s.ID, item.Recipient, s.cfg.MaxSendAttempts, err)
		return false
	}
}

// dropRemaining records everything still queued as dropped. No send is
// attempted after a fatal error.
func (s *Session) dropRemaining() {
	left := s.queue.DrainAll()
	for _, item := range left {
		s.deliveries.Add(item.Recipient, item.Text, DeliveryDropped, browser.ErrFatalDisconnect)
	}
	if len(left) > 0 {
		log.Printf("[%s] Dropped %d queued items after fatal disconnect", s.ID, len(left))
	}
}
