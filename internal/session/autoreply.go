package session

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/whatsapp-automation/sessiond/internal/browser"
)

// runAutoReply polls for inbound messages and answers each one with a
// generated reply through the same paced send path as outreach. The poll
// interval is independent of the pacer: the pacer governs sends only.
func (s *Session) runAutoReply(ctx context.Context) {
	log.Printf("[%s] Auto-reply loop started", s.ID)
	defer log.Printf("[%s] Auto-reply loop stopped", s.ID)

	ticker := time.NewTicker(s.cfg.InboundPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if stop := s.awaitResume(ctx); stop {
			return
		}
		if stop := s.replyCycle(ctx); stop {
			return
		}
	}
}

// replyCycle reads everything new since the last activity and answers it in
// receipt order. Returns true when the loop must stop.
func (s *Session) replyCycle(ctx context.Context) (stop bool) {
	readCtx, cancel := context.WithTimeout(ctx, s.cfg.ReadTimeout)
	msgs, err := s.browser.ReadInboundSince(readCtx, s.LastActivity())
	cancel()

	if err != nil {
		if errors.Is(err, browser.ErrFatalDisconnect) {
			s.fail(err)
			return true
		}
		if ctx.Err() != nil {
			return true
		}
		// Transient read failure: skip this tick, the next poll retries.
		log.Printf("[%s] Inbound read failed (will retry): %v", s.ID, err)
		return false
	}

	for _, msg := range msgs {
		if stop := s.answerMessage(ctx, msg); stop {
			return true
		}
	}
	return false
}

// answerMessage generates and sends one reply. A generation failure or an
// empty reply skips the message; the message is still marked seen so it is
// never reprocessed. A reply whose generation finishes after the loop was
// cancelled is discarded, never sent.
func (s *Session) answerMessage(ctx context.Context, msg browser.Inbound) (stop bool) {
	s.setCycleBusy(true)
	defer s.setCycleBusy(false)

	// Mark seen up front so a skipped message is not picked up again.
	s.touchActivity(msg.ReceivedAt)

	reply, err := s.gen.Generate(ctx, msg, s.personaSnapshot())
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		log.Printf("[%s] Reply generation failed for %s, skipping: %v", s.ID, msg.Sender, err)
		return false
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		log.Printf("[%s] Empty reply for %s, skipping", s.ID, msg.Sender)
		return false
	}
	if ctx.Err() != nil {
		// Mode switched away mid-generation: discard, never duplicate-send.
		return true
	}

	err = s.sendPaced(ctx, msg.Sender, reply)
	switch {
	case err == nil:
		s.deliveries.Add(msg.Sender, reply, DeliverySent, nil)
		log.Printf("[%s] Replied to %s", s.ID, msg.Sender)
		return false

	case errors.Is(err, browser.ErrFatalDisconnect):
		s.deliveries.Add(msg.Sender, reply, DeliveryDropped, err)
		s.fail(err)
		return true

	case ctx.Err() != nil:
		s.deliveries.Add(msg.Sender, reply, DeliveryDropped, ctx.Err())
		return true

	default:
		s.deliveries.Add(msg.Sender, reply, DeliveryFailed, err)
		log.Printf("[%s] Reply to %s failed after %d attempts: %v",
			s.ID, msg.Sender, s.cfg.MaxSendAttempts, err)
		return false
	}
}
