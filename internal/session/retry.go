package session

import (
	"context"
	"errors"
	"time"

	"github.com/whatsapp-automation/sessiond/internal/browser"
)

// sendPaced is the single path through which any outbound message reaches
// the browser session: wait for the pacer's slot, then attempt the send with
// bounded retries and doubling backoff. Transient failures are retried;
// exhausting the attempts returns the last transient error; a fatal
// disconnect is returned immediately.
func (s *Session) sendPaced(ctx context.Context, recipient, text string) error {
	if err := s.pacer.Wait(ctx); err != nil {
		return err
	}

	var lastErr error
	backoff := s.cfg.RetryBackoff
	for attempt := 1; attempt <= s.cfg.MaxSendAttempts; attempt++ {
		sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
		err := s.browser.Send(sendCtx, recipient, text)
		cancel()

		if err == nil {
			s.pacer.RecordSend()
			s.touchActivity(time.Now())
			return nil
		}
		if errors.Is(err, browser.ErrFatalDisconnect) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// Transient: per-send timeouts land here too.
		lastErr = err
		if attempt < s.cfg.MaxSendAttempts {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			backoff *= 2
		}
	}
	return lastErr
}
