package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whatsapp-automation/sessiond/internal/browser"
)

func sentCount(s *Session) int {
	n := 0
	for _, rec := range s.Deliveries() {
		if rec.Status == DeliverySent {
			n++
		}
	}
	return n
}

func TestOutreachDispatchesFIFOWithPacing(t *testing.T) {
	minDelay := 60 * time.Millisecond
	b := newFakeBrowser()
	s := startAuthedSession(t, b, &fakeGenerator{}, PacingPolicy{MinDelay: minDelay})

	require.NoError(t, s.EnqueueOutreach([]OutreachItem{
		{Recipient: "111", Text: "first"},
		{Recipient: "222", Text: "second"},
		{Recipient: "333", Text: "third"},
	}))
	require.NoError(t, s.SelectMode(ModeOutreach, nil))

	require.Eventually(t, func() bool { return sentCount(s) == 3 },
		3*time.Second, 10*time.Millisecond)

	calls := b.sendCalls()
	require.Len(t, calls, 3)
	assert.Equal(t, "111", calls[0].Recipient)
	assert.Equal(t, "222", calls[1].Recipient)
	assert.Equal(t, "333", calls[2].Recipient)

	for i := 1; i < len(calls); i++ {
		gap := calls[i].At.Sub(calls[i-1].At)
		assert.GreaterOrEqual(t, gap, minDelay-5*time.Millisecond,
			"sends %d and %d closer than the pacing floor", i-1, i)
	}
	assert.Equal(t, 0, s.QueueLen())
}

func TestOutreachRetriesTransientThenSucceeds(t *testing.T) {
	b := newFakeBrowser()
	// First item fails twice with transient errors, succeeds on attempt 3.
	b.sendFunc = func(call int, recipient, text string) error {
		if call < 2 {
			return browser.Transientf("connection reset")
		}
		return nil
	}
	s := startAuthedSession(t, b, &fakeGenerator{}, defaultPolicy())

	require.NoError(t, s.EnqueueOutreach([]OutreachItem{
		{Recipient: "111", Text: "a"},
		{Recipient: "222", Text: "b"},
	}))
	require.NoError(t, s.SelectMode(ModeOutreach, nil))

	require.Eventually(t, func() bool { return sentCount(s) == 2 },
		3*time.Second, 10*time.Millisecond)

	calls := b.sendCalls()
	require.Len(t, calls, 4) // 3 attempts for the first item, 1 for the second
	assert.Equal(t, "111", calls[0].Recipient)
	assert.Equal(t, "111", calls[1].Recipient)
	assert.Equal(t, "111", calls[2].Recipient)
	assert.Equal(t, "222", calls[3].Recipient)

	recs := s.Deliveries()
	require.Len(t, recs, 2)
	assert.Equal(t, DeliverySent, recs[0].Status)
	assert.Equal(t, DeliverySent, recs[1].Status)
	assert.Equal(t, StateOutreachActive, s.State())
}

func TestOutreachExhaustedRetriesRecordsFailureAndContinues(t *testing.T) {
	b := newFakeBrowser()
	// Every attempt for the first item fails; the second item goes through.
	b.sendFunc = func(call int, recipient, text string) error {
		if recipient == "111" {
			return browser.Transientf("still unreachable")
		}
		return nil
	}
	s := startAuthedSession(t, b, &fakeGenerator{}, defaultPolicy())

	require.NoError(t, s.EnqueueOutreach([]OutreachItem{
		{Recipient: "111", Text: "a"},
		{Recipient: "222", Text: "b"},
	}))
	require.NoError(t, s.SelectMode(ModeOutreach, nil))

	require.Eventually(t, func() bool { return len(s.Deliveries()) == 2 },
		3*time.Second, 10*time.Millisecond)

	recs := s.Deliveries()
	assert.Equal(t, DeliveryFailed, recs[0].Status)
	assert.Contains(t, recs[0].Error, "still unreachable")
	assert.Equal(t, DeliverySent, recs[1].Status)

	// A per-item failure never fails the session.
	assert.Equal(t, StateOutreachActive, s.State())
}

func TestOutreachFatalDropsRemainingQueue(t *testing.T) {
	b := newFakeBrowser()
	// Third send hits a fatal disconnect.
	b.sendFunc = func(call int, recipient, text string) error {
		if call == 2 {
			return browser.ErrFatalDisconnect
		}
		return nil
	}
	s := startAuthedSession(t, b, &fakeGenerator{}, defaultPolicy())

	require.NoError(t, s.EnqueueOutreach([]OutreachItem{
		{Recipient: "111", Text: "m1"},
		{Recipient: "222", Text: "m2"},
		{Recipient: "333", Text: "m3"},
		{Recipient: "444", Text: "m4"},
		{Recipient: "555", Text: "m5"},
	}))
	require.NoError(t, s.SelectMode(ModeOutreach, nil))

	require.Eventually(t, func() bool { return s.State() == StateFailed },
		3*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, s.FailureCause(), browser.ErrFatalDisconnect)

	// No send is attempted after the fatal error.
	assert.Len(t, b.sendCalls(), 3)

	recs := s.Deliveries()
	require.Len(t, recs, 5)
	assert.Equal(t, DeliverySent, recs[0].Status)
	assert.Equal(t, DeliverySent, recs[1].Status)
	for _, rec := range recs[2:] {
		assert.Equal(t, DeliveryDropped, rec.Status)
	}
	assert.Equal(t, 0, s.QueueLen())
}

func TestOutreachPicksUpItemsEnqueuedWhileActive(t *testing.T) {
	b := newFakeBrowser()
	s := startAuthedSession(t, b, &fakeGenerator{}, defaultPolicy())

	require.NoError(t, s.SelectMode(ModeOutreach, nil))

	// The dispatcher is parked on an empty queue; a push must wake it.
	require.NoError(t, s.EnqueueOutreach([]OutreachItem{{Recipient: "111", Text: "late"}}))

	require.Eventually(t, func() bool { return sentCount(s) == 1 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "111", b.sendCalls()[0].Recipient)
}

func TestStalledSessionDoesNotBlockOthers(t *testing.T) {
	stalled := newFakeBrowser()
	stalled.block = make(chan struct{}) // never closed: every send times out
	defer close(stalled.block)

	healthy := newFakeBrowser()

	a := startAuthedSession(t, stalled, &fakeGenerator{}, defaultPolicy())
	bSess := startAuthedSession(t, healthy, &fakeGenerator{}, defaultPolicy())

	require.NoError(t, a.EnqueueOutreach([]OutreachItem{{Recipient: "111", Text: "stuck"}}))
	require.NoError(t, bSess.EnqueueOutreach([]OutreachItem{
		{Recipient: "222", Text: "x"},
		{Recipient: "333", Text: "y"},
	}))

	require.NoError(t, a.SelectMode(ModeOutreach, nil))
	require.NoError(t, bSess.SelectMode(ModeOutreach, nil))

	// The healthy session drains while the stalled one is still timing out.
	require.Eventually(t, func() bool { return sentCount(bSess) == 2 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, sentCount(a))
}
