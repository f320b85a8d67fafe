package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whatsapp-automation/sessiond/internal/browser"
)

// browserTracker hands out fake browsers and remembers them so tests can
// inspect what the registry created.
type browserTracker struct {
	mu     sync.Mutex
	made   []*fakeBrowser
	authed bool
}

func (tr *browserTracker) factory(ctx context.Context, sessionID string) (browser.Session, error) {
	b := newFakeBrowser()
	b.setAuthed(tr.authed)
	tr.mu.Lock()
	tr.made = append(tr.made, b)
	tr.mu.Unlock()
	return b, nil
}

func (tr *browserTracker) created() []*fakeBrowser {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make([]*fakeBrowser, len(tr.made))
	copy(out, tr.made)
	return out
}

func newTestRegistry(t *testing.T, tr *browserTracker) *Registry {
	t.Helper()
	r := NewRegistry(testConfig(), tr.factory, &fakeGenerator{}, nil)
	t.Cleanup(r.Close)
	return r
}

func TestRegistryCreateUsesDefaultPacing(t *testing.T) {
	tr := &browserTracker{authed: true}
	r := newTestRegistry(t, tr)

	s, err := r.Create(context.Background(), CreateOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, testConfig().DefaultMinDelay, s.pacer.Policy().MinDelay)

	got, err := r.Get(s.ID)
	require.NoError(t, err)
	assert.Same(t, s, got)

	require.Eventually(t, func() bool { return s.State() == StateAuthenticated },
		2*time.Second, 5*time.Millisecond)
}

func TestRegistryCreateRejectsInvalidPacing(t *testing.T) {
	tr := &browserTracker{}
	r := newTestRegistry(t, tr)

	_, err := r.Create(context.Background(), CreateOptions{
		Pacing: &PacingPolicy{MinDelay: -time.Second},
	})
	require.ErrorIs(t, err, ErrInvalidPacingPolicy)

	// Rejected before any browser resource was opened.
	assert.Empty(t, tr.created())
	assert.Empty(t, r.List())
}

func TestRegistryGetUnknown(t *testing.T) {
	r := newTestRegistry(t, &browserTracker{})

	_, err := r.Get("no-such-id")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRegistryTerminateUnknownIsNoop(t *testing.T) {
	r := newTestRegistry(t, &browserTracker{})
	r.Terminate("no-such-id") // must not panic or error
}

func TestRegistryListSnapshotsAllSessions(t *testing.T) {
	tr := &browserTracker{authed: true}
	r := newTestRegistry(t, tr)

	a, err := r.Create(context.Background(), CreateOptions{})
	require.NoError(t, err)
	b, err := r.Create(context.Background(), CreateOptions{})
	require.NoError(t, err)

	list := r.List()
	require.Len(t, list, 2)
	ids := map[string]bool{list[0].ID: true, list[1].ID: true}
	assert.True(t, ids[a.ID])
	assert.True(t, ids[b.ID])
}

func TestRegistryJanitorSweepsAfterGracePeriod(t *testing.T) {
	tr := &browserTracker{authed: true}
	r := newTestRegistry(t, tr)
	r.StartJanitor()

	s, err := r.Create(context.Background(), CreateOptions{})
	require.NoError(t, err)
	r.Terminate(s.ID)

	// Still listed during the grace period.
	list := r.List()
	require.Len(t, list, 1)
	assert.Equal(t, StateTerminated, list[0].State)

	require.Eventually(t, func() bool { return len(r.List()) == 0 },
		2*time.Second, 10*time.Millisecond)

	_, err = r.Get(s.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.True(t, tr.created()[0].isClosed())
}

func TestRegistryFailedSessionVisibleUntilSwept(t *testing.T) {
	tr := &browserTracker{} // never scanned: the session fails on auth timeout
	cfg := testConfig()
	cfg.AuthTimeout = 60 * time.Millisecond
	r := NewRegistry(cfg, tr.factory, &fakeGenerator{}, nil)
	t.Cleanup(r.Close)
	r.StartJanitor()

	s, err := r.Create(context.Background(), CreateOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return s.State() == StateFailed },
		2*time.Second, 5*time.Millisecond)

	// The failure stays queryable, with its cause, until the sweep.
	st, err := r.Get(s.ID)
	require.NoError(t, err)
	assert.Contains(t, st.Status().FailureCause, browser.ErrAuthTimeout.Error())

	require.Eventually(t, func() bool { return len(r.List()) == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestRegistryCloseTerminatesEverything(t *testing.T) {
	tr := &browserTracker{authed: true}
	r := NewRegistry(testConfig(), tr.factory, &fakeGenerator{}, nil)

	a, err := r.Create(context.Background(), CreateOptions{})
	require.NoError(t, err)
	b, err := r.Create(context.Background(), CreateOptions{})
	require.NoError(t, err)

	r.Close()

	assert.Equal(t, StateTerminated, a.State())
	assert.Equal(t, StateTerminated, b.State())
	assert.Empty(t, r.List())
	for _, fb := range tr.created() {
		assert.True(t, fb.isClosed())
	}
}

func TestRegistrySummaryCounts(t *testing.T) {
	tr := &browserTracker{authed: true}
	r := newTestRegistry(t, tr)

	s, err := r.Create(context.Background(), CreateOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.State() == StateAuthenticated },
		2*time.Second, 5*time.Millisecond)

	sum := r.Summary()
	assert.Equal(t, 1, sum["total_sessions"])
	assert.Equal(t, 1, sum["authenticated"])
	assert.Equal(t, 0, sum["failed"])
}
