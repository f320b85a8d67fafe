package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/whatsapp-automation/sessiond/internal/browser"
	"github.com/whatsapp-automation/sessiond/internal/config"
	"github.com/whatsapp-automation/sessiond/internal/generator"
)

func testConfig() config.Config {
	return config.Config{
		AuthTimeout:           500 * time.Millisecond,
		QRPollInterval:        10 * time.Millisecond,
		SendTimeout:           200 * time.Millisecond,
		ReadTimeout:           200 * time.Millisecond,
		MaxSendAttempts:       3,
		RetryBackoff:          10 * time.Millisecond,
		InboundPollInterval:   20 * time.Millisecond,
		DefaultMinDelay:       30 * time.Millisecond,
		DefaultMaxJitter:      0,
		TerminatedGracePeriod: 50 * time.Millisecond,
		JanitorInterval:       20 * time.Millisecond,
	}
}

type fakeSend struct {
	Recipient string
	Text      string
	At        time.Time
}

// fakeBrowser is an in-memory browser.Session. sendFunc, when set, decides
// the outcome of each Send by call index (0-based); block, when set, parks
// every Send until the channel is closed or the context expires.
type fakeBrowser struct {
	mu       sync.Mutex
	qr       []byte
	openErr  error
	authed   bool
	readErr  error
	inbound  []browser.Inbound
	sendFunc func(call int, recipient, text string) error
	block    chan struct{}
	calls    []fakeSend
	closed   bool
}

func newFakeBrowser() *fakeBrowser {
	return &fakeBrowser{qr: []byte("fake-qr-png")}
}

func (b *fakeBrowser) setAuthed(v bool) {
	b.mu.Lock()
	b.authed = v
	b.mu.Unlock()
}

func (b *fakeBrowser) pushInbound(sender, text string, at time.Time) {
	b.mu.Lock()
	b.inbound = append(b.inbound, browser.Inbound{Sender: sender, Text: text, ReceivedAt: at})
	b.mu.Unlock()
}

func (b *fakeBrowser) sendCalls() []fakeSend {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]fakeSend, len(b.calls))
	copy(out, b.calls)
	return out
}

func (b *fakeBrowser) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *fakeBrowser) OpenAndAwaitQR(ctx context.Context) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openErr != nil {
		return nil, b.openErr
	}
	return b.qr, nil
}

func (b *fakeBrowser) PollAuthenticated(ctx context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.authed, nil
}

func (b *fakeBrowser) ReadInboundSince(ctx context.Context, since time.Time) ([]browser.Inbound, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.readErr != nil {
		return nil, b.readErr
	}
	var out []browser.Inbound
	for _, msg := range b.inbound {
		if msg.ReceivedAt.After(since) {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (b *fakeBrowser) Send(ctx context.Context, recipient, text string) error {
	b.mu.Lock()
	block := b.block
	b.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return browser.Transientf("send timed out: %v", ctx.Err())
		}
	}

	b.mu.Lock()
	call := len(b.calls)
	b.calls = append(b.calls, fakeSend{Recipient: recipient, Text: text, At: time.Now()})
	fn := b.sendFunc
	b.mu.Unlock()

	if fn != nil {
		return fn(call, recipient, text)
	}
	return nil
}

func (b *fakeBrowser) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

// fakeGenerator echoes the inbound text unless replyFunc overrides it.
type fakeGenerator struct {
	mu        sync.Mutex
	replyFunc func(msg browser.Inbound) (string, error)
	calls     int
}

func (g *fakeGenerator) Generate(ctx context.Context, msg browser.Inbound, _ generator.PersonaConfig) (string, error) {
	g.mu.Lock()
	g.calls++
	fn := g.replyFunc
	g.mu.Unlock()
	if fn != nil {
		return fn(msg)
	}
	return fmt.Sprintf("re: %s", msg.Text), nil
}

func (g *fakeGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}
