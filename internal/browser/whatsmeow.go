package browser

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultStoreDir is where per-session device databases live.
	DefaultStoreDir = "./sessions"

	// maxInbox bounds the in-memory inbound message log per login.
	maxInbox = 1000

	qrImageSize = 512
)

// WhatsmeowSession is the production Session implementation. Each instance
// owns its own sqlstore container and whatsmeow client, keyed by the
// automation session id.
type WhatsmeowSession struct {
	id        string
	client    *whatsmeow.Client
	container *sqlstore.Container

	mu       sync.RWMutex
	loggedIn bool
	fatal    bool
	inbox    []Inbound

	qrCode string // raw QR payload from the QR channel
	qrOnce sync.Once
}

// NewFactory returns a Factory creating whatsmeow-backed sessions with
// device databases under dir.
func NewFactory(dir string) Factory {
	if dir == "" {
		dir = DefaultStoreDir
	}
	return func(ctx context.Context, sessionID string) (Session, error) {
		return NewWhatsmeowSession(ctx, dir, sessionID)
	}
}

// NewWhatsmeowSession opens (or creates) the device store for sessionID and
// prepares a client. The connection itself starts in OpenAndAwaitQR.
func NewWhatsmeowSession(ctx context.Context, dir, sessionID string) (*WhatsmeowSession, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	dbPath := filepath.Join(dir, fmt.Sprintf("%s.db", sessionID))
	dbURI := fmt.Sprintf("file:%s?_foreign_keys=on", dbPath)

	dbLog := waLog.Stdout("DB-"+sessionID, "WARN", true)
	container, err := sqlstore.New(ctx, "sqlite3", dbURI, dbLog)
	if err != nil {
		return nil, fmt.Errorf("failed to create device store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		container.Close()
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	if device == nil {
		device = container.NewDevice()
		if err := container.PutDevice(ctx, device); err != nil {
			container.Close()
			return nil, fmt.Errorf("failed to store device: %w", err)
		}
	}

	clientLog := waLog.Stdout("Client-"+sessionID, "WARN", true)
	client := whatsmeow.NewClient(device, clientLog)
	client.EnableAutoReconnect = true
	client.AutoTrustIdentity = true

	s := &WhatsmeowSession{
		id:        sessionID,
		client:    client,
		container: container,
	}
	client.AddEventHandler(s.handleEvent)

	return s, nil
}

// OpenAndAwaitQR connects and returns the login QR as PNG bytes. If the
// stored device already has a valid login, it connects directly and returns
// no QR; PollAuthenticated will report true once the restore completes.
func (s *WhatsmeowSession) OpenAndAwaitQR(ctx context.Context) ([]byte, error) {
	if s.client.Store.ID != nil {
		log.Printf("[%s] Existing device found, restoring session", s.id)
		if err := s.client.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect with stored device: %w", err)
		}
		return nil, nil
	}

	qrChan, err := s.client.GetQRChannel(ctx)
	if err != nil {
		if err == whatsmeow.ErrQRStoreContainsID {
			if err := s.client.Connect(); err != nil {
				return nil, fmt.Errorf("failed to connect: %w", err)
			}
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get QR channel: %w", err)
	}

	if err := s.client.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	for {
		select {
		case evt, ok := <-qrChan:
			if !ok {
				return nil, ErrAuthTimeout
			}
			switch evt.Event {
			case "code":
				s.mu.Lock()
				s.qrCode = evt.Code
				s.mu.Unlock()
				png, err := qrcode.Encode(evt.Code, qrcode.Medium, qrImageSize)
				if err != nil {
					return nil, fmt.Errorf("failed to render QR image: %w", err)
				}
				// Later events ("success"/"timeout") are picked up by the
				// event handler; the first code is all the poller needs.
				go s.drainQRChannel(qrChan)
				return png, nil
			case "success":
				s.mu.Lock()
				s.loggedIn = true
				s.mu.Unlock()
				return nil, nil
			case "timeout":
				return nil, ErrAuthTimeout
			}
		case <-ctx.Done():
			return nil, ErrAuthTimeout
		}
	}
}

func (s *WhatsmeowSession) drainQRChannel(ch <-chan whatsmeow.QRChannelItem) {
	for evt := range ch {
		if evt.Event == "success" {
			s.mu.Lock()
			s.loggedIn = true
			s.qrCode = ""
			s.mu.Unlock()
			log.Printf("[%s] Login successful via QR", s.id)
		}
	}
}

// PollAuthenticated reports login state.
func (s *WhatsmeowSession) PollAuthenticated(ctx context.Context) (bool, error) {
	s.mu.RLock()
	fatal := s.fatal
	s.mu.RUnlock()
	if fatal {
		return false, ErrFatalDisconnect
	}
	if s.client.IsLoggedIn() {
		s.mu.Lock()
		s.loggedIn = true
		s.qrCode = ""
		s.mu.Unlock()
		return true, nil
	}
	return false, nil
}

// ReadInboundSince returns text messages received after since, oldest first.
func (s *WhatsmeowSession) ReadInboundSince(ctx context.Context, since time.Time) ([]Inbound, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.fatal {
		return nil, ErrFatalDisconnect
	}
	if !s.loggedIn {
		return nil, ErrNotAuthenticated
	}

	var out []Inbound
	for _, msg := range s.inbox {
		if msg.ReceivedAt.After(since) {
			out = append(out, msg)
		}
	}
	return out, nil
}

// Send delivers a plain text message to recipient.
func (s *WhatsmeowSession) Send(ctx context.Context, recipient, text string) error {
	s.mu.RLock()
	fatal := s.fatal
	loggedIn := s.loggedIn
	s.mu.RUnlock()

	if fatal {
		return ErrFatalDisconnect
	}
	if !loggedIn || !s.client.IsLoggedIn() {
		return ErrFatalDisconnect
	}

	jid, err := parseJID(recipient)
	if err != nil {
		return Transientf("invalid recipient %q: %w", recipient, err)
	}

	msg := &waE2E.Message{
		Conversation: proto.String(text),
	}

	if _, err := s.client.SendMessage(ctx, jid, msg); err != nil {
		if !s.client.IsLoggedIn() {
			return ErrFatalDisconnect
		}
		return Transientf("send failed: %w", err)
	}
	return nil
}

// Close disconnects and releases the device store.
func (s *WhatsmeowSession) Close() error {
	if s.client != nil {
		s.client.Disconnect()
	}
	if s.container != nil {
		return s.container.Close()
	}
	return nil
}

// handleEvent tracks login state and collects inbound text messages.
func (s *WhatsmeowSession) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Connected, *events.PairSuccess:
		s.mu.Lock()
		s.loggedIn = true
		s.qrCode = ""
		s.mu.Unlock()

	case *events.LoggedOut:
		log.Printf("[%s] Logged out: %v", s.id, v.Reason)
		s.mu.Lock()
		s.loggedIn = false
		s.fatal = true
		s.mu.Unlock()

	case *events.StreamReplaced:
		log.Printf("[%s] Stream replaced by another device", s.id)
		s.mu.Lock()
		s.fatal = true
		s.mu.Unlock()

	case *events.TemporaryBan:
		log.Printf("[%s] Temporary ban: %s, expires %v", s.id, v.Code.String(), v.Expire)
		s.mu.Lock()
		s.fatal = true
		s.mu.Unlock()

	case *events.Message:
		s.collectMessage(v)
	}
}

func (s *WhatsmeowSession) collectMessage(evt *events.Message) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return
	}

	var text string
	if evt.Message.Conversation != nil {
		text = *evt.Message.Conversation
	} else if evt.Message.ExtendedTextMessage != nil && evt.Message.ExtendedTextMessage.Text != nil {
		text = *evt.Message.ExtendedTextMessage.Text
	}
	if text == "" {
		return // skip non-text messages
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inbox = append(s.inbox, Inbound{
		Sender:     "+" + evt.Info.Sender.User,
		Text:       text,
		ReceivedAt: evt.Info.Timestamp,
	})
	if len(s.inbox) > maxInbox {
		s.inbox = s.inbox[len(s.inbox)-maxInbox:]
	}
}

func parseJID(phone string) (types.JID, error) {
	cleaned := sanitizePhone(phone)
	if cleaned == "" {
		return types.JID{}, fmt.Errorf("empty phone number")
	}
	return types.NewJID(cleaned, types.DefaultUserServer), nil
}

func sanitizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
