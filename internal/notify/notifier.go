package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"
)

const telegramAPIURL = "https://api.telegram.org/bot%s/sendMessage"

// Notifier sends operator alerts through the Telegram Bot API. A nil
// Notifier is valid and drops all alerts, so callers never need to check
// whether alerting is configured.
type Notifier struct {
	token  string
	chatID string
	client *http.Client
}

// FromEnv builds a Notifier from TELEGRAM_TOKEN / TELEGRAM_CHAT_ID, or nil
// if they are unset.
func FromEnv() *Notifier {
	token := os.Getenv("TELEGRAM_TOKEN")
	chatID := os.Getenv("TELEGRAM_CHAT_ID")
	if token == "" || chatID == "" {
		return nil
	}
	return &Notifier{
		token:  token,
		chatID: chatID,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// SendAlert posts a message to the configured chat.
func (n *Notifier) SendAlert(message string) error {
	if n == nil {
		return nil
	}

	url := fmt.Sprintf(telegramAPIURL, n.token)
	payload := map[string]string{
		"chat_id":    n.chatID,
		"text":       message,
		"parse_mode": "HTML",
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	resp, err := n.client.Post(url, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}

// AlertSessionFailed reports a session entering the failed state.
func (n *Notifier) AlertSessionFailed(sessionID string, cause error) {
	if n == nil {
		return
	}
	msg := fmt.Sprintf(`🚨 <b>SESSION FAILED</b>

🆔 Session: %s
📝 Cause: %v
⏰ Time: %s`, sessionID, cause, time.Now().Format("2006-01-02 15:04:05"))

	if err := n.SendAlert(msg); err != nil {
		log.Printf("[Telegram] Failed to send failure alert: %v", err)
	}
}

// AlertAuthTimeout reports a login that never completed.
func (n *Notifier) AlertAuthTimeout(sessionID string) {
	if n == nil {
		return
	}
	msg := fmt.Sprintf(`⚠️ <b>LOGIN TIMEOUT</b>

🆔 Session: %s
📝 QR was never scanned within the window
⏰ Time: %s`, sessionID, time.Now().Format("2006-01-02 15:04:05"))

	if err := n.SendAlert(msg); err != nil {
		log.Printf("[Telegram] Failed to send auth timeout alert: %v", err)
	}
}
