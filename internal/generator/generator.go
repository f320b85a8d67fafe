package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/whatsapp-automation/sessiond/internal/browser"
)

// PersonaConfig describes how replies should sound. The session engine
// never interprets it; it is carried through to the generator as-is.
type PersonaConfig struct {
	BusinessContext string   `json:"business_context"`
	Tone            string   `json:"tone"`
	Rules           []string `json:"rules,omitempty"`
}

// Generator produces a reply for an inbound message.
type Generator interface {
	Generate(ctx context.Context, msg browser.Inbound, persona PersonaConfig) (string, error)
}

// ChatClient talks to an Ollama-style chat endpoint.
type ChatClient struct {
	url    string
	model  string
	client *http.Client
}

// NewChatClient builds a client for the given chat endpoint and model.
func NewChatClient(url, model string) *ChatClient {
	return &ChatClient{
		url:    url,
		model:  model,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatResponse struct {
	Message chatMessage `json:"message"`
}

// Generate asks the model for a reply in the persona's voice. Returns an
// error on any transport, decode or empty-reply condition; the caller skips
// the message in that case.
func (c *ChatClient) Generate(ctx context.Context, msg browser.Inbound, persona PersonaConfig) (string, error) {
	payload := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: buildSystemPrompt(persona)},
			{Role: "user", Content: msg.Text},
		},
		Stream: false,
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chat endpoint returned status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("failed to decode chat response: %w", err)
	}

	reply := strings.TrimSpace(parsed.Message.Content)
	if reply == "" {
		return "", fmt.Errorf("chat endpoint returned empty reply")
	}
	return reply, nil
}

// buildSystemPrompt turns the persona into the system message.
func buildSystemPrompt(p PersonaConfig) string {
	var b strings.Builder
	b.WriteString("You answer WhatsApp messages on behalf of a business. Reply briefly, like a human typing on a phone.\n")
	if p.BusinessContext != "" {
		b.WriteString("Business context: " + p.BusinessContext + "\n")
	}
	if p.Tone != "" {
		b.WriteString("Tone: " + p.Tone + "\n")
	}
	for _, rule := range p.Rules {
		b.WriteString("- " + rule + "\n")
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
