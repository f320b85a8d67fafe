package generator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whatsapp-automation/sessiond/internal/browser"
)

func inbound(text string) browser.Inbound {
	return browser.Inbound{Sender: "+49111", Text: text, ReceivedAt: time.Now()}
}

func TestChatClientGenerate(t *testing.T) {
	var got chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"message": map[string]string{"role": "assistant", "content": "  We open at 9.  "},
		})
	}))
	defer server.Close()

	c := NewChatClient(server.URL, "test-model")
	persona := PersonaConfig{
		BusinessContext: "a bakery in Berlin",
		Tone:            "friendly",
		Rules:           []string{"never promise delivery dates"},
	}

	reply, err := c.Generate(context.Background(), inbound("what are your hours?"), persona)
	require.NoError(t, err)
	assert.Equal(t, "We open at 9.", reply)

	assert.Equal(t, "test-model", got.Model)
	assert.False(t, got.Stream)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Contains(t, got.Messages[0].Content, "a bakery in Berlin")
	assert.Contains(t, got.Messages[0].Content, "never promise delivery dates")
	assert.Equal(t, "what are your hours?", got.Messages[1].Content)
}

func TestChatClientEmptyReplyIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"message": map[string]string{"role": "assistant", "content": "   "},
		})
	}))
	defer server.Close()

	_, err := NewChatClient(server.URL, "m").Generate(context.Background(), inbound("hi"), PersonaConfig{})
	assert.ErrorContains(t, err, "empty reply")
}

func TestChatClientHTTPErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := NewChatClient(server.URL, "m").Generate(context.Background(), inbound("hi"), PersonaConfig{})
	assert.ErrorContains(t, err, "status 500")
}

func TestChatClientRespectsContext(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release) // unblock the handler before Close waits on it

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewChatClient(server.URL, "m").Generate(ctx, inbound("hi"), PersonaConfig{})
	assert.Error(t, err)
}
