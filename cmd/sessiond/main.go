package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"

	"github.com/whatsapp-automation/sessiond/internal/api"
	"github.com/whatsapp-automation/sessiond/internal/browser"
	"github.com/whatsapp-automation/sessiond/internal/config"
	"github.com/whatsapp-automation/sessiond/internal/generator"
	"github.com/whatsapp-automation/sessiond/internal/notify"
	"github.com/whatsapp-automation/sessiond/internal/session"
)

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		log.Printf("[%s] %s %s", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(w, r)
		log.Printf("[%s] %s completed in %v", r.Method, r.URL.Path, time.Since(start))
	})
}

func main() {
	// Load .env file if present (for local development)
	_ = godotenv.Load()

	cfg := config.Load()
	port := config.GetEnv("PORT", "3001")
	sessionsDir := config.GetEnv("SESSIONS_DIR", "./sessions")
	llmURL := config.GetEnv("LLM_URL", "http://localhost:11434/api/chat")
	llmModel := config.GetEnv("LLM_MODEL", "llama3")

	log.Printf("=== Session Engine Starting ===")
	log.Printf("Port:         %s", port)
	log.Printf("Sessions dir: %s", sessionsDir)
	log.Printf("LLM:          %s (%s)", llmURL, llmModel)
	log.Printf("Auth timeout: %v", cfg.AuthTimeout)
	log.Printf("Min delay:    %v (+%v jitter)", cfg.DefaultMinDelay, cfg.DefaultMaxJitter)
	log.Printf("===============================")

	if err := os.MkdirAll(sessionsDir, 0o755); err != nil {
		log.Fatalf("Failed to create sessions dir: %v", err)
	}

	factory := browser.NewFactory(sessionsDir)
	gen := generator.NewChatClient(llmURL, llmModel)
	notifier := notify.FromEnv()

	registry := session.NewRegistry(cfg, factory, gen, notifier)
	registry.StartJanitor()

	server := api.NewServer(registry)

	router := mux.NewRouter()
	router.Use(loggingMiddleware)
	server.RegisterRoutes(router)

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Listening on port %s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Printf("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
	registry.Close()
	log.Printf("Shutdown complete")
}
