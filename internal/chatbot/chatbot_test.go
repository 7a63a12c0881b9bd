package chatbot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"RelayChat/internal/backend"
	"RelayChat/internal/config"
	"RelayChat/internal/dispatcher"
	"RelayChat/internal/session"
)

type recordingSender struct {
	mu      sync.Mutex
	replies []dispatcher.Reply
}

func (s *recordingSender) Send(_ context.Context, r dispatcher.Reply) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, r)
	return nil
}

func (s *recordingSender) Typing(context.Context, int64) error { return nil }

func testConfig(endpoint string) config.Config {
	cfg := config.Default()
	cfg.Telegram.Token = "token"
	cfg.Azure.APIKey = "key"
	cfg.Azure.Endpoint = endpoint
	cfg.DefaultModel = "fast-model"
	cfg.Completion.RetryBaseDelay = config.Duration{Duration: time.Millisecond}
	cfg.Completion.RetryMaxDelay = config.Duration{Duration: 5 * time.Millisecond}
	cfg.Models = []config.ModelConfig{
		{ID: "fast-model", DisplayName: "Fast", MaxTokens: 64, Temperature: 0.5},
		{ID: "smart-model", DisplayName: "Smart", MaxTokens: 512, APIVersion: "2024-08-01-preview"},
	}
	return cfg
}

func TestWire_EndToEnd(t *testing.T) {
	var paths []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req backend.ChatCompletionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		paths = append(paths, r.URL.Path+"?"+r.URL.RawQuery)
		mu.Unlock()

		content, _ := json.Marshal("echo: " + req.Messages[len(req.Messages)-1].Content)
		fmt.Fprintf(w, `{"choices":[{"index":0,"message":{"role":"assistant","content":%s},"finish_reason":"stop"}]}`, content)
	}))
	defer srv.Close()

	sender := &recordingSender{}
	c, err := wire(testConfig(srv.URL), slog.Default(),
		tracenoop.NewTracerProvider().Tracer("test"),
		metricnoop.NewMeterProvider().Meter("test"),
		sender, "relay_bot", nil)
	require.NoError(t, err)

	ctx := context.Background()
	c.dispatcher.Submit(ctx, dispatcher.NewEvent(1, 1, "u", "Hello", time.Now()))
	c.dispatcher.Submit(ctx, dispatcher.NewEvent(1, 1, "u", "/model smart-model", time.Now()))
	c.dispatcher.Submit(ctx, dispatcher.NewEvent(1, 1, "u", "Again", time.Now()))
	c.dispatcher.Wait()

	msgs := c.store.Messages(1)
	require.Len(t, msgs, 4)
	assert.Equal(t, session.RoleUser, msgs[0].Role)
	assert.Equal(t, "echo: Hello", msgs[1].Content)
	assert.Equal(t, "echo: Again", msgs[3].Content)

	require.Len(t, paths, 2)
	assert.Equal(t, "/openai/deployments/fast-model/chat/completions?api-version=2024-02-15-preview", paths[0])
	assert.Equal(t, "/openai/deployments/smart-model/chat/completions?api-version=2024-08-01-preview", paths[1])

	require.Len(t, sender.replies, 3)
	assert.Equal(t, "echo: Hello", sender.replies[0].Text)
}

func TestWire_CacheEnabled(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"same"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Cache.TTL = config.Duration{Duration: time.Minute}

	sender := &recordingSender{}
	c, err := wire(cfg, slog.Default(), tracenoop.NewTracerProvider().Tracer("test"), metricnoop.NewMeterProvider().Meter("test"), sender, "relay_bot", nil)
	require.NoError(t, err)

	ctx := context.Background()
	// same first message in two chats produces the same request
	c.dispatcher.Handle(ctx, dispatcher.NewEvent(1, 1, "u", "Hello", time.Now()))
	c.dispatcher.Handle(ctx, dispatcher.NewEvent(2, 2, "u", "Hello", time.Now()))

	assert.Equal(t, int32(1), calls.Load())
	assert.Len(t, sender.replies, 2)
}

func TestWire_UnknownDefaultModel(t *testing.T) {
	cfg := testConfig("https://example.invalid")
	cfg.DefaultModel = "missing"

	_, err := wire(cfg, slog.Default(), tracenoop.NewTracerProvider().Tracer("test"), metricnoop.NewMeterProvider().Meter("test"), &recordingSender{}, "relay_bot", nil)
	assert.Error(t, err)
}

func TestEvictInterval(t *testing.T) {
	assert.Equal(t, time.Second, evictInterval(time.Second))
	assert.Equal(t, 225*time.Second, evictInterval(15*time.Minute))
	assert.Equal(t, 10*time.Minute, evictInterval(24*time.Hour))
}

func TestEvictLoop(t *testing.T) {
	now := time.Now()
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	store := session.NewStore(session.Policy{MaxMessages: 5}, "m", session.WithClock(clock), session.WithIdleTTL(time.Minute))
	store.GetOrCreate(1)

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		evictLoop(ctx, slog.Default(), store, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return store.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
