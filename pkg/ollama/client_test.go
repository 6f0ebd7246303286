package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, h http.Handler, retries int) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{BaseURL: srv.URL, Model: "tiny", Timeout: 2 * time.Second, Retries: retries, Backoff: time.Millisecond}, srv.Client())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestHealth(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"with models", `{"models":[{"name":"tiny","size":10}]}`, false},
		{"no models", `{"models":[]}`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/api/tags" {
					http.NotFound(w, r)
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(tc.body))
			}), 0)
			err := c.Health(context.Background())
			if (err != nil) != tc.wantErr {
				t.Fatalf("Health err=%v wantErr=%v", err, tc.wantErr)
			}
		})
	}
}

func TestGenerate_JSONModeAndTokens(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"model":"tiny","response":"{\"ok\":true}","done":true,"prompt_eval_count":12,"eval_count":5}`))
	}), 0)

	res, err := c.Generate(context.Background(), GenerateRequest{System: "sys", Prompt: "hi", JSON: true})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Text != `{"ok":true}` {
		t.Fatalf("text = %q", res.Text)
	}
	if res.PromptTokens != 12 || res.OutputTokens != 5 {
		t.Fatalf("tokens = %d/%d, want 12/5", res.PromptTokens, res.OutputTokens)
	}
	if got["format"] != "json" || got["model"] != "tiny" || got["system"] != "sys" {
		t.Fatalf("unexpected request body: %v", got)
	}
	if got["stream"] != false {
		t.Fatalf("stream = %v, want false", got["stream"])
	}
}

func TestGenerate_RetriesServerErrors(t *testing.T) {
	var calls int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"error":"boom"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"model":"tiny","response":"fine","done":true}`))
	}), 2)

	res, err := c.Generate(context.Background(), GenerateRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Text != "fine" || res.Attempts != 2 {
		t.Fatalf("got text=%q attempts=%d", res.Text, res.Attempts)
	}
}

func TestGenerate_DoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"model not found"}`))
	}), 3)

	if _, err := c.Generate(context.Background(), GenerateRequest{Prompt: "hi"}); err == nil {
		t.Fatal("expected error")
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("calls = %d, want 1", n)
	}
}

func TestGenerate_TimeoutHonoured(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}), 0)
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	if _, err := c.Generate(ctx, GenerateRequest{Prompt: "hi"}); err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > time.Second {
		t.Fatal("generate did not honour the context deadline")
	}
}
