package redmine_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/garnizeh/redmine-rag/pkg/redmine"
)

func newClient(t *testing.T, srv *httptest.Server, mut func(*redmine.Config)) *redmine.Client {
	t.Helper()
	cfg := redmine.DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.APIKey = "secret"
	cfg.Timeout = 2 * time.Second
	cfg.Backoff = time.Millisecond
	cfg.Retries = 2
	cfg.PageLimit = 10
	if mut != nil {
		mut(&cfg)
	}
	c, err := redmine.NewClient(cfg, srv.Client())
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestValidateBaseURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		allowed []string
		wantErr bool
	}{
		{"https public", "https://redmine.example.com", nil, false},
		{"http loopback ip", "http://127.0.0.1:3000", nil, false},
		{"http localhost", "http://localhost:3000", nil, false},
		{"http ipv6 loopback", "http://[::1]:3000", nil, false},
		{"http public", "http://redmine.example.com", nil, true},
		{"ftp scheme", "ftp://redmine.example.com", nil, true},
		{"no host", "https://", nil, true},
		{"allowlisted", "https://redmine.example.com", []string{"redmine.example.com"}, false},
		{"allowlist case", "https://Redmine.Example.com", []string{"redmine.example.com"}, false},
		{"not allowlisted", "https://evil.example.com", []string{"redmine.example.com"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := redmine.ValidateBaseURL(tt.url, tt.allowed)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateBaseURL(%q) err=%v wantErr=%v", tt.url, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, redmine.ErrOutboundPolicy) {
				t.Fatalf("expected ErrOutboundPolicy, got %v", err)
			}
		})
	}
}

func TestNewClient_RejectsPolicyViolation(t *testing.T) {
	cfg := redmine.DefaultConfig()
	cfg.BaseURL = "http://redmine.example.com"
	if _, err := redmine.NewClient(cfg, nil); !errors.Is(err, redmine.ErrOutboundPolicy) {
		t.Fatalf("expected ErrOutboundPolicy, got %v", err)
	}
}

func TestClient_SendsAuthHeaders(t *testing.T) {
	var gotKey, gotRole string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Redmine-API-Key")
		gotRole = r.Header.Get("X-Mock-Role")
		_, _ = w.Write([]byte(`{"trackers":[{"id":1,"name":"Bug"}]}`))
	}))
	defer srv.Close()

	c := newClient(t, srv, func(cfg *redmine.Config) { cfg.RoleHeader = "admin" })
	p, err := c.ListPage(context.Background(), redmine.Trackers, redmine.ListOptions{}, 0)
	if err != nil {
		t.Fatalf("ListPage: %v", err)
	}
	if gotKey != "secret" || gotRole != "admin" {
		t.Fatalf("headers key=%q role=%q", gotKey, gotRole)
	}
	if len(p.Items) != 1 || string(p.Items[0]) != `{"id":1,"name":"Bug"}` {
		t.Fatalf("unexpected items: %s", p.Items)
	}
}

func TestClient_RetriesTransientStatus(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"issue_statuses":[]}`))
	}))
	defer srv.Close()

	c := newClient(t, srv, nil)
	if _, err := c.ListPage(context.Background(), redmine.IssueStatuses, redmine.ListOptions{}, 0); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("calls=%d want 3", got)
	}
}

func TestClient_HardStatusNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := newClient(t, srv, nil)
	_, err := c.GetIssue(context.Background(), 7, "journals")
	var re *redmine.Error
	if !errors.As(err, &re) || re.Kind != redmine.KindHTTPStatus || re.Status != http.StatusForbidden {
		t.Fatalf("unexpected error: %#v", err)
	}
	if !redmine.IsForbidden(err) {
		t.Fatalf("IsForbidden false for %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("calls=%d want 1", got)
	}
}

func TestClient_ExhaustedRetriesReportStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newClient(t, srv, func(cfg *redmine.Config) { cfg.Retries = 1 })
	_, err := c.ListPage(context.Background(), redmine.Projects, redmine.ListOptions{}, 0)
	var re *redmine.Error
	if !errors.As(err, &re) || re.Status != http.StatusTooManyRequests {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Requests() != 2 {
		t.Fatalf("requests=%d want 2", c.Requests())
	}
}

func TestClient_TimeoutKind(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := newClient(t, srv, func(cfg *redmine.Config) {
		cfg.Timeout = 20 * time.Millisecond
		cfg.Retries = 0
	})
	_, err := c.ListPage(context.Background(), redmine.Users, redmine.ListOptions{}, 0)
	var re *redmine.Error
	if !errors.As(err, &re) || re.Kind != redmine.KindTimeout {
		t.Fatalf("expected timeout kind, got %v", err)
	}
}

func TestClient_ForEachPage_WalksEnvelope(t *testing.T) {
	const total = 25
	var seenFilters []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		seenFilters = append(seenFilters, q.Get("updated_on")+"|"+q.Get("project_id")+"|"+q.Get("status_id"))
		offset, _ := strconv.Atoi(q.Get("offset"))
		limit, _ := strconv.Atoi(q.Get("limit"))
		items := ""
		for i := offset; i < offset+limit && i < total; i++ {
			if items != "" {
				items += ","
			}
			items += fmt.Sprintf(`{"id":%d}`, i+1)
		}
		fmt.Fprintf(w, `{"issues":[%s],"total_count":%d,"offset":%d,"limit":%d}`, items, total, offset, limit)
	}))
	defer srv.Close()

	c := newClient(t, srv, nil)
	since := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var got, pages int
	err := c.ForEachPage(context.Background(), redmine.Issues, redmine.ListOptions{
		UpdatedSince: &since, ProjectIDs: []int64{1, 2}, AllStatuses: true,
	}, func(p *redmine.Page) error {
		pages++
		got += len(p.Items)
		return nil
	})
	if err != nil {
		t.Fatalf("ForEachPage: %v", err)
	}
	if got != total || pages != 3 {
		t.Fatalf("got %d items in %d pages", got, pages)
	}
	if seenFilters[0] != ">=2026-01-02T03:04:05Z|1,2|*" {
		t.Fatalf("filters not forwarded: %q", seenFilters[0])
	}
}

func TestClient_ForEachPage_MaxPagesCap(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(`{"users":[{"id":1}],"total_count":1000,"offset":0,"limit":1}`))
	}))
	defer srv.Close()

	c := newClient(t, srv, func(cfg *redmine.Config) { cfg.MaxPages = 4; cfg.PageLimit = 1 })
	if err := c.ForEachPage(context.Background(), redmine.Users, redmine.ListOptions{}, func(*redmine.Page) error { return nil }); err != nil {
		t.Fatalf("ForEachPage: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 4 {
		t.Fatalf("calls=%d want 4", got)
	}
}

func TestClient_GetWikiPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/projects/platform/wiki/Release_Runbook.json" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"wiki_page":{"title":"Release_Runbook","text":"steps","version":3}}`))
	}))
	defer srv.Close()

	c := newClient(t, srv, nil)
	raw, err := c.GetWikiPage(context.Background(), "platform", "Release_Runbook")
	if err != nil {
		t.Fatalf("GetWikiPage: %v", err)
	}
	if string(raw) != `{"title":"Release_Runbook","text":"steps","version":3}` {
		t.Fatalf("unexpected payload %s", raw)
	}
	_, err = c.GetWikiPage(context.Background(), "platform", "Missing")
	if !redmine.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestClient_CloseIdempotent(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	c := newClient(t, srv, nil)
	if err := c.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestClient_OversizedBodyFails(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"issue":{"id":7,"subject":%q}}`, strings.Repeat("x", 256))
	}))
	defer srv.Close()

	c := newClient(t, srv, func(cfg *redmine.Config) { cfg.MaxBodyBytes = 64 })
	_, err := c.GetIssue(context.Background(), 7)
	var re *redmine.Error
	if !errors.As(err, &re) || re.Kind != redmine.KindTooLarge {
		t.Fatalf("unexpected error: %#v", err)
	}
	if !errors.Is(err, redmine.ErrBodyTooLarge) {
		t.Fatalf("error does not wrap ErrBodyTooLarge: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("calls=%d want 1", got)
	}
}

func TestClient_BodyAtLimitAccepted(t *testing.T) {
	const body = `{"issue":{"id":7,"subject":"fits"}}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	c := newClient(t, srv, func(cfg *redmine.Config) { cfg.MaxBodyBytes = int64(len(body)) })
	if _, err := c.GetIssue(context.Background(), 7); err != nil {
		t.Fatalf("GetIssue error: %v", err)
	}
}
