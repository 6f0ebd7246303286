package syncer_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

var fixtureBase = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func fts(t time.Time) string { return t.UTC().Format(time.RFC3339) }

// upstream is an in-memory tracker serving the REST subset the pipeline reads.
type upstream struct {
	mu        sync.Mutex
	issues    []map[string]any
	details   map[int]map[string]any
	failPaths map[string]int
	// failFrom fails a paged path once the requested offset reaches the value.
	failFrom map[string]int
	queries  map[string][]string
}

func newUpstream(nIssues int) *upstream {
	u := &upstream{details: map[int]map[string]any{}, failPaths: map[string]int{}, failFrom: map[string]int{}, queries: map[string][]string{}}
	for i := 1; i <= nIssues; i++ {
		created := fixtureBase.Add(time.Duration(i) * time.Hour)
		updated := created.Add(30 * time.Minute)
		project := 1 + i%2
		issue := map[string]any{
			"id":          i,
			"project":     map[string]any{"id": project, "name": fmt.Sprintf("Project %d", project)},
			"tracker":     map[string]any{"id": 1, "name": "Bug"},
			"status":      map[string]any{"id": 1, "name": "New"},
			"priority":    map[string]any{"id": 2, "name": "Normal"},
			"author":      map[string]any{"id": 10, "name": "Alice Admin"},
			"subject":     fmt.Sprintf("Login failure number %d on OAuth callback", i),
			"description": strings.Repeat(fmt.Sprintf("Issue %d details about the callback timeout. ", i), 3),
			"created_on":  fts(created),
			"updated_on":  fts(updated),
			"is_private":  false,
		}
		u.issues = append(u.issues, issue)
		detail := map[string]any{}
		for k, v := range issue {
			detail[k] = v
		}
		detail["journals"] = []any{map[string]any{
			"id": 1000 + i, "user": map[string]any{"id": 11, "name": "Bob"},
			"notes": fmt.Sprintf("Investigating issue %d.", i), "created_on": fts(created.Add(10 * time.Minute)),
			"details": []any{map[string]any{"property": "attr", "name": "status_id", "old_value": "1", "new_value": "2"}},
		}}
		if i%40 == 0 {
			detail["attachments"] = []any{map[string]any{
				"id": 5000 + i, "filename": fmt.Sprintf("trace-%d.log", i), "filesize": 2048,
				"content_type": "text/plain", "author": map[string]any{"id": 10, "name": "Alice Admin"},
				"created_on": fts(created),
			}}
		}
		u.details[i] = detail
	}
	return u
}

func (u *upstream) failOn(path string, status int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.failPaths[path] = status
}

func (u *upstream) failFromOffset(path string, offset int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.failFrom[path] = offset
}

func (u *upstream) heal() {
	u.mu.Lock()
	defer u.mu.Unlock()
	clear(u.failPaths)
	clear(u.failFrom)
}

func (u *upstream) lastQuery(path, key string) string {
	u.mu.Lock()
	defer u.mu.Unlock()
	qs := u.queries[path+"?"+key]
	if len(qs) == 0 {
		return ""
	}
	return qs[len(qs)-1]
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func paged(w http.ResponseWriter, r *http.Request, key string, items []map[string]any) {
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 25
	}
	end := min(offset+limit, len(items))
	page := []map[string]any{}
	if offset < len(items) {
		page = items[offset:end]
	}
	writeJSON(w, map[string]any{key: page, "total_count": len(items), "offset": offset, "limit": limit})
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-Redmine-API-Key") != "fixture-key" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	u.mu.Lock()
	if st, ok := u.failPaths[r.URL.Path]; ok {
		u.mu.Unlock()
		w.WriteHeader(st)
		return
	}
	if from, ok := u.failFrom[r.URL.Path]; ok {
		if offset, _ := strconv.Atoi(r.URL.Query().Get("offset")); offset >= from {
			u.mu.Unlock()
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	}
	for _, k := range []string{"updated_on", "project_id", "include", "sort"} {
		if v := r.URL.Query().Get(k); v != "" {
			u.queries[r.URL.Path+"?"+k] = append(u.queries[r.URL.Path+"?"+k], v)
		}
	}
	u.mu.Unlock()

	p := r.URL.Path
	switch {
	case p == "/trackers.json":
		writeJSON(w, map[string]any{"trackers": []any{map[string]any{"id": 1, "name": "Bug"}, map[string]any{"id": 2, "name": "Feature"}}})
	case p == "/issue_statuses.json":
		writeJSON(w, map[string]any{"issue_statuses": []any{
			map[string]any{"id": 1, "name": "New", "is_default": true},
			map[string]any{"id": 2, "name": "In Progress"},
			map[string]any{"id": 5, "name": "Closed", "is_closed": true},
		}})
	case p == "/enumerations/issue_priorities.json":
		writeJSON(w, map[string]any{"issue_priorities": []any{map[string]any{"id": 2, "name": "Normal", "is_default": true}, map[string]any{"id": 3, "name": "High"}}})
	case p == "/users.json":
		if r.Header.Get("X-Mock-Role") != "admin" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		paged(w, r, "users", []map[string]any{
			{"id": 10, "login": "alice", "firstname": "Alice", "lastname": "Admin", "admin": true},
			{"id": 11, "login": "bob", "firstname": "Bob", "lastname": ""},
		})
	case p == "/groups.json":
		paged(w, r, "groups", []map[string]any{{"id": 20, "name": "Support", "users": []any{map[string]any{"id": 11}}}})
	case p == "/projects.json":
		paged(w, r, "projects", []map[string]any{
			{"id": 1, "identifier": "platform", "name": "Platform", "is_public": true, "created_on": fts(fixtureBase)},
			{"id": 2, "identifier": "mobile", "name": "Mobile", "is_public": true, "created_on": fts(fixtureBase)},
		})
	case p == "/issues.json":
		var out []map[string]any
		since := strings.TrimPrefix(r.URL.Query().Get("updated_on"), ">=")
		projects := r.URL.Query().Get("project_id")
		for _, is := range u.issues {
			if since != "" && is["updated_on"].(string) < since {
				continue
			}
			pid := strconv.Itoa(is["project"].(map[string]any)["id"].(int))
			if projects != "" && !slices.Contains(strings.Split(projects, ","), pid) {
				continue
			}
			out = append(out, is)
		}
		paged(w, r, "issues", out)
	case strings.HasPrefix(p, "/issues/"):
		id, _ := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(p, "/issues/"), ".json"))
		d, ok := u.details[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, map[string]any{"issue": d})
	case p == "/time_entries.json":
		// newest first unless sorted, like the tracker's default id desc order
		var out []map[string]any
		since := strings.TrimPrefix(r.URL.Query().Get("updated_on"), ">=")
		for i := 2; i >= 0; i-- {
			updated := fts(fixtureBase.Add(time.Duration(i) * time.Hour))
			if since != "" && updated < since {
				continue
			}
			out = append(out, map[string]any{
				"id": 300 + i, "project": map[string]any{"id": 1}, "issue": map[string]any{"id": 2},
				"user": map[string]any{"id": 11, "name": "Bob"}, "activity": map[string]any{"id": 9, "name": "Development"},
				"hours": 1.5, "comments": "Debugged the OAuth callback", "spent_on": "2024-01-02",
				"created_on": fts(fixtureBase), "updated_on": updated,
			})
		}
		if r.URL.Query().Get("sort") == "updated_on" {
			slices.Reverse(out)
		}
		paged(w, r, "time_entries", out)
	case p == "/news.json":
		paged(w, r, "news", []map[string]any{{
			"id": 400, "project": map[string]any{"id": 1}, "title": "Release 2.0",
			"summary": "New login flow", "description": "<p>Single sign on is live.</p>",
			"author": map[string]any{"id": 10, "name": "Alice Admin"}, "created_on": fts(fixtureBase),
		}})
	case p == "/projects/platform/documents.json":
		paged(w, r, "documents", []map[string]any{{"id": 500, "title": "Architecture", "description": "Service layout", "category": map[string]any{"id": 1, "name": "Technical"}, "created_on": fts(fixtureBase)}})
	case p == "/projects/platform/files.json":
		paged(w, r, "files", []map[string]any{{"id": 600, "filename": "release-2.0.zip", "filesize": 1048576, "digest": "abc", "created_on": fts(fixtureBase)}})
	case p == "/projects/platform/boards.json":
		paged(w, r, "boards", []map[string]any{{"id": 700, "name": "General", "position": 1}})
	case p == "/boards/700/messages.json":
		paged(w, r, "messages", []map[string]any{{
			"id": 800, "subject": "SSO rollout", "content": "When does SSO ship?",
			"author": map[string]any{"id": 11, "name": "Bob"}, "created_on": fts(fixtureBase), "updated_on": fts(fixtureBase),
		}})
	case p == "/projects/platform/wiki/index.json":
		writeJSON(w, map[string]any{"wiki_pages": []any{
			map[string]any{"title": "Onboarding", "version": 1, "updated_on": fts(fixtureBase.Add(2 * time.Hour))},
			map[string]any{"title": "Runbook", "version": 2, "updated_on": fts(fixtureBase.Add(time.Hour))},
		}})
	case p == "/projects/platform/wiki/Runbook.json":
		writeJSON(w, map[string]any{"wiki_page": map[string]any{
			"title": "Runbook", "text": "Runbook for rollback and incident playbook.", "version": 2,
			"author": map[string]any{"id": 10, "name": "Alice Admin"}, "updated_on": fts(fixtureBase.Add(time.Hour)),
			"attachments": []any{map[string]any{"id": 6100, "filename": "rollback.png", "filesize": 100}},
		}})
	case p == "/projects/platform/wiki/Onboarding.json":
		writeJSON(w, map[string]any{"wiki_page": map[string]any{
			"title": "Onboarding", "parent": map[string]any{"title": "Runbook"}, "text": "Read the runbook first.",
			"version": 1, "updated_on": fts(fixtureBase.Add(2 * time.Hour)),
		}})
	case strings.HasPrefix(p, "/projects/mobile/"):
		http.NotFound(w, r)
	default:
		http.NotFound(w, r)
	}
}

func newUpstreamServer(t *testing.T, u *upstream) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(u)
	t.Cleanup(srv.Close)
	return srv
}
