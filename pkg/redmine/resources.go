package redmine

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Resource names a list endpoint and the envelope key holding its items.
type Resource struct {
	Path  string
	Key   string
	Paged bool
}

var (
	Projects        = Resource{Path: "/projects.json", Key: "projects", Paged: true}
	Users           = Resource{Path: "/users.json", Key: "users", Paged: true}
	Groups          = Resource{Path: "/groups.json", Key: "groups", Paged: true}
	Trackers        = Resource{Path: "/trackers.json", Key: "trackers"}
	IssueStatuses   = Resource{Path: "/issue_statuses.json", Key: "issue_statuses"}
	IssuePriorities = Resource{Path: "/enumerations/issue_priorities.json", Key: "issue_priorities"}
	Issues          = Resource{Path: "/issues.json", Key: "issues", Paged: true}
	TimeEntries     = Resource{Path: "/time_entries.json", Key: "time_entries", Paged: true}
	News            = Resource{Path: "/news.json", Key: "news", Paged: true}
)

// ProjectDocuments lists documents of the project identified by ref (id or identifier).
func ProjectDocuments(ref string) Resource {
	return Resource{Path: "/projects/" + url.PathEscape(ref) + "/documents.json", Key: "documents", Paged: true}
}

func ProjectFiles(ref string) Resource {
	return Resource{Path: "/projects/" + url.PathEscape(ref) + "/files.json", Key: "files", Paged: true}
}

func ProjectBoards(ref string) Resource {
	return Resource{Path: "/projects/" + url.PathEscape(ref) + "/boards.json", Key: "boards", Paged: true}
}

func BoardMessages(boardID int64) Resource {
	return Resource{Path: "/boards/" + strconv.FormatInt(boardID, 10) + "/messages.json", Key: "messages", Paged: true}
}

// WikiIndex lists the wiki page titles of a project. It is not paged upstream.
func WikiIndex(ref string) Resource {
	return Resource{Path: "/projects/" + url.PathEscape(ref) + "/wiki/index.json", Key: "wiki_pages"}
}

// ListOptions are the filters shared by list endpoints.
type ListOptions struct {
	UpdatedSince *time.Time
	ProjectIDs   []int64
	Include      []string
	// AllStatuses adds status_id=* so closed issues are listed too.
	AllStatuses bool
	Params      url.Values
}

func (o ListOptions) values() url.Values {
	q := url.Values{}
	for k, vs := range o.Params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	if o.UpdatedSince != nil {
		q.Set("updated_on", ">="+o.UpdatedSince.UTC().Format(time.RFC3339))
	}
	if len(o.ProjectIDs) > 0 {
		q.Set("project_id", joinIDs(o.ProjectIDs))
	}
	if len(o.Include) > 0 {
		q.Set("include", strings.Join(o.Include, ","))
	}
	if o.AllStatuses {
		q.Set("status_id", "*")
	}
	return q
}

// Page is one envelope of a list response. Items are the verbatim JSON
// documents under the resource key.
type Page struct {
	Items      []json.RawMessage
	TotalCount int
	Offset     int
	Limit      int
}

func decodePage(body []byte, key string) (*Page, error) {
	if !gjson.ValidBytes(body) {
		return nil, errorf("invalid JSON in %s envelope", key)
	}
	list := gjson.GetBytes(body, key)
	if !list.IsArray() {
		return nil, errorf("envelope has no %q array", key)
	}
	p := &Page{
		TotalCount: int(gjson.GetBytes(body, "total_count").Int()),
		Offset:     int(gjson.GetBytes(body, "offset").Int()),
		Limit:      int(gjson.GetBytes(body, "limit").Int()),
	}
	for _, it := range list.Array() {
		p.Items = append(p.Items, json.RawMessage(it.Raw))
	}
	if p.TotalCount == 0 && !gjson.GetBytes(body, "total_count").Exists() {
		p.TotalCount = p.Offset + len(p.Items)
	}
	return p, nil
}

// ListPage fetches a single page starting at offset.
func (c *Client) ListPage(ctx context.Context, res Resource, opts ListOptions, offset int) (*Page, error) {
	q := opts.values()
	if res.Paged {
		q.Set("offset", strconv.Itoa(offset))
		q.Set("limit", strconv.Itoa(c.cfg.PageLimit))
	}
	body, err := c.GetJSON(ctx, res.Path, q)
	if err != nil {
		return nil, err
	}
	return decodePage(body, res.Key)
}

// ForEachPage walks every page of res and calls fn once per page. Iteration
// stops at the reported total, on an empty or short page, or after MaxPages.
func (c *Client) ForEachPage(ctx context.Context, res Resource, opts ListOptions, fn func(*Page) error) error {
	offset := 0
	for page := 0; page < c.cfg.MaxPages; page++ {
		p, err := c.ListPage(ctx, res, opts, offset)
		if err != nil {
			return err
		}
		if len(p.Items) > 0 {
			if err := fn(p); err != nil {
				return err
			}
		}
		if !res.Paged || len(p.Items) == 0 {
			return nil
		}
		offset += len(p.Items)
		if offset >= p.TotalCount {
			return nil
		}
		if p.Limit > 0 && len(p.Items) < p.Limit {
			return nil
		}
	}
	logger.Warn("redmine: page cap reached", "path", res.Path, "max_pages", c.cfg.MaxPages)
	return nil
}

// GetIssue fetches one issue with the given include set (e.g. journals, attachments).
func (c *Client) GetIssue(ctx context.Context, id int64, include ...string) (json.RawMessage, error) {
	q := url.Values{}
	if len(include) > 0 {
		q.Set("include", strings.Join(include, ","))
	}
	body, err := c.GetJSON(ctx, "/issues/"+strconv.FormatInt(id, 10)+".json", q)
	if err != nil {
		return nil, err
	}
	return unwrap(body, "issue")
}

// GetWikiPage fetches projects/{ref}/wiki/{title}.json.
func (c *Client) GetWikiPage(ctx context.Context, projectRef, title string) (json.RawMessage, error) {
	body, err := c.GetJSON(ctx, "/projects/"+url.PathEscape(projectRef)+"/wiki/"+wikiTitle(title)+".json", url.Values{"include": {"attachments"}})
	if err != nil {
		return nil, err
	}
	return unwrap(body, "wiki_page")
}

func unwrap(body []byte, key string) (json.RawMessage, error) {
	r := gjson.GetBytes(body, key)
	if !r.IsObject() {
		return nil, errorf("response has no %q object", key)
	}
	return json.RawMessage(r.Raw), nil
}
