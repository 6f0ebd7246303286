package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/garnizeh/redmine-rag/internal/models"
	"github.com/garnizeh/redmine-rag/pkg/redmine"
	"github.com/garnizeh/redmine-rag/pkg/repository"
)

var issueIncludes = []string{"journals", "attachments"}

func (s *Syncer) runModule(ctx context.Context, c *cycle, module string) error {
	var err error
	switch module {
	case ModuleTrackers:
		err = s.syncTrackers(ctx, c)
	case ModuleIssueStatuses:
		err = s.syncIssueStatuses(ctx, c)
	case ModuleIssuePriorities:
		err = s.syncIssuePriorities(ctx, c)
	case ModuleUsers:
		err = s.syncUsers(ctx, c)
	case ModuleGroups:
		err = s.syncGroups(ctx, c)
	case ModuleProjects:
		err = s.syncProjects(ctx, c)
	case ModuleIssues:
		err = s.syncIssues(ctx, c)
	case ModuleTimeEntries:
		err = s.syncTimeEntries(ctx, c)
	case ModuleNews:
		err = s.syncNews(ctx, c)
	case ModuleDocuments:
		err = s.syncDocuments(ctx, c)
	case ModuleFiles:
		err = s.syncFiles(ctx, c)
	case ModuleBoards:
		err = s.syncBoards(ctx, c)
	case ModuleWiki:
		err = s.syncWiki(ctx, c)
	default:
		err = fmt.Errorf("%w: %s", ErrUnknownModule, module)
	}
	if err != nil {
		return err
	}
	// stamp last_success_at even when nothing new arrived
	return s.state.AdvanceCursor(ctx, module, c.scope, nil, s.now().UTC())
}

// page is one decoded upstream page ready for commit.
type page struct {
	items []gjson.Result
	raw   []json.RawMessage
}

// syncList pages through res; every page is committed and counted on its own.
func (s *Syncer) syncList(ctx context.Context, c *cycle, module, entityType string, res redmine.Resource, opts redmine.ListOptions,
	projectOf func(gjson.Result) *int64, normalize func(w repository.MirrorWriter, p page) (int, error), count *int) error {
	return s.up.ForEachPage(ctx, res, opts, func(rp *redmine.Page) error {
		fetched := s.now().UTC()
		b := &batch{}
		p := page{raw: rp.Items}
		for _, raw := range rp.Items {
			r := gjson.ParseBytes(raw)
			p.items = append(p.items, r)
			var pid *int64
			if projectOf != nil {
				pid = projectOf(r)
			}
			b.raw(entityType, r.Get("id").Int(), res.Path, pid, raw, updatedOn(r), fetched)
		}
		var n int
		err := s.commit(ctx, module, c.scope, b, func(w repository.MirrorWriter) error {
			var err error
			n, err = normalize(w, p)
			return err
		})
		if err != nil {
			return fmt.Errorf("%s page: %w", module, err)
		}
		*count += n
		return nil
	})
}

func projectRef(r gjson.Result) *int64 { return optInt(r, "project.id") }

func (s *Syncer) syncTrackers(ctx context.Context, c *cycle) error {
	return s.syncList(ctx, c, ModuleTrackers, "tracker", redmine.Trackers, redmine.ListOptions{}, nil,
		func(w repository.MirrorWriter, p page) (int, error) {
			out := make([]models.Tracker, len(p.items))
			for i, r := range p.items {
				out[i] = parseTracker(r)
			}
			return w.UpsertTrackers(ctx, out)
		}, &c.summary.TrackersSynced)
}

func (s *Syncer) syncIssueStatuses(ctx context.Context, c *cycle) error {
	return s.syncList(ctx, c, ModuleIssueStatuses, "issue_status", redmine.IssueStatuses, redmine.ListOptions{}, nil,
		func(w repository.MirrorWriter, p page) (int, error) {
			out := make([]models.IssueStatus, len(p.items))
			for i, r := range p.items {
				out[i] = parseIssueStatus(r)
			}
			return w.UpsertIssueStatuses(ctx, out)
		}, &c.summary.IssueStatusesSynced)
}

func (s *Syncer) syncIssuePriorities(ctx context.Context, c *cycle) error {
	return s.syncList(ctx, c, ModuleIssuePriorities, "issue_priority", redmine.IssuePriorities, redmine.ListOptions{}, nil,
		func(w repository.MirrorWriter, p page) (int, error) {
			out := make([]models.IssuePriority, len(p.items))
			for i, r := range p.items {
				out[i] = parseIssuePriority(r, i+1)
			}
			return w.UpsertIssuePriorities(ctx, out)
		}, &c.summary.IssuePrioritiesSynced)
}

func (s *Syncer) syncUsers(ctx context.Context, c *cycle) error {
	return s.syncList(ctx, c, ModuleUsers, "user", redmine.Users, redmine.ListOptions{}, nil,
		func(w repository.MirrorWriter, p page) (int, error) {
			out := make([]models.User, len(p.items))
			for i, r := range p.items {
				out[i] = parseUser(r)
			}
			return w.UpsertUsers(ctx, out)
		}, &c.summary.UsersSynced)
}

func (s *Syncer) syncGroups(ctx context.Context, c *cycle) error {
	return s.syncList(ctx, c, ModuleGroups, "group", redmine.Groups, redmine.ListOptions{Include: []string{"users"}}, nil,
		func(w repository.MirrorWriter, p page) (int, error) {
			out := make([]models.Group, len(p.items))
			for i, r := range p.items {
				out[i] = parseGroup(r)
			}
			return w.UpsertGroups(ctx, out)
		}, &c.summary.GroupsSynced)
}

func (s *Syncer) syncProjects(ctx context.Context, c *cycle) error {
	return s.syncList(ctx, c, ModuleProjects, "project", redmine.Projects, redmine.ListOptions{}, func(r gjson.Result) *int64 { return optInt(r, "id") },
		func(w repository.MirrorWriter, p page) (int, error) {
			var out []models.Project
			for _, r := range p.items {
				pr := parseProject(r)
				if len(c.req.ProjectIDs) > 0 && !slices.Contains(c.req.ProjectIDs, pr.ID) {
					continue
				}
				out = append(out, pr)
			}
			if len(out) == 0 {
				return 0, nil
			}
			return w.UpsertProjects(ctx, out)
		}, &c.summary.ProjectsSynced)
}

func (s *Syncer) syncIssues(ctx context.Context, c *cycle) error {
	since, err := s.since(ctx, ModuleIssues, c.scope)
	if err != nil {
		return err
	}
	opts := redmine.ListOptions{
		UpdatedSince: since,
		ProjectIDs:   c.req.ProjectIDs,
		AllStatuses:  true,
		Params:       map[string][]string{"sort": {"updated_on"}},
	}
	return s.up.ForEachPage(ctx, redmine.Issues, opts, func(rp *redmine.Page) error {
		fetched := s.now().UTC()
		b := &batch{}
		var (
			issues      []models.Issue
			journals    []models.Journal
			attachments []models.Attachment
		)
		for _, raw := range rp.Items {
			listed := gjson.ParseBytes(raw)
			iid := listed.Get("id").Int()
			b.raw("issue", iid, redmine.Issues.Path, projectRef(listed), raw, updatedOn(listed), fetched)

			detail, err := s.up.GetIssue(ctx, iid, issueIncludes...)
			if err != nil {
				return fmt.Errorf("issue %d detail: %w", iid, err)
			}
			r := gjson.ParseBytes(detail)
			b.raw("issue", iid, "/issues/"+strconv.FormatInt(iid, 10)+".json", projectRef(r), detail, updatedOn(r), fetched)

			is := parseIssue(r)
			issues = append(issues, is)
			c.touched.Add(models.SourceIssue, is.ID)
			for _, j := range r.Get("journals").Array() {
				jr := parseJournal(j, is.ID)
				journals = append(journals, jr)
				c.touched.Add(models.SourceJournal, jr.ID)
			}
			for _, a := range r.Get("attachments").Array() {
				at := parseAttachment(a, models.IssueRef{IssueID: is.ID}, &is.ProjectID)
				attachments = append(attachments, at)
				c.touched.Add(models.SourceAttachment, at.ID)
			}
		}
		var nIssues, nJournals, nAttachments int
		err := s.commit(ctx, ModuleIssues, c.scope, b, func(w repository.MirrorWriter) error {
			var err error
			if nIssues, err = w.UpsertIssues(ctx, issues); err != nil {
				return err
			}
			if nJournals, err = w.UpsertJournals(ctx, journals); err != nil {
				return err
			}
			nAttachments, err = w.UpsertAttachments(ctx, attachments)
			return err
		})
		if err != nil {
			return err
		}
		c.summary.IssuesSynced += nIssues
		c.summary.JournalsSynced += nJournals
		c.summary.AttachmentsSynced += nAttachments
		return nil
	})
}

func (s *Syncer) syncTimeEntries(ctx context.Context, c *cycle) error {
	since, err := s.since(ctx, ModuleTimeEntries, c.scope)
	if err != nil {
		return err
	}
	opts := redmine.ListOptions{
		UpdatedSince: since,
		ProjectIDs:   c.req.ProjectIDs,
		Params:       map[string][]string{"sort": {"updated_on"}},
	}
	return s.syncList(ctx, c, ModuleTimeEntries, "time_entry", redmine.TimeEntries, opts, projectRef,
		func(w repository.MirrorWriter, p page) (int, error) {
			out := make([]models.TimeEntry, len(p.items))
			for i, r := range p.items {
				out[i] = parseTimeEntry(r)
				c.touched.Add(models.SourceTimeEntry, out[i].ID)
			}
			return w.UpsertTimeEntries(ctx, out)
		}, &c.summary.TimeEntriesSynced)
}

func (s *Syncer) syncNews(ctx context.Context, c *cycle) error {
	opts := redmine.ListOptions{ProjectIDs: c.req.ProjectIDs}
	return s.syncList(ctx, c, ModuleNews, "news", redmine.News, opts, projectRef,
		func(w repository.MirrorWriter, p page) (int, error) {
			out := make([]models.News, len(p.items))
			for i, r := range p.items {
				out[i] = parseNews(r)
				c.touched.Add(models.SourceNews, out[i].ID)
			}
			return w.UpsertNews(ctx, out)
		}, &c.summary.NewsSynced)
}

// projects returns the locally mirrored projects in scope.
func (s *Syncer) projects(ctx context.Context, c *cycle) ([]models.Project, error) {
	all, err := s.src.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	if len(c.req.ProjectIDs) == 0 {
		return all, nil
	}
	var out []models.Project
	for _, p := range all {
		if slices.Contains(c.req.ProjectIDs, p.ID) {
			out = append(out, p)
		}
	}
	return out, nil
}

func ref(p models.Project) string {
	if p.Identifier != "" {
		return p.Identifier
	}
	return strconv.FormatInt(p.ID, 10)
}

// perProject runs fn for each project in scope. A 403 or 404 means the
// project has the module disabled and is skipped.
func (s *Syncer) perProject(ctx context.Context, c *cycle, module string, fn func(p models.Project) error) error {
	projects, err := s.projects(ctx, c)
	if err != nil {
		return err
	}
	for _, p := range projects {
		if err := fn(p); err != nil {
			if redmine.IsNotFound(err) || redmine.IsForbidden(err) {
				s.logger.Debug("sync module unavailable for project", slog.String("entity_type", module), slog.Int64("project_id", p.ID))
				continue
			}
			return fmt.Errorf("project %s: %w", ref(p), err)
		}
	}
	return nil
}

func (s *Syncer) syncDocuments(ctx context.Context, c *cycle) error {
	return s.perProject(ctx, c, ModuleDocuments, func(p models.Project) error {
		pid := p.ID
		return s.syncList(ctx, c, ModuleDocuments, "document", redmine.ProjectDocuments(ref(p)), redmine.ListOptions{},
			func(gjson.Result) *int64 { return &pid },
			func(w repository.MirrorWriter, pg page) (int, error) {
				out := make([]models.Document, len(pg.items))
				for i, r := range pg.items {
					out[i] = parseDocument(r, pid)
					c.touched.Add(models.SourceDocument, out[i].ID)
				}
				return w.UpsertDocuments(ctx, out)
			}, &c.summary.DocumentsSynced)
	})
}

func (s *Syncer) syncFiles(ctx context.Context, c *cycle) error {
	return s.perProject(ctx, c, ModuleFiles, func(p models.Project) error {
		pid := p.ID
		return s.syncList(ctx, c, ModuleFiles, "file", redmine.ProjectFiles(ref(p)), redmine.ListOptions{},
			func(gjson.Result) *int64 { return &pid },
			func(w repository.MirrorWriter, pg page) (int, error) {
				out := make([]models.File, len(pg.items))
				for i, r := range pg.items {
					out[i] = parseFile(r, pid)
					c.touched.Add(models.SourceFile, out[i].ID)
				}
				return w.UpsertFiles(ctx, out)
			}, &c.summary.FilesSynced)
	})
}

func (s *Syncer) syncBoards(ctx context.Context, c *cycle) error {
	return s.perProject(ctx, c, ModuleBoards, func(p models.Project) error {
		pid := p.ID
		var boards []int64
		err := s.syncList(ctx, c, ModuleBoards, "board", redmine.ProjectBoards(ref(p)), redmine.ListOptions{},
			func(gjson.Result) *int64 { return &pid },
			func(w repository.MirrorWriter, pg page) (int, error) {
				out := make([]models.Board, len(pg.items))
				for i, r := range pg.items {
					out[i] = parseBoard(r, pid)
					boards = append(boards, out[i].ID)
				}
				return w.UpsertBoards(ctx, out)
			}, &c.summary.BoardsSynced)
		if err != nil {
			return err
		}
		for _, bid := range boards {
			err := s.syncList(ctx, c, ModuleBoards, "message", redmine.BoardMessages(bid), redmine.ListOptions{},
				func(gjson.Result) *int64 { return &pid },
				func(w repository.MirrorWriter, pg page) (int, error) {
					out := make([]models.Message, len(pg.items))
					for i, r := range pg.items {
						out[i] = parseMessage(r, bid, pid)
						c.touched.Add(models.SourceMessage, out[i].ID)
					}
					return w.UpsertMessages(ctx, out)
				}, &c.summary.MessagesSynced)
			if err != nil && !redmine.IsNotFound(err) {
				return fmt.Errorf("board %d messages: %w", bid, err)
			}
		}
		return nil
	})
}

// syncWiki commits page by page and advances the wiki cursor once, after
// every listed page of every project is stored.
func (s *Syncer) syncWiki(ctx context.Context, c *cycle) error {
	since, err := s.since(ctx, ModuleWiki, c.scope)
	if err != nil {
		return err
	}
	seen := &batch{}
	err = s.perProject(ctx, c, ModuleWiki, func(p models.Project) error {
		var titles []string
		err := s.up.ForEachPage(ctx, redmine.WikiIndex(ref(p)), redmine.ListOptions{}, func(rp *redmine.Page) error {
			for _, raw := range rp.Items {
				r := gjson.ParseBytes(raw)
				if u := updatedOn(r); since != nil && u != nil && u.Before(*since) {
					continue
				}
				titles = append(titles, r.Get("title").String())
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, title := range titles {
			updated, err := s.syncWikiPage(ctx, c, p, title)
			if redmine.IsNotFound(err) {
				s.logger.Debug("wiki page vanished", slog.Int64("project_id", p.ID), slog.String("title", title))
				continue
			}
			if err != nil {
				return fmt.Errorf("wiki %q: %w", title, err)
			}
			seen.seen(updated)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.state.AdvanceCursor(ctx, ModuleWiki, c.scope, seen.maxSeen, s.now().UTC())
}

// syncWikiPage stores one page and returns its updated_on. The cursor is left
// to the caller.
func (s *Syncer) syncWikiPage(ctx context.Context, c *cycle, p models.Project, title string) (*time.Time, error) {
	raw, err := s.up.GetWikiPage(ctx, ref(p), title)
	if err != nil {
		return nil, err
	}
	fetched := s.now().UTC()
	r := gjson.ParseBytes(raw)
	page := parseWikiPage(r, p.ID, s.up.URL("/projects/"+ref(p)+"/wiki/"+title, nil))
	if page.Title == "" {
		page.Title = title
	}
	var nAttachments int
	err = s.commit(ctx, ModuleWiki, c.scope, &batch{}, func(w repository.MirrorWriter) error {
		if _, err := w.UpsertRawWikiPages(ctx, []models.RawWikiPage{{ProjectID: p.ID, Title: page.Title, Payload: raw, FetchedAt: fetched}}); err != nil {
			return err
		}
		wid, err := w.UpsertWikiPage(ctx, page)
		if err != nil {
			return err
		}
		c.touched.Add(models.SourceWiki, wid)
		var atts []models.Attachment
		for _, a := range r.Get("attachments").Array() {
			at := parseAttachment(a, models.WikiRef{WikiPageID: wid}, &p.ID)
			atts = append(atts, at)
			c.touched.Add(models.SourceAttachment, at.ID)
		}
		if len(atts) == 0 {
			return nil
		}
		nAttachments, err = w.UpsertAttachments(ctx, atts)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.summary.WikiPagesSynced++
	c.summary.AttachmentsSynced += nAttachments
	return updatedOn(r), nil
}
