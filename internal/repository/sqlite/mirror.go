package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/garnizeh/redmine-rag/internal/models"
)

// upsertEach executes stmt once per item inside one transaction.
func (r *SQLiteRepo) upsertEach(ctx context.Context, what string, n int, stmt string, args func(i int) []any) (int, error) {
	if n == 0 {
		return 0, nil
	}
	err := r.tx(ctx, func(q querier) error {
		for i := range n {
			if _, err := q.ExecContext(ctx, stmt, args(i)...); err != nil {
				return fmt.Errorf("upsert %s: %w", what, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (r *SQLiteRepo) UpsertRawEntities(ctx context.Context, raws []models.RawEntity) (int, error) {
	const q = `INSERT INTO raw_entities (entity_type, entity_id, endpoint, project_id, payload, updated_on, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id, endpoint) DO UPDATE SET
			project_id = excluded.project_id, payload = excluded.payload,
			updated_on = excluded.updated_on, fetched_at = excluded.fetched_at`
	return r.upsertEach(ctx, "raw_entities", len(raws), q, func(i int) []any {
		e := raws[i]
		return []any{e.EntityType, e.EntityID, e.Endpoint, nullInt(e.ProjectID), jsonOr(e.Payload, "{}"), tsPtr(e.UpdatedOn), ts(e.FetchedAt)}
	})
}

func (r *SQLiteRepo) UpsertRawWikiPages(ctx context.Context, raws []models.RawWikiPage) (int, error) {
	const q = `INSERT INTO raw_wiki_pages (project_id, title, payload, fetched_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(project_id, title) DO UPDATE SET payload = excluded.payload, fetched_at = excluded.fetched_at`
	return r.upsertEach(ctx, "raw_wiki_pages", len(raws), q, func(i int) []any {
		e := raws[i]
		return []any{e.ProjectID, e.Title, jsonOr(e.Payload, "{}"), ts(e.FetchedAt)}
	})
}

func (r *SQLiteRepo) UpsertProjects(ctx context.Context, ps []models.Project) (int, error) {
	const q = `INSERT INTO projects (id, identifier, name, description, is_public, parent_id, status, created_on, updated_on, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			identifier = excluded.identifier, name = excluded.name, description = excluded.description,
			is_public = excluded.is_public, parent_id = excluded.parent_id, status = excluded.status,
			created_on = excluded.created_on, updated_on = excluded.updated_on, updated_at = excluded.updated_at`
	n := now()
	return r.upsertEach(ctx, "projects", len(ps), q, func(i int) []any {
		p := ps[i]
		return []any{p.ID, p.Identifier, p.Name, p.Description, boolInt(p.IsPublic), nullInt(p.ParentID), p.Status, tsPtr(p.CreatedOn), tsPtr(p.UpdatedOn), n, n}
	})
}

func (r *SQLiteRepo) UpsertUsers(ctx context.Context, us []models.User) (int, error) {
	const q = `INSERT INTO users (id, login, firstname, lastname, mail, admin, status, created_on, updated_on, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			login = excluded.login, firstname = excluded.firstname, lastname = excluded.lastname,
			mail = excluded.mail, admin = excluded.admin, status = excluded.status,
			created_on = excluded.created_on, updated_on = excluded.updated_on, updated_at = excluded.updated_at`
	n := now()
	return r.upsertEach(ctx, "users", len(us), q, func(i int) []any {
		u := us[i]
		return []any{u.ID, u.Login, u.Firstname, u.Lastname, u.Mail, boolInt(u.Admin), u.Status, tsPtr(u.CreatedOn), tsPtr(u.UpdatedOn), n, n}
	})
}

func (r *SQLiteRepo) UpsertGroups(ctx context.Context, gs []models.Group) (int, error) {
	const q = `INSERT INTO groups (id, name, users_json, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, users_json = excluded.users_json, updated_at = excluded.updated_at`
	n := now()
	return r.upsertEach(ctx, "groups", len(gs), q, func(i int) []any {
		g := gs[i]
		ids := g.UserIDs
		if ids == nil {
			ids = []int64{}
		}
		b, _ := json.Marshal(ids)
		return []any{g.ID, g.Name, string(b), n, n}
	})
}

func (r *SQLiteRepo) UpsertTrackers(ctx context.Context, trs []models.Tracker) (int, error) {
	const q = `INSERT INTO trackers (id, name, default_status_id, description, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, default_status_id = excluded.default_status_id,
			description = excluded.description, updated_at = excluded.updated_at`
	n := now()
	return r.upsertEach(ctx, "trackers", len(trs), q, func(i int) []any {
		t := trs[i]
		return []any{t.ID, t.Name, nullInt(t.DefaultStatusID), t.Description, n, n}
	})
}

func (r *SQLiteRepo) UpsertIssueStatuses(ctx context.Context, ss []models.IssueStatus) (int, error) {
	const q = `INSERT INTO issue_statuses (id, name, is_closed, is_default, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, is_closed = excluded.is_closed,
			is_default = excluded.is_default, updated_at = excluded.updated_at`
	n := now()
	return r.upsertEach(ctx, "issue_statuses", len(ss), q, func(i int) []any {
		s := ss[i]
		return []any{s.ID, s.Name, boolInt(s.IsClosed), boolInt(s.IsDefault), n, n}
	})
}

func (r *SQLiteRepo) UpsertIssuePriorities(ctx context.Context, ps []models.IssuePriority) (int, error) {
	const q = `INSERT INTO issue_priorities (id, name, position, is_default, active, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, position = excluded.position,
			is_default = excluded.is_default, active = excluded.active, updated_at = excluded.updated_at`
	n := now()
	return r.upsertEach(ctx, "issue_priorities", len(ps), q, func(i int) []any {
		p := ps[i]
		return []any{p.ID, p.Name, p.Position, boolInt(p.IsDefault), boolInt(p.Active), n, n}
	})
}

func (r *SQLiteRepo) UpsertIssues(ctx context.Context, is []models.Issue) (int, error) {
	const q = `INSERT INTO issues (id, project_id, tracker_id, tracker_name, status_id, status_name, priority_id, priority_name,
			subject, description, author_id, author_name, assigned_to_id, assigned_to_name, category_name, fixed_version_name,
			parent_id, start_date, due_date, done_ratio, estimated_hours, spent_hours, is_private, custom_fields,
			created_on, updated_on, closed_on, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_id = excluded.project_id, tracker_id = excluded.tracker_id, tracker_name = excluded.tracker_name,
			status_id = excluded.status_id, status_name = excluded.status_name,
			priority_id = excluded.priority_id, priority_name = excluded.priority_name,
			subject = excluded.subject, description = excluded.description,
			author_id = excluded.author_id, author_name = excluded.author_name,
			assigned_to_id = excluded.assigned_to_id, assigned_to_name = excluded.assigned_to_name,
			category_name = excluded.category_name, fixed_version_name = excluded.fixed_version_name,
			parent_id = excluded.parent_id, start_date = excluded.start_date, due_date = excluded.due_date,
			done_ratio = excluded.done_ratio, estimated_hours = excluded.estimated_hours, spent_hours = excluded.spent_hours,
			is_private = excluded.is_private, custom_fields = excluded.custom_fields,
			created_on = excluded.created_on, updated_on = excluded.updated_on, closed_on = excluded.closed_on,
			updated_at = excluded.updated_at`
	n := now()
	return r.upsertEach(ctx, "issues", len(is), q, func(i int) []any {
		x := is[i]
		var start, due any
		if x.StartDate != "" {
			start = x.StartDate
		}
		if x.DueDate != "" {
			due = x.DueDate
		}
		return []any{x.ID, x.ProjectID, x.TrackerID, x.TrackerName, x.StatusID, x.StatusName, x.PriorityID, x.PriorityName,
			x.Subject, x.Description, nullInt(x.AuthorID), x.AuthorName, nullInt(x.AssignedToID), x.AssignedToName,
			x.CategoryName, x.FixedVersionName, nullInt(x.ParentID), start, due, x.DoneRatio,
			nullFloat(x.EstimatedHours), nullFloat(x.SpentHours), boolInt(x.IsPrivate), jsonOr(x.CustomFields, "[]"),
			ts(x.CreatedOn), ts(x.UpdatedOn), tsPtr(x.ClosedOn), n, n}
	})
}

type journalDetailsDoc struct {
	Items []models.JournalDetail `json:"items"`
}

func (r *SQLiteRepo) UpsertJournals(ctx context.Context, js []models.Journal) (int, error) {
	const q = `INSERT INTO journals (id, issue_id, user_id, user_name, notes, private_notes, details, created_on, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			issue_id = excluded.issue_id, user_id = excluded.user_id, user_name = excluded.user_name,
			notes = excluded.notes, private_notes = excluded.private_notes, details = excluded.details,
			created_on = excluded.created_on, updated_at = excluded.updated_at`
	n := now()
	return r.upsertEach(ctx, "journals", len(js), q, func(i int) []any {
		j := js[i]
		items := j.Details
		if items == nil {
			items = []models.JournalDetail{}
		}
		b, _ := json.Marshal(journalDetailsDoc{Items: items})
		return []any{j.ID, j.IssueID, nullInt(j.UserID), j.UserName, j.Notes, boolInt(j.PrivateNotes), string(b), ts(j.CreatedOn), n, n}
	})
}

// containerColumns returns the seven explicit foreign-id columns with exactly
// the one matching c populated.
func containerColumns(c models.Container) [7]any {
	var cols [7]any
	switch v := c.(type) {
	case models.IssueRef:
		cols[0] = v.IssueID
	case models.JournalRef:
		cols[1] = v.JournalID
	case models.WikiRef:
		cols[2] = v.WikiPageID
	case models.TimeEntryRef:
		cols[3] = v.TimeEntryID
	case models.NewsRef:
		cols[4] = v.NewsID
	case models.DocumentRef:
		cols[5] = v.DocumentID
	case models.MessageRef:
		cols[6] = v.MessageID
	}
	return cols
}

func (r *SQLiteRepo) UpsertAttachments(ctx context.Context, as []models.Attachment) (int, error) {
	for _, a := range as {
		if a.Container == nil {
			return 0, fmt.Errorf("attachment %d has no container", a.ID)
		}
	}
	const q = `INSERT INTO attachments (id, container_type, container_id, issue_id, journal_id, wiki_page_id, time_entry_id,
			news_id, document_id, message_id, project_id, filename, filesize, content_type, description, content_url,
			author_name, created_on, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			container_type = excluded.container_type, container_id = excluded.container_id,
			issue_id = excluded.issue_id, journal_id = excluded.journal_id, wiki_page_id = excluded.wiki_page_id,
			time_entry_id = excluded.time_entry_id, news_id = excluded.news_id, document_id = excluded.document_id,
			message_id = excluded.message_id, project_id = excluded.project_id, filename = excluded.filename,
			filesize = excluded.filesize, content_type = excluded.content_type, description = excluded.description,
			content_url = excluded.content_url, author_name = excluded.author_name, created_on = excluded.created_on,
			updated_at = excluded.updated_at`
	n := now()
	return r.upsertEach(ctx, "attachments", len(as), q, func(i int) []any {
		a := as[i]
		c := containerColumns(a.Container)
		return []any{a.ID, string(a.Container.Kind()), a.Container.ContainerID(), c[0], c[1], c[2], c[3], c[4], c[5], c[6],
			nullInt(a.ProjectID), a.Filename, a.Filesize, a.ContentType, a.Description, a.ContentURL, a.AuthorName,
			tsPtr(a.CreatedOn), n, n}
	})
}

func (r *SQLiteRepo) UpsertTimeEntries(ctx context.Context, es []models.TimeEntry) (int, error) {
	const q = `INSERT INTO time_entries (id, project_id, issue_id, user_id, user_name, activity_id, activity_name, hours,
			comments, spent_on, created_on, updated_on, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_id = excluded.project_id, issue_id = excluded.issue_id, user_id = excluded.user_id,
			user_name = excluded.user_name, activity_id = excluded.activity_id, activity_name = excluded.activity_name,
			hours = excluded.hours, comments = excluded.comments, spent_on = excluded.spent_on,
			created_on = excluded.created_on, updated_on = excluded.updated_on, updated_at = excluded.updated_at`
	n := now()
	return r.upsertEach(ctx, "time_entries", len(es), q, func(i int) []any {
		e := es[i]
		var spent any
		if e.SpentOn != "" {
			spent = e.SpentOn
		}
		return []any{e.ID, e.ProjectID, nullInt(e.IssueID), nullInt(e.UserID), e.UserName, nullInt(e.ActivityID), e.ActivityName,
			e.Hours, e.Comments, spent, tsPtr(e.CreatedOn), tsPtr(e.UpdatedOn), n, n}
	})
}

func (r *SQLiteRepo) UpsertNews(ctx context.Context, ns []models.News) (int, error) {
	const q = `INSERT INTO news (id, project_id, title, summary, description, author_id, author_name, created_on, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_id = excluded.project_id, title = excluded.title, summary = excluded.summary,
			description = excluded.description, author_id = excluded.author_id, author_name = excluded.author_name,
			created_on = excluded.created_on, updated_at = excluded.updated_at`
	n := now()
	return r.upsertEach(ctx, "news", len(ns), q, func(i int) []any {
		x := ns[i]
		return []any{x.ID, x.ProjectID, x.Title, x.Summary, x.Description, nullInt(x.AuthorID), x.AuthorName, tsPtr(x.CreatedOn), n, n}
	})
}

func (r *SQLiteRepo) UpsertDocuments(ctx context.Context, ds []models.Document) (int, error) {
	const q = `INSERT INTO documents (id, project_id, category_id, category_name, title, description, created_on, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_id = excluded.project_id, category_id = excluded.category_id, category_name = excluded.category_name,
			title = excluded.title, description = excluded.description, created_on = excluded.created_on,
			updated_at = excluded.updated_at`
	n := now()
	return r.upsertEach(ctx, "documents", len(ds), q, func(i int) []any {
		d := ds[i]
		return []any{d.ID, d.ProjectID, nullInt(d.CategoryID), d.CategoryName, d.Title, d.Description, tsPtr(d.CreatedOn), n, n}
	})
}

func (r *SQLiteRepo) UpsertFiles(ctx context.Context, fs []models.File) (int, error) {
	const q = `INSERT INTO files (id, project_id, filename, filesize, content_type, description, content_url, digest,
			version_name, author_name, created_on, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_id = excluded.project_id, filename = excluded.filename, filesize = excluded.filesize,
			content_type = excluded.content_type, description = excluded.description, content_url = excluded.content_url,
			digest = excluded.digest, version_name = excluded.version_name, author_name = excluded.author_name,
			created_on = excluded.created_on, updated_at = excluded.updated_at`
	n := now()
	return r.upsertEach(ctx, "files", len(fs), q, func(i int) []any {
		f := fs[i]
		return []any{f.ID, f.ProjectID, f.Filename, f.Filesize, f.ContentType, f.Description, f.ContentURL, f.Digest,
			f.VersionName, f.AuthorName, tsPtr(f.CreatedOn), n, n}
	})
}

func (r *SQLiteRepo) UpsertBoards(ctx context.Context, bs []models.Board) (int, error) {
	const q = `INSERT INTO boards (id, project_id, name, description, position, topics_count, messages_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_id = excluded.project_id, name = excluded.name, description = excluded.description,
			position = excluded.position, topics_count = excluded.topics_count, messages_count = excluded.messages_count,
			updated_at = excluded.updated_at`
	n := now()
	return r.upsertEach(ctx, "boards", len(bs), q, func(i int) []any {
		b := bs[i]
		return []any{b.ID, b.ProjectID, b.Name, b.Description, b.Position, b.TopicsCount, b.MessagesCount, n, n}
	})
}

func (r *SQLiteRepo) UpsertMessages(ctx context.Context, ms []models.Message) (int, error) {
	const q = `INSERT INTO messages (id, board_id, project_id, parent_id, subject, content, author_id, author_name,
			replies_count, locked, sticky, created_on, updated_on, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			board_id = excluded.board_id, project_id = excluded.project_id, parent_id = excluded.parent_id,
			subject = excluded.subject, content = excluded.content, author_id = excluded.author_id,
			author_name = excluded.author_name, replies_count = excluded.replies_count, locked = excluded.locked,
			sticky = excluded.sticky, created_on = excluded.created_on, updated_on = excluded.updated_on,
			updated_at = excluded.updated_at`
	n := now()
	return r.upsertEach(ctx, "messages", len(ms), q, func(i int) []any {
		m := ms[i]
		return []any{m.ID, m.BoardID, m.ProjectID, nullInt(m.ParentID), m.Subject, m.Content, nullInt(m.AuthorID), m.AuthorName,
			m.RepliesCount, boolInt(m.Locked), boolInt(m.Sticky), tsPtr(m.CreatedOn), tsPtr(m.UpdatedOn), n, n}
	})
}

func (r *SQLiteRepo) UpsertWikiPage(ctx context.Context, p models.WikiPage) (int64, error) {
	const upsertPage = `INSERT INTO wiki_pages (project_id, title, parent_title, content, version, author_id, author_name,
			comments, created_on, updated_on, url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, title) DO UPDATE SET
			parent_title = excluded.parent_title, content = excluded.content, version = excluded.version,
			author_id = excluded.author_id, author_name = excluded.author_name, comments = excluded.comments,
			created_on = excluded.created_on, updated_on = excluded.updated_on, url = excluded.url,
			updated_at = excluded.updated_at
		RETURNING id`
	const insertVersion = `INSERT INTO wiki_versions (wiki_page_id, version, content, author_name, comments, updated_on, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(wiki_page_id, version) DO NOTHING`

	var id int64
	err := r.tx(ctx, func(q querier) error {
		n := now()
		row := q.QueryRowContext(ctx, upsertPage, p.ProjectID, p.Title, nullStr(p.ParentTitle), p.Content, p.Version,
			nullInt(p.AuthorID), p.AuthorName, p.Comments, tsPtr(p.CreatedOn), tsPtr(p.UpdatedOn), p.URL, n, n)
		if err := row.Scan(&id); err != nil {
			return fmt.Errorf("upsert wiki page %q: %w", p.Title, err)
		}
		if _, err := q.ExecContext(ctx, insertVersion, id, p.Version, p.Content, p.AuthorName, p.Comments, tsPtr(p.UpdatedOn), n); err != nil {
			return fmt.Errorf("insert wiki version %q v%d: %w", p.Title, p.Version, err)
		}
		return nil
	})
	return id, err
}

var countedTables = []string{
	"projects", "users", "groups", "trackers", "issue_statuses", "issue_priorities", "issues", "journals",
	"attachments", "time_entries", "news", "documents", "files", "boards", "messages", "wiki_pages",
	"wiki_versions", "raw_entities", "raw_wiki_pages", "doc_chunks",
}

// TableCounts returns the row count of every mirrored table.
func (r *SQLiteRepo) TableCounts(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64, len(countedTables))
	for _, t := range countedTables {
		var n int64
		if err := r.q.QueryRowContext(ctx, `SELECT COUNT(1) FROM `+t).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", t, err)
		}
		out[t] = n
	}
	return out, nil
}
