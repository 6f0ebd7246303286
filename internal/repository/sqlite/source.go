package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/garnizeh/redmine-rag/internal/models"
)

func (r *SQLiteRepo) ListProjects(ctx context.Context) ([]models.Project, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT id, identifier, name, description, is_public, parent_id, status, created_on, updated_on FROM projects ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (r *SQLiteRepo) GetProject(ctx context.Context, id int64) (*models.Project, error) {
	row := r.q.QueryRowContext(ctx, `SELECT id, identifier, name, description, is_public, parent_id, status, created_on, updated_on FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProject(s scanner) (*models.Project, error) {
	var (
		p                  models.Project
		isPublic           int
		parent             sql.NullInt64
		createdOn, updated sql.NullString
	)
	if err := s.Scan(&p.ID, &p.Identifier, &p.Name, &p.Description, &isPublic, &parent, &p.Status, &createdOn, &updated); err != nil {
		return nil, err
	}
	p.IsPublic = isPublic == 1
	p.ParentID = intPtr(parent)
	p.CreatedOn = parseNullTS(createdOn)
	p.UpdatedOn = parseNullTS(updated)
	return &p, nil
}

const issueCols = `id, project_id, tracker_id, tracker_name, status_id, status_name, priority_id, priority_name,
	subject, description, author_id, author_name, assigned_to_id, assigned_to_name, category_name, fixed_version_name,
	parent_id, start_date, due_date, done_ratio, estimated_hours, spent_hours, is_private, custom_fields,
	created_on, updated_on, closed_on`

func (r *SQLiteRepo) GetIssue(ctx context.Context, id int64) (*models.Issue, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+issueCols+` FROM issues WHERE id = ?`, id)
	var (
		x                           models.Issue
		tracker, status, priority   sql.NullInt64
		author, assignee, parent    sql.NullInt64
		start, due                  sql.NullString
		estimated, spent            sql.NullFloat64
		private                     int
		custom                      string
		createdOn, updatedOn, closd sql.NullString
	)
	err := row.Scan(&x.ID, &x.ProjectID, &tracker, &x.TrackerName, &status, &x.StatusName, &priority, &x.PriorityName,
		&x.Subject, &x.Description, &author, &x.AuthorName, &assignee, &x.AssignedToName, &x.CategoryName, &x.FixedVersionName,
		&parent, &start, &due, &x.DoneRatio, &estimated, &spent, &private, &custom,
		&createdOn, &updatedOn, &closd)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get issue %d: %w", id, err)
	}
	x.TrackerID = tracker.Int64
	x.StatusID = status.Int64
	x.PriorityID = priority.Int64
	x.AuthorID = intPtr(author)
	x.AssignedToID = intPtr(assignee)
	x.ParentID = intPtr(parent)
	x.StartDate = start.String
	x.DueDate = due.String
	x.EstimatedHours = floatPtr(estimated)
	x.SpentHours = floatPtr(spent)
	x.IsPrivate = private == 1
	x.CustomFields = json.RawMessage(custom)
	x.CreatedOn = parseTS(createdOn.String)
	x.UpdatedOn = parseTS(updatedOn.String)
	x.ClosedOn = parseNullTS(closd)
	return &x, nil
}

func (r *SQLiteRepo) ListIssueIDs(ctx context.Context) ([]int64, error) {
	return r.listIDs(ctx, `SELECT id FROM issues ORDER BY id`)
}

func (r *SQLiteRepo) listIDs(ctx context.Context, q string, args ...any) ([]int64, error) {
	rows, err := r.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list ids: %w", err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

const journalCols = `id, issue_id, user_id, user_name, notes, private_notes, details, created_on`

func scanJournal(s scanner) (*models.Journal, error) {
	var (
		j       models.Journal
		user    sql.NullInt64
		private int
		details string
		created string
	)
	if err := s.Scan(&j.ID, &j.IssueID, &user, &j.UserName, &j.Notes, &private, &details, &created); err != nil {
		return nil, err
	}
	j.UserID = intPtr(user)
	j.PrivateNotes = private == 1
	j.CreatedOn = parseTS(created)
	var doc journalDetailsDoc
	if err := json.Unmarshal([]byte(details), &doc); err != nil {
		return nil, fmt.Errorf("decode journal %d details: %w", j.ID, err)
	}
	j.Details = doc.Items
	return &j, nil
}

// ListJournals returns the journals of one issue ordered by (created_on, id).
func (r *SQLiteRepo) ListJournals(ctx context.Context, issueID int64) ([]models.Journal, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+journalCols+` FROM journals WHERE issue_id = ? ORDER BY created_on, id`, issueID)
	if err != nil {
		return nil, fmt.Errorf("list journals: %w", err)
	}
	defer rows.Close()
	var out []models.Journal
	for rows.Next() {
		j, err := scanJournal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (r *SQLiteRepo) GetJournal(ctx context.Context, id int64) (*models.Journal, error) {
	j, err := scanJournal(r.q.QueryRowContext(ctx, `SELECT `+journalCols+` FROM journals WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

func (r *SQLiteRepo) ListIssueStatuses(ctx context.Context) ([]models.IssueStatus, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT id, name, is_closed, is_default FROM issue_statuses ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list issue statuses: %w", err)
	}
	defer rows.Close()
	var out []models.IssueStatus
	for rows.Next() {
		var (
			s                 models.IssueStatus
			closed, isDefault int
		)
		if err := rows.Scan(&s.ID, &s.Name, &closed, &isDefault); err != nil {
			return nil, err
		}
		s.IsClosed = closed == 1
		s.IsDefault = isDefault == 1
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *SQLiteRepo) GetAttachment(ctx context.Context, id int64) (*models.Attachment, error) {
	row := r.q.QueryRowContext(ctx, `SELECT id, container_type, container_id, project_id, filename, filesize, content_type,
		description, content_url, author_name, created_on FROM attachments WHERE id = ?`, id)
	var (
		a       models.Attachment
		kind    string
		cid     int64
		project sql.NullInt64
		created sql.NullString
	)
	if err := row.Scan(&a.ID, &kind, &cid, &project, &a.Filename, &a.Filesize, &a.ContentType, &a.Description,
		&a.ContentURL, &a.AuthorName, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get attachment %d: %w", id, err)
	}
	c, ok := models.NewContainer(models.ContainerKind(kind), cid)
	if !ok {
		return nil, fmt.Errorf("attachment %d: unknown container type %q", id, kind)
	}
	a.Container = c
	a.ProjectID = intPtr(project)
	a.CreatedOn = parseNullTS(created)
	return &a, nil
}

func (r *SQLiteRepo) GetWikiPage(ctx context.Context, id int64) (*models.WikiPage, error) {
	row := r.q.QueryRowContext(ctx, `SELECT id, project_id, title, parent_title, content, version, author_id, author_name,
		comments, created_on, updated_on, url FROM wiki_pages WHERE id = ?`, id)
	var (
		p                  models.WikiPage
		parent             sql.NullString
		author             sql.NullInt64
		createdOn, updated sql.NullString
	)
	if err := row.Scan(&p.ID, &p.ProjectID, &p.Title, &parent, &p.Content, &p.Version, &author, &p.AuthorName,
		&p.Comments, &createdOn, &updated, &p.URL); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get wiki page %d: %w", id, err)
	}
	p.ParentTitle = strPtr(parent)
	p.AuthorID = intPtr(author)
	p.CreatedOn = parseNullTS(createdOn)
	p.UpdatedOn = parseNullTS(updated)
	return &p, nil
}

func (r *SQLiteRepo) GetTimeEntry(ctx context.Context, id int64) (*models.TimeEntry, error) {
	row := r.q.QueryRowContext(ctx, `SELECT id, project_id, issue_id, user_id, user_name, activity_id, activity_name, hours,
		comments, spent_on, created_on, updated_on FROM time_entries WHERE id = ?`, id)
	var (
		e                       models.TimeEntry
		issue, user, activity   sql.NullInt64
		spent, created, updated sql.NullString
	)
	if err := row.Scan(&e.ID, &e.ProjectID, &issue, &user, &e.UserName, &activity, &e.ActivityName, &e.Hours,
		&e.Comments, &spent, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get time entry %d: %w", id, err)
	}
	e.IssueID = intPtr(issue)
	e.UserID = intPtr(user)
	e.ActivityID = intPtr(activity)
	e.SpentOn = spent.String
	e.CreatedOn = parseNullTS(created)
	e.UpdatedOn = parseNullTS(updated)
	return &e, nil
}

func (r *SQLiteRepo) GetNews(ctx context.Context, id int64) (*models.News, error) {
	row := r.q.QueryRowContext(ctx, `SELECT id, project_id, title, summary, description, author_id, author_name, created_on FROM news WHERE id = ?`, id)
	var (
		n       models.News
		author  sql.NullInt64
		created sql.NullString
	)
	if err := row.Scan(&n.ID, &n.ProjectID, &n.Title, &n.Summary, &n.Description, &author, &n.AuthorName, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get news %d: %w", id, err)
	}
	n.AuthorID = intPtr(author)
	n.CreatedOn = parseNullTS(created)
	return &n, nil
}

func (r *SQLiteRepo) GetDocument(ctx context.Context, id int64) (*models.Document, error) {
	row := r.q.QueryRowContext(ctx, `SELECT id, project_id, category_id, category_name, title, description, created_on FROM documents WHERE id = ?`, id)
	var (
		d        models.Document
		category sql.NullInt64
		created  sql.NullString
	)
	if err := row.Scan(&d.ID, &d.ProjectID, &category, &d.CategoryName, &d.Title, &d.Description, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get document %d: %w", id, err)
	}
	d.CategoryID = intPtr(category)
	d.CreatedOn = parseNullTS(created)
	return &d, nil
}

func (r *SQLiteRepo) GetFile(ctx context.Context, id int64) (*models.File, error) {
	row := r.q.QueryRowContext(ctx, `SELECT id, project_id, filename, filesize, content_type, description, content_url, digest,
		version_name, author_name, created_on FROM files WHERE id = ?`, id)
	var (
		f       models.File
		created sql.NullString
	)
	if err := row.Scan(&f.ID, &f.ProjectID, &f.Filename, &f.Filesize, &f.ContentType, &f.Description, &f.ContentURL,
		&f.Digest, &f.VersionName, &f.AuthorName, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get file %d: %w", id, err)
	}
	f.CreatedOn = parseNullTS(created)
	return &f, nil
}

func (r *SQLiteRepo) GetMessage(ctx context.Context, id int64) (*models.Message, error) {
	row := r.q.QueryRowContext(ctx, `SELECT id, board_id, project_id, parent_id, subject, content, author_id, author_name,
		replies_count, locked, sticky, created_on, updated_on FROM messages WHERE id = ?`, id)
	var (
		m                models.Message
		parent, author   sql.NullInt64
		locked, sticky   int
		created, updated sql.NullString
	)
	if err := row.Scan(&m.ID, &m.BoardID, &m.ProjectID, &parent, &m.Subject, &m.Content, &author, &m.AuthorName,
		&m.RepliesCount, &locked, &sticky, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get message %d: %w", id, err)
	}
	m.ParentID = intPtr(parent)
	m.AuthorID = intPtr(author)
	m.Locked = locked == 1
	m.Sticky = sticky == 1
	m.CreatedOn = parseNullTS(created)
	m.UpdatedOn = parseNullTS(updated)
	return &m, nil
}

var sourceTables = map[string]string{
	models.SourceIssue:      "issues",
	models.SourceJournal:    "journals",
	models.SourceWiki:       "wiki_pages",
	models.SourceAttachment: "attachments",
	models.SourceTimeEntry:  "time_entries",
	models.SourceNews:       "news",
	models.SourceDocument:   "documents",
	models.SourceFile:       "files",
	models.SourceMessage:    "messages",
}

func (r *SQLiteRepo) ListSourceIDs(ctx context.Context, sourceType string) ([]int64, error) {
	table, ok := sourceTables[sourceType]
	if !ok {
		return nil, fmt.Errorf("unknown source type %q", sourceType)
	}
	return r.listIDs(ctx, `SELECT id FROM `+table+` ORDER BY id`)
}
