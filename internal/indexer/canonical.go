package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/garnizeh/redmine-rag/internal/models"
	"github.com/garnizeh/redmine-rag/internal/textutil"
)

// document is the canonical rendering of one source before chunking.
type document struct {
	SourceType   string
	SourceID     string
	Text         string
	URL          string
	ProjectID    *int64
	IssueID      *int64
	JournalID    *int64
	WikiPageID   *int64
	AttachmentID *int64
	CreatedOn    *time.Time
	UpdatedOn    *time.Time
	Metadata     map[string]any
}

// metaBlock renders "Key: value" lines, skipping empty values, in the given order.
func metaBlock(pairs ...string) string {
	var b strings.Builder
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", pairs[i], pairs[i+1])
	}
	return strings.TrimSpace(b.String())
}

func joinSections(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n\n")
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func ptr[T any](v T) *T { return &v }

func id(n int64) string { return strconv.FormatInt(n, 10) }

func (ix *ChunkIndexer) url(path string) string {
	return strings.TrimRight(ix.baseURL, "/") + path
}

// render loads a source and builds its canonical document. A nil document
// means the source is gone or has no indexable text.
func (ix *ChunkIndexer) render(ctx context.Context, sourceType string, sid int64) (*document, error) {
	switch sourceType {
	case models.SourceIssue:
		return ix.renderIssue(ctx, sid)
	case models.SourceJournal:
		return ix.renderJournal(ctx, sid)
	case models.SourceWiki:
		return ix.renderWiki(ctx, sid)
	case models.SourceAttachment:
		return ix.renderAttachment(ctx, sid)
	case models.SourceTimeEntry:
		return ix.renderTimeEntry(ctx, sid)
	case models.SourceNews:
		return ix.renderNews(ctx, sid)
	case models.SourceDocument:
		return ix.renderDocument(ctx, sid)
	case models.SourceFile:
		return ix.renderFile(ctx, sid)
	case models.SourceMessage:
		return ix.renderMessage(ctx, sid)
	}
	return nil, fmt.Errorf("unknown source type %q", sourceType)
}

func (ix *ChunkIndexer) projectName(ctx context.Context, pid int64) string {
	p, err := ix.src.GetProject(ctx, pid)
	if err != nil || p == nil {
		return ""
	}
	return p.Name
}

func (ix *ChunkIndexer) renderIssue(ctx context.Context, sid int64) (*document, error) {
	is, err := ix.src.GetIssue(ctx, sid)
	if err != nil || is == nil {
		return nil, err
	}
	meta := metaBlock(
		"Project", ix.projectName(ctx, is.ProjectID),
		"Tracker", is.TrackerName,
		"Status", is.StatusName,
		"Priority", is.PriorityName,
		"Author", is.AuthorName,
		"Assignee", is.AssignedToName,
		"Category", is.CategoryName,
		"Target version", is.FixedVersionName,
		"Due date", is.DueDate,
	)
	text := joinSections(
		fmt.Sprintf("Issue #%d: %s", is.ID, is.Subject),
		textutil.ToMarkdown(is.Description),
		meta,
	)
	return &document{
		SourceType: models.SourceIssue, SourceID: id(is.ID), Text: text,
		URL:       ix.url("/issues/" + id(is.ID)),
		ProjectID: ptr(is.ProjectID), IssueID: ptr(is.ID),
		CreatedOn: utcPtr(&is.CreatedOn), UpdatedOn: utcPtr(&is.UpdatedOn),
		Metadata: map[string]any{
			"subject": is.Subject, "tracker_id": is.TrackerID, "status_id": is.StatusID,
			"priority_id": is.PriorityID, "is_private": is.IsPrivate,
		},
	}, nil
}

func renderDetails(ds []models.JournalDetail) string {
	var lines []string
	for _, d := range ds {
		old, nw := "none", "none"
		if d.OldValue != nil {
			old = *d.OldValue
		}
		if d.NewValue != nil {
			nw = *d.NewValue
		}
		lines = append(lines, fmt.Sprintf("Changed %s: %s -> %s", d.Name, old, nw))
	}
	return strings.Join(lines, "\n")
}

func (ix *ChunkIndexer) renderJournal(ctx context.Context, sid int64) (*document, error) {
	j, err := ix.src.GetJournal(ctx, sid)
	if err != nil || j == nil {
		return nil, err
	}
	if strings.TrimSpace(j.Notes) == "" && len(j.Details) == 0 {
		return nil, nil
	}
	is, err := ix.src.GetIssue(ctx, j.IssueID)
	if err != nil {
		return nil, err
	}
	var (
		head      = fmt.Sprintf("Comment on issue #%d", j.IssueID)
		projectID *int64
	)
	if is != nil {
		head += ": " + is.Subject
		projectID = ptr(is.ProjectID)
	}
	text := joinSections(head, textutil.ToMarkdown(j.Notes), renderDetails(j.Details), metaBlock("Author", j.UserName))
	return &document{
		SourceType: models.SourceJournal, SourceID: id(j.ID), Text: text,
		URL:       ix.url(fmt.Sprintf("/issues/%d#change-%d", j.IssueID, j.ID)),
		ProjectID: projectID, IssueID: ptr(j.IssueID), JournalID: ptr(j.ID),
		CreatedOn: utcPtr(&j.CreatedOn), UpdatedOn: utcPtr(&j.CreatedOn),
		Metadata: map[string]any{"private_notes": j.PrivateNotes, "detail_count": len(j.Details)},
	}, nil
}

func (ix *ChunkIndexer) renderWiki(ctx context.Context, sid int64) (*document, error) {
	w, err := ix.src.GetWikiPage(ctx, sid)
	if err != nil || w == nil {
		return nil, err
	}
	parent := ""
	if w.ParentTitle != nil {
		parent = *w.ParentTitle
	}
	text := joinSections(
		"Wiki: "+strings.ReplaceAll(w.Title, "_", " "),
		textutil.ToMarkdown(w.Content),
		metaBlock("Project", ix.projectName(ctx, w.ProjectID), "Parent", parent, "Version", strconv.Itoa(w.Version)),
	)
	u := w.URL
	if u == "" {
		u = ix.url("/wiki/" + w.Title)
	}
	return &document{
		SourceType: models.SourceWiki, SourceID: id(w.ID), Text: text, URL: u,
		ProjectID: ptr(w.ProjectID), WikiPageID: ptr(w.ID),
		CreatedOn: utcPtr(w.CreatedOn), UpdatedOn: utcPtr(w.UpdatedOn),
		Metadata: map[string]any{"title": w.Title, "version": w.Version},
	}, nil
}

func (ix *ChunkIndexer) renderAttachment(ctx context.Context, sid int64) (*document, error) {
	a, err := ix.src.GetAttachment(ctx, sid)
	if err != nil || a == nil {
		return nil, err
	}
	d := &document{
		SourceType: models.SourceAttachment, SourceID: id(a.ID),
		URL:       ix.url("/attachments/" + id(a.ID)),
		ProjectID: a.ProjectID, AttachmentID: ptr(a.ID),
		CreatedOn: utcPtr(a.CreatedOn), UpdatedOn: utcPtr(a.CreatedOn),
		Metadata: map[string]any{"filename": a.Filename, "content_type": a.ContentType, "filesize": a.Filesize},
	}
	owner := ""
	if a.Container != nil {
		owner = fmt.Sprintf("%s #%d", a.Container.Kind(), a.Container.ContainerID())
		d.Metadata["container_type"] = string(a.Container.Kind())
		d.Metadata["container_id"] = a.Container.ContainerID()
		switch c := a.Container.(type) {
		case models.IssueRef:
			d.IssueID = ptr(c.IssueID)
		case models.JournalRef:
			d.JournalID = ptr(c.JournalID)
		case models.WikiRef:
			d.WikiPageID = ptr(c.WikiPageID)
		}
	}
	d.Text = joinSections(
		"Attachment: "+a.Filename,
		a.Description,
		metaBlock("Attached to", owner, "Type", a.ContentType, "Size", humanize.Bytes(uint64(max(a.Filesize, 0))), "Author", a.AuthorName),
	)
	return d, nil
}

func (ix *ChunkIndexer) renderTimeEntry(ctx context.Context, sid int64) (*document, error) {
	te, err := ix.src.GetTimeEntry(ctx, sid)
	if err != nil || te == nil {
		return nil, err
	}
	issue := ""
	if te.IssueID != nil {
		issue = "#" + id(*te.IssueID)
	}
	d := &document{
		SourceType: models.SourceTimeEntry, SourceID: id(te.ID),
		URL:       ix.url("/time_entries/" + id(te.ID)),
		ProjectID: ptr(te.ProjectID), IssueID: te.IssueID,
		CreatedOn: utcPtr(te.CreatedOn), UpdatedOn: utcPtr(te.UpdatedOn),
		Metadata: map[string]any{"hours": te.Hours, "activity": te.ActivityName, "spent_on": te.SpentOn},
	}
	d.Text = joinSections(
		fmt.Sprintf("Time entry: %s hours", strconv.FormatFloat(te.Hours, 'f', -1, 64)),
		te.Comments,
		metaBlock("Issue", issue, "Activity", te.ActivityName, "User", te.UserName, "Spent on", te.SpentOn),
	)
	return d, nil
}

func (ix *ChunkIndexer) renderNews(ctx context.Context, sid int64) (*document, error) {
	n, err := ix.src.GetNews(ctx, sid)
	if err != nil || n == nil {
		return nil, err
	}
	return &document{
		SourceType: models.SourceNews, SourceID: id(n.ID),
		Text:      joinSections("News: "+n.Title, n.Summary, textutil.ToMarkdown(n.Description), metaBlock("Author", n.AuthorName)),
		URL:       ix.url("/news/" + id(n.ID)),
		ProjectID: ptr(n.ProjectID),
		CreatedOn: utcPtr(n.CreatedOn), UpdatedOn: utcPtr(n.CreatedOn),
		Metadata: map[string]any{"title": n.Title},
	}, nil
}

func (ix *ChunkIndexer) renderDocument(ctx context.Context, sid int64) (*document, error) {
	doc, err := ix.src.GetDocument(ctx, sid)
	if err != nil || doc == nil {
		return nil, err
	}
	return &document{
		SourceType: models.SourceDocument, SourceID: id(doc.ID),
		Text:      joinSections("Document: "+doc.Title, textutil.ToMarkdown(doc.Description), metaBlock("Category", doc.CategoryName)),
		URL:       ix.url("/documents/" + id(doc.ID)),
		ProjectID: ptr(doc.ProjectID),
		CreatedOn: utcPtr(doc.CreatedOn), UpdatedOn: utcPtr(doc.CreatedOn),
		Metadata: map[string]any{"title": doc.Title, "category": doc.CategoryName},
	}, nil
}

func (ix *ChunkIndexer) renderFile(ctx context.Context, sid int64) (*document, error) {
	f, err := ix.src.GetFile(ctx, sid)
	if err != nil || f == nil {
		return nil, err
	}
	return &document{
		SourceType: models.SourceFile, SourceID: id(f.ID),
		Text: joinSections("File: "+f.Filename, f.Description,
			metaBlock("Version", f.VersionName, "Type", f.ContentType, "Size", humanize.Bytes(uint64(max(f.Filesize, 0))), "Author", f.AuthorName)),
		URL:       ix.url("/attachments/" + id(f.ID)),
		ProjectID: ptr(f.ProjectID),
		CreatedOn: utcPtr(f.CreatedOn), UpdatedOn: utcPtr(f.CreatedOn),
		Metadata: map[string]any{"filename": f.Filename, "digest": f.Digest},
	}, nil
}

func (ix *ChunkIndexer) renderMessage(ctx context.Context, sid int64) (*document, error) {
	m, err := ix.src.GetMessage(ctx, sid)
	if err != nil || m == nil {
		return nil, err
	}
	topic := m.ID
	if m.ParentID != nil {
		topic = *m.ParentID
	}
	return &document{
		SourceType: models.SourceMessage, SourceID: id(m.ID),
		Text:      joinSections("Forum: "+m.Subject, textutil.ToMarkdown(m.Content), metaBlock("Author", m.AuthorName)),
		URL:       ix.url(fmt.Sprintf("/boards/%d/topics/%d", m.BoardID, topic)),
		ProjectID: ptr(m.ProjectID),
		CreatedOn: utcPtr(m.CreatedOn), UpdatedOn: utcPtr(m.UpdatedOn),
		Metadata: map[string]any{"board_id": m.BoardID, "subject": m.Subject},
	}, nil
}

func metadataJSON(m map[string]any) json.RawMessage {
	if len(m) == 0 {
		return json.RawMessage("{}")
	}
	b, err := json.Marshal(m)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}
