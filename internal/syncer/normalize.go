package syncer

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/garnizeh/redmine-rag/internal/models"
)

// Field accessors over verbatim upstream payloads. Missing fields decode to
// zero values; optional references decode to nil.

func optInt(r gjson.Result, path string) *int64 {
	v := r.Get(path)
	if !v.Exists() || v.Type == gjson.Null {
		return nil
	}
	n := v.Int()
	return &n
}

func optFloat(r gjson.Result, path string) *float64 {
	v := r.Get(path)
	if !v.Exists() || v.Type == gjson.Null {
		return nil
	}
	f := v.Float()
	return &f
}

func optString(r gjson.Result, path string) *string {
	v := r.Get(path)
	if !v.Exists() || v.Type == gjson.Null {
		return nil
	}
	s := v.String()
	return &s
}

func parseTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05Z0700", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			u := t.UTC()
			return &u
		}
	}
	return nil
}

func optTime(r gjson.Result, path string) *time.Time {
	return parseTime(r.Get(path).String())
}

func mustTime(r gjson.Result, path string) time.Time {
	if t := optTime(r, path); t != nil {
		return *t
	}
	return time.Time{}
}

// updatedOn returns the payload's updated_on, falling back to created_on.
func updatedOn(r gjson.Result) *time.Time {
	if t := optTime(r, "updated_on"); t != nil {
		return t
	}
	return optTime(r, "created_on")
}

func parseProject(r gjson.Result) models.Project {
	return models.Project{
		ID:          r.Get("id").Int(),
		Identifier:  r.Get("identifier").String(),
		Name:        r.Get("name").String(),
		Description: r.Get("description").String(),
		IsPublic:    r.Get("is_public").Bool(),
		ParentID:    optInt(r, "parent.id"),
		Status:      int(r.Get("status").Int()),
		CreatedOn:   optTime(r, "created_on"),
		UpdatedOn:   optTime(r, "updated_on"),
	}
}

func parseUser(r gjson.Result) models.User {
	return models.User{
		ID:        r.Get("id").Int(),
		Login:     r.Get("login").String(),
		Firstname: r.Get("firstname").String(),
		Lastname:  r.Get("lastname").String(),
		Mail:      r.Get("mail").String(),
		Admin:     r.Get("admin").Bool(),
		Status:    int(r.Get("status").Int()),
		CreatedOn: optTime(r, "created_on"),
		UpdatedOn: optTime(r, "updated_on"),
	}
}

func parseGroup(r gjson.Result) models.Group {
	g := models.Group{ID: r.Get("id").Int(), Name: r.Get("name").String()}
	for _, u := range r.Get("users").Array() {
		g.UserIDs = append(g.UserIDs, u.Get("id").Int())
	}
	return g
}

func parseTracker(r gjson.Result) models.Tracker {
	return models.Tracker{
		ID:              r.Get("id").Int(),
		Name:            r.Get("name").String(),
		DefaultStatusID: optInt(r, "default_status.id"),
		Description:     r.Get("description").String(),
	}
}

func parseIssueStatus(r gjson.Result) models.IssueStatus {
	return models.IssueStatus{
		ID:        r.Get("id").Int(),
		Name:      r.Get("name").String(),
		IsClosed:  r.Get("is_closed").Bool(),
		IsDefault: r.Get("is_default").Bool(),
	}
}

func parseIssuePriority(r gjson.Result, pos int) models.IssuePriority {
	p := models.IssuePriority{
		ID:        r.Get("id").Int(),
		Name:      r.Get("name").String(),
		Position:  pos,
		IsDefault: r.Get("is_default").Bool(),
		Active:    true,
	}
	if v := r.Get("position"); v.Exists() {
		p.Position = int(v.Int())
	}
	if v := r.Get("active"); v.Exists() {
		p.Active = v.Bool()
	}
	return p
}

func parseIssue(r gjson.Result) models.Issue {
	is := models.Issue{
		ID:               r.Get("id").Int(),
		ProjectID:        r.Get("project.id").Int(),
		TrackerID:        r.Get("tracker.id").Int(),
		TrackerName:      r.Get("tracker.name").String(),
		StatusID:         r.Get("status.id").Int(),
		StatusName:       r.Get("status.name").String(),
		PriorityID:       r.Get("priority.id").Int(),
		PriorityName:     r.Get("priority.name").String(),
		Subject:          r.Get("subject").String(),
		Description:      r.Get("description").String(),
		AuthorID:         optInt(r, "author.id"),
		AuthorName:       r.Get("author.name").String(),
		AssignedToID:     optInt(r, "assigned_to.id"),
		AssignedToName:   r.Get("assigned_to.name").String(),
		CategoryName:     r.Get("category.name").String(),
		FixedVersionName: r.Get("fixed_version.name").String(),
		ParentID:         optInt(r, "parent.id"),
		StartDate:        r.Get("start_date").String(),
		DueDate:          r.Get("due_date").String(),
		DoneRatio:        int(r.Get("done_ratio").Int()),
		EstimatedHours:   optFloat(r, "estimated_hours"),
		SpentHours:       optFloat(r, "spent_hours"),
		IsPrivate:        r.Get("is_private").Bool(),
		CreatedOn:        mustTime(r, "created_on"),
		UpdatedOn:        mustTime(r, "updated_on"),
		ClosedOn:         optTime(r, "closed_on"),
	}
	if cf := r.Get("custom_fields"); cf.IsArray() {
		is.CustomFields = json.RawMessage(cf.Raw)
	}
	if is.UpdatedOn.IsZero() {
		is.UpdatedOn = is.CreatedOn
	}
	return is
}

func parseJournal(r gjson.Result, issueID int64) models.Journal {
	j := models.Journal{
		ID:           r.Get("id").Int(),
		IssueID:      issueID,
		UserID:       optInt(r, "user.id"),
		UserName:     r.Get("user.name").String(),
		Notes:        r.Get("notes").String(),
		PrivateNotes: r.Get("private_notes").Bool(),
		CreatedOn:    mustTime(r, "created_on"),
	}
	for _, d := range r.Get("details").Array() {
		j.Details = append(j.Details, models.JournalDetail{
			Property: d.Get("property").String(),
			Name:     d.Get("name").String(),
			OldValue: optString(d, "old_value"),
			NewValue: optString(d, "new_value"),
		})
	}
	return j
}

func parseAttachment(r gjson.Result, c models.Container, projectID *int64) models.Attachment {
	return models.Attachment{
		ID:          r.Get("id").Int(),
		Container:   c,
		ProjectID:   projectID,
		Filename:    r.Get("filename").String(),
		Filesize:    r.Get("filesize").Int(),
		ContentType: r.Get("content_type").String(),
		Description: r.Get("description").String(),
		ContentURL:  r.Get("content_url").String(),
		AuthorName:  r.Get("author.name").String(),
		CreatedOn:   optTime(r, "created_on"),
	}
}

func parseTimeEntry(r gjson.Result) models.TimeEntry {
	return models.TimeEntry{
		ID:           r.Get("id").Int(),
		ProjectID:    r.Get("project.id").Int(),
		IssueID:      optInt(r, "issue.id"),
		UserID:       optInt(r, "user.id"),
		UserName:     r.Get("user.name").String(),
		ActivityID:   optInt(r, "activity.id"),
		ActivityName: r.Get("activity.name").String(),
		Hours:        r.Get("hours").Float(),
		Comments:     r.Get("comments").String(),
		SpentOn:      r.Get("spent_on").String(),
		CreatedOn:    optTime(r, "created_on"),
		UpdatedOn:    optTime(r, "updated_on"),
	}
}

func parseNews(r gjson.Result) models.News {
	return models.News{
		ID:          r.Get("id").Int(),
		ProjectID:   r.Get("project.id").Int(),
		Title:       r.Get("title").String(),
		Summary:     r.Get("summary").String(),
		Description: r.Get("description").String(),
		AuthorID:    optInt(r, "author.id"),
		AuthorName:  r.Get("author.name").String(),
		CreatedOn:   optTime(r, "created_on"),
	}
}

func parseDocument(r gjson.Result, projectID int64) models.Document {
	d := models.Document{
		ID:           r.Get("id").Int(),
		ProjectID:    projectID,
		CategoryID:   optInt(r, "category.id"),
		CategoryName: r.Get("category.name").String(),
		Title:        r.Get("title").String(),
		Description:  r.Get("description").String(),
		CreatedOn:    optTime(r, "created_on"),
	}
	if pid := optInt(r, "project.id"); pid != nil {
		d.ProjectID = *pid
	}
	return d
}

func parseFile(r gjson.Result, projectID int64) models.File {
	return models.File{
		ID:          r.Get("id").Int(),
		ProjectID:   projectID,
		Filename:    r.Get("filename").String(),
		Filesize:    r.Get("filesize").Int(),
		ContentType: r.Get("content_type").String(),
		Description: r.Get("description").String(),
		ContentURL:  r.Get("content_url").String(),
		Digest:      r.Get("digest").String(),
		VersionName: r.Get("version.name").String(),
		AuthorName:  r.Get("author.name").String(),
		CreatedOn:   optTime(r, "created_on"),
	}
}

func parseBoard(r gjson.Result, projectID int64) models.Board {
	b := models.Board{
		ID:            r.Get("id").Int(),
		ProjectID:     projectID,
		Name:          r.Get("name").String(),
		Description:   r.Get("description").String(),
		Position:      int(r.Get("position").Int()),
		TopicsCount:   int(r.Get("topics_count").Int()),
		MessagesCount: int(r.Get("messages_count").Int()),
	}
	if pid := optInt(r, "project.id"); pid != nil {
		b.ProjectID = *pid
	}
	return b
}

func parseMessage(r gjson.Result, boardID, projectID int64) models.Message {
	return models.Message{
		ID:           r.Get("id").Int(),
		BoardID:      boardID,
		ProjectID:    projectID,
		ParentID:     optInt(r, "parent.id"),
		Subject:      r.Get("subject").String(),
		Content:      r.Get("content").String(),
		AuthorID:     optInt(r, "author.id"),
		AuthorName:   r.Get("author.name").String(),
		RepliesCount: int(r.Get("replies_count").Int()),
		Locked:       r.Get("locked").Bool(),
		Sticky:       r.Get("sticky").Bool(),
		CreatedOn:    optTime(r, "created_on"),
		UpdatedOn:    optTime(r, "updated_on"),
	}
}

func parseWikiPage(r gjson.Result, projectID int64, url string) models.WikiPage {
	return models.WikiPage{
		ProjectID:   projectID,
		Title:       r.Get("title").String(),
		ParentTitle: optString(r, "parent.title"),
		Content:     r.Get("text").String(),
		Version:     int(r.Get("version").Int()),
		AuthorID:    optInt(r, "author.id"),
		AuthorName:  r.Get("author.name").String(),
		Comments:    r.Get("comments").String(),
		CreatedOn:   optTime(r, "created_on"),
		UpdatedOn:   optTime(r, "updated_on"),
		URL:         url,
	}
}
