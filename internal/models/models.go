package models

import (
	"encoding/json"
	"strings"
	"time"
)

type Project struct {
	ID          int64      `json:"id"`
	Identifier  string     `json:"identifier"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	IsPublic    bool       `json:"is_public"`
	ParentID    *int64     `json:"parent_id,omitempty"`
	Status      int        `json:"status"`
	CreatedOn   *time.Time `json:"created_on,omitempty"`
	UpdatedOn   *time.Time `json:"updated_on,omitempty"`
}

type User struct {
	ID        int64      `json:"id"`
	Login     string     `json:"login"`
	Firstname string     `json:"firstname"`
	Lastname  string     `json:"lastname"`
	Mail      string     `json:"mail,omitempty"`
	Admin     bool       `json:"admin"`
	Status    int        `json:"status"`
	CreatedOn *time.Time `json:"created_on,omitempty"`
	UpdatedOn *time.Time `json:"updated_on,omitempty"`
}

// DisplayName joins first and last name, falling back to the login.
func (u User) DisplayName() string {
	n := strings.TrimSpace(u.Firstname + " " + u.Lastname)
	if n == "" {
		return u.Login
	}
	return n
}

type Group struct {
	ID      int64   `json:"id"`
	Name    string  `json:"name"`
	UserIDs []int64 `json:"user_ids"`
}

type Tracker struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	DefaultStatusID *int64 `json:"default_status_id,omitempty"`
	Description     string `json:"description,omitempty"`
}

type IssueStatus struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	IsClosed  bool   `json:"is_closed"`
	IsDefault bool   `json:"is_default"`
}

type IssuePriority struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Position  int    `json:"position"`
	IsDefault bool   `json:"is_default"`
	Active    bool   `json:"active"`
}

type Issue struct {
	ID               int64           `json:"id"`
	ProjectID        int64           `json:"project_id"`
	TrackerID        int64           `json:"tracker_id"`
	TrackerName      string          `json:"tracker_name"`
	StatusID         int64           `json:"status_id"`
	StatusName       string          `json:"status_name"`
	PriorityID       int64           `json:"priority_id"`
	PriorityName     string          `json:"priority_name"`
	Subject          string          `json:"subject"`
	Description      string          `json:"description"`
	AuthorID         *int64          `json:"author_id,omitempty"`
	AuthorName       string          `json:"author_name"`
	AssignedToID     *int64          `json:"assigned_to_id,omitempty"`
	AssignedToName   string          `json:"assigned_to_name,omitempty"`
	CategoryName     string          `json:"category_name,omitempty"`
	FixedVersionName string          `json:"fixed_version_name,omitempty"`
	ParentID         *int64          `json:"parent_id,omitempty"`
	StartDate        string          `json:"start_date,omitempty"`
	DueDate          string          `json:"due_date,omitempty"`
	DoneRatio        int             `json:"done_ratio"`
	EstimatedHours   *float64        `json:"estimated_hours,omitempty"`
	SpentHours       *float64        `json:"spent_hours,omitempty"`
	IsPrivate        bool            `json:"is_private"`
	CustomFields     json.RawMessage `json:"custom_fields,omitempty"`
	CreatedOn        time.Time       `json:"created_on"`
	UpdatedOn        time.Time       `json:"updated_on"`
	ClosedOn         *time.Time      `json:"closed_on,omitempty"`
}

// JournalDetail is one attribute change recorded by a journal.
type JournalDetail struct {
	Property string  `json:"property,omitempty"`
	Name     string  `json:"name"`
	OldValue *string `json:"old_value"`
	NewValue *string `json:"new_value"`
}

type Journal struct {
	ID           int64           `json:"id"`
	IssueID      int64           `json:"issue_id"`
	UserID       *int64          `json:"user_id,omitempty"`
	UserName     string          `json:"user_name,omitempty"`
	Notes        string          `json:"notes"`
	PrivateNotes bool            `json:"private_notes"`
	CreatedOn    time.Time       `json:"created_on"`
	Details      []JournalDetail `json:"details"`
}

// ContainerKind names the owner type of an attachment as the tracker spells it.
type ContainerKind string

const (
	ContainerIssue     ContainerKind = "Issue"
	ContainerJournal   ContainerKind = "Journal"
	ContainerWikiPage  ContainerKind = "WikiPage"
	ContainerTimeEntry ContainerKind = "TimeEntry"
	ContainerNews      ContainerKind = "News"
	ContainerDocument  ContainerKind = "Document"
	ContainerMessage   ContainerKind = "Message"
)

// Container is the owner of an attachment. Exactly one of the *Ref types below
// implements it per attachment.
type Container interface {
	Kind() ContainerKind
	ContainerID() int64
	isContainer()
}

type IssueRef struct{ IssueID int64 }
type JournalRef struct{ JournalID int64 }
type WikiRef struct{ WikiPageID int64 }
type TimeEntryRef struct{ TimeEntryID int64 }
type NewsRef struct{ NewsID int64 }
type DocumentRef struct{ DocumentID int64 }
type MessageRef struct{ MessageID int64 }

func (r IssueRef) Kind() ContainerKind     { return ContainerIssue }
func (r JournalRef) Kind() ContainerKind   { return ContainerJournal }
func (r WikiRef) Kind() ContainerKind      { return ContainerWikiPage }
func (r TimeEntryRef) Kind() ContainerKind { return ContainerTimeEntry }
func (r NewsRef) Kind() ContainerKind      { return ContainerNews }
func (r DocumentRef) Kind() ContainerKind  { return ContainerDocument }
func (r MessageRef) Kind() ContainerKind   { return ContainerMessage }

func (r IssueRef) ContainerID() int64     { return r.IssueID }
func (r JournalRef) ContainerID() int64   { return r.JournalID }
func (r WikiRef) ContainerID() int64      { return r.WikiPageID }
func (r TimeEntryRef) ContainerID() int64 { return r.TimeEntryID }
func (r NewsRef) ContainerID() int64      { return r.NewsID }
func (r DocumentRef) ContainerID() int64  { return r.DocumentID }
func (r MessageRef) ContainerID() int64   { return r.MessageID }

func (IssueRef) isContainer()     {}
func (JournalRef) isContainer()   {}
func (WikiRef) isContainer()      {}
func (TimeEntryRef) isContainer() {}
func (NewsRef) isContainer()      {}
func (DocumentRef) isContainer()  {}
func (MessageRef) isContainer()   {}

// NewContainer builds the container variant for kind. ok is false for kinds
// that are not attachment containers.
func NewContainer(kind ContainerKind, id int64) (c Container, ok bool) {
	switch kind {
	case ContainerIssue:
		return IssueRef{id}, true
	case ContainerJournal:
		return JournalRef{id}, true
	case ContainerWikiPage:
		return WikiRef{id}, true
	case ContainerTimeEntry:
		return TimeEntryRef{id}, true
	case ContainerNews:
		return NewsRef{id}, true
	case ContainerDocument:
		return DocumentRef{id}, true
	case ContainerMessage:
		return MessageRef{id}, true
	}
	return nil, false
}

type Attachment struct {
	ID          int64      `json:"id"`
	Container   Container  `json:"-"`
	ProjectID   *int64     `json:"project_id,omitempty"`
	Filename    string     `json:"filename"`
	Filesize    int64      `json:"filesize"`
	ContentType string     `json:"content_type,omitempty"`
	Description string     `json:"description,omitempty"`
	ContentURL  string     `json:"content_url,omitempty"`
	AuthorName  string     `json:"author_name,omitempty"`
	CreatedOn   *time.Time `json:"created_on,omitempty"`
}

type WikiPage struct {
	ID          int64      `json:"id"`
	ProjectID   int64      `json:"project_id"`
	Title       string     `json:"title"`
	ParentTitle *string    `json:"parent_title,omitempty"`
	Content     string     `json:"content"`
	Version     int        `json:"version"`
	AuthorID    *int64     `json:"author_id,omitempty"`
	AuthorName  string     `json:"author_name,omitempty"`
	Comments    string     `json:"comments,omitempty"`
	CreatedOn   *time.Time `json:"created_on,omitempty"`
	UpdatedOn   *time.Time `json:"updated_on,omitempty"`
	URL         string     `json:"url"`
}

type WikiVersion struct {
	WikiPageID int64      `json:"wiki_page_id"`
	Version    int        `json:"version"`
	Content    string     `json:"content"`
	AuthorName string     `json:"author_name,omitempty"`
	Comments   string     `json:"comments,omitempty"`
	UpdatedOn  *time.Time `json:"updated_on,omitempty"`
}

type TimeEntry struct {
	ID           int64      `json:"id"`
	ProjectID    int64      `json:"project_id"`
	IssueID      *int64     `json:"issue_id,omitempty"`
	UserID       *int64     `json:"user_id,omitempty"`
	UserName     string     `json:"user_name,omitempty"`
	ActivityID   *int64     `json:"activity_id,omitempty"`
	ActivityName string     `json:"activity_name,omitempty"`
	Hours        float64    `json:"hours"`
	Comments     string     `json:"comments,omitempty"`
	SpentOn      string     `json:"spent_on,omitempty"`
	CreatedOn    *time.Time `json:"created_on,omitempty"`
	UpdatedOn    *time.Time `json:"updated_on,omitempty"`
}

type News struct {
	ID          int64      `json:"id"`
	ProjectID   int64      `json:"project_id"`
	Title       string     `json:"title"`
	Summary     string     `json:"summary,omitempty"`
	Description string     `json:"description,omitempty"`
	AuthorID    *int64     `json:"author_id,omitempty"`
	AuthorName  string     `json:"author_name,omitempty"`
	CreatedOn   *time.Time `json:"created_on,omitempty"`
}

type Document struct {
	ID           int64      `json:"id"`
	ProjectID    int64      `json:"project_id"`
	CategoryID   *int64     `json:"category_id,omitempty"`
	CategoryName string     `json:"category_name,omitempty"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	CreatedOn    *time.Time `json:"created_on,omitempty"`
}

type File struct {
	ID          int64      `json:"id"`
	ProjectID   int64      `json:"project_id"`
	Filename    string     `json:"filename"`
	Filesize    int64      `json:"filesize"`
	ContentType string     `json:"content_type,omitempty"`
	Description string     `json:"description,omitempty"`
	ContentURL  string     `json:"content_url,omitempty"`
	Digest      string     `json:"digest,omitempty"`
	VersionName string     `json:"version_name,omitempty"`
	AuthorName  string     `json:"author_name,omitempty"`
	CreatedOn   *time.Time `json:"created_on,omitempty"`
}

type Board struct {
	ID            int64  `json:"id"`
	ProjectID     int64  `json:"project_id"`
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	Position      int    `json:"position"`
	TopicsCount   int    `json:"topics_count"`
	MessagesCount int    `json:"messages_count"`
}

type Message struct {
	ID           int64      `json:"id"`
	BoardID      int64      `json:"board_id"`
	ProjectID    int64      `json:"project_id"`
	ParentID     *int64     `json:"parent_id,omitempty"`
	Subject      string     `json:"subject"`
	Content      string     `json:"content"`
	AuthorID     *int64     `json:"author_id,omitempty"`
	AuthorName   string     `json:"author_name,omitempty"`
	RepliesCount int        `json:"replies_count"`
	Locked       bool       `json:"locked"`
	Sticky       bool       `json:"sticky"`
	CreatedOn    *time.Time `json:"created_on,omitempty"`
	UpdatedOn    *time.Time `json:"updated_on,omitempty"`
}

// RawEntity is a verbatim upstream payload keyed by (EntityType, EntityID, Endpoint).
type RawEntity struct {
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Endpoint   string          `json:"endpoint"`
	ProjectID  *int64          `json:"project_id,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	UpdatedOn  *time.Time      `json:"updated_on,omitempty"`
	FetchedAt  time.Time       `json:"fetched_at"`
}

type RawWikiPage struct {
	ProjectID int64           `json:"project_id"`
	Title     string          `json:"title"`
	Payload   json.RawMessage `json:"payload"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// Chunk source types.
const (
	SourceIssue      = "issue"
	SourceJournal    = "journal"
	SourceWiki       = "wiki"
	SourceAttachment = "attachment"
	SourceTimeEntry  = "time_entry"
	SourceNews       = "news"
	SourceDocument   = "document"
	SourceFile       = "file"
	SourceMessage    = "message"
)

type DocChunk struct {
	ID              int64           `json:"id"`
	SourceType      string          `json:"source_type"`
	SourceID        string          `json:"source_id"`
	ProjectID       *int64          `json:"project_id,omitempty"`
	IssueID         *int64          `json:"issue_id,omitempty"`
	JournalID       *int64          `json:"journal_id,omitempty"`
	WikiPageID      *int64          `json:"wiki_page_id,omitempty"`
	AttachmentID    *int64          `json:"attachment_id,omitempty"`
	ChunkIndex      int             `json:"chunk_index"`
	Text            string          `json:"text"`
	URL             string          `json:"url"`
	SourceCreatedOn *time.Time      `json:"source_created_on,omitempty"`
	SourceUpdatedOn *time.Time      `json:"source_updated_on,omitempty"`
	SourceMetadata  json.RawMessage `json:"source_metadata,omitempty"`
	EmbeddingKey    string          `json:"embedding_key"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// LexicalHit is a chunk matched by full-text search with its raw BM25 score.
type LexicalHit struct {
	Chunk DocChunk
	BM25  float64
}

// SearchFilters constrain chunk scans. Empty fields mean no constraint; date
// bounds apply to SourceUpdatedOn and are inclusive.
type SearchFilters struct {
	ProjectIDs []int64    `json:"project_ids,omitempty"`
	TrackerIDs []int64    `json:"tracker_ids,omitempty"`
	StatusIDs  []int64    `json:"status_ids,omitempty"`
	FromDate   *time.Time `json:"from_date,omitempty"`
	ToDate     *time.Time `json:"to_date,omitempty"`
}

// IsEmpty reports whether no predicate is set.
func (f SearchFilters) IsEmpty() bool {
	return len(f.ProjectIDs) == 0 && len(f.TrackerIDs) == 0 && len(f.StatusIDs) == 0 && f.FromDate == nil && f.ToDate == nil
}

type IssueMetric struct {
	IssueID        int64  `json:"issue_id"`
	FirstResponseS *int64 `json:"first_response_s"`
	ResolutionS    *int64 `json:"resolution_s"`
	ReopenCount    int    `json:"reopen_count"`
	TouchCount     int    `json:"touch_count"`
	HandoffCount   int    `json:"handoff_count"`
}

type IssueProperty struct {
	IssueID          int64           `json:"issue_id"`
	ExtractorVersion string          `json:"extractor_version"`
	Confidence       float64         `json:"confidence"`
	PropsJSON        json.RawMessage `json:"props_json"`
	ExtractedAt      time.Time       `json:"extracted_at"`
}

// MetricsFilter narrows the metrics summary; dates bound issue created_on.
type MetricsFilter struct {
	ProjectIDs []int64
	FromDate   *time.Time
	ToDate     *time.Time
}

// ProjectMetrics aggregates issue metrics of one project.
type ProjectMetrics struct {
	ProjectID            int64    `json:"project_id"`
	IssueCount           int64    `json:"issue_count"`
	AvgFirstResponseS    *float64 `json:"avg_first_response_s"`
	MedianFirstResponseS *float64 `json:"median_first_response_s"`
	AvgResolutionS       *float64 `json:"avg_resolution_s"`
	MedianResolutionS    *float64 `json:"median_resolution_s"`
	ReopenTotal          int64    `json:"reopen_total"`
	HandoffTotal         int64    `json:"handoff_total"`
}

// IssueMetricSample is one issue's durations, used for medians.
type IssueMetricSample struct {
	ProjectID      int64
	FirstResponseS *int64
	ResolutionS    *int64
}

type SyncCursor struct {
	EntityType        string     `json:"entity_type"`
	ProjectScope      string     `json:"project_scope"`
	LastSeenUpdatedOn *time.Time `json:"last_seen_updated_on,omitempty"`
	LastSuccessAt     *time.Time `json:"last_success_at,omitempty"`
	CursorToken       *string    `json:"cursor_token,omitempty"`
	ErrorMessage      *string    `json:"error_message,omitempty"`
}

type SyncState struct {
	Key           string     `json:"key"`
	LastSyncAt    *time.Time `json:"last_sync_at,omitempty"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	LastError     *string    `json:"last_error,omitempty"`
}

type JobStatus string

const (
	JobQueued   JobStatus = "queued"
	JobRunning  JobStatus = "running"
	JobFinished JobStatus = "finished"
	JobFailed   JobStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool { return s == JobFinished || s == JobFailed }

// CanTransition reports whether s may move to next. Transitions only go forward.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobQueued:
		return next == JobRunning || next == JobFailed
	case JobRunning:
		return next == JobFinished || next == JobFailed
	}
	return false
}

type SyncJob struct {
	ID           string          `json:"id"`
	Status       JobStatus       `json:"status"`
	Payload      json.RawMessage `json:"payload"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}
