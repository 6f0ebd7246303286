package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/garnizeh/redmine-rag/internal/models"
)

// ErrNotFound is returned by lookups that must find a row.
var ErrNotFound = errors.New("not found")

// ErrJobActive is returned when a sync job is already queued or running.
var ErrJobActive = errors.New("sync job already queued or running")

// Repository interfaces consumed by the services. Concrete implementations
// live under internal/repository.

// MirrorWriter upserts upstream entities by natural key. Each batch method
// returns the number of rows written.
type MirrorWriter interface {
	UpsertRawEntities(ctx context.Context, raws []models.RawEntity) (int, error)
	UpsertRawWikiPages(ctx context.Context, raws []models.RawWikiPage) (int, error)
	UpsertProjects(ctx context.Context, ps []models.Project) (int, error)
	UpsertUsers(ctx context.Context, us []models.User) (int, error)
	UpsertGroups(ctx context.Context, gs []models.Group) (int, error)
	UpsertTrackers(ctx context.Context, ts []models.Tracker) (int, error)
	UpsertIssueStatuses(ctx context.Context, ss []models.IssueStatus) (int, error)
	UpsertIssuePriorities(ctx context.Context, ps []models.IssuePriority) (int, error)
	UpsertIssues(ctx context.Context, is []models.Issue) (int, error)
	UpsertJournals(ctx context.Context, js []models.Journal) (int, error)
	UpsertAttachments(ctx context.Context, as []models.Attachment) (int, error)
	UpsertTimeEntries(ctx context.Context, ts []models.TimeEntry) (int, error)
	UpsertNews(ctx context.Context, ns []models.News) (int, error)
	UpsertDocuments(ctx context.Context, ds []models.Document) (int, error)
	UpsertFiles(ctx context.Context, fs []models.File) (int, error)
	UpsertBoards(ctx context.Context, bs []models.Board) (int, error)
	UpsertMessages(ctx context.Context, ms []models.Message) (int, error)
	// UpsertWikiPage stores the page and its version row and returns the local page id.
	UpsertWikiPage(ctx context.Context, p models.WikiPage) (int64, error)
}

// MirrorRepo groups writes into a single transaction.
type MirrorRepo interface {
	MirrorWriter
	WithinTx(ctx context.Context, fn func(w MirrorWriter) error) error
	TableCounts(ctx context.Context) (map[string]int64, error)
}

// SourceReader reads normalized entities back for indexing and extraction.
type SourceReader interface {
	ListProjects(ctx context.Context) ([]models.Project, error)
	GetProject(ctx context.Context, id int64) (*models.Project, error)
	GetIssue(ctx context.Context, id int64) (*models.Issue, error)
	ListIssueIDs(ctx context.Context) ([]int64, error)
	ListJournals(ctx context.Context, issueID int64) ([]models.Journal, error)
	GetJournal(ctx context.Context, id int64) (*models.Journal, error)
	ListIssueStatuses(ctx context.Context) ([]models.IssueStatus, error)
	GetAttachment(ctx context.Context, id int64) (*models.Attachment, error)
	GetWikiPage(ctx context.Context, id int64) (*models.WikiPage, error)
	GetTimeEntry(ctx context.Context, id int64) (*models.TimeEntry, error)
	GetNews(ctx context.Context, id int64) (*models.News, error)
	GetDocument(ctx context.Context, id int64) (*models.Document, error)
	GetFile(ctx context.Context, id int64) (*models.File, error)
	GetMessage(ctx context.Context, id int64) (*models.Message, error)
	// ListSourceIDs returns the ids of every stored entity of a chunk source type.
	ListSourceIDs(ctx context.Context, sourceType string) ([]int64, error)
}

// ChunkRepo owns doc_chunks and its full-text mirror.
type ChunkRepo interface {
	// ReplaceChunks swaps the chunk sequence of one source. It is a no-op that
	// returns false when the stored sequence already matches.
	ReplaceChunks(ctx context.Context, sourceType, sourceID string, chunks []models.DocChunk) (bool, error)
	DeleteChunks(ctx context.Context, sourceType, sourceID string) (int, error)
	ListChunksUpdatedSince(ctx context.Context, since time.Time, afterID int64, limit int) ([]models.DocChunk, error)
	ListEmbeddingKeys(ctx context.Context) ([]string, error)
	AssignMissingEmbeddingKeys(ctx context.Context) (int, error)
	CountChunks(ctx context.Context) (int64, error)
	CountFTSRows(ctx context.Context) (int64, error)
	SearchLexical(ctx context.Context, match string, f models.SearchFilters, limit int) ([]models.LexicalHit, error)
	GetChunksByEmbeddingKeys(ctx context.Context, keys []string, f models.SearchFilters) ([]models.DocChunk, error)
}

// SyncStateRepo persists cursors and the pipeline high-water mark.
type SyncStateRepo interface {
	GetCursor(ctx context.Context, entityType, scope string) (*models.SyncCursor, error)
	// AdvanceCursor records a successful batch; the stored high-water mark never moves backwards.
	AdvanceCursor(ctx context.Context, entityType, scope string, seen *time.Time, at time.Time) error
	MarkCursorError(ctx context.Context, entityType, scope, msg string) error
	ListCursors(ctx context.Context) ([]models.SyncCursor, error)
	GetSyncState(ctx context.Context, key string) (*models.SyncState, error)
	SaveSyncState(ctx context.Context, st models.SyncState) error
}

type PropertyRepo interface {
	UpsertIssueMetric(ctx context.Context, m models.IssueMetric) error
	GetIssueMetric(ctx context.Context, issueID int64) (*models.IssueMetric, error)
	UpsertIssueProperty(ctx context.Context, p models.IssueProperty) error
	GetIssueProperty(ctx context.Context, issueID int64) (*models.IssueProperty, error)
}

// MetricsRepo aggregates issue_metrics joined with issues. Medians are left to
// callers, which compute them from ListMetricSamples.
type MetricsRepo interface {
	SummarizeIssueMetrics(ctx context.Context, f models.MetricsFilter) ([]models.ProjectMetrics, error)
	ListMetricSamples(ctx context.Context, f models.MetricsFilter) ([]models.IssueMetricSample, error)
}

type SchemaRepo interface {
	GetLLMSchema(ctx context.Context, name string) (string, error)
}

// JobRepo persists the sync job history. CreateJob is atomic with respect to
// the single active job rule.
type JobRepo interface {
	CreateJob(ctx context.Context, j models.SyncJob) error
	ClaimNextJob(ctx context.Context, at time.Time) (*models.SyncJob, error)
	FinishJob(ctx context.Context, id string, status models.JobStatus, payload json.RawMessage, errMsg *string, at time.Time) error
	FailStaleJobs(ctx context.Context, msg string, at time.Time) (int, error)
	GetJob(ctx context.Context, id string) (*models.SyncJob, error)
	ListJobs(ctx context.Context, status models.JobStatus, limit int) ([]models.SyncJob, error)
	PruneJobs(ctx context.Context, keep int) (int, error)
}
