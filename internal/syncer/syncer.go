// Package syncer mirrors the upstream tracker into the local store: cursor
// driven fetches, raw envelopes, normalized upserts, then chunk and vector
// refresh for the sources the cycle touched.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/garnizeh/redmine-rag/internal/indexer"
	"github.com/garnizeh/redmine-rag/internal/models"
	"github.com/garnizeh/redmine-rag/pkg/redmine"
	"github.com/garnizeh/redmine-rag/pkg/repository"
)

// StateKey is the sync_state row updated by every cycle.
const StateKey = "redmine_incremental"

var (
	ErrUnknownModule = errors.New("unknown sync module")
	ErrLocked        = errors.New("another sync cycle holds the lock")
	ErrCycleFailed   = errors.New("sync cycle failed")
)

// Modules in dependency order.
const (
	ModuleTrackers        = "trackers"
	ModuleIssueStatuses   = "issue_statuses"
	ModuleIssuePriorities = "issue_priorities"
	ModuleUsers           = "users"
	ModuleGroups          = "groups"
	ModuleProjects        = "projects"
	ModuleIssues          = "issues"
	ModuleTimeEntries     = "time_entries"
	ModuleNews            = "news"
	ModuleDocuments       = "documents"
	ModuleFiles           = "files"
	ModuleBoards          = "boards"
	ModuleWiki            = "wiki"
)

// AllModules lists every module in the order a cycle runs them.
var AllModules = []string{
	ModuleTrackers, ModuleIssueStatuses, ModuleIssuePriorities,
	ModuleUsers, ModuleGroups, ModuleProjects, ModuleIssues,
	ModuleTimeEntries, ModuleNews, ModuleDocuments, ModuleFiles,
	ModuleBoards, ModuleWiki,
}

// ValidateModules returns the unknown names in mods.
func ValidateModules(mods []string) []string {
	var bad []string
	for _, m := range mods {
		if !slices.Contains(AllModules, m) {
			bad = append(bad, m)
		}
	}
	return bad
}

// Upstream is the part of the tracker client the pipeline needs.
type Upstream interface {
	ForEachPage(ctx context.Context, res redmine.Resource, opts redmine.ListOptions, fn func(*redmine.Page) error) error
	GetIssue(ctx context.Context, id int64, include ...string) (json.RawMessage, error)
	GetWikiPage(ctx context.Context, projectRef, title string) (json.RawMessage, error)
	URL(path string, q url.Values) string
}

// Request narrows a cycle. Empty fields mean every project and every module.
type Request struct {
	ProjectIDs []int64  `json:"project_ids,omitempty"`
	Modules    []string `json:"modules,omitempty"`
}

// Config tunes the pipeline.
type Config struct {
	Overlap    time.Duration
	ProjectIDs []int64
	Modules    []string
	// LockPath, when set, names a file locked for the duration of a cycle.
	LockPath string
}

// Syncer runs sync cycles. It is not safe to run two cycles concurrently;
// the job queue guarantees a single runner.
type Syncer struct {
	up     Upstream
	mirror repository.MirrorRepo
	state  repository.SyncStateRepo
	src    repository.SourceReader
	chunks *indexer.ChunkIndexer
	embeds *indexer.EmbeddingIndexer
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

func New(up Upstream, mirror repository.MirrorRepo, state repository.SyncStateRepo, src repository.SourceReader,
	chunks *indexer.ChunkIndexer, embeds *indexer.EmbeddingIndexer, cfg Config, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{up: up, mirror: mirror, state: state, src: src, chunks: chunks, embeds: embeds, cfg: cfg, logger: logger, now: time.Now}
}

// cycle carries per-run state through the modules.
type cycle struct {
	req     Request
	scope   string
	summary *Summary
	touched indexer.Touched
	started time.Time
}

func projectScope(ids []int64) string {
	if len(ids) == 0 {
		return "*"
	}
	s := slices.Clone(ids)
	slices.Sort(s)
	parts := make([]string, len(s))
	for i, id := range s {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

func (s *Syncer) resolve(req Request) (Request, error) {
	if len(req.ProjectIDs) == 0 {
		req.ProjectIDs = s.cfg.ProjectIDs
	}
	if len(req.Modules) == 0 {
		req.Modules = s.cfg.Modules
	}
	if bad := ValidateModules(req.Modules); len(bad) > 0 {
		return req, fmt.Errorf("%w: %s", ErrUnknownModule, strings.Join(bad, ", "))
	}
	if len(req.Modules) == 0 {
		req.Modules = AllModules
	}
	ordered := make([]string, 0, len(req.Modules))
	for _, m := range AllModules {
		if slices.Contains(req.Modules, m) {
			ordered = append(ordered, m)
		}
	}
	req.Modules = ordered
	return req, nil
}

// Run executes one cycle. Module failures are recorded on their cursors and
// the remaining modules still run; the returned error then wraps
// ErrCycleFailed and the summary is still returned.
func (s *Syncer) Run(ctx context.Context, req Request) (*Summary, error) {
	req, err := s.resolve(req)
	if err != nil {
		return nil, err
	}
	if s.cfg.LockPath != "" {
		lock := flock.New(s.cfg.LockPath)
		locked, err := lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("acquiring sync lock: %w", err)
		}
		if !locked {
			return nil, ErrLocked
		}
		defer func() { _ = lock.Unlock() }()
	}

	c := &cycle{
		req:     req,
		scope:   projectScope(req.ProjectIDs),
		summary: &Summary{},
		touched: indexer.Touched{},
		started: s.now().UTC(),
	}
	c.summary.StartedAt = c.started
	s.logger.Info("sync cycle started", slog.Any("modules", req.Modules), slog.String("project_scope", c.scope))

	var failed []string
	for _, m := range req.Modules {
		if err := ctx.Err(); err != nil {
			failed = append(failed, m)
			c.summary.addError(m, err)
			break
		}
		if err := s.runModule(ctx, c, m); err != nil {
			failed = append(failed, m)
			c.summary.addError(m, err)
			s.logger.Error("sync module failed", slog.String("entity_type", m), slog.String("error", err.Error()))
			if merr := s.state.MarkCursorError(context.WithoutCancel(ctx), m, c.scope, err.Error()); merr != nil {
				s.logger.Error("mark cursor error", slog.String("entity_type", m), slog.String("error", merr.Error()))
			}
		}
	}

	if err := s.refreshIndexes(ctx, c); err != nil {
		failed = append(failed, "index")
		c.summary.addError("index", err)
	}

	c.summary.FinishedAt = s.now().UTC()
	st := models.SyncState{Key: StateKey, LastSyncAt: &c.summary.FinishedAt}
	var runErr error
	if len(failed) == 0 {
		st.LastSuccessAt = &c.summary.FinishedAt
	} else {
		msg := c.summary.errorText()
		st.LastError = &msg
		runErr = fmt.Errorf("%w: %s", ErrCycleFailed, msg)
	}
	if err := s.state.SaveSyncState(context.WithoutCancel(ctx), st); err != nil {
		return c.summary, errors.Join(runErr, fmt.Errorf("save sync state: %w", err))
	}
	s.logger.Info("sync cycle finished",
		slog.Int("issues_synced", c.summary.IssuesSynced), slog.Int("chunks_updated", c.summary.ChunksUpdated),
		slog.Int("vectors_upserted", c.summary.VectorsUpserted), slog.Int("vectors_pruned", c.summary.VectorsPruned),
		slog.Int64("latency_ms", c.summary.FinishedAt.Sub(c.started).Milliseconds()), slog.Bool("ok", runErr == nil))
	return c.summary, runErr
}

func (s *Syncer) refreshIndexes(ctx context.Context, c *cycle) error {
	if s.chunks != nil && c.touched.Len() > 0 {
		st, err := s.chunks.IndexTouched(ctx, c.touched)
		c.summary.ChunksUpdated += st.ChunksWritten
		if err != nil {
			return fmt.Errorf("chunk index: %w", err)
		}
	}
	if s.embeds != nil {
		st, err := s.embeds.Incremental(ctx, c.started)
		c.summary.VectorsUpserted += st.Upserted
		c.summary.VectorsPruned += st.Pruned
		if err != nil {
			return fmt.Errorf("embedding index: %w", err)
		}
	}
	return nil
}

// since applies the overlap window to the module cursor.
func (s *Syncer) since(ctx context.Context, module, scope string) (*time.Time, error) {
	cur, err := s.state.GetCursor(ctx, module, scope)
	if err != nil {
		return nil, err
	}
	if cur == nil || cur.LastSeenUpdatedOn == nil {
		return nil, nil
	}
	t := cur.LastSeenUpdatedOn.Add(-s.cfg.Overlap)
	return &t, nil
}

// batch accumulates one page worth of writes.
type batch struct {
	raws    []models.RawEntity
	maxSeen *time.Time
}

func (b *batch) raw(entityType string, entityID int64, endpoint string, projectID *int64, payload json.RawMessage, updated *time.Time, fetched time.Time) {
	b.raws = append(b.raws, models.RawEntity{
		EntityType: entityType, EntityID: strconv.FormatInt(entityID, 10), Endpoint: endpoint,
		ProjectID: projectID, Payload: payload, UpdatedOn: updated, FetchedAt: fetched,
	})
	b.seen(updated)
}

func (b *batch) seen(t *time.Time) {
	if t != nil && (b.maxSeen == nil || t.After(*b.maxSeen)) {
		v := *t
		b.maxSeen = &v
	}
}

// commit writes raw envelopes and then the normalized rows in one
// transaction, then advances the module cursor.
func (s *Syncer) commit(ctx context.Context, module, scope string, b *batch, normalize func(w repository.MirrorWriter) error) error {
	err := s.mirror.WithinTx(ctx, func(w repository.MirrorWriter) error {
		if len(b.raws) > 0 {
			if _, err := w.UpsertRawEntities(ctx, b.raws); err != nil {
				return err
			}
		}
		return normalize(w)
	})
	if err != nil {
		return err
	}
	return s.state.AdvanceCursor(ctx, module, scope, b.maxSeen, s.now().UTC())
}
