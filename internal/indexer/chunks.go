// Package indexer derives doc_chunks rows from normalized sources and keeps
// the vector store aligned with them.
package indexer

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"

	"github.com/garnizeh/redmine-rag/internal/chunker"
	"github.com/garnizeh/redmine-rag/internal/models"
	"github.com/garnizeh/redmine-rag/pkg/repository"
)

// SourceTypes lists every chunk source in indexing order.
var SourceTypes = []string{
	models.SourceIssue, models.SourceJournal, models.SourceWiki, models.SourceAttachment,
	models.SourceTimeEntry, models.SourceNews, models.SourceDocument, models.SourceFile, models.SourceMessage,
}

// EmbeddingKey is the hex SHA-1 of "{source_type}:{source_id}:{index}".
func EmbeddingKey(sourceType, sourceID string, index int) string {
	sum := sha1.Sum(fmt.Appendf(nil, "%s:%s:%d", sourceType, sourceID, index))
	return hex.EncodeToString(sum[:])
}

// Touched collects source ids per source type that changed in a sync cycle.
type Touched map[string]map[int64]struct{}

// Add records id under sourceType.
func (t Touched) Add(sourceType string, ids ...int64) {
	set, ok := t[sourceType]
	if !ok {
		set = map[int64]struct{}{}
		t[sourceType] = set
	}
	for _, id := range ids {
		set[id] = struct{}{}
	}
}

// Merge adds every entry of o.
func (t Touched) Merge(o Touched) {
	for st, ids := range o {
		for id := range ids {
			t.Add(st, id)
		}
	}
}

// Len is the number of touched sources.
func (t Touched) Len() int {
	n := 0
	for _, ids := range t {
		n += len(ids)
	}
	return n
}

func (t Touched) sorted(sourceType string) []int64 {
	out := make([]int64, 0, len(t[sourceType]))
	for id := range t[sourceType] {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ChunkStats summarizes one indexing pass.
type ChunkStats struct {
	Sources        int `json:"sources"`
	SourcesChanged int `json:"sources_changed"`
	ChunksWritten  int `json:"chunks_written"`
	SourcesDeleted int `json:"sources_deleted"`
}

// ChunkIndexer renders sources, cuts them into windows and replaces their chunk rows.
type ChunkIndexer struct {
	src     repository.SourceReader
	chunks  repository.ChunkRepo
	chunker chunker.Chunker
	baseURL string
	logger  *slog.Logger
}

func NewChunkIndexer(src repository.SourceReader, chunks repository.ChunkRepo, ch chunker.Chunker, baseURL string, logger *slog.Logger) *ChunkIndexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChunkIndexer{src: src, chunks: chunks, chunker: ch, baseURL: baseURL, logger: logger}
}

// IndexSource rebuilds the chunks of one source. It reports whether the
// stored rows changed and how many chunks the source now has.
func (ix *ChunkIndexer) IndexSource(ctx context.Context, sourceType string, sid int64) (bool, int, error) {
	doc, err := ix.render(ctx, sourceType, sid)
	if err != nil {
		return false, 0, fmt.Errorf("render %s %d: %w", sourceType, sid, err)
	}
	if doc == nil {
		n, err := ix.chunks.DeleteChunks(ctx, sourceType, id(sid))
		return n > 0, 0, err
	}
	pieces := ix.chunker.Split(doc.Text)
	rows := make([]models.DocChunk, len(pieces))
	meta := metadataJSON(doc.Metadata)
	for i, text := range pieces {
		rows[i] = models.DocChunk{
			SourceType:      doc.SourceType,
			SourceID:        doc.SourceID,
			ProjectID:       doc.ProjectID,
			IssueID:         doc.IssueID,
			JournalID:       doc.JournalID,
			WikiPageID:      doc.WikiPageID,
			AttachmentID:    doc.AttachmentID,
			ChunkIndex:      i,
			Text:            text,
			URL:             doc.URL,
			SourceCreatedOn: doc.CreatedOn,
			SourceUpdatedOn: doc.UpdatedOn,
			SourceMetadata:  meta,
			EmbeddingKey:    EmbeddingKey(doc.SourceType, doc.SourceID, i),
		}
	}
	changed, err := ix.chunks.ReplaceChunks(ctx, doc.SourceType, doc.SourceID, rows)
	if err != nil {
		return false, 0, err
	}
	return changed, len(rows), nil
}

// IndexTouched reindexes the given sources in SourceTypes order.
func (ix *ChunkIndexer) IndexTouched(ctx context.Context, touched Touched) (ChunkStats, error) {
	var st ChunkStats
	for _, sourceType := range SourceTypes {
		for _, sid := range touched.sorted(sourceType) {
			if err := ctx.Err(); err != nil {
				return st, err
			}
			changed, n, err := ix.IndexSource(ctx, sourceType, sid)
			if err != nil {
				return st, err
			}
			st.Sources++
			if changed {
				st.SourcesChanged++
				st.ChunksWritten += n
				if n == 0 {
					st.SourcesDeleted++
				}
			}
		}
	}
	ix.logger.Info("chunk index pass done",
		slog.Int("sources", st.Sources), slog.Int("sources_changed", st.SourcesChanged), slog.Int("chunks_written", st.ChunksWritten))
	return st, nil
}

// IndexAll reindexes every stored source.
func (ix *ChunkIndexer) IndexAll(ctx context.Context) (ChunkStats, error) {
	touched := Touched{}
	for _, sourceType := range SourceTypes {
		ids, err := ix.src.ListSourceIDs(ctx, sourceType)
		if err != nil {
			return ChunkStats{}, err
		}
		touched.Add(sourceType, ids...)
	}
	return ix.IndexTouched(ctx, touched)
}
