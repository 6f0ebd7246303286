package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/garnizeh/redmine-rag/internal/embedding"
	"github.com/garnizeh/redmine-rag/internal/models"
	"github.com/garnizeh/redmine-rag/pkg/repository"
)

// VectorIndex is the subset of the vector store the indexer drives.
type VectorIndex interface {
	Upsert(key string, v []float32) error
	Has(key string) bool
	RemoveKeysNotIn(live map[string]struct{}) int
	Reset()
	Len() int
	Save(ctx context.Context) error
}

// EmbedStats summarizes one embedding pass.
type EmbedStats struct {
	Repaired int `json:"repaired"`
	Upserted int `json:"upserted"`
	Pruned   int `json:"pruned"`
}

// EmbeddingIndexer keeps the vector store in step with doc_chunks.
type EmbeddingIndexer struct {
	chunks   repository.ChunkRepo
	embedder embedding.Embedder
	store    VectorIndex
	batch    int
	logger   *slog.Logger
}

func NewEmbeddingIndexer(chunks repository.ChunkRepo, e embedding.Embedder, store VectorIndex, batch int, logger *slog.Logger) *EmbeddingIndexer {
	if batch <= 0 {
		batch = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EmbeddingIndexer{chunks: chunks, embedder: e, store: store, batch: batch, logger: logger}
}

// Incremental embeds chunks updated at or after since, backfills live keys
// missing from the store, prunes orphans and saves.
func (ix *EmbeddingIndexer) Incremental(ctx context.Context, since time.Time) (EmbedStats, error) {
	var st EmbedStats
	repaired, err := ix.chunks.AssignMissingEmbeddingKeys(ctx)
	if err != nil {
		return st, err
	}
	st.Repaired = repaired

	n, err := ix.embedSince(ctx, since)
	st.Upserted += n
	if err != nil {
		return st, err
	}

	keys, err := ix.chunks.ListEmbeddingKeys(ctx)
	if err != nil {
		return st, err
	}
	live := make(map[string]struct{}, len(keys))
	var missing []string
	for _, k := range keys {
		live[k] = struct{}{}
		if !ix.store.Has(k) {
			missing = append(missing, k)
		}
	}
	n, err = ix.embedKeys(ctx, missing)
	st.Upserted += n
	if err != nil {
		return st, err
	}

	st.Pruned = ix.store.RemoveKeysNotIn(live)
	if err := ix.store.Save(ctx); err != nil {
		return st, err
	}
	ix.logger.Info("embedding pass done",
		slog.Int("upserted", st.Upserted), slog.Int("pruned", st.Pruned), slog.Int("repaired", st.Repaired), slog.Int("vectors", ix.store.Len()))
	return st, nil
}

// Rebuild clears the store and embeds every chunk.
func (ix *EmbeddingIndexer) Rebuild(ctx context.Context) (EmbedStats, error) {
	ix.store.Reset()
	return ix.Incremental(ctx, time.Time{})
}

func (ix *EmbeddingIndexer) upsert(c models.DocChunk) error {
	if err := ix.store.Upsert(c.EmbeddingKey, ix.embedder.Embed(c.Text)); err != nil {
		return fmt.Errorf("upsert vector %s: %w", c.EmbeddingKey, err)
	}
	return nil
}

func (ix *EmbeddingIndexer) embedSince(ctx context.Context, since time.Time) (int, error) {
	var (
		n       int
		afterID int64
	)
	for {
		rows, err := ix.chunks.ListChunksUpdatedSince(ctx, since, afterID, ix.batch)
		if err != nil {
			return n, err
		}
		for _, c := range rows {
			if err := ix.upsert(c); err != nil {
				return n, err
			}
			n++
			afterID = c.ID
		}
		if len(rows) < ix.batch {
			return n, nil
		}
		if err := ctx.Err(); err != nil {
			return n, err
		}
	}
}

func (ix *EmbeddingIndexer) embedKeys(ctx context.Context, keys []string) (int, error) {
	n := 0
	for start := 0; start < len(keys); start += ix.batch {
		end := min(start+ix.batch, len(keys))
		rows, err := ix.chunks.GetChunksByEmbeddingKeys(ctx, keys[start:end], models.SearchFilters{})
		if err != nil {
			return n, err
		}
		for _, c := range rows {
			if err := ix.upsert(c); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}
