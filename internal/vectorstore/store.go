// Package vectorstore is a flat cosine index over unit vectors with a
// parallel key list, persisted as a float32 matrix plus a JSON key file.
package vectorstore

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

var (
	ErrDimensionMismatch = errors.New("vectorstore: dimension mismatch")
	ErrCorrupt           = errors.New("vectorstore: matrix and key list disagree")
)

const lockRetry = 50 * time.Millisecond

// Hit is a search result.
type Hit struct {
	Key   string
	Score float64
}

type meta struct {
	Dim  int      `json:"dim"`
	Keys []string `json:"keys"`
}

// Store holds vectors in memory. Save and Load serialize on a lock file next
// to the matrix so concurrent processes never observe a half-written pair.
type Store struct {
	mu       sync.RWMutex
	dim      int
	keys     []string
	index    map[string]int
	data     []float32
	dataPath string
	metaPath string
	logger   *slog.Logger
}

// New returns an empty store of dimension dim backed by the two paths.
func New(dim int, dataPath, metaPath string, logger *slog.Logger) (*Store, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("%w: dim %d", ErrDimensionMismatch, dim)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{dim: dim, index: map[string]int{}, dataPath: dataPath, metaPath: metaPath, logger: logger}, nil
}

// Open is New followed by Load.
func Open(ctx context.Context, dim int, dataPath, metaPath string, logger *slog.Logger) (*Store, error) {
	s, err := New(dim, dataPath, metaPath, logger)
	if err != nil {
		return nil, err
	}
	if err := s.Load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Dim() int { return s.dim }

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// Keys returns a copy of the key list in storage order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.keys...)
}

func (s *Store) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[key]
	return ok
}

// Upsert normalizes v and replaces the row for key or appends a new one.
func (s *Store) Upsert(key string, v []float32) error {
	if len(v) != s.dim {
		return fmt.Errorf("%w: got %d want %d", ErrDimensionMismatch, len(v), s.dim)
	}
	row := unit(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.index[key]; ok {
		copy(s.data[i*s.dim:(i+1)*s.dim], row)
		return nil
	}
	s.index[key] = len(s.keys)
	s.keys = append(s.keys, key)
	s.data = append(s.data, row...)
	return nil
}

// Search returns up to k hits with a positive score, best first; equal
// scores are ordered by key.
func (s *Store) Search(q []float32, k int) ([]Hit, error) {
	if len(q) != s.dim {
		return nil, fmt.Errorf("%w: query has %d want %d", ErrDimensionMismatch, len(q), s.dim)
	}
	if k <= 0 {
		return nil, nil
	}
	qn := unit(q)
	s.mu.RLock()
	hits := make([]Hit, 0, len(s.keys))
	for i, key := range s.keys {
		row := s.data[i*s.dim : (i+1)*s.dim]
		var dot float64
		for j, x := range row {
			dot += float64(x) * float64(qn[j])
		}
		if dot > 0 {
			hits = append(hits, Hit{Key: key, Score: dot})
		}
	}
	s.mu.RUnlock()
	sort.Slice(hits, func(a, b int) bool {
		if hits[a].Score != hits[b].Score {
			return hits[a].Score > hits[b].Score
		}
		return hits[a].Key < hits[b].Key
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// RemoveKeysNotIn keeps only rows whose key is in live and returns how many were dropped.
func (s *Store) RemoveKeysNotIn(live map[string]struct{}) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := s.keys[:0:0]
	data := make([]float32, 0, len(s.data))
	index := make(map[string]int, len(live))
	for i, key := range s.keys {
		if _, ok := live[key]; !ok {
			continue
		}
		index[key] = len(keys)
		keys = append(keys, key)
		data = append(data, s.data[i*s.dim:(i+1)*s.dim]...)
	}
	removed := len(s.keys) - len(keys)
	s.keys, s.data, s.index = keys, data, index
	return removed
}

// Reset drops every row.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys, s.data, s.index = nil, nil, map[string]int{}
}

func (s *Store) lock(ctx context.Context) (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(s.dataPath), 0o755); err != nil {
		return nil, fmt.Errorf("create vector dir: %w", err)
	}
	fl := flock.New(s.dataPath + ".lock")
	ok, err := fl.TryLockContext(ctx, lockRetry)
	if err != nil {
		return nil, fmt.Errorf("acquire vector lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("acquire vector lock: %s busy", s.dataPath)
	}
	return fl, nil
}

// Save writes the matrix and key list through temp files and renames them into place.
func (s *Store) Save(ctx context.Context) error {
	fl, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = fl.Unlock() }()

	s.mu.RLock()
	m := meta{Dim: s.dim, Keys: append([]string{}, s.keys...)}
	data := append([]float32(nil), s.data...)
	s.mu.RUnlock()

	if err := writeAtomic(s.dataPath, func(w io.Writer) error {
		return binary.Write(w, binary.LittleEndian, data)
	}); err != nil {
		return fmt.Errorf("save vector matrix: %w", err)
	}
	if err := writeAtomic(s.metaPath, func(w io.Writer) error {
		return json.NewEncoder(w).Encode(m)
	}); err != nil {
		return fmt.Errorf("save vector keys: %w", err)
	}
	s.logger.Debug("vector store saved", slog.Int("keys", len(m.Keys)), slog.Int("dim", s.dim))
	return nil
}

// Load replaces the in-memory rows with the persisted snapshot. Missing
// files leave the store empty.
func (s *Store) Load(ctx context.Context) error {
	fl, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = fl.Unlock() }()

	mb, err := os.ReadFile(s.metaPath)
	if errors.Is(err, os.ErrNotExist) {
		s.Reset()
		return nil
	}
	if err != nil {
		return fmt.Errorf("read vector keys: %w", err)
	}
	var m meta
	if err := json.Unmarshal(mb, &m); err != nil {
		return fmt.Errorf("decode vector keys: %w", err)
	}
	if m.Dim != s.dim {
		return fmt.Errorf("%w: file has %d configured %d", ErrDimensionMismatch, m.Dim, s.dim)
	}
	f, err := os.Open(s.dataPath)
	if err != nil {
		return fmt.Errorf("open vector matrix: %w", err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	if st.Size() != int64(len(m.Keys)*s.dim*4) {
		return fmt.Errorf("%w: %d bytes for %d keys", ErrCorrupt, st.Size(), len(m.Keys))
	}
	data := make([]float32, len(m.Keys)*s.dim)
	if err := binary.Read(bufio.NewReader(f), binary.LittleEndian, data); err != nil {
		return fmt.Errorf("read vector matrix: %w", err)
	}
	index := make(map[string]int, len(m.Keys))
	for i, k := range m.Keys {
		index[k] = i
	}
	s.mu.Lock()
	s.keys, s.data, s.index = m.Keys, data, index
	s.mu.Unlock()
	return nil
}

func writeAtomic(path string, fill func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	bw := bufio.NewWriter(tmp)
	if err := fill(bw); err != nil {
		tmp.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func unit(v []float32) []float32 {
	var n float64
	for _, x := range v {
		n += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if n == 0 {
		return out
	}
	n = math.Sqrt(n)
	for i, x := range v {
		out[i] = float32(float64(x) / n)
	}
	return out
}
