// Package retrieve composes vector and lexical indices into one ranked
// retrieval result via weighted score fusion.
package retrieve

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/CampusChat/campuschat/engine/domain"
	"github.com/CampusChat/campuschat/engine/index"
	"github.com/CampusChat/campuschat/engine/lexical"
)

// DefaultK is the default number of chunks to retrieve.
const DefaultK = 5

// fusionWeight is the fixed equal weight used when fusing two result
// lists. Corpus-size-proportional weighting was considered and rejected;
// see the design notes.
const fusionWeight = 0.5

// Retriever produces one ranked retrieval result from the admin vector
// index, an optional per-session user vector index, and, in hybrid mode, a
// lexical index built over the current chunk snapshot.
type Retriever struct {
	embedder domain.Embedder
	admin    *index.Index
	user     *index.Index // nil when the session has no uploads
	mode     domain.SearchMode
	k        int
	logger   *slog.Logger
}

// New creates a Retriever. user may be nil.
func New(embedder domain.Embedder, admin, user *index.Index, mode domain.SearchMode, k int, logger *slog.Logger) *Retriever {
	if k <= 0 {
		k = DefaultK
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{embedder: embedder, admin: admin, user: user, mode: mode, k: k, logger: logger}
}

// Retrieve returns the top-k chunks for the query under the retriever's
// mode, highest fused score first, deduplicated by chunk identity. The
// ordering is deterministic: ties resolve by first appearance in the admin
// list, then the user list, then the lexical list.
func (r *Retriever) Retrieve(ctx context.Context, query string) ([]domain.ScoredChunk, error) {
	switch r.mode {
	case domain.ModeSimilarity:
		return r.vector(ctx, query, false)
	case domain.ModeMMR:
		return r.vector(ctx, query, true)
	case domain.ModeHybrid:
		return r.hybrid(ctx, query)
	default:
		return nil, fmt.Errorf("retrieve: unhandled search mode %v", r.mode)
	}
}

// vector runs similarity or MMR search against the vector indices,
// fusing admin and user results at equal weight when both exist.
func (r *Retriever) vector(ctx context.Context, query string, mmr bool) ([]domain.ScoredChunk, error) {
	search := func(ix *index.Index) ([]domain.ScoredChunk, error) {
		if mmr {
			return ix.SearchMMR(ctx, r.embedder, query, r.k)
		}
		return ix.Search(ctx, r.embedder, query, r.k)
	}

	adminRes, err := search(r.admin)
	if err != nil {
		return nil, err
	}
	if r.user == nil {
		return dedupe(adminRes), nil
	}
	userRes, err := search(r.user)
	if err != nil {
		return nil, err
	}
	return cap_(fuse(adminRes, userRes), r.k), nil
}

// hybrid fuses vector results with BM25 results over the current chunk
// snapshot. With fewer than two real chunks term statistics are undefined,
// so retrieval degrades to similarity-only with a diagnostic.
func (r *Retriever) hybrid(ctx context.Context, query string) ([]domain.ScoredChunk, error) {
	snapshot := r.admin.Chunks()
	if r.user != nil {
		snapshot = append(snapshot, r.user.Chunks()...)
	}

	lex, err := lexical.Build(snapshot)
	if err != nil {
		r.logger.Warn("retrieve: hybrid degraded to similarity",
			"chunks", len(snapshot), "err", err)
		return r.vector(ctx, query, false)
	}

	adminRes, err := r.admin.Search(ctx, r.embedder, query, r.k)
	if err != nil {
		return nil, err
	}
	vectorRes := adminRes
	if r.user != nil {
		userRes, err := r.user.Search(ctx, r.embedder, query, r.k)
		if err != nil {
			return nil, err
		}
		vectorRes = fuse(adminRes, userRes)
	}

	lexRes := lex.Search(query, r.k)
	return cap_(fuse(vectorRes, lexRes), r.k), nil
}

// fuse merges two ranked lists by weighted score. Each list's scores are
// min-max normalized to a common scale, weighted equally, and entries are
// deduplicated by chunk identity keeping the higher weighted score. Order
// is deterministic: fused score descending, ties by first appearance in
// list order.
func fuse(lists ...[]domain.ScoredChunk) []domain.ScoredChunk {
	type slot struct {
		chunk domain.Chunk
		score float64
		seq   int
	}
	slots := make(map[domain.ChunkKey]*slot)
	var order []*slot
	seq := 0

	for _, list := range lists {
		for _, sc := range normalizeScores(list) {
			weighted := sc.Score * fusionWeight
			key := sc.Chunk.Key()
			if s, ok := slots[key]; ok {
				if weighted > s.score {
					s.score = weighted
				}
				continue
			}
			s := &slot{chunk: sc.Chunk, score: weighted, seq: seq}
			seq++
			slots[key] = s
			order = append(order, s)
		}
	}

	sort.SliceStable(order, func(a, b int) bool {
		if order[a].score != order[b].score {
			return order[a].score > order[b].score
		}
		return order[a].seq < order[b].seq
	})

	out := make([]domain.ScoredChunk, len(order))
	for i, s := range order {
		out[i] = domain.ScoredChunk{Chunk: s.chunk, Score: s.score}
	}
	return out
}

// dedupe collapses entries sharing a chunk identity, keeping the first
// (highest ranked) occurrence. The index does not enforce uniqueness, so
// a corpus indexed with repeated text would otherwise leak duplicates
// through the single-list paths that bypass fuse.
func dedupe(list []domain.ScoredChunk) []domain.ScoredChunk {
	seen := make(map[domain.ChunkKey]struct{}, len(list))
	out := make([]domain.ScoredChunk, 0, len(list))
	for _, sc := range list {
		key := sc.Chunk.Key()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, sc)
	}
	return out
}

// normalizeScores min-max scales a list's scores into [0,1]. A constant
// list maps to all ones.
func normalizeScores(list []domain.ScoredChunk) []domain.ScoredChunk {
	if len(list) == 0 {
		return nil
	}
	lo, hi := list[0].Score, list[0].Score
	for _, sc := range list {
		if sc.Score < lo {
			lo = sc.Score
		}
		if sc.Score > hi {
			hi = sc.Score
		}
	}
	out := make([]domain.ScoredChunk, len(list))
	for i, sc := range list {
		norm := 1.0
		if hi > lo {
			norm = (sc.Score - lo) / (hi - lo)
		}
		out[i] = domain.ScoredChunk{Chunk: sc.Chunk, Score: norm}
	}
	return out
}

func cap_(list []domain.ScoredChunk, k int) []domain.ScoredChunk {
	if len(list) > k {
		return list[:k]
	}
	return list
}
