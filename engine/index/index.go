// Package index provides the in-memory nearest-neighbor index over
// embedded chunks. It supports build-from-chunks, cosine similarity
// search, max-marginal-relevance search, and file persistence so the
// admin corpus is not re-embedded on every restart.
package index

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"

	"github.com/CampusChat/campuschat/engine/domain"
)

const (
	// EmbedBatchSize is the max texts per embedding request.
	EmbedBatchSize = 64

	// PlaceholderSourceID marks the single synthetic entry inserted when an
	// index is built over zero chunks. Nearest-neighbor search over zero
	// points is degenerate, so every index holds at least one entry.
	PlaceholderSourceID = "__placeholder__"

	// placeholderText mirrors the original empty-store placeholder.
	placeholderText = "This is a placeholder document for an empty store."

	// mmrLambda is the fixed relevance/redundancy trade-off for MMR.
	mmrLambda = 0.5
)

// EmbeddedChunk is a chunk plus its embedding vector. Owned exclusively by
// the index that built it and never shared across indices.
type EmbeddedChunk struct {
	ID     string
	Chunk  domain.Chunk
	Vector []float32
}

// Index is a flat in-memory vector index. Read-only after Build/Load, and
// therefore safe for concurrent searches.
type Index struct {
	dim     int
	entries []EmbeddedChunk
}

// Build embeds all chunk texts through the embedding gateway, batched, and
// stores the resulting embedded chunks. It fails only when the embedding
// service is unreachable; an empty chunk set yields a one-entry placeholder
// index so downstream search never operates over an empty structure.
func Build(ctx context.Context, embedder domain.Embedder, chunks []domain.Chunk) (*Index, error) {
	if len(chunks) == 0 {
		chunks = []domain.Chunk{{Text: placeholderText, SourceID: PlaceholderSourceID, Ordinal: 0}}
	}

	entries := make([]EmbeddedChunk, 0, len(chunks))
	for start := 0; start < len(chunks); start += EmbedBatchSize {
		end := start + EmbedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		texts := make([]string, end-start)
		for i, c := range chunks[start:end] {
			texts[i] = c.Text
		}
		vectors, err := embedder.EmbedMany(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("index: embed batch [%d:%d]: %w", start, end, err)
		}
		if len(vectors) != len(texts) {
			return nil, fmt.Errorf("index: embedding gateway returned %d vectors for %d texts", len(vectors), len(texts))
		}
		for i, vec := range vectors {
			c := chunks[start+i]
			entries = append(entries, EmbeddedChunk{
				ID:     pointID(c),
				Chunk:  c,
				Vector: normalize(vec),
			})
		}
	}

	dim := len(entries[0].Vector)
	for _, e := range entries {
		if len(e.Vector) != dim {
			return nil, fmt.Errorf("index: inconsistent embedding dimensions %d vs %d", len(e.Vector), dim)
		}
	}
	return &Index{dim: dim, entries: entries}, nil
}

// pointID derives a stable identifier from chunk identity.
func pointID(c domain.Chunk) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(c.SourceID+"\x00"+c.Text)).String()
}

// Dim returns the embedding dimensionality of this index.
func (ix *Index) Dim() int { return ix.dim }

// Len returns the number of entries, including any placeholder.
func (ix *Index) Len() int { return len(ix.entries) }

// Chunks returns the real (non-placeholder) chunks held by the index.
func (ix *Index) Chunks() []domain.Chunk {
	out := make([]domain.Chunk, 0, len(ix.entries))
	for _, e := range ix.entries {
		if e.Chunk.SourceID == PlaceholderSourceID {
			continue
		}
		out = append(out, e.Chunk)
	}
	return out
}

// Search returns the top-k chunks by cosine similarity to the query.
func (ix *Index) Search(ctx context.Context, embedder domain.Embedder, query string, k int) ([]domain.ScoredChunk, error) {
	qv, err := ix.embedQuery(ctx, embedder, query)
	if err != nil {
		return nil, err
	}
	return ix.searchVector(qv, k), nil
}

// SearchMMR returns up to k chunks selected iteratively to maximize
// relevance to the query while penalizing similarity to already-selected
// results.
func (ix *Index) SearchMMR(ctx context.Context, embedder domain.Embedder, query string, k int) ([]domain.ScoredChunk, error) {
	qv, err := ix.embedQuery(ctx, embedder, query)
	if err != nil {
		return nil, err
	}

	type cand struct {
		i   int
		rel float64
	}
	cands := make([]cand, len(ix.entries))
	for i, e := range ix.entries {
		cands[i] = cand{i: i, rel: dot(qv, e.Vector)}
	}

	if k > len(cands) {
		k = len(cands)
	}
	selected := make([]int, 0, k)
	picked := make([]bool, len(cands))

	for len(selected) < k {
		best := -1
		bestScore := math.Inf(-1)
		for _, c := range cands {
			if picked[c.i] {
				continue
			}
			redundancy := 0.0
			for _, s := range selected {
				if sim := float64(dot(ix.entries[c.i].Vector, ix.entries[s].Vector)); sim > redundancy {
					redundancy = sim
				}
			}
			score := mmrLambda*c.rel - (1-mmrLambda)*redundancy
			if score > bestScore {
				bestScore = score
				best = c.i
			}
		}
		if best < 0 {
			break
		}
		picked[best] = true
		selected = append(selected, best)
	}

	out := make([]domain.ScoredChunk, len(selected))
	for i, s := range selected {
		out[i] = domain.ScoredChunk{Chunk: ix.entries[s].Chunk, Score: dot(qv, ix.entries[s].Vector)}
	}
	return out, nil
}

func (ix *Index) embedQuery(ctx context.Context, embedder domain.Embedder, query string) ([]float32, error) {
	vectors, err := embedder.EmbedMany(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("index: embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("index: embedding gateway returned %d vectors for 1 text", len(vectors))
	}
	qv := normalize(vectors[0])
	if len(qv) != ix.dim {
		return nil, fmt.Errorf("index: query dimension %d does not match index dimension %d: %w",
			len(qv), ix.dim, domain.ErrIncompatibleIndex)
	}
	return qv, nil
}

// searchVector scores every entry against the normalized query vector and
// returns the top-k by score, ties broken by insertion order.
func (ix *Index) searchVector(qv []float32, k int) []domain.ScoredChunk {
	scored := make([]domain.ScoredChunk, len(ix.entries))
	order := make([]int, len(ix.entries))
	for i, e := range ix.entries {
		scored[i] = domain.ScoredChunk{Chunk: e.Chunk, Score: dot(qv, e.Vector)}
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scored[order[a]].Score > scored[order[b]].Score
	})
	if k > len(order) {
		k = len(order)
	}
	out := make([]domain.ScoredChunk, k)
	for i := 0; i < k; i++ {
		out[i] = scored[order[i]]
	}
	return out
}

// dot computes the inner product; vectors are L2-normalized at build time,
// so this is cosine similarity.
func dot(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func normalize(v []float32) []float32 {
	var norm float64
	for _, f := range v {
		norm += float64(f) * float64(f)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(float64(f) / norm)
	}
	return out
}
