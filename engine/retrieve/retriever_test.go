package retrieve

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/CampusChat/campuschat/engine/domain"
	"github.com/CampusChat/campuschat/engine/index"
)

// vocabEmbedder embeds text as term counts over a tiny vocabulary.
type vocabEmbedder struct {
	vocab []string
}

func newVocabEmbedder() *vocabEmbedder {
	return &vocabEmbedder{vocab: []string{"room", "change", "policy", "meal", "plan", "cafeteria"}}
}

func (e *vocabEmbedder) EmbedMany(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec := make([]float32, len(e.vocab)+1)
		vec[len(e.vocab)] = 0.001
		for _, w := range strings.Fields(strings.ToLower(t)) {
			for j, v := range e.vocab {
				if strings.Trim(w, ".,!?") == v {
					vec[j]++
				}
			}
		}
		out[i] = vec
	}
	return out, nil
}

func buildIndex(t *testing.T, emb domain.Embedder, texts ...string) *index.Index {
	t.Helper()
	chunks := make([]domain.Chunk, len(texts))
	for i, txt := range texts {
		chunks[i] = domain.Chunk{Text: txt, SourceID: "handbook.pdf", Ordinal: i}
	}
	ix, err := index.Build(context.Background(), emb, chunks)
	if err != nil {
		t.Fatalf("build index: %v", err)
	}
	return ix
}

func TestSimilarityPassesThroughWithoutUserIndex(t *testing.T) {
	emb := newVocabEmbedder()
	admin := buildIndex(t, emb, "room change", "meal plan cafeteria", "policy")

	r := New(emb, admin, nil, domain.ModeSimilarity, 3, nil)
	got, err := r.Retrieve(context.Background(), "room change")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	want, err := admin.Search(context.Background(), emb, "room change", 3)
	if err != nil {
		t.Fatalf("direct search: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("similarity without uploads must match direct index search:\ngot  %v\nwant %v", got, want)
	}
}

func TestHybridFusesVectorAndLexical(t *testing.T) {
	emb := newVocabEmbedder()
	admin := buildIndex(t, emb, "room change", "meal plan cafeteria", "policy")

	r := New(emb, admin, nil, domain.ModeHybrid, 5, nil)
	res, err := r.Retrieve(context.Background(), "room change")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(res) == 0 {
		t.Fatal("expected results")
	}
	if res[0].Chunk.Text != "room change" {
		t.Errorf("top fused result = %q, want the chunk matched by both rankers", res[0].Chunk.Text)
	}
	for i := 1; i < len(res); i++ {
		if res[i].Score > res[i-1].Score {
			t.Errorf("fused scores not descending at %d: %v", i, res)
		}
	}
}

func TestHybridDegradesToSimilarityOnTinyCorpus(t *testing.T) {
	emb := newVocabEmbedder()
	admin := buildIndex(t, emb, "room change policy")

	r := New(emb, admin, nil, domain.ModeHybrid, 5, nil)
	res, err := r.Retrieve(context.Background(), "room change")
	if err != nil {
		t.Fatalf("retrieve over single-chunk corpus: %v", err)
	}
	if len(res) != 1 || res[0].Chunk.Text != "room change policy" {
		t.Errorf("expected the lone chunk via similarity fallback, got %v", res)
	}
}

func TestUserIndexFusionDeduplicates(t *testing.T) {
	emb := newVocabEmbedder()
	admin := buildIndex(t, emb, "meal plan", "policy")
	user := buildIndex(t, emb, "meal plan", "cafeteria")

	r := New(emb, admin, user, domain.ModeSimilarity, 5, nil)
	res, err := r.Retrieve(context.Background(), "meal plan")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(res) != 3 {
		t.Fatalf("expected 3 distinct chunks after dedup, got %d: %v", len(res), res)
	}
	if res[0].Chunk.Text != "meal plan" {
		t.Errorf("top result = %q, want the chunk present in both indices", res[0].Chunk.Text)
	}
	seen := make(map[domain.ChunkKey]int)
	for _, sc := range res {
		seen[sc.Chunk.Key()]++
	}
	for key, n := range seen {
		if n > 1 {
			t.Errorf("chunk %v appears %d times", key, n)
		}
	}
}

func TestVectorSearchCollapsesDuplicateChunks(t *testing.T) {
	emb := newVocabEmbedder()
	// Two index entries share the same (source, text) identity.
	admin := buildIndex(t, emb, "room change policy", "room change policy", "meal plan")

	for _, mode := range []domain.SearchMode{domain.ModeSimilarity, domain.ModeMMR} {
		r := New(emb, admin, nil, mode, 5, nil)
		res, err := r.Retrieve(context.Background(), "room change")
		if err != nil {
			t.Fatalf("%v: retrieve: %v", mode, err)
		}
		if len(res) == 0 {
			t.Fatalf("%v: expected results", mode)
		}
		seen := make(map[domain.ChunkKey]int)
		for _, sc := range res {
			seen[sc.Chunk.Key()]++
		}
		for key, n := range seen {
			if n > 1 {
				t.Errorf("%v: chunk %q returned %d times, want once", mode, key.Text, n)
			}
		}
	}
}

func TestRetrieveDeterministic(t *testing.T) {
	emb := newVocabEmbedder()
	admin := buildIndex(t, emb, "room change", "meal plan cafeteria", "policy", "room policy")

	r := New(emb, admin, nil, domain.ModeHybrid, 4, nil)
	first, err := r.Retrieve(context.Background(), "room policy")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := r.Retrieve(context.Background(), "room policy")
		if err != nil {
			t.Fatalf("retrieve run %d: %v", i, err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d differs:\n%v\n%v", i, again, first)
		}
	}
}

func TestFuseKeepsHigherScoreAndBreaksTiesByFirstSeen(t *testing.T) {
	c1 := domain.ScoredChunk{Chunk: domain.Chunk{Text: "a", SourceID: "s"}, Score: 1.0}
	c2 := domain.ScoredChunk{Chunk: domain.Chunk{Text: "b", SourceID: "s"}, Score: 0.5}
	c2b := domain.ScoredChunk{Chunk: domain.Chunk{Text: "b", SourceID: "s"}, Score: 2.0}
	c3 := domain.ScoredChunk{Chunk: domain.Chunk{Text: "c", SourceID: "s"}, Score: 1.0}

	// List one normalizes a=1, b=0; list two normalizes b=1, c=0. After
	// weighting, a and b tie at 0.5 and b keeps its higher entry.
	got := fuse(
		[]domain.ScoredChunk{c1, c2},
		[]domain.ScoredChunk{c2b, c3},
	)
	if len(got) != 3 {
		t.Fatalf("expected 3 fused entries, got %v", got)
	}
	if got[0].Chunk.Text != "a" || got[1].Chunk.Text != "b" {
		t.Errorf("tie must resolve by first appearance: got %q then %q", got[0].Chunk.Text, got[1].Chunk.Text)
	}
	if got[0].Score != got[1].Score {
		t.Errorf("expected a tie at the top, got %v and %v", got[0].Score, got[1].Score)
	}
	if got[2].Chunk.Text != "c" || got[2].Score != 0 {
		t.Errorf("lowest entry mismatch: %v", got[2])
	}
}

func TestNormalizeScoresConstantList(t *testing.T) {
	in := []domain.ScoredChunk{
		{Chunk: domain.Chunk{Text: "a"}, Score: 0.3},
		{Chunk: domain.Chunk{Text: "b"}, Score: 0.3},
	}
	for _, sc := range normalizeScores(in) {
		if sc.Score != 1.0 {
			t.Errorf("constant list must normalize to 1.0, got %v", sc.Score)
		}
	}
}
