package index

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/CampusChat/campuschat/engine/domain"
)

// vocabEmbedder is a deterministic fake that embeds text as term counts
// over a tiny vocabulary.
type vocabEmbedder struct {
	vocab []string
	err   error
	calls int
}

func newVocabEmbedder() *vocabEmbedder {
	return &vocabEmbedder{vocab: []string{"room", "change", "policy", "meal", "plan", "cafeteria"}}
}

func (e *vocabEmbedder) EmbedMany(_ context.Context, texts []string) ([][]float32, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec := make([]float32, len(e.vocab)+1)
		vec[len(e.vocab)] = 0.001 // avoid the zero vector
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

func chunksOf(texts ...string) []domain.Chunk {
	out := make([]domain.Chunk, len(texts))
	for i, t := range texts {
		out[i] = domain.Chunk{Text: t, SourceID: "doc.pdf", Ordinal: i}
	}
	return out
}

func TestBuildEmptyGetsPlaceholder(t *testing.T) {
	ix, err := Build(context.Background(), newVocabEmbedder(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ix.Len() != 1 {
		t.Fatalf("expected 1 placeholder entry, got %d", ix.Len())
	}
	if got := ix.Chunks(); len(got) != 0 {
		t.Errorf("placeholder must not count as a real chunk, got %v", got)
	}
	// Search over the placeholder index still works.
	res, err := ix.Search(context.Background(), newVocabEmbedder(), "anything", 3)
	if err != nil {
		t.Fatalf("search over placeholder index: %v", err)
	}
	if len(res) != 1 || res[0].Chunk.SourceID != PlaceholderSourceID {
		t.Errorf("expected the placeholder entry, got %v", res)
	}
}

func TestBuildEmbedFailureFailsFast(t *testing.T) {
	emb := newVocabEmbedder()
	emb.err = domain.ErrEmbeddingUnavailable
	_, err := Build(context.Background(), emb, chunksOf("room change policy"))
	if !errors.Is(err, domain.ErrEmbeddingUnavailable) {
		t.Errorf("expected ErrEmbeddingUnavailable, got %v", err)
	}
}

func TestSearchRanksByCosine(t *testing.T) {
	ix, err := Build(context.Background(), newVocabEmbedder(), chunksOf(
		"room change",
		"meal plan cafeteria",
		"policy",
	))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	res, err := ix.Search(context.Background(), newVocabEmbedder(), "room change", 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(res) != 2 {
		t.Fatalf("expected 2 results, got %d", len(res))
	}
	if res[0].Chunk.Text != "room change" {
		t.Errorf("top result = %q, want the room change chunk", res[0].Chunk.Text)
	}
	if res[0].Score <= res[1].Score {
		t.Errorf("scores not descending: %v then %v", res[0].Score, res[1].Score)
	}
}

func TestSearchMMRPrefersDiversity(t *testing.T) {
	ix, err := Build(context.Background(), newVocabEmbedder(), chunksOf(
		"room change",
		"room change policy",
		"meal plan room cafeteria",
	))
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	sim, err := ix.Search(context.Background(), newVocabEmbedder(), "room", 2)
	if err != nil {
		t.Fatalf("similarity search: %v", err)
	}
	if sim[1].Chunk.Text != "room change policy" {
		t.Fatalf("similarity second = %q, want the near-duplicate", sim[1].Chunk.Text)
	}

	mmr, err := ix.SearchMMR(context.Background(), newVocabEmbedder(), "room", 2)
	if err != nil {
		t.Fatalf("mmr search: %v", err)
	}
	if mmr[0].Chunk.Text != "room change" {
		t.Errorf("mmr first = %q, want the most relevant chunk", mmr[0].Chunk.Text)
	}
	if mmr[1].Chunk.Text != "meal plan room cafeteria" {
		t.Errorf("mmr second = %q, want the diverse chunk", mmr[1].Chunk.Text)
	}
}

func TestSearchDeterministic(t *testing.T) {
	ix, err := Build(context.Background(), newVocabEmbedder(), chunksOf(
		"room change", "room change", "meal plan",
	))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	first, err := ix.Search(context.Background(), newVocabEmbedder(), "room", 3)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := ix.Search(context.Background(), newVocabEmbedder(), "room", 3)
		if err != nil {
			t.Fatalf("search: %v", err)
		}
		for j := range first {
			if first[j].Chunk != again[j].Chunk {
				t.Fatalf("run %d position %d: %v != %v", i, j, again[j].Chunk, first[j].Chunk)
			}
		}
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store", "admin.idx")

	ix, err := Build(context.Background(), newVocabEmbedder(), chunksOf(
		"room change policy", "meal plan", "cafeteria plan",
	))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := ix.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Dim() != ix.Dim() || loaded.Len() != ix.Len() {
		t.Fatalf("shape mismatch after load: dim %d/%d len %d/%d", loaded.Dim(), ix.Dim(), loaded.Len(), ix.Len())
	}

	want, _ := ix.Search(context.Background(), newVocabEmbedder(), "meal plan", 3)
	got, err := loaded.Search(context.Background(), newVocabEmbedder(), "meal plan", 3)
	if err != nil {
		t.Fatalf("search loaded: %v", err)
	}
	for i := range want {
		if got[i].Chunk != want[i].Chunk {
			t.Errorf("result %d chunk mismatch: %v != %v", i, got[i].Chunk, want[i].Chunk)
		}
		if math.Abs(got[i].Score-want[i].Score) > 1e-9 {
			t.Errorf("result %d score mismatch: %v != %v", i, got[i].Score, want[i].Score)
		}
	}
}

func TestLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.idx")
	if err := os.WriteFile(path, []byte("not a gob snapshot"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if !errors.Is(err, domain.ErrIncompatibleIndex) {
		t.Errorf("expected ErrIncompatibleIndex, got %v", err)
	}
}

func TestQueryDimensionMismatch(t *testing.T) {
	ix, err := Build(context.Background(), newVocabEmbedder(), chunksOf("room change"))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	narrow := &vocabEmbedder{vocab: []string{"room"}}
	_, err = ix.Search(context.Background(), narrow, "room", 1)
	if !errors.Is(err, domain.ErrIncompatibleIndex) {
		t.Errorf("expected ErrIncompatibleIndex, got %v", err)
	}
}
