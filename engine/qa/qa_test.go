package qa

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/CampusChat/campuschat/engine/domain"
	"github.com/CampusChat/campuschat/engine/index"
)

// scriptedGen returns canned replies in call order and records every
// message list it was given.
type scriptedGen struct {
	replies []string
	calls   [][]Message
	err     error
}

func (g *scriptedGen) Chat(_ context.Context, msgs []Message) (string, error) {
	g.calls = append(g.calls, msgs)
	if g.err != nil {
		return "", g.err
	}
	i := len(g.calls) - 1
	if i >= len(g.replies) {
		return "", errors.New("no scripted reply")
	}
	return g.replies[i], nil
}

type stubRetriever struct {
	queries []string
	result  []domain.ScoredChunk
	err     error
}

func (r *stubRetriever) Retrieve(_ context.Context, query string) ([]domain.ScoredChunk, error) {
	r.queries = append(r.queries, query)
	return r.result, r.err
}

func roomChunk() domain.ScoredChunk {
	return domain.ScoredChunk{
		Chunk: domain.Chunk{
			Text:     "Room changes require a written request submitted within 14 days.",
			SourceID: "housing_policy.txt",
		},
		Score: 0.92,
	}
}

func TestAnswerWithoutHistorySkipsContextualization(t *testing.T) {
	gen := &scriptedGen{replies: []string{"Submit a written request within 14 days."}}
	ret := &stubRetriever{result: []domain.ScoredChunk{roomChunk()}}

	p := New(gen, Options{}, nil)
	ans, err := p.Answer(context.Background(), Request{
		Query:     "How do I change my room?",
		Retriever: ret,
	})
	if err != nil {
		t.Fatalf("answer: %v", err)
	}

	if len(gen.calls) != 1 {
		t.Fatalf("expected 1 generation call with empty history, got %d", len(gen.calls))
	}
	if got := ret.queries; len(got) != 1 || got[0] != "How do I change my room?" {
		t.Errorf("retriever queried with %v, want the raw query", got)
	}
	if len(ans.Context) != 1 || ans.Context[0] != roomChunk().Chunk {
		t.Errorf("context = %v", ans.Context)
	}
	if got := Citations(ans.Text); !reflect.DeepEqual(got, []string{"housing_policy.txt"}) {
		t.Errorf("citations = %v, want the grounding document", got)
	}
}

func TestAnswerContextualizesFollowUp(t *testing.T) {
	gen := &scriptedGen{replies: []string{
		"What is the deadline for maintenance requests?",
		"Maintenance requests are due by Friday.\n\n*Citations: [maintenance.txt]*",
	}}
	ret := &stubRetriever{result: []domain.ScoredChunk{{
		Chunk: domain.Chunk{Text: "Maintenance requests are due by Friday.", SourceID: "maintenance.txt"},
		Score: 0.8,
	}}}

	history := []domain.ChatTurn{
		{Role: domain.RoleHuman, Content: "What is the deadline for room change requests?"},
		{Role: domain.RoleAssistant, Content: "Room change requests are due within 14 days."},
	}

	p := New(gen, Options{}, nil)
	ans, err := p.Answer(context.Background(), Request{
		Query:     "What about for maintenance requests?",
		History:   history,
		Retriever: ret,
	})
	if err != nil {
		t.Fatalf("answer: %v", err)
	}

	if len(gen.calls) != 2 {
		t.Fatalf("expected contextualize + generate calls, got %d", len(gen.calls))
	}
	// The rewrite call sees the history and the raw query, not an answer
	// instruction.
	rewrite := gen.calls[0]
	if rewrite[0].Role != "system" || !strings.Contains(rewrite[0].Content, "standalone question") {
		t.Errorf("first call missing rewrite instruction: %v", rewrite[0])
	}
	if len(rewrite) != 4 || rewrite[3].Content != "What about for maintenance requests?" {
		t.Errorf("rewrite messages = %v", rewrite)
	}

	// The standalone query drives retrieval and must not depend on the
	// missing antecedent.
	q := ret.queries[0]
	if !strings.Contains(q, "maintenance") {
		t.Errorf("standalone query %q lost the subject", q)
	}
	if !strings.Contains(q, "deadline") && !strings.Contains(q, "request") {
		t.Errorf("standalone query %q lost the topic", q)
	}

	if got := Citations(ans.Text); !reflect.DeepEqual(got, []string{"maintenance.txt"}) {
		t.Errorf("citations = %v", got)
	}
}

func TestAnswerKeepsModelCitations(t *testing.T) {
	gen := &scriptedGen{replies: []string{"See the policy.\n\n*Citations: [housing_policy.txt]*"}}
	ret := &stubRetriever{result: []domain.ScoredChunk{roomChunk()}}

	p := New(gen, Options{}, nil)
	ans, err := p.Answer(context.Background(), Request{Query: "room change?", Retriever: ret})
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if n := strings.Count(ans.Text, "*Citations:"); n != 1 {
		t.Errorf("citation line appears %d times, want 1", n)
	}
}

func TestAnswerFiltersPlaceholderContext(t *testing.T) {
	gen := &scriptedGen{replies: []string{"I don't know."}}
	ret := &stubRetriever{result: []domain.ScoredChunk{{
		Chunk: domain.Chunk{Text: "placeholder", SourceID: index.PlaceholderSourceID},
		Score: 0.1,
	}}}

	p := New(gen, Options{}, nil)
	ans, err := p.Answer(context.Background(), Request{Query: "anything?", Retriever: ret})
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if len(ans.Context) != 0 {
		t.Errorf("placeholder must not surface as context, got %v", ans.Context)
	}
	if Citations(ans.Text) != nil {
		t.Errorf("no citations expected without real context, got %q", ans.Text)
	}
	if !strings.Contains(gen.calls[0][0].Content, "(no relevant documents found)") {
		t.Error("empty context must be stated in the prompt")
	}
}

func TestAnswerGenerationFailurePropagates(t *testing.T) {
	gen := &scriptedGen{err: domain.ErrGenerationUnavailable}
	ret := &stubRetriever{result: []domain.ScoredChunk{roomChunk()}}

	p := New(gen, Options{}, nil)
	_, err := p.Answer(context.Background(), Request{Query: "room change?", Retriever: ret})
	if !errors.Is(err, domain.ErrGenerationUnavailable) {
		t.Errorf("expected ErrGenerationUnavailable, got %v", err)
	}
}

func TestAnswerRetrievalFailurePropagates(t *testing.T) {
	gen := &scriptedGen{replies: []string{"unused"}}
	ret := &stubRetriever{err: domain.ErrEmbeddingUnavailable}

	p := New(gen, Options{}, nil)
	_, err := p.Answer(context.Background(), Request{Query: "room change?", Retriever: ret})
	if !errors.Is(err, domain.ErrEmbeddingUnavailable) {
		t.Errorf("expected ErrEmbeddingUnavailable, got %v", err)
	}
}

func TestAnswerRejectsInvalidQuery(t *testing.T) {
	p := New(&scriptedGen{}, Options{}, nil)
	if _, err := p.Answer(context.Background(), Request{Query: "  "}); err == nil {
		t.Error("blank query must be rejected before any model call")
	}
}

func TestCitations(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"Answer.\n\n*Citations: [a.txt, b.txt]*", []string{"a.txt", "b.txt"}},
		{"Answer.\n\n*Citations: [a.txt]*", []string{"a.txt"}},
		{"*Citations: []*", nil},
		{"No citation line here.", nil},
		{"Mentions *Citations: [x]* early.\n*Citations: [final.txt]*", []string{"final.txt"}},
	}
	for _, tt := range tests {
		if got := Citations(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Citations(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
