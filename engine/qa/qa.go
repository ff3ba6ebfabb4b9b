// Package qa orchestrates the conversational answering pipeline: rewrite
// the latest query into a standalone one using chat history, retrieve
// grounding context for it, and generate a concise cited answer. The
// pipeline is stateless across invocations; all history is passed in and
// never mutated here.
package qa

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/CampusChat/campuschat/engine/domain"
	"github.com/CampusChat/campuschat/engine/index"
	"github.com/CampusChat/campuschat/pkg/fn"
)

// Message is one turn sent to the generation gateway.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// Generator abstracts the generation model service.
type Generator interface {
	Chat(ctx context.Context, msgs []Message) (string, error)
}

// Retriever abstracts the hybrid retriever for one query.
type Retriever interface {
	Retrieve(ctx context.Context, query string) ([]domain.ScoredChunk, error)
}

// Options configures the pipeline.
type Options struct {
	// GenerationTimeout bounds each generation call. Zero disables it.
	GenerationTimeout time.Duration
}

// Pipeline is the two-stage conversational QA chain.
type Pipeline struct {
	gen    Generator
	opts   Options
	logger *slog.Logger
}

// New creates a Pipeline.
func New(gen Generator, opts Options, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{gen: gen, opts: opts, logger: logger}
}

// Request carries one answer invocation. The retriever already encodes
// the session's index state and search mode.
type Request struct {
	Query     string
	History   []domain.ChatTurn
	Retriever Retriever
}

// Answer is the pipeline output: the generated text plus the retrieved
// chunks it was grounded on. The caller persists history; a failed
// request leaves history untouched.
type Answer struct {
	Text    string         `json:"text"`
	Context []domain.Chunk `json:"context"`
}

const contextualizeSystemPrompt = `Given a chat history and the latest user question ` +
	`which might reference context in the chat history, formulate a standalone question ` +
	`which can be understood without the chat history. Do NOT answer the question, ` +
	`just reformulate it if needed and otherwise return it as is.`

const answerSystemPrompt = `You are an assistant for question-answering tasks about campus life and student services.
Use the retrieved context below to answer the question. If the context does
not contain the answer, say that you don't know. Keep the answer concise.
End your answer with a line of the form *Citations: [source1, source2]*
listing the distinct sources you actually drew upon.

Context:
%s`

// state threads intermediate values through the pipeline stages.
type state struct {
	req        Request
	standalone string
	context    []domain.ScoredChunk
	answer     string
}

// Answer runs contextualize, retrieve, generate. Stages are strictly
// sequential; each depends on the previous stage's output.
func (p *Pipeline) Answer(ctx context.Context, req Request) (*Answer, error) {
	if err := domain.ValidateQuery(req.Query); err != nil {
		return nil, err
	}

	run := fn.Then(
		fn.TracedStage("qa.contextualize", p.contextualize),
		fn.Then(
			fn.TracedStage("qa.retrieve", p.retrieve),
			fn.TracedStage("qa.generate", p.generate),
		),
	)

	st, err := run(ctx, &state{req: req}).Unwrap()
	if err != nil {
		return nil, err
	}

	chunks := fn.Map(st.context, func(sc domain.ScoredChunk) domain.Chunk { return sc.Chunk })
	return &Answer{Text: st.answer, Context: chunks}, nil
}

// contextualize rewrites the query into standalone form. An empty history
// means there is nothing to resolve against, so the raw query passes
// through without a model call.
func (p *Pipeline) contextualize(ctx context.Context, st *state) fn.Result[*state] {
	if len(st.req.History) == 0 {
		st.standalone = st.req.Query
		return fn.Ok(st)
	}

	msgs := make([]Message, 0, len(st.req.History)+2)
	msgs = append(msgs, Message{Role: "system", Content: contextualizeSystemPrompt})
	msgs = append(msgs, historyMessages(st.req.History)...)
	msgs = append(msgs, Message{Role: "user", Content: st.req.Query})

	rewritten, err := p.chat(ctx, msgs)
	if err != nil {
		return fn.Err[*state](fmt.Errorf("qa: contextualize: %w", err))
	}
	st.standalone = strings.TrimSpace(rewritten)
	if st.standalone == "" {
		st.standalone = st.req.Query
	}
	p.logger.Debug("query contextualized", "standalone", st.standalone)
	return fn.Ok(st)
}

// retrieve fetches grounding chunks for the standalone query. The
// placeholder entry of an empty index is internal and never surfaces as
// context.
func (p *Pipeline) retrieve(ctx context.Context, st *state) fn.Result[*state] {
	res, err := st.req.Retriever.Retrieve(ctx, st.standalone)
	if err != nil {
		return fn.Err[*state](fmt.Errorf("qa: retrieve: %w", err))
	}
	for _, sc := range res {
		if sc.Chunk.SourceID == index.PlaceholderSourceID {
			continue
		}
		st.context = append(st.context, sc)
	}
	return fn.Ok(st)
}

// generate produces the grounded answer and guarantees a citation line.
func (p *Pipeline) generate(ctx context.Context, st *state) fn.Result[*state] {
	var b strings.Builder
	for i, sc := range st.context {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%s] %s", sc.Chunk.SourceID, sc.Chunk.Text)
	}
	contextBlock := b.String()
	if contextBlock == "" {
		contextBlock = "(no relevant documents found)"
	}

	msgs := make([]Message, 0, len(st.req.History)+2)
	msgs = append(msgs, Message{Role: "system", Content: fmt.Sprintf(answerSystemPrompt, contextBlock)})
	msgs = append(msgs, historyMessages(st.req.History)...)
	msgs = append(msgs, Message{Role: "user", Content: st.standalone})

	text, err := p.chat(ctx, msgs)
	if err != nil {
		return fn.Err[*state](fmt.Errorf("qa: generate: %w", err))
	}
	st.answer = ensureCitations(strings.TrimSpace(text), st.context)
	return fn.Ok(st)
}

// chat calls the generator under the configured timeout.
func (p *Pipeline) chat(ctx context.Context, msgs []Message) (string, error) {
	if p.opts.GenerationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.GenerationTimeout)
		defer cancel()
	}
	return p.gen.Chat(ctx, msgs)
}

func historyMessages(history []domain.ChatTurn) []Message {
	msgs := make([]Message, len(history))
	for i, turn := range history {
		role := "user"
		if turn.Role == domain.RoleAssistant {
			role = "assistant"
		}
		msgs[i] = Message{Role: role, Content: turn.Content}
	}
	return msgs
}

// ensureCitations appends a citation line built from the distinct context
// sources when the model omitted one.
func ensureCitations(answer string, context []domain.ScoredChunk) string {
	if len(context) == 0 || Citations(answer) != nil {
		return answer
	}
	sources := fn.Unique(fn.Map(context, func(sc domain.ScoredChunk) string { return sc.Chunk.SourceID }))
	return answer + "\n\n*Citations: [" + strings.Join(sources, ", ") + "]*"
}

// Citations extracts the source list from an answer's trailing
// *Citations: [...]* line. Returns nil when the answer has none.
func Citations(answer string) []string {
	start := strings.LastIndex(answer, "*Citations: [")
	if start == -1 {
		return nil
	}
	rest := answer[start+len("*Citations: ["):]
	end := strings.Index(rest, "]*")
	if end == -1 {
		return nil
	}
	var out []string
	for _, s := range strings.Split(rest[:end], ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
