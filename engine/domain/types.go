// Package domain holds the core types shared across the retrieval engine:
// chunks, chat turns, sessions, strategy enums, and the error taxonomy.
package domain

import "context"

// Chunk is a contiguous retrievable unit of document text. Immutable once
// created. SourceID identifies the originating document for citation;
// Ordinal is the chunk position within its source.
type Chunk struct {
	Text     string `json:"text"`
	SourceID string `json:"source_id"`
	Ordinal  int    `json:"ordinal"`
}

// Key returns the chunk's identity for deduplication.
func (c Chunk) Key() ChunkKey {
	return ChunkKey{SourceID: c.SourceID, Text: c.Text}
}

// ChunkKey identifies a chunk by (source_id, text).
type ChunkKey struct {
	SourceID string
	Text     string
}

// ScoredChunk pairs a chunk with a retrieval score. Higher is better.
type ScoredChunk struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
}

// ExtractedDocument is the output of the document extraction collaborator:
// one source document as a sequence of page texts.
type ExtractedDocument struct {
	SourceID string
	Pages    []string
}

// Role identifies the author of a chat turn.
type Role string

const (
	RoleHuman     Role = "human"
	RoleAssistant Role = "assistant"
)

// ChatTurn is one entry in a chat history. History is append-only during
// a session and owned by the chat-session record, never by the pipeline.
type ChatTurn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Session is the per-user conversational state handed through the pipeline.
// There are no process-wide mutable globals beyond the shared admin index;
// everything session-scoped lives here.
type Session struct {
	ID            string
	UserID        string
	CurrentChatID string
	History       []ChatTurn
}

// Embedder is the embedding gateway contract. Implementations must be
// deterministic for a fixed model version and must never silently return
// zero vectors: failure surfaces as ErrEmbeddingUnavailable.
type Embedder interface {
	EmbedMany(ctx context.Context, texts []string) ([][]float32, error)
}
