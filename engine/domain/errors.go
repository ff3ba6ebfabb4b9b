package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the retrieval engine.
//
// ErrUnreadableDocument is non-fatal and per-file: the document is skipped
// and logged. ErrEmbeddingUnavailable and ErrGenerationUnavailable are
// fatal to the in-flight operation and propagate to the request boundary
// unmodified; retries belong to the caller. ErrIncompatibleIndex is fatal
// at load time. ErrDegenerateCorpus triggers documented fallback paths and
// is always logged.
var (
	ErrUnreadableDocument    = errors.New("unreadable document")
	ErrEmbeddingUnavailable  = errors.New("embedding service unavailable")
	ErrGenerationUnavailable = errors.New("generation service unavailable")
	ErrIncompatibleIndex     = errors.New("incompatible persisted index")
	ErrDegenerateCorpus      = errors.New("degenerate corpus")
)

// UnreadableDocumentError wraps ErrUnreadableDocument with the file path.
type UnreadableDocumentError struct {
	Path    string
	Wrapped error
}

func (e *UnreadableDocumentError) Error() string {
	return fmt.Sprintf("%v: %s: %v", ErrUnreadableDocument, e.Path, e.Wrapped)
}

func (e *UnreadableDocumentError) Unwrap() error { return ErrUnreadableDocument }

// NewUnreadableDocument creates an UnreadableDocumentError.
func NewUnreadableDocument(path string, wrapped error) *UnreadableDocumentError {
	return &UnreadableDocumentError{Path: path, Wrapped: wrapped}
}
