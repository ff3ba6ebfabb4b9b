// Package chunk splits extracted documents into retrievable units under one
// of three strategies: fixed-size windows, recursive structure-aware
// splitting, or semantic clustering of sentence embeddings.
package chunk

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/CampusChat/campuschat/engine/domain"
)

// Defaults mirror the retriever configuration the corpus was tuned with.
const (
	DefaultFixedSize        = 800
	DefaultFixedOverlap     = 100
	DefaultRecursiveSize    = 1000
	DefaultRecursiveOverlap = 150
	DefaultSemanticClusters = 10
)

// Config holds per-strategy chunking parameters.
type Config struct {
	FixedSize        int
	FixedOverlap     int
	RecursiveSize    int
	RecursiveOverlap int
	SemanticClusters int
}

// DefaultConfig returns the standard chunking parameters.
func DefaultConfig() Config {
	return Config{
		FixedSize:        DefaultFixedSize,
		FixedOverlap:     DefaultFixedOverlap,
		RecursiveSize:    DefaultRecursiveSize,
		RecursiveOverlap: DefaultRecursiveOverlap,
		SemanticClusters: DefaultSemanticClusters,
	}
}

// Chunker converts extracted documents into chunks. The embedder is only
// exercised by the semantic strategy.
type Chunker struct {
	cfg      Config
	embedder domain.Embedder
	logger   *slog.Logger
}

// New creates a Chunker. embedder may be nil if the semantic strategy is
// never requested.
func New(cfg Config, embedder domain.Embedder, logger *slog.Logger) *Chunker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FixedSize <= 0 {
		cfg.FixedSize = DefaultFixedSize
	}
	if cfg.RecursiveSize <= 0 {
		cfg.RecursiveSize = DefaultRecursiveSize
	}
	if cfg.SemanticClusters <= 0 {
		cfg.SemanticClusters = DefaultSemanticClusters
	}
	if cfg.FixedOverlap < 0 || cfg.FixedOverlap >= cfg.FixedSize {
		cfg.FixedOverlap = cfg.FixedSize / 8
	}
	if cfg.RecursiveOverlap < 0 || cfg.RecursiveOverlap >= cfg.RecursiveSize {
		cfg.RecursiveOverlap = cfg.RecursiveSize / 8
	}
	return &Chunker{cfg: cfg, embedder: embedder, logger: logger}
}

// Chunk splits documents under the given strategy. Chunking never aborts
// the whole batch for a single bad input; the semantic strategy degrades
// to recursive when its preconditions fail.
func (c *Chunker) Chunk(ctx context.Context, docs []domain.ExtractedDocument, strategy domain.ChunkStrategy) ([]domain.Chunk, error) {
	switch strategy {
	case domain.StrategyFixedSize:
		return c.fixedSize(docs), nil
	case domain.StrategyRecursive:
		return c.recursive(docs), nil
	case domain.StrategySemantic:
		return c.semantic(ctx, docs)
	default:
		return nil, fmt.Errorf("chunk: unhandled strategy %v", strategy)
	}
}

// fixedSize concatenates each document's pages with newline separators and
// slides a fixed-width window over the result, splitting preferentially at
// a newline. The final partial window is retained.
func (c *Chunker) fixedSize(docs []domain.ExtractedDocument) []domain.Chunk {
	var chunks []domain.Chunk
	for _, doc := range docs {
		text := strings.Join(doc.Pages, "\n")
		ord := 0
		for _, piece := range windowSplit(text, c.cfg.FixedSize, c.cfg.FixedOverlap) {
			if strings.TrimSpace(piece) == "" {
				continue
			}
			chunks = append(chunks, domain.Chunk{Text: piece, SourceID: doc.SourceID, Ordinal: ord})
			ord++
		}
	}
	return chunks
}

// windowSplit slides a window of at most size bytes over text, preferring
// to cut at the last newline inside the window. Cuts never land inside a
// multibyte rune. Consecutive windows share up to overlap bytes.
func windowSplit(text string, size, overlap int) []string {
	if len(text) <= size {
		if text == "" {
			return nil
		}
		return []string{text}
	}

	var out []string
	start := 0
	for start < len(text) {
		end := start + size
		if end >= len(text) {
			out = append(out, text[start:])
			break
		}
		end = runeStart(text, end)
		if end <= start {
			// Window narrower than one rune; emit the whole rune.
			_, n := utf8.DecodeRuneInString(text[start:])
			end = start + n
		}
		cut := end
		if nl := strings.LastIndexByte(text[start:end], '\n'); nl > overlap {
			cut = start + nl
		}
		out = append(out, text[start:cut])

		next := cut - overlap
		if next > start {
			next = runeStart(text, next)
		}
		if next <= start {
			next = cut
		}
		// Skip the separator itself when the cut landed on it.
		if next == cut && next < len(text) && text[next] == '\n' {
			next++
		}
		start = next
	}
	return out
}

// runeStart backs i off to the first byte of the rune containing it.
func runeStart(s string, i int) int {
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

// recursiveSeparators are tried largest-structure first; a unit that still
// exceeds the target size falls through to the next-finer boundary.
var recursiveSeparators = []string{"\n\n", "\n", ". ", " "}

// recursive splits each document on the largest structural boundary that
// keeps units within the target size, carrying overlap between consecutive
// chunks so context is not lost at boundaries.
func (c *Chunker) recursive(docs []domain.ExtractedDocument) []domain.Chunk {
	var chunks []domain.Chunk
	for _, doc := range docs {
		text := strings.Join(doc.Pages, "\n")
		ord := 0
		for _, piece := range recursiveSplit(text, c.cfg.RecursiveSize, c.cfg.RecursiveOverlap, recursiveSeparators) {
			if strings.TrimSpace(piece) == "" {
				continue
			}
			chunks = append(chunks, domain.Chunk{Text: piece, SourceID: doc.SourceID, Ordinal: ord})
			ord++
		}
	}
	return chunks
}

func recursiveSplit(text string, size, overlap int, seps []string) []string {
	if len(text) <= size {
		if strings.TrimSpace(text) == "" {
			return nil
		}
		return []string{text}
	}
	if len(seps) == 0 {
		// Character-level fallback.
		return windowSplit(text, size, overlap)
	}

	sep := seps[0]
	parts := strings.Split(text, sep)

	var units []string
	for _, p := range parts {
		if len(p) > size {
			units = append(units, recursiveSplit(p, size, overlap, seps[1:])...)
			continue
		}
		if strings.TrimSpace(p) != "" {
			units = append(units, p)
		}
	}
	return mergeUnits(units, sep, size, overlap)
}

// mergeUnits greedily packs units into chunks of at most size bytes joined
// by sep, seeding each new chunk with trailing units of the previous one
// up to overlap bytes.
func mergeUnits(units []string, sep string, size, overlap int) []string {
	var out []string
	var buf []string
	bufLen := 0

	flush := func() {
		if len(buf) == 0 {
			return
		}
		out = append(out, strings.Join(buf, sep))

		// Seed the next chunk with the trailing units that fit in overlap.
		var carry []string
		carryLen := 0
		for i := len(buf) - 1; i >= 0; i-- {
			l := len(buf[i]) + len(sep)
			if carryLen+l > overlap {
				break
			}
			carry = append([]string{buf[i]}, carry...)
			carryLen += l
		}
		// Never carry the whole chunk; that would stall progress.
		if len(carry) == len(buf) {
			carry = nil
			carryLen = 0
		}
		buf = carry
		bufLen = carryLen
	}

	for _, u := range units {
		extra := len(u)
		if bufLen > 0 {
			extra += len(sep)
		}
		if bufLen+extra > size && bufLen > 0 {
			flush()
			extra = len(u)
			if bufLen > 0 {
				extra += len(sep)
			}
		}
		buf = append(buf, u)
		bufLen += extra
	}
	if len(buf) > 0 {
		out = append(out, strings.Join(buf, sep))
	}
	return out
}
