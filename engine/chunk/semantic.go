package chunk

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/muesli/clusters"
	"github.com/muesli/kmeans"

	"github.com/CampusChat/campuschat/engine/domain"
)

// sentence is one corpus sentence with its origin retained for citation.
type sentence struct {
	text   string
	source string
}

// semantic embeds every sentence in the corpus, partitions the embedding
// space into SemanticClusters clusters, and emits one chunk per non-empty
// cluster. Sentences inside a chunk keep their original order, but order
// across clusters is not preserved; that is a documented property of the
// strategy, not a defect.
//
// When the corpus yields fewer sentences than clusters, or clustering
// fails, the strategy degrades to recursive chunking with a diagnostic.
func (c *Chunker) semantic(ctx context.Context, docs []domain.ExtractedDocument) ([]domain.Chunk, error) {
	sentences := corpusSentences(docs)

	if len(sentences) < c.cfg.SemanticClusters {
		c.logger.Warn("chunk: corpus too small for semantic clustering, falling back to recursive",
			"sentences", len(sentences),
			"clusters", c.cfg.SemanticClusters,
			"reason", domain.ErrDegenerateCorpus.Error(),
		)
		return c.recursive(docs), nil
	}
	if c.embedder == nil {
		return nil, fmt.Errorf("chunk: semantic strategy requires an embedder: %w", domain.ErrEmbeddingUnavailable)
	}

	texts := make([]string, len(sentences))
	for i, s := range sentences {
		texts[i] = s.text
	}
	vectors, err := c.embedder.EmbedMany(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("chunk: embed sentences: %w", err)
	}

	obs := make(clusters.Observations, len(vectors))
	for i, v := range vectors {
		coords := make(clusters.Coordinates, len(v))
		for j, f := range v {
			coords[j] = float64(f)
		}
		obs[i] = sentenceObservation{idx: i, coords: coords}
	}

	km := kmeans.New()
	partition, err := km.Partition(obs, c.cfg.SemanticClusters)
	if err != nil {
		c.logger.Warn("chunk: clustering failed, falling back to recursive", "err", err)
		return c.recursive(docs), nil
	}

	var chunks []domain.Chunk
	for _, cl := range partition {
		idxs := make([]int, 0, len(cl.Observations))
		for _, o := range cl.Observations {
			idxs = append(idxs, o.(sentenceObservation).idx)
		}
		if len(idxs) == 0 {
			continue
		}
		sort.Ints(idxs)

		parts := make([]string, len(idxs))
		for i, idx := range idxs {
			parts[i] = sentences[idx].text
		}
		chunks = append(chunks, domain.Chunk{
			Text:     strings.Join(parts, ". "),
			SourceID: sentences[idxs[0]].source,
			Ordinal:  len(chunks),
		})
	}
	return chunks, nil
}

// sentenceObservation carries the sentence's corpus position through the
// clustering so per-cluster ordering can be restored.
type sentenceObservation struct {
	idx    int
	coords clusters.Coordinates
}

func (o sentenceObservation) Coordinates() clusters.Coordinates { return o.coords }

func (o sentenceObservation) Distance(point clusters.Coordinates) float64 {
	var sum float64
	for i, v := range o.coords {
		if i >= len(point) {
			break
		}
		d := v - point[i]
		sum += d * d
	}
	return sum
}

// corpusSentences flattens all documents into sentences, remembering each
// sentence's source document.
func corpusSentences(docs []domain.ExtractedDocument) []sentence {
	var out []sentence
	for _, doc := range docs {
		text := strings.ReplaceAll(strings.Join(doc.Pages, " "), "\n", " ")
		for _, s := range splitSentences(text) {
			out = append(out, sentence{text: s, source: doc.SourceID})
		}
	}
	return out
}

// splitSentences splits text at sentence-final punctuation followed by
// whitespace or end of input.
func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder

	runes := []rune(text)
	for i, r := range runes {
		current.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			if i == len(runes)-1 || unicode.IsSpace(runes[i+1]) {
				s := strings.TrimSpace(strings.TrimRight(current.String(), ".!?"))
				if s != "" {
					sentences = append(sentences, s)
				}
				current.Reset()
			}
		}
	}
	if s := strings.TrimSpace(strings.TrimRight(current.String(), ".!?")); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}
