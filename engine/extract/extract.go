// Package extract turns files on disk into paginated document text for
// the chunker. Extraction is a collaborator port: the corpus manager only
// sees ExtractedDocument values and UnreadableDocument failures.
package extract

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/CampusChat/campuschat/engine/domain"
)

// Extractor reads one file into paginated text.
type Extractor interface {
	Extract(path string) (domain.ExtractedDocument, error)
}

// Text extracts plain-text files. Pages are separated by form feeds, the
// convention pdftotext and friends emit; a file without form feeds is one
// page. The source ID is the file's base name, which is what citations
// show to the user.
type Text struct{}

// NewText returns a plain-text extractor.
func NewText() *Text { return &Text{} }

// Extract reads path and splits it into pages. Any read failure is
// reported as an unreadable document so callers can skip the file and
// keep going.
func (*Text) Extract(path string) (domain.ExtractedDocument, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return domain.ExtractedDocument{}, domain.NewUnreadableDocument(path, err)
	}

	var pages []string
	for _, p := range strings.Split(string(raw), "\f") {
		p = strings.TrimSpace(p)
		if p != "" {
			pages = append(pages, p)
		}
	}
	if len(pages) == 0 {
		return domain.ExtractedDocument{}, domain.NewUnreadableDocument(path, errEmpty)
	}

	return domain.ExtractedDocument{
		SourceID: filepath.Base(path),
		Pages:    pages,
	}, nil
}

var errEmpty = errors.New("no extractable text")
