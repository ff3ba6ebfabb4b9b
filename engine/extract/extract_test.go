package extract

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/CampusChat/campuschat/engine/domain"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestExtractSinglePage(t *testing.T) {
	path := writeFile(t, "handbook.txt", "Room changes require a written request.\n")
	doc, err := NewText().Extract(path)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if doc.SourceID != "handbook.txt" {
		t.Errorf("source id = %q, want base name", doc.SourceID)
	}
	if len(doc.Pages) != 1 || doc.Pages[0] != "Room changes require a written request." {
		t.Errorf("pages = %v", doc.Pages)
	}
}

func TestExtractFormFeedPages(t *testing.T) {
	path := writeFile(t, "policy.txt", "page one\f page two \f\fpage three")
	doc, err := NewText().Extract(path)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	want := []string{"page one", "page two", "page three"}
	if !reflect.DeepEqual(doc.Pages, want) {
		t.Errorf("pages = %v, want %v", doc.Pages, want)
	}
}

func TestExtractMissingFileIsUnreadable(t *testing.T) {
	_, err := NewText().Extract(filepath.Join(t.TempDir(), "absent.txt"))
	if !errors.Is(err, domain.ErrUnreadableDocument) {
		t.Errorf("expected ErrUnreadableDocument, got %v", err)
	}
	var ue *domain.UnreadableDocumentError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UnreadableDocumentError, got %T", err)
	}
	if ue.Path == "" {
		t.Error("error must carry the file path")
	}
}

func TestExtractEmptyFileIsUnreadable(t *testing.T) {
	path := writeFile(t, "blank.txt", " \f \n")
	_, err := NewText().Extract(path)
	if !errors.Is(err, domain.ErrUnreadableDocument) {
		t.Errorf("expected ErrUnreadableDocument, got %v", err)
	}
}
