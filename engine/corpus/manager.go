// Package corpus owns the retrieval state of the process: the single
// shared admin index (persistent, read-only once ready) and the ephemeral
// per-session user indices built from uploads. It is the only component
// that constructs retrievers.
package corpus

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CampusChat/campuschat/engine/chunk"
	"github.com/CampusChat/campuschat/engine/domain"
	"github.com/CampusChat/campuschat/engine/extract"
	"github.com/CampusChat/campuschat/engine/index"
	"github.com/CampusChat/campuschat/engine/retrieve"
	"github.com/CampusChat/campuschat/pkg/fn"
	"github.com/CampusChat/campuschat/pkg/metrics"
)

// extractWorkers bounds concurrent document extraction during a build.
const extractWorkers = 4

// State tracks the admin index lifecycle. The index is read-only to all
// callers after reaching StateReady.
type State int32

const (
	StateUninitialized State = iota
	StateLoading
	StateBuilding
	StateReady
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateBuilding:
		return "building"
	case StateReady:
		return "ready"
	default:
		return "uninitialized"
	}
}

// Config holds the corpus manager settings.
type Config struct {
	DocsDir   string               // admin documents directory
	IndexPath string               // persisted admin index location
	Strategy  domain.ChunkStrategy // admin chunking strategy
	RetrieveK int
}

// Manager orchestrates index lifecycle and retriever construction.
// Exactly one Manager (and one admin index) exists per process.
type Manager struct {
	cfg       Config
	embedder  domain.Embedder
	chunker   *chunk.Chunker
	extractor extract.Extractor
	logger    *slog.Logger

	state atomic.Int32
	admin *index.Index

	mu       sync.Mutex
	sessions map[string]*sessionState

	unreadableDocs  *metrics.Counter
	userIndexBuilds *metrics.Counter
	adminChunks     *metrics.Gauge
	adminBuildTime  *metrics.Histogram
}

// sessionState memoizes the user index and retrievers for one session.
// Guarded by its own mutex so one session's index build does not block
// retrieval in other sessions.
type sessionState struct {
	mu         sync.Mutex
	uploadHash string
	index      *index.Index
	retrievers map[domain.SearchMode]*retrieve.Retriever
}

// New creates a Manager. Call Start before requesting retrievers.
func New(cfg Config, embedder domain.Embedder, chunker *chunk.Chunker, extractor extract.Extractor, reg *metrics.Registry, logger *slog.Logger) *Manager {
	if cfg.RetrieveK <= 0 {
		cfg.RetrieveK = retrieve.DefaultK
	}
	if logger == nil {
		logger = slog.Default()
	}
	if reg == nil {
		reg = metrics.New()
	}
	return &Manager{
		cfg:       cfg,
		embedder:  embedder,
		chunker:   chunker,
		extractor: extractor,
		logger:    logger,
		sessions:  make(map[string]*sessionState),

		unreadableDocs:  reg.Counter("corpus_unreadable_documents_total", "Documents skipped because extraction failed"),
		userIndexBuilds: reg.Counter("corpus_user_index_builds_total", "User index builds (cache misses)"),
		adminChunks:     reg.Gauge("corpus_admin_chunks", "Chunks in the admin index"),
		adminBuildTime:  reg.Histogram("corpus_admin_build_seconds", "Admin index build duration", nil),
	}
}

// State returns the admin index lifecycle state.
func (m *Manager) State() State { return State(m.state.Load()) }

// Admin returns the shared admin index, or nil before Start succeeds.
func (m *Manager) Admin() *index.Index { return m.admin }

// Start brings the admin index to ready: loaded from the persisted path
// when present, otherwise built from the admin documents directory and
// persisted. A corrupt or dimensionally incompatible persisted index is a
// fatal startup error; the process must not silently rebuild over it.
func (m *Manager) Start(ctx context.Context) error {
	if m.State() != StateUninitialized {
		return fmt.Errorf("corpus: start called twice (state %v)", m.State())
	}

	if _, err := os.Stat(m.cfg.IndexPath); err == nil {
		m.state.Store(int32(StateLoading))
		ix, err := index.Load(m.cfg.IndexPath)
		if err != nil {
			return fmt.Errorf("corpus: load admin index: %w", err)
		}
		if err := m.probeDimension(ctx, ix); err != nil {
			return err
		}
		m.admin = ix
		m.logger.Info("admin index loaded", "path", m.cfg.IndexPath, "chunks", len(ix.Chunks()))
	} else {
		m.state.Store(int32(StateBuilding))
		start := time.Now()
		ix, err := m.buildAdmin(ctx)
		if err != nil {
			return err
		}
		if err := ix.Save(m.cfg.IndexPath); err != nil {
			return fmt.Errorf("corpus: persist admin index: %w", err)
		}
		m.admin = ix
		m.adminBuildTime.Since(start)
		m.logger.Info("admin index built", "path", m.cfg.IndexPath, "chunks", len(ix.Chunks()))
	}

	m.adminChunks.Set(int64(len(m.admin.Chunks())))
	m.state.Store(int32(StateReady))
	return nil
}

// Rebuild builds a fresh admin index from the documents directory and
// atomically replaces the persisted copy. This is a maintenance operation
// for the indexer process; a running API keeps serving its loaded index
// until restart, never a half-built one.
func (m *Manager) Rebuild(ctx context.Context) error {
	start := time.Now()
	ix, err := m.buildAdmin(ctx)
	if err != nil {
		return err
	}
	if err := ix.Save(m.cfg.IndexPath); err != nil {
		return fmt.Errorf("corpus: persist admin index: %w", err)
	}
	m.admin = ix
	m.adminChunks.Set(int64(len(ix.Chunks())))
	m.adminBuildTime.Since(start)
	m.state.Store(int32(StateReady))
	m.logger.Info("admin index rebuilt", "path", m.cfg.IndexPath, "chunks", len(ix.Chunks()))
	return nil
}

// probeDimension embeds one probe text and compares dimensionality with
// the loaded index. A mismatch means the persisted index was built with a
// different embedding model.
func (m *Manager) probeDimension(ctx context.Context, ix *index.Index) error {
	vecs, err := m.embedder.EmbedMany(ctx, []string{"dimension probe"})
	if err != nil {
		return fmt.Errorf("corpus: dimension probe: %w", err)
	}
	if len(vecs) != 1 || len(vecs[0]) != ix.Dim() {
		return fmt.Errorf("corpus: persisted dimension %d, embedder produces %d: %w",
			ix.Dim(), len(vecs[0]), domain.ErrIncompatibleIndex)
	}
	return nil
}

func (m *Manager) buildAdmin(ctx context.Context) (*index.Index, error) {
	entries, err := os.ReadDir(m.cfg.DocsDir)
	if err != nil {
		return nil, fmt.Errorf("corpus: read admin docs dir: %w", err)
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			paths = append(paths, filepath.Join(m.cfg.DocsDir, e.Name()))
		}
	}
	sort.Strings(paths)

	chunks, err := m.chunkFiles(ctx, paths, m.cfg.Strategy)
	if err != nil {
		return nil, err
	}
	ix, err := index.Build(ctx, m.embedder, chunks)
	if err != nil {
		return nil, fmt.Errorf("corpus: build admin index: %w", err)
	}
	return ix, nil
}

// chunkFiles extracts and chunks a file set. Extraction is file I/O, so
// files are read with bounded concurrency; results keep path order. An
// unreadable file is skipped with a diagnostic; it never aborts the batch.
func (m *Manager) chunkFiles(ctx context.Context, paths []string, strategy domain.ChunkStrategy) ([]domain.Chunk, error) {
	extracted := fn.ParMapResult(paths, extractWorkers, func(p string) fn.Result[domain.ExtractedDocument] {
		return fn.FromPair(m.extractor.Extract(p))
	})

	docs := make([]domain.ExtractedDocument, 0, len(paths))
	for i, res := range extracted {
		doc, err := res.Unwrap()
		if err != nil {
			m.unreadableDocs.Inc()
			m.logger.Warn("skipping unreadable document", "path", paths[i], "err", err)
			continue
		}
		docs = append(docs, doc)
	}
	return m.chunker.Chunk(ctx, docs, strategy)
}

// UserIndex returns the session's user index for the given upload set and
// strategy, building it on first use and memoizing by the hash of the
// sorted file paths plus strategy. Returns nil when filePaths is empty.
// Callers re-invoke after every upload-set change; the manager does not
// watch the filesystem.
func (m *Manager) UserIndex(ctx context.Context, sessionID string, filePaths []string, strategy domain.ChunkStrategy) (*index.Index, error) {
	sess := m.session(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return m.userIndexLocked(ctx, sess, filePaths, strategy)
}

func (m *Manager) userIndexLocked(ctx context.Context, sess *sessionState, filePaths []string, strategy domain.ChunkStrategy) (*index.Index, error) {
	hash := uploadHash(filePaths, strategy)
	if sess.uploadHash == hash {
		return sess.index, nil
	}

	// Upload set or strategy changed: memoized retrievers are stale too.
	sess.uploadHash = ""
	sess.index = nil
	sess.retrievers = nil

	if len(filePaths) == 0 {
		sess.uploadHash = hash
		return nil, nil
	}

	chunks, err := m.chunkFiles(ctx, filePaths, strategy)
	if err != nil {
		return nil, err
	}
	ix, err := index.Build(ctx, m.embedder, chunks)
	if err != nil {
		return nil, fmt.Errorf("corpus: build user index: %w", err)
	}
	m.userIndexBuilds.Inc()
	sess.uploadHash = hash
	sess.index = ix
	return ix, nil
}

// Retriever returns the retriever for (session, upload set, strategy,
// mode), memoized until the upload set or strategy changes.
func (m *Manager) Retriever(ctx context.Context, sessionID string, filePaths []string, strategy domain.ChunkStrategy, mode domain.SearchMode) (*retrieve.Retriever, error) {
	if m.State() != StateReady {
		return nil, fmt.Errorf("corpus: admin index not ready (state %v)", m.State())
	}

	sess := m.session(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	userIx, err := m.userIndexLocked(ctx, sess, filePaths, strategy)
	if err != nil {
		return nil, err
	}
	if r, ok := sess.retrievers[mode]; ok {
		return r, nil
	}
	r := retrieve.New(m.embedder, m.admin, userIx, mode, m.cfg.RetrieveK, m.logger)
	if sess.retrievers == nil {
		sess.retrievers = make(map[domain.SearchMode]*retrieve.Retriever)
	}
	sess.retrievers[mode] = r
	return r, nil
}

// DropSession discards the session's user index and retrievers. Called
// when the session selects a new chat or logs out.
func (m *Manager) DropSession(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}

func (m *Manager) session(id string) *sessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		sess = &sessionState{}
		m.sessions[id] = sess
	}
	return sess
}

// uploadHash fingerprints an upload set: sorted paths plus the chunking
// strategy. Order of the input slice does not matter.
func uploadHash(filePaths []string, strategy domain.ChunkStrategy) string {
	sorted := make([]string, len(filePaths))
	copy(sorted, filePaths)
	sort.Strings(sorted)

	h := sha256.New()
	for _, p := range sorted {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	h.Write([]byte(strategy.String()))
	return hex.EncodeToString(h.Sum(nil))
}
