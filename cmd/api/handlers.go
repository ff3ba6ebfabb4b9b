package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/CampusChat/campuschat/engine/corpus"
	"github.com/CampusChat/campuschat/engine/domain"
	"github.com/CampusChat/campuschat/engine/qa"
	"github.com/CampusChat/campuschat/pkg/chatstore"
	"github.com/CampusChat/campuschat/pkg/metrics"
	"github.com/CampusChat/campuschat/pkg/natsutil"
)

type serverOptions struct {
	defaultStrategy domain.ChunkStrategy
	defaultMode     domain.SearchMode
}

type server struct {
	store    *chatstore.Store
	manager  *corpus.Manager
	pipeline *qa.Pipeline
	nc       *nats.Conn
	logger   *slog.Logger
	opts     serverOptions

	// One in-flight generation per chat session; different sessions may
	// run concurrently.
	sessMu sync.Mutex
	locks  map[string]*sync.Mutex

	reg           *metrics.Registry
	answers       *metrics.Counter
	answerErrors  *metrics.Counter
	answerSeconds *metrics.Histogram
}

func newServer(store *chatstore.Store, manager *corpus.Manager, pipeline *qa.Pipeline, nc *nats.Conn, reg *metrics.Registry, logger *slog.Logger, opts serverOptions) *server {
	return &server{
		store:    store,
		manager:  manager,
		pipeline: pipeline,
		nc:       nc,
		logger:   logger,
		opts:     opts,
		locks:    make(map[string]*sync.Mutex),

		reg:           reg,
		answers:       reg.Counter("api_answers_total", "Answer requests served"),
		answerErrors:  reg.Counter("api_answer_errors_total", "Answer requests that failed"),
		answerSeconds: reg.Histogram("api_answer_seconds", "Answer request duration", nil),
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.Handle("GET /metrics", s.reg.Handler())

	mux.HandleFunc("POST /api/signup", s.handleSignup)
	mux.HandleFunc("POST /api/login", s.handleLogin)

	mux.HandleFunc("POST /api/chats", s.handleCreateChat)
	mux.HandleFunc("GET /api/chats", s.handleListChats)
	mux.HandleFunc("DELETE /api/chats/{id}", s.handleDeleteChat)

	mux.HandleFunc("POST /api/uploads", s.handleAddUpload)
	mux.HandleFunc("POST /api/chat", s.handleAnswer)
	mux.HandleFunc("POST /api/admin/reindex", s.handleReindex)
	return mux
}

func (s *server) sessionLock(chatID string) *sync.Mutex {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	mu, ok := s.locks[chatID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[chatID] = mu
	}
	return mu
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"corpus": s.manager.State().String(),
	})
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}
	id, err := s.store.CreateUser(r.Context(), req.Username, req.Password)
	if errors.Is(err, chatstore.ErrUserExists) {
		writeError(w, http.StatusConflict, "username already taken")
		return
	}
	if err != nil {
		s.logger.Error("signup failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"user_id": id})
}

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id, err := s.store.Authenticate(r.Context(), req.Username, req.Password)
	if errors.Is(err, chatstore.ErrBadLogin) {
		writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}
	if err != nil {
		s.logger.Error("login failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"user_id": id})
}

type createChatRequest struct {
	UserID string `json:"user_id"`
	Title  string `json:"title"`
}

func (s *server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var req createChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if req.Title == "" {
		req.Title = "New chat"
	}
	chat, err := s.store.CreateChat(r.Context(), req.UserID, req.Title)
	if err != nil {
		s.logger.Error("create chat failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusCreated, chat)
}

func (s *server) handleListChats(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	chats, err := s.store.ListChats(r.Context(), userID)
	if err != nil {
		s.logger.Error("list chats failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": chats})
}

func (s *server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")
	if err := s.store.DeleteChat(r.Context(), chatID); err != nil {
		if errors.Is(err, chatstore.ErrChatNotFound) {
			writeError(w, http.StatusNotFound, "chat not found")
			return
		}
		s.logger.Error("delete chat failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	// The session's user index dies with the chat.
	s.manager.DropSession(chatID)
	w.WriteHeader(http.StatusNoContent)
}

type addUploadRequest struct {
	ChatID   string `json:"chat_id"`
	FilePath string `json:"file_path"`
}

func (s *server) handleAddUpload(w http.ResponseWriter, r *http.Request) {
	var req addUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChatID == "" || req.FilePath == "" {
		writeError(w, http.StatusBadRequest, "chat_id and file_path are required")
		return
	}
	if err := s.store.AddUpload(r.Context(), req.ChatID, req.FilePath); err != nil {
		s.logger.Error("add upload failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.WriteHeader(http.StatusCreated)
}

type answerRequest struct {
	ChatID     string `json:"chat_id"`
	Question   string `json:"question"`
	Strategy   string `json:"chunking_strategy,omitempty"`
	SearchMode string `json:"search_mode,omitempty"`
}

type answerResponse struct {
	Answer    string         `json:"answer"`
	Context   []domain.Chunk `json:"context"`
	Citations []string       `json:"citations"`
}

// handleAnswer is the retrieval entry point: contextualize against the
// chat's history, retrieve, generate. Both turns are persisted only after
// the pipeline succeeds, so a failed request leaves history unchanged and
// an identical retry is safe.
func (s *server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChatID == "" {
		writeError(w, http.StatusBadRequest, "chat_id and question are required")
		return
	}
	if err := domain.ValidateQuery(req.Question); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	strategy := s.opts.defaultStrategy
	if req.Strategy != "" {
		var err error
		if strategy, err = domain.ParseChunkStrategy(req.Strategy); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	mode := s.opts.defaultMode
	if req.SearchMode != "" {
		var err error
		if mode, err = domain.ParseSearchMode(req.SearchMode); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	// Serialize generations for this session.
	lock := s.sessionLock(req.ChatID)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	ctx := r.Context()

	history, err := s.store.History(ctx, req.ChatID)
	if err != nil {
		s.logger.Error("history load failed", "chat", req.ChatID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	uploads, err := s.store.UploadsForChat(ctx, req.ChatID)
	if err != nil {
		s.logger.Error("uploads load failed", "chat", req.ChatID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	retriever, err := s.manager.Retriever(ctx, req.ChatID, uploads, strategy, mode)
	if err != nil {
		s.answerErrors.Inc()
		s.logger.Error("retriever build failed", "chat", req.ChatID, "err", err)
		writeError(w, http.StatusServiceUnavailable, "retrieval unavailable")
		return
	}

	ans, err := s.pipeline.Answer(ctx, qa.Request{
		Query:     req.Question,
		History:   history,
		Retriever: retriever,
	})
	if err != nil {
		s.answerErrors.Inc()
		s.logger.Error("answer failed", "chat", req.ChatID, "err", err)
		switch {
		case errors.Is(err, domain.ErrGenerationUnavailable),
			errors.Is(err, domain.ErrEmbeddingUnavailable):
			writeError(w, http.StatusServiceUnavailable, "model service unavailable")
		default:
			writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	if err := s.store.AppendMessage(ctx, req.ChatID, domain.RoleHuman, req.Question); err != nil {
		s.logger.Error("persist question failed", "chat", req.ChatID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if err := s.store.AppendMessage(ctx, req.ChatID, domain.RoleAssistant, ans.Text); err != nil {
		s.logger.Error("persist answer failed", "chat", req.ChatID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	s.answers.Inc()
	s.answerSeconds.Since(start)
	writeJSON(w, http.StatusOK, answerResponse{
		Answer:    ans.Text,
		Context:   ans.Context,
		Citations: qa.Citations(ans.Text),
	})
}

// handleReindex publishes a rebuild request for the indexer process.
func (s *server) handleReindex(w http.ResponseWriter, r *http.Request) {
	if s.nc == nil {
		writeError(w, http.StatusServiceUnavailable, "reindexing is not configured")
		return
	}
	event := corpus.RebuildEvent{Reason: "api request", RequestedAt: time.Now().UTC()}
	if err := natsutil.Publish(r.Context(), s.nc, corpus.SubjectRebuild, event); err != nil {
		s.logger.Error("reindex publish failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
