// internal/server/server.go

// Package server is the thin HTTP front end: CRUD endpoints publish chat
// events, reads materialize aggregates, and a server-sent-events stream
// relays the live event feed to connected clients. Authentication is out of
// scope; callers identify themselves with the X-User-ID header.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/user/chatfold/internal/chat"
	"github.com/user/chatfold/internal/event"
	"github.com/user/chatfold/internal/runtime"
	"github.com/user/chatfold/internal/storage"
	"github.com/user/chatfold/internal/types"
)

// Server is a lightweight HTTP handler around the chat pipeline.
type Server struct {
	log   *event.Log
	store *storage.Store
	rt    *runtime.Runtime
	queue *runtime.Queue
	mux   *http.ServeMux
}

// New creates a Server wired to the event log, storage, and turn queue.
func New(log *event.Log, store *storage.Store, rt *runtime.Runtime, queue *runtime.Queue) *Server {
	s := &Server{
		log:   log,
		store: store,
		rt:    rt,
		queue: queue,
		mux:   http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/chats", s.handleListChats)
	s.mux.HandleFunc("POST /api/chats", s.handleCreateChat)
	s.mux.HandleFunc("GET /api/chats/{id}", s.handleGetChat)
	s.mux.HandleFunc("DELETE /api/chats/{id}", s.handleDeleteChat)
	s.mux.HandleFunc("POST /api/chats/{id}/messages", s.handlePostMessage)
	s.mux.HandleFunc("POST /api/chats/{id}/rename", s.handleRename)
	s.mux.HandleFunc("POST /api/chats/{id}/share", s.handleShare)
	s.mux.HandleFunc("POST /api/chats/{id}/truncate", s.handleTruncate)
	s.mux.HandleFunc("POST /api/chats/{id}/branch", s.handleBranch)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// userID extracts the caller identity. Empty means unauthenticated.
func userID(r *http.Request) types.UserID {
	return types.UserID(r.Header.Get("X-User-ID"))
}

type createChatRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		httpError(w, http.StatusUnauthorized, "missing X-User-ID")
		return
	}
	var req createChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		httpError(w, http.StatusBadRequest, "text is required")
		return
	}

	chatID := types.NewChatID()
	msgID := types.NewMessageID()
	s.log.Publish(&event.Event{
		Type:   event.TypeChatCreated,
		UserID: uid,
		ChatID: chatID,
		Message: &chat.Message{
			ID:       msgID,
			Role:     chat.RoleUser,
			Text:     req.Text,
			Time:     time.Now(),
			Finished: true,
		},
	})
	if err := s.queue.Enqueue(&runtime.Turn{
		UserID:  uid,
		ChatID:  chatID,
		Text:    req.Text,
		NewChat: true,
	}); err != nil {
		httpError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"chat_id":    string(chatID),
		"message_id": string(msgID),
	})
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		httpError(w, http.StatusUnauthorized, "missing X-User-ID")
		return
	}
	chatID := types.ChatID(r.PathValue("id"))
	var req createChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		httpError(w, http.StatusBadRequest, "text is required")
		return
	}
	if err := s.queue.Enqueue(&runtime.Turn{
		UserID: uid,
		ChatID: chatID,
		Text:   req.Text,
	}); err != nil {
		httpError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"chat_id": string(chatID)})
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		httpError(w, http.StatusUnauthorized, "missing X-User-ID")
		return
	}
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httpError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = t
	}
	chats, err := s.store.GetUserChats(r.Context(), uid, since)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, chats)
}

// handleGetChat returns the materialized aggregate: the durable state plus
// any events still buffered in the log.
func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		httpError(w, http.StatusUnauthorized, "missing X-User-ID")
		return
	}
	c, err := s.rt.Materialize(r.Context(), uid, types.ChatID(r.PathValue("id")))
	if errors.Is(err, storage.ErrNotFound) {
		httpError(w, http.StatusNotFound, "chat not found")
		return
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type renameRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		httpError(w, http.StatusUnauthorized, "missing X-User-ID")
		return
	}
	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		httpError(w, http.StatusBadRequest, "name is required")
		return
	}
	s.log.Publish(&event.Event{
		Type:   event.TypeChatRenamed,
		UserID: uid,
		ChatID: types.ChatID(r.PathValue("id")),
		Name:   req.Name,
	})
	w.WriteHeader(http.StatusNoContent)
}

type shareRequest struct {
	Shared bool `json:"shared"`
}

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		httpError(w, http.StatusUnauthorized, "missing X-User-ID")
		return
	}
	var req shareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid body")
		return
	}
	s.log.Publish(&event.Event{
		Type:   event.TypeChatSharedToggled,
		UserID: uid,
		ChatID: types.ChatID(r.PathValue("id")),
		Shared: req.Shared,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		httpError(w, http.StatusUnauthorized, "missing X-User-ID")
		return
	}
	s.log.Publish(&event.Event{
		Type:   event.TypeChatDeleted,
		UserID: uid,
		ChatID: types.ChatID(r.PathValue("id")),
	})
	w.WriteHeader(http.StatusNoContent)
}

type truncateRequest struct {
	AfterMessageID string `json:"after_message_id"`
	Exclusive      bool   `json:"exclusive"`
}

func (s *Server) handleTruncate(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		httpError(w, http.StatusUnauthorized, "missing X-User-ID")
		return
	}
	var req truncateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AfterMessageID == "" {
		httpError(w, http.StatusBadRequest, "after_message_id is required")
		return
	}
	s.log.Publish(&event.Event{
		Type:           event.TypeChatDeletedAfterMessage,
		UserID:         uid,
		ChatID:         types.ChatID(r.PathValue("id")),
		AfterMessageID: types.MessageID(req.AfterMessageID),
		Exclusive:      req.Exclusive,
	})
	w.WriteHeader(http.StatusNoContent)
}

// handleBranch forks a conversation. The source aggregate is cloned on the
// cold path so the copy is complete even if the source has buffered events;
// those are claimed first by flushing the source chat through the event
// published here.
func (s *Server) handleBranch(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		httpError(w, http.StatusUnauthorized, "missing X-User-ID")
		return
	}
	srcID := types.ChatID(r.PathValue("id"))

	src, err := s.rt.Materialize(r.Context(), uid, srcID)
	if errors.Is(err, storage.ErrNotFound) {
		httpError(w, http.StatusNotFound, "chat not found")
		return
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}

	newID := types.NewChatID()
	now := time.Now()
	branch := src.Clone()
	branch.ID = newID
	branch.BranchedFromID = srcID
	branch.CreatedAt = now
	branch.UpdatedAt = now
	if err := s.store.WriteChatContext(r.Context(), branch); err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Publish(&event.Event{
		Type:               event.TypeChatBranched,
		UserID:             uid,
		ChatID:             newID,
		BranchedFromChatID: srcID,
		Timestamp:          now,
	})
	writeJSON(w, http.StatusCreated, map[string]string{"chat_id": string(newID)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response", "error", err)
	}
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
