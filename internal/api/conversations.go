package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/robolink-io/robolink/internal/store"
)

// defaultConversationLimit bounds unpaginated conversation listings.
const defaultConversationLimit = 50

// ConversationHandler exposes the stored conversations and robot logs.
type ConversationHandler struct {
	store  *store.Store
	logger *zap.Logger
}

// NewConversationHandler creates a ConversationHandler.
func NewConversationHandler(st *store.Store, logger *zap.Logger) *ConversationHandler {
	return &ConversationHandler{store: st, logger: logger.Named("conversation_handler")}
}

// List handles GET /api/v1/conversations, newest first.
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := defaultConversationLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			ErrBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	conversations, err := h.store.Conversations(r.Context(), limit)
	if err != nil {
		h.logger.Error("listing conversations failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, conversations)
}

// Logs handles GET /api/v1/robots/{machineName}/conversations/{id}/logs:
// the full log of one conversation on one robot, oldest first.
func (h *ConversationHandler) Logs(w http.ResponseWriter, r *http.Request) {
	machineName := chi.URLParam(r, "machineName")
	conversationID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		ErrBadRequest(w, "conversation id must be numeric")
		return
	}

	lines, err := h.store.LogLines(r.Context(), machineName, conversationID)
	if err != nil {
		h.logger.Error("listing log lines failed",
			zap.String("machineName", machineName), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, lines)
}
