package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/robolink-io/robolink/internal/comms"
)

// ConnectionHandler exposes a read-only view of the live connection registry
// for the operator UI and for debugging.
type ConnectionHandler struct {
	hub    *comms.Hub
	logger *zap.Logger
}

// NewConnectionHandler creates a ConnectionHandler.
func NewConnectionHandler(hub *comms.Hub, logger *zap.Logger) *ConnectionHandler {
	return &ConnectionHandler{hub: hub, logger: logger.Named("connection_handler")}
}

// connectionView is the wire shape of one registry entry.
type connectionView struct {
	ID          int64     `json:"id"`
	Role        string    `json:"role"`
	Name        string    `json:"name,omitempty"`
	IsAvailable bool      `json:"isAvailable"`
	State       string    `json:"state"`
	LastAlloc   time.Time `json:"lastAllocatedTime"`
	Pending     int       `json:"pendingMessages"`
	Alerts      int       `json:"alerts"`
}

// List handles GET /api/v1/connections. The optional "role" query parameter
// filters by role name.
func (h *ConnectionHandler) List(w http.ResponseWriter, r *http.Request) {
	conns := h.hub.All()
	if roleFilter := r.URL.Query().Get("role"); roleFilter != "" {
		role, ok := parseRole(roleFilter)
		if !ok {
			ErrBadRequest(w, "unknown role: "+roleFilter)
			return
		}
		conns = h.hub.ByRole(role)
	}

	views := make([]connectionView, 0, len(conns))
	for _, conn := range conns {
		views = append(views, viewOf(conn))
	}
	h.requestLogger(r).Debug("listing connections", zap.Int("count", len(views)))
	Ok(w, views)
}

// requestLogger attributes registry reads to the session that made them.
func (h *ConnectionHandler) requestLogger(r *http.Request) *zap.Logger {
	if claims := claimsFromCtx(r.Context()); claims != nil {
		return h.logger.With(zap.String("session_id", claims.SessionID))
	}
	return h.logger
}

// Get handles GET /api/v1/connections/{id}.
func (h *ConnectionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		ErrBadRequest(w, "connection id must be numeric")
		return
	}
	conn := h.hub.Get(id)
	if conn == nil {
		ErrNotFound(w)
		return
	}
	h.requestLogger(r).Debug("reading connection", zap.Int64("id", id))
	Ok(w, viewOf(conn))
}

func viewOf(conn *comms.Connection) connectionView {
	status := conn.Status()
	view := connectionView{
		ID:          conn.ID(),
		Role:        conn.Role().String(),
		IsAvailable: status.IsAvailable,
		State:       status.Message,
		LastAlloc:   status.LastAllocatedTime,
		Pending:     len(conn.Pending()),
		Alerts:      len(conn.Alerts()),
	}
	if robot := conn.Robot(); robot != nil {
		view.Name = robot.FriendlyName
	} else if user := conn.User(); user != nil {
		view.Name = user.Name
	}
	return view
}

func parseRole(name string) (comms.Role, bool) {
	switch name {
	case "robot", "Robot":
		return comms.RoleRobot, true
	case "user", "User":
		return comms.RoleUser, true
	case "monitor", "Monitor":
		return comms.RoleMonitor, true
	case "unknown", "Unknown":
		return comms.RoleUnknown, true
	default:
		return comms.RoleUnknown, false
	}
}
