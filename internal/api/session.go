package api

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/robolink-io/robolink/internal/auth"
)

// SessionHandler handles POST /api/v1/session: name/password login for both
// operators and robots. The signed token it returns is what peers present in
// the Authenticate message after opening their WebSocket connection.
type SessionHandler struct {
	service *auth.Service
	logger  *zap.Logger
}

// NewSessionHandler creates a SessionHandler.
func NewSessionHandler(service *auth.Service, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{service: service, logger: logger.Named("session_handler")}
}

type loginRequest struct {
	// Name is the user name, or the robot's machine name when Role is "robot".
	Name     string `json:"name"`
	Password string `json:"password"`
	Role     string `json:"role"` // "user" (default) or "robot"
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Login handles POST /api/v1/session.
func (h *SessionHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" || req.Password == "" {
		ErrBadRequest(w, "name and password are required")
		return
	}

	var (
		result *auth.LoginResult
		err    error
	)
	switch req.Role {
	case "", "user":
		result, err = h.service.LoginUser(r.Context(), req.Name, req.Password)
	case "robot":
		result, err = h.service.LoginRobot(r.Context(), req.Name, req.Password)
	default:
		ErrBadRequest(w, "role must be \"user\" or \"robot\"")
		return
	}

	if errors.Is(err, auth.ErrInvalidCredentials) {
		ErrUnauthorized(w)
		return
	}
	if err != nil {
		h.logger.Error("login failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, loginResponse{Token: result.Token, ExpiresAt: result.ExpiresAt})
}
