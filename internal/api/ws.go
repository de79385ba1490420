package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/robolink-io/robolink/internal/comms"
)

// WSHandler handles the WebSocket upgrade endpoint GET /api/v1/ws.
//
// The upgrade itself is unauthenticated: a peer connects first and proves
// who it is afterwards with an Authenticate message carrying its session
// token, so robots and browsers share one connection path. Until that
// message arrives the connection has the Unknown role and every other
// request is refused with NotAuthenticated.
type WSHandler struct {
	hub        *comms.Hub
	dispatcher comms.Dispatcher
	logger     *zap.Logger
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(hub *comms.Hub, dispatcher comms.Dispatcher, logger *zap.Logger) *WSHandler {
	return &WSHandler{
		hub:        hub,
		dispatcher: dispatcher,
		logger:     logger.Named("ws_handler"),
	}
}

// ServeWS handles GET /api/v1/ws.
// It upgrades the connection, registers it with the hub, and runs the
// read/send pumps. The handler blocks until the connection closes — this is
// expected for WebSocket handlers.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	transport, err := comms.Upgrade(w, r)
	if err != nil {
		// The upgrader has already written the error response.
		h.logger.Warn("ws: upgrade failed",
			zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}

	conn := comms.NewConnection(transport, h.dispatcher, h.logger)
	id, err := h.hub.Add(conn)
	if err != nil {
		h.logger.Error("ws: registration failed", zap.Error(err))
		_ = transport.Close()
		return
	}
	h.logger.Info("ws: client connected",
		zap.Int64("id", id), zap.String("remote_addr", r.RemoteAddr))

	// Run blocks until the peer disconnects; the hub unregisters the
	// connection when its close signal fires.
	conn.Run(r.Context())

	h.logger.Info("ws: client disconnected", zap.Int64("id", id))
}
