package comms

import (
	"context"

	"github.com/robolink-io/robolink/internal/protocol"
)

// startMonitoring subscribes the requesting connection to all broadcast
// traffic. The connection must be authenticated as a user and registered
// with a hub.
func (p *Processor) startMonitoring(ctx context.Context, tx StoreSession, conn *Connection, msg *protocol.Message) error {
	if !p.requireRole(conn, msg, RoleUser) {
		return nil
	}
	hub := conn.Hub()
	if hub == nil {
		conn.Send(protocol.ErrorResponse(msg, "Client not connected to Hub"))
		return nil
	}
	hub.AddMonitor(conn)
	return nil
}

// stopMonitoring cancels a monitoring subscription. The connection itself
// stays registered and keeps its identity.
func (p *Processor) stopMonitoring(ctx context.Context, tx StoreSession, conn *Connection, msg *protocol.Message) error {
	if !p.requireRole(conn, msg, RoleUser) {
		return nil
	}
	hub := conn.Hub()
	if hub == nil {
		conn.Send(protocol.ErrorResponse(msg, "Client not connected to Hub"))
		return nil
	}
	hub.RemoveMonitor(conn)
	return nil
}
