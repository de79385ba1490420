package comms

import (
	"context"
	"strconv"

	"github.com/robolink-io/robolink/internal/protocol"
)

// alertsRequest replies with a snapshot of the target robot's buffered
// alerts, one AlertBroadcast message per alert. It is a point-in-time read,
// not a subscription.
func (p *Processor) alertsRequest(ctx context.Context, tx StoreSession, conn *Connection, msg *protocol.Message) error {
	if !p.requireRole(conn, msg, RoleUser) {
		return nil
	}
	robotConn, reason := p.resolveRobot(msg)
	if reason != "" {
		conn.Send(protocol.ErrorResponse(msg, reason))
		return nil
	}

	for _, alert := range robotConn.Alerts() {
		conn.Send(alertMessage(robotConn, alert))
	}
	return nil
}

// broadcastAlert accepts an alert raised by a robot: buffers it in the
// sender's ring and pushes a copy to every monitor.
func (p *Processor) broadcastAlert(ctx context.Context, tx StoreSession, conn *Connection, msg *protocol.Message) error {
	if !p.requireRole(conn, msg, RoleRobot) {
		return nil
	}

	id := -1
	if parsed, err := strconv.Atoi(msg.Get("id")); err == nil {
		id = parsed
	}
	severity := msg.Get("severity")
	if severity == "" {
		severity = "info"
	}
	alert := Alert{
		ID:        id,
		Message:   msg.Get("message"),
		Severity:  severity,
		WhenAdded: p.clock(),
	}
	conn.AddAlert(alert)

	p.hub.SendToMonitors(alertMessage(conn, alert))
	return nil
}

// alertMessage builds an AlertBroadcast frame for one alert, attributed to
// the robot whose buffer holds it.
func alertMessage(robotConn *Connection, alert Alert) *protocol.Message {
	out := protocol.New(protocol.AlertBroadcast)
	out.Set("id", strconv.Itoa(alert.ID))
	out.Set("message", alert.Message)
	out.Set("severity", alert.Severity)
	populateSourceValues(robotConn, out)
	return out
}
