package comms

import (
	"context"

	"go.uber.org/zap"

	"github.com/robolink-io/robolink/internal/protocol"
)

// broadcast builds a handler that fans an inbound report out as the given
// message type: to the sender's listeners, to the robot log, and to the
// monitor set. When includeValues is set the source payload is copied into
// the outbound message verbatim.
func (p *Processor) broadcast(msgType protocol.MessageType, logDescription string, includeValues bool) handlerFunc {
	return func(ctx context.Context, tx StoreSession, conn *Connection, msg *protocol.Message) error {
		var extra map[string]string
		if includeValues {
			extra = msg.Values
		}
		return p.doBroadcast(tx, conn, msg, msgType, logDescription, extra)
	}
}

// doBroadcast performs the triple fan-out. Source identity values are
// populated before any delivery so every recipient, listener and monitor
// alike, sees who the message came from.
func (p *Processor) doBroadcast(tx StoreSession, conn *Connection, msg *protocol.Message, msgType protocol.MessageType, logDescription string, extra map[string]string) error {
	out := protocol.Response(msg, msgType)
	for key, value := range extra {
		out.Set(key, value)
	}
	populateSourceValues(conn, out)

	conn.NotifyListeners(out)
	p.hub.SendToMonitors(out)

	if robot := conn.Robot(); robot != nil {
		return p.addToRobotLog(tx, robot.MachineName, conversationFor(conn, msg), msg, logDescription, false)
	}
	return nil
}

// robotDebugMessage fans step-level debug output out to listeners and
// monitors, and records the reported source identifier in the robot's
// transfer session so stalled-program detection and replay can use it.
func (p *Processor) robotDebugMessage(ctx context.Context, tx StoreSession, conn *Connection, msg *protocol.Message) error {
	if err := p.doBroadcast(tx, conn, msg, protocol.RobotDebugMessage, "Debug information received", msg.Values); err != nil {
		return err
	}
	conn.RecordSourceID(msg.Get("sourceID"))
	conn.MarkUpdated(p.clock())
	return nil
}

// updateRobotState records a robot's periodic state report and fans it out.
// The robot is available for allocation exactly while it reports "Waiting".
func (p *Processor) updateRobotState(ctx context.Context, tx StoreSession, conn *Connection, msg *protocol.Message) error {
	if !p.requireRole(conn, msg, RoleRobot) {
		return nil
	}

	state, reported := msg.Values["state"]
	conn.SetState(state, reported)
	status := conn.Status()
	p.logger.Info("updating robot state",
		zap.String("machineName", conn.Robot().MachineName),
		zap.String("state", status.Message))

	if err := p.doBroadcast(tx, conn, msg, protocol.RobotStateUpdate, "State updated to "+status.Message, msg.Values); err != nil {
		return err
	}
	conn.MarkUpdated(p.clock())
	return nil
}
