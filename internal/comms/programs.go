package comms

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"github.com/robolink-io/robolink/internal/protocol"
)

// transferProgram tells a robot to download a program on a user's behalf.
// The robot's transfer session is reset to the new program id; the download
// command carries the program id and the requesting user's name.
func (p *Processor) transferProgram(ctx context.Context, tx StoreSession, conn *Connection, msg *protocol.Message) error {
	if !p.requireRole(conn, msg, RoleUser) {
		return nil
	}
	robotConn, reason := p.resolveRobot(msg)
	if reason != "" {
		conn.Send(protocol.ErrorResponse(msg, reason))
		return nil
	}

	programID, reply := requireProgramID(msg)
	if reply != nil {
		conn.Send(reply)
		return nil
	}

	robotConn.SetLastProgram(programID)
	cmd := protocol.Response(msg, protocol.DownloadProgram)
	cmd.Set("program", msg.Get("program"))
	cmd.Set("user", conn.User().Name)
	robotConn.Send(cmd)

	return p.logToRobot(tx, robotConn, conn, msg, "Program transferring")
}

// startProgram forwards a start command to a robot. The optional "opts"
// value is passed through verbatim, defaulting to an empty JSON object.
func (p *Processor) startProgram(ctx context.Context, tx StoreSession, conn *Connection, msg *protocol.Message) error {
	if !p.requireRole(conn, msg, RoleUser) {
		return nil
	}
	robotConn, reason := p.resolveRobot(msg)
	if reason != "" {
		conn.Send(protocol.ErrorResponse(msg, reason))
		return nil
	}

	if _, reply := requireProgramID(msg); reply != nil {
		conn.Send(reply)
		return nil
	}
	opts := msg.Get("opts")
	if opts == "" {
		opts = "{}"
	}

	p.logger.Info("starting program",
		zap.String("program", msg.Get("program")), zap.Int64("robot", robotConn.ID()))
	cmd := protocol.Response(msg, protocol.StartProgram)
	cmd.Set("program", msg.Get("program"))
	cmd.Set("opts", opts)
	robotConn.Send(cmd)

	return p.logToRobot(tx, robotConn, conn, msg, "Program starting")
}

// stopProgram forwards a stop command to a robot. If the robot cannot be
// resolved, the caller gets a synthetic ProgramStopped instead of an error
// so its UI can recover to the idle state regardless.
func (p *Processor) stopProgram(ctx context.Context, tx StoreSession, conn *Connection, msg *protocol.Message) error {
	if !p.requireRole(conn, msg, RoleUser) {
		return nil
	}
	robotConn, reason := p.resolveRobot(msg)
	if reason != "" {
		conn.Send(protocol.Response(msg, protocol.ProgramStopped))
		return nil
	}

	p.logger.Info("stopping program", zap.Int64("robot", robotConn.ID()))
	robotConn.Send(protocol.Response(msg, protocol.StopProgram))

	return p.logToRobot(tx, robotConn, conn, msg, "Program stopping")
}

// programDownloaded is the robot's download-complete report. It fans out as
// a ProgramTransferred broadcast carrying the id of the program the transfer
// session holds.
func (p *Processor) programDownloaded(ctx context.Context, tx StoreSession, conn *Connection, msg *protocol.Message) error {
	programID := int64(0)
	if conn.HasDetails() {
		programID = conn.Details().LastProgramID
	}
	extra := map[string]string{
		"ProgramId": strconv.FormatInt(programID, 10),
	}
	return p.doBroadcast(tx, conn, msg, protocol.ProgramTransferred, "Program has been transferred", extra)
}

// requireProgramID validates the "program" value, returning an Error reply
// to send when it is missing or not numeric.
func requireProgramID(msg *protocol.Message) (int64, *protocol.Message) {
	program, ok := msg.Values["program"]
	if !ok {
		return 0, protocol.ErrorResponse(msg, "Program ID is missing")
	}
	programID, err := strconv.ParseInt(program, 10, 64)
	if err != nil {
		return 0, protocol.ErrorResponse(msg, "Program ID is invalid")
	}
	return programID, nil
}

// logToRobot appends a command log line against the target robot, or warns
// when the target has no robot identity attached. The command itself has
// already been forwarded; a missing identity never fails the request.
func (p *Processor) logToRobot(tx StoreSession, robotConn *Connection, conn *Connection, msg *protocol.Message, description string) error {
	robot := robotConn.Robot()
	if robot == nil {
		p.logger.Warn("unable to add to log: robot identity missing", zap.Int64("robot", robotConn.ID()))
		return nil
	}
	return p.addToRobotLog(tx, robot.MachineName, conversationFor(conn, msg), msg, description, false)
}
