package comms

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/robolink-io/robolink/internal/db"
	"github.com/robolink-io/robolink/internal/metrics"
	"github.com/robolink-io/robolink/internal/protocol"
)

// handlerFunc processes one inbound message inside the storage session
// opened for it. A returned error is caught at the dispatch boundary and
// turned into an Error reply; it never terminates the connection. Handlers
// that reject a request for protocol or authorization reasons send the
// rejection themselves and return nil.
type handlerFunc func(ctx context.Context, tx StoreSession, conn *Connection, msg *protocol.Message) error

// Processor is the typed message dispatcher. It maps each inbound message
// type to a handler, wraps every dispatch in one storage transaction, and
// keeps handler failures contained to an Error reply.
type Processor struct {
	hub      *Hub
	store    Store
	tokens   TokenParser
	logger   *zap.Logger
	clock    Clock
	randInt  func(n int) int
	handlers map[protocol.MessageType]handlerFunc
}

// NewProcessor builds a Processor with the full handler table wired up.
func NewProcessor(hub *Hub, store Store, tokens TokenParser, logger *zap.Logger) *Processor {
	p := &Processor{
		hub:     hub,
		store:   store,
		tokens:  tokens,
		logger:  logger,
		clock:   time.Now,
		randInt: rand.IntN,
	}
	p.handlers = map[protocol.MessageType]handlerFunc{
		protocol.Authenticate:            p.authenticate,
		protocol.RequestRobot:            p.allocateRobot,
		protocol.TransferProgram:         p.transferProgram,
		protocol.StartProgram:            p.startProgram,
		protocol.StopProgram:             p.stopProgram,
		protocol.ProgramDownloaded:       p.programDownloaded,
		protocol.ProgramStarted:          p.broadcast(protocol.ProgramStarted, "Program started", false),
		protocol.ProgramFinished:         p.broadcast(protocol.ProgramFinished, "Program finished", false),
		protocol.ProgramStopped:          p.broadcast(protocol.ProgramStopped, "Program stopped", false),
		protocol.RobotDebugMessage:       p.robotDebugMessage,
		protocol.RobotError:              p.broadcast(protocol.RobotError, "An unexpected error has occurred", true),
		protocol.RobotStateUpdate:        p.updateRobotState,
		protocol.UnableToDownloadProgram: p.broadcast(protocol.UnableToDownloadProgram, "Unable to download program", true),
		protocol.StartMonitoring:         p.startMonitoring,
		protocol.StopMonitoring:          p.stopMonitoring,
		protocol.AlertsRequest:           p.alertsRequest,
		protocol.AlertBroadcast:          p.broadcastAlert,
	}
	return p
}

// Process dispatches one inbound message. An unknown type gets an Error
// reply and a warning; a known type runs its handler inside a fresh storage
// transaction, committed on success and rolled back on failure. Any handler
// error is surfaced to the sender as an Error reply carrying its text.
func (p *Processor) Process(ctx context.Context, conn *Connection, msg *protocol.Message) {
	handler, ok := p.handlers[msg.Type]
	if !ok {
		p.logger.Warn("no handler for message type", zap.Stringer("type", msg.Type))
		conn.Send(protocol.ErrorResponse(msg, fmt.Sprintf("Unable to find processor for %s", msg.Type)))
		metrics.MessagesProcessed.WithLabelValues(msg.Type.String(), "unknown").Inc()
		return
	}

	p.logger.Debug("processing message", zap.Stringer("type", msg.Type), zap.Int64("client", conn.ID()))
	err := p.dispatch(ctx, handler, conn, msg)
	if err != nil {
		p.logger.Warn("message processing failed",
			zap.Stringer("type", msg.Type), zap.Error(err))
		conn.Send(protocol.ErrorResponse(msg, fmt.Sprintf("Unable to process message: %s", err)))
		metrics.MessagesProcessed.WithLabelValues(msg.Type.String(), "error").Inc()
		return
	}
	metrics.MessagesProcessed.WithLabelValues(msg.Type.String(), "ok").Inc()
}

func (p *Processor) dispatch(ctx context.Context, handler handlerFunc, conn *Connection, msg *protocol.Message) error {
	tx, err := p.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("open storage session: %w", err)
	}
	if err := handler(ctx, tx, conn, msg); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit storage session: %w", err)
	}
	return nil
}

// requireRole checks the connection's authenticated identity. An
// unauthenticated connection gets a NotAuthenticated reply; an authenticated
// one with the wrong role gets Forbidden. Returns false when the handler
// should stop.
func (p *Processor) requireRole(conn *Connection, msg *protocol.Message, role Role) bool {
	if conn.User() == nil && conn.Robot() == nil {
		conn.Send(protocol.Response(msg, protocol.NotAuthenticated))
		return false
	}
	switch role {
	case RoleRobot:
		if conn.Robot() == nil {
			conn.Send(protocol.Response(msg, protocol.Forbidden))
			return false
		}
	case RoleUser:
		if conn.User() == nil {
			conn.Send(protocol.Response(msg, protocol.Forbidden))
			return false
		}
	}
	return true
}

// resolveRobot looks up the robot connection referenced by the message's
// "robot" value. On failure it returns a human-readable reason and a nil
// connection; the caller decides how to reply (most send an Error, StopProgram
// sends a synthetic ProgramStopped instead).
func (p *Processor) resolveRobot(msg *protocol.Message) (*Connection, string) {
	robotCode, ok := msg.Values["robot"]
	if !ok {
		return nil, "Robot is missing"
	}
	robotID, err := strconv.ParseInt(robotCode, 10, 64)
	if err != nil {
		return nil, "Robot id is invalid"
	}
	robotConn := p.hub.Get(robotID)
	if robotConn == nil {
		return nil, "Robot is no longer connected"
	}
	return robotConn, ""
}

// populateSourceValues stamps the message with the sending connection's
// identity so listeners and monitors can attribute it.
func populateSourceValues(conn *Connection, msg *protocol.Message) {
	msg.Set("SourceId", strconv.FormatInt(conn.ID(), 10))
	switch conn.Role() {
	case RoleRobot:
		msg.Set("SourceType", "Robot")
		if robot := conn.Robot(); robot != nil {
			msg.Set("SourceName", robot.MachineName)
		}
	case RoleUser:
		msg.Set("SourceType", "User")
		if user := conn.User(); user != nil {
			msg.Set("SourceName", user.Name)
		}
	default:
		msg.Set("SourceType", "Unknown")
	}
}

// conversationFor picks the conversation id a log line should be keyed by:
// the message's own correlation id when present, otherwise the connection's
// active conversation opened at authentication.
func conversationFor(conn *Connection, msg *protocol.Message) int64 {
	if msg.ConversationID != 0 {
		return msg.ConversationID
	}
	return conn.Conversation()
}

// addToRobotLog appends one line to a robot's conversation log. A missing
// conversation id is logged and skipped rather than failing the handler; log
// append is best-effort relative to the message flow it annotates.
func (p *Processor) addToRobotLog(tx StoreSession, machineName string, conversationID int64, msg *protocol.Message, description string, skipValues bool) error {
	if conversationID == 0 {
		p.logger.Warn("adding to a robot log requires a conversation",
			zap.String("machineName", machineName), zap.Stringer("type", msg.Type))
		return nil
	}

	values := "{}"
	if !skipValues && len(msg.Values) > 0 {
		encoded, err := json.Marshal(msg.Values)
		if err != nil {
			return fmt.Errorf("encode log values: %w", err)
		}
		values = string(encoded)
	}

	return tx.AddLogLine(&db.LogLine{
		MachineName:    machineName,
		ConversationID: conversationID,
		Description:    description,
		MessageType:    int(msg.Type),
		Values:         values,
		WhenAdded:      p.clock(),
	})
}
