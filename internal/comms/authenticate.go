package comms

import (
	"context"
	"errors"
	"strconv"

	"go.uber.org/zap"

	"github.com/robolink-io/robolink/internal/db"
	"github.com/robolink-io/robolink/internal/protocol"
)

// authenticate attaches an identity to the connection from a bearer token.
// The token resolves to a login session; an expired or dangling session is
// rejected. On success a fresh conversation is opened for the peer, monitors
// are told who the connection is, and the peer gets an Authenticated reply.
func (p *Processor) authenticate(ctx context.Context, tx StoreSession, conn *Connection, msg *protocol.Message) error {
	token, ok := msg.Values["token"]
	if !ok {
		conn.Send(protocol.ErrorResponse(msg, "Token is missing"))
		return nil
	}

	sessionID, err := p.tokens.SessionIDFromToken(token)
	if err != nil {
		p.logger.Info("rejecting invalid token", zap.Error(err))
		conn.Send(protocol.ErrorResponse(msg, "Token is invalid"))
		return nil
	}

	login, err := tx.SessionByID(sessionID)
	if errors.Is(err, db.ErrNotFound) {
		conn.Send(protocol.ErrorResponse(msg, "Session is invalid"))
		return nil
	}
	if err != nil {
		return err
	}
	if login.WhenExpires.Before(p.clock()) {
		conn.Send(protocol.ErrorResponse(msg, "Session is invalid"))
		return nil
	}

	notif := protocol.New(protocol.ClientAdded)
	notif.Set("ClientId", strconv.FormatInt(conn.ID(), 10))
	notif.Set("Type", "Unknown")

	if login.IsRobot {
		robot, err := tx.RobotByID(login.SubjectID.String())
		if errors.Is(err, db.ErrNotFound) {
			conn.Send(protocol.ErrorResponse(msg, "Session is invalid: missing robot"))
			return nil
		}
		if err != nil {
			return err
		}
		conn.SetRobot(robot)
		p.logger.Info("authenticated robot", zap.String("machineName", robot.MachineName))

		conv := &db.Conversation{
			SourceID:   robot.ID.String(),
			SourceName: robot.MachineName,
			Type:       "initialisation",
			WhenOpened: p.clock(),
		}
		if err := tx.CreateConversation(conv); err != nil {
			conn.Send(protocol.ErrorResponse(msg, "Session is invalid: cannot start conversation"))
			return nil
		}
		msg.ConversationID = conv.ID
		conn.SetConversation(conv.ID)

		if err := p.addToRobotLog(tx, robot.MachineName, conv.ID, msg, "Robot authenticated", false); err != nil {
			return err
		}
		notif.Set("Type", "robot")
		notif.Set("SubType", robot.Type)
		notif.Set("Name", robot.FriendlyName)
	} else {
		user, err := tx.UserByID(login.SubjectID.String())
		if errors.Is(err, db.ErrNotFound) {
			conn.Send(protocol.ErrorResponse(msg, "Session is invalid: missing user"))
			return nil
		}
		if err != nil {
			return err
		}
		conn.SetUser(user)
		p.logger.Info("authenticated user", zap.String("name", user.Name))

		conv := &db.Conversation{
			SourceID:   user.ID.String(),
			SourceName: user.Name,
			Type:       "program",
			WhenOpened: p.clock(),
		}
		if err := tx.CreateConversation(conv); err != nil {
			conn.Send(protocol.ErrorResponse(msg, "Session is invalid: cannot start conversation"))
			return nil
		}
		msg.ConversationID = conv.ID
		conn.SetConversation(conv.ID)

		notif.Set("Type", "user")
		notif.Set("SubType", user.Role)
		notif.Set("Name", user.Name)
		if user.Role == "student" {
			notif.Set("IsStudent", "yes")
		} else {
			notif.Set("IsStudent", "no")
		}
	}

	p.hub.SendToMonitors(notif)
	conn.Send(protocol.Response(msg, protocol.Authenticated))
	return nil
}
