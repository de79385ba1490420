package comms

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"github.com/robolink-io/robolink/internal/metrics"
	"github.com/robolink-io/robolink/internal/protocol"
)

// allocateRobot reserves an available robot for the requesting user.
//
// The policy is least-recently-allocated first with uniform random
// tie-breaking, overridden by the user's preferred-robot setting: in strict
// mode (AllocationMode 1) only the preferred robot qualifies and the request
// fails if it is unavailable; in lenient mode (AllocationMode 2) an
// unavailable preferred robot falls through to the general search. The
// lenient fallback deliberately does not re-check any other attribute of the
// preferred robot.
func (p *Processor) allocateRobot(ctx context.Context, tx StoreSession, conn *Connection, msg *protocol.Message) error {
	if !p.requireRole(conn, msg, RoleUser) {
		return nil
	}
	user := conn.User()
	p.logger.Info("attempting to allocate robot", zap.String("user", user.Name))

	var nextRobot *Connection
	if user.AllocationMode > 0 && user.PreferredRobot != "" {
		for _, candidate := range p.hub.ByRole(RoleRobot) {
			robot := candidate.Robot()
			if robot != nil && robot.MachineName == user.PreferredRobot && candidate.Status().IsAvailable {
				nextRobot = candidate
				break
			}
		}
		if nextRobot == nil && user.AllocationMode == 1 {
			p.logger.Info("preferred robot not available",
				zap.String("robot", user.PreferredRobot), zap.String("user", user.Name))
			conn.Send(protocol.Response(msg, protocol.NoRobotsAvailable))
			metrics.AllocationsTotal.WithLabelValues("exhausted").Inc()
			return nil
		}
	}

	if nextRobot == nil {
		nextRobot = p.selectLeastRecentlyAllocated()
	}

	if nextRobot == nil || nextRobot.Robot() == nil {
		p.logger.Info("no robots available for allocation", zap.String("user", user.Name))
		conn.Send(protocol.Response(msg, protocol.NoRobotsAvailable))
		metrics.AllocationsTotal.WithLabelValues("exhausted").Inc()
		return nil
	}

	robot := nextRobot.Robot()
	p.logger.Info("allocated robot",
		zap.String("machineName", robot.MachineName),
		zap.Int64("robot", nextRobot.ID()),
		zap.String("user", user.Name))
	nextRobot.MarkAllocated(p.clock())
	nextRobot.AddListener(conn)

	resp := protocol.Response(msg, protocol.RobotAllocated)
	resp.Set("robot", strconv.FormatInt(nextRobot.ID(), 10))
	conn.Send(resp)

	monitorCopy := resp.Clone()
	populateSourceValues(conn, monitorCopy)
	p.hub.SendToMonitors(monitorCopy)

	metrics.AllocationsTotal.WithLabelValues("allocated").Inc()
	return p.addToRobotLog(tx, robot.MachineName, conversationFor(conn, msg), msg, "Robot allocated to user", false)
}

// selectLeastRecentlyAllocated picks the available robot with the smallest
// LastAllocatedTime, choosing uniformly at random among exact ties. Returns
// nil when no robot is available.
func (p *Processor) selectLeastRecentlyAllocated() *Connection {
	var tied []*Connection
	for _, candidate := range p.hub.ByRole(RoleRobot) {
		status := candidate.Status()
		if !status.IsAvailable {
			continue
		}
		if len(tied) == 0 {
			tied = append(tied, candidate)
			continue
		}
		best := tied[0].Status().LastAllocatedTime
		switch {
		case status.LastAllocatedTime.Before(best):
			tied = append(tied[:0], candidate)
		case status.LastAllocatedTime.Equal(best):
			tied = append(tied, candidate)
		}
	}
	if len(tied) == 0 {
		return nil
	}
	return tied[p.randInt(len(tied))]
}
