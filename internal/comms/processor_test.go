package comms

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robolink-io/robolink/internal/db"
	"github.com/robolink-io/robolink/internal/protocol"
)

// addUser registers an authenticated user connection on the hub.
func addUser(hub *Hub, user *db.User) *Connection {
	conn, _ := newTestConnection()
	conn.SetUser(user)
	hub.Add(conn)
	return conn
}

// addRobot registers an authenticated, available robot connection with the
// given allocation timestamp.
func addRobot(hub *Hub, machineName string, lastAllocated time.Time) *Connection {
	conn, _ := newTestConnection()
	conn.SetRobot(&db.Robot{MachineName: machineName, FriendlyName: machineName})
	conn.SetState("Waiting", true)
	conn.mu.Lock()
	conn.status.LastAllocatedTime = lastAllocated
	conn.mu.Unlock()
	hub.Add(conn)
	return conn
}

func lastPending(t *testing.T, conn *Connection) *protocol.Message {
	t.Helper()
	pending := conn.Pending()
	require.NotEmpty(t, pending)
	return pending[len(pending)-1]
}

func TestProcessUnknownType(t *testing.T) {
	p, hub := newTestProcessor(newFakeStore(), nil)
	conn, _ := newTestConnection()
	hub.Add(conn)

	p.Process(context.Background(), conn, &protocol.Message{Type: 999, ConversationID: 7})

	reply := lastPending(t, conn)
	assert.Equal(t, protocol.TypeError, reply.Type)
	assert.Equal(t, int64(7), reply.ConversationID)
	assert.Contains(t, reply.Get("error"), "Unable to find processor")
}

func TestRequestRobotRequiresAuthentication(t *testing.T) {
	p, hub := newTestProcessor(newFakeStore(), nil)
	conn, _ := newTestConnection()
	hub.Add(conn)
	robot := addRobot(hub, "karetao-1", time.Time{})

	p.Process(context.Background(), conn, protocol.New(protocol.RequestRobot))

	reply := lastPending(t, conn)
	assert.Equal(t, protocol.NotAuthenticated, reply.Type)
	assert.True(t, robot.Status().IsAvailable, "no state may change")
}

func TestAllocationPicksLeastRecentlyAllocated(t *testing.T) {
	store := newFakeStore()
	p, hub := newTestProcessor(store, nil)
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	addRobot(hub, "karetao-1", base.Add(2*time.Hour))
	oldest := addRobot(hub, "karetao-2", base)
	addRobot(hub, "karetao-3", base.Add(time.Hour))
	user := addUser(hub, &db.User{Name: "mia"})
	user.SetConversation(5)

	p.Process(context.Background(), user, protocol.New(protocol.RequestRobot))

	reply := lastPending(t, user)
	require.Equal(t, protocol.RobotAllocated, reply.Type)
	assert.Equal(t, strconv.FormatInt(oldest.ID(), 10), reply.Get("robot"))
	assert.False(t, oldest.Status().IsAvailable)
	assert.Equal(t, p.clock(), oldest.Status().LastAllocatedTime)
	require.Len(t, oldest.Listeners(), 1)
	assert.Same(t, user, oldest.Listeners()[0])

	line := store.lastLogLine()
	require.NotNil(t, line)
	assert.Equal(t, "Robot allocated to user", line.Description)
	assert.Equal(t, "karetao-2", line.MachineName)
	assert.Equal(t, int64(5), line.ConversationID)
}

func TestAllocationTieBreakIsUniform(t *testing.T) {
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	counts := map[string]int{}

	// With the random choice pinned to each index in turn, every tied robot
	// must be selectable.
	for pick := 0; pick < 3; pick++ {
		p, hub := newTestProcessor(newFakeStore(), nil)
		p.randInt = func(n int) int {
			require.Equal(t, 3, n, "all three tied robots must be candidates")
			return pick
		}
		robots := []*Connection{
			addRobot(hub, "karetao-1", base),
			addRobot(hub, "karetao-2", base),
			addRobot(hub, "karetao-3", base),
		}
		user := addUser(hub, &db.User{Name: "mia"})

		p.Process(context.Background(), user, protocol.New(protocol.RequestRobot))

		reply := lastPending(t, user)
		require.Equal(t, protocol.RobotAllocated, reply.Type)
		for _, robot := range robots {
			if reply.Get("robot") == strconv.FormatInt(robot.ID(), 10) {
				counts[robot.Robot().MachineName]++
			}
		}
	}
	assert.Len(t, counts, 3, "each tied robot selected exactly once")
}

func TestAllocationExhaustion(t *testing.T) {
	p, hub := newTestProcessor(newFakeStore(), nil)
	busy := addRobot(hub, "karetao-1", time.Time{})
	busy.MarkAllocated(p.clock())
	user := addUser(hub, &db.User{Name: "mia"})

	p.Process(context.Background(), user, protocol.New(protocol.RequestRobot))

	reply := lastPending(t, user)
	assert.Equal(t, protocol.NoRobotsAvailable, reply.Type)
	assert.False(t, busy.Status().IsAvailable)
	assert.Empty(t, busy.Listeners())
}

func TestAllocationStrictPreference(t *testing.T) {
	p, hub := newTestProcessor(newFakeStore(), nil)
	preferred := addRobot(hub, "karetao-1", time.Time{})
	preferred.MarkAllocated(p.clock())
	other := addRobot(hub, "karetao-2", time.Time{})
	user := addUser(hub, &db.User{Name: "mia", AllocationMode: 1, PreferredRobot: "karetao-1"})

	p.Process(context.Background(), user, protocol.New(protocol.RequestRobot))

	// Strict mode refuses even though another robot is free.
	reply := lastPending(t, user)
	assert.Equal(t, protocol.NoRobotsAvailable, reply.Type)
	assert.True(t, other.Status().IsAvailable)
}

func TestAllocationLenientPreferenceFallsBack(t *testing.T) {
	p, hub := newTestProcessor(newFakeStore(), nil)
	preferred := addRobot(hub, "karetao-1", time.Time{})
	preferred.MarkAllocated(p.clock())
	other := addRobot(hub, "karetao-2", time.Time{})
	user := addUser(hub, &db.User{Name: "mia", AllocationMode: 2, PreferredRobot: "karetao-1"})

	p.Process(context.Background(), user, protocol.New(protocol.RequestRobot))

	reply := lastPending(t, user)
	require.Equal(t, protocol.RobotAllocated, reply.Type)
	assert.Equal(t, strconv.FormatInt(other.ID(), 10), reply.Get("robot"))
}

func TestAllocationPreferredRobotWins(t *testing.T) {
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	p, hub := newTestProcessor(newFakeStore(), nil)
	addRobot(hub, "karetao-1", base) // least recently allocated
	preferred := addRobot(hub, "karetao-2", base.Add(time.Hour))
	user := addUser(hub, &db.User{Name: "mia", AllocationMode: 2, PreferredRobot: "karetao-2"})

	p.Process(context.Background(), user, protocol.New(protocol.RequestRobot))

	reply := lastPending(t, user)
	require.Equal(t, protocol.RobotAllocated, reply.Type)
	assert.Equal(t, strconv.FormatInt(preferred.ID(), 10), reply.Get("robot"))
}

func TestRobotStateUpdateFanOut(t *testing.T) {
	store := newFakeStore()
	p, hub := newTestProcessor(store, nil)
	robot := addRobot(hub, "karetao-1", time.Time{})
	robot.SetConversation(9)
	listener := addUser(hub, &db.User{Name: "mia"})
	robot.AddListener(listener)
	monitor := addUser(hub, &db.User{Name: "watcher"})
	require.True(t, hub.AddMonitor(monitor))
	monitorBefore := len(monitor.Pending())

	msg := protocol.New(protocol.RobotStateUpdate)
	msg.Set("state", "Waiting")
	p.Process(context.Background(), robot, msg)

	assert.True(t, robot.Status().IsAvailable)
	assert.Equal(t, "Waiting", robot.Status().Message)

	listenerPending := listener.Pending()
	require.Len(t, listenerPending, 1)
	assert.Equal(t, protocol.RobotStateUpdate, listenerPending[0].Type)
	assert.Equal(t, "Robot", listenerPending[0].Get("SourceType"))
	assert.Equal(t, "karetao-1", listenerPending[0].Get("SourceName"))
	assert.Equal(t, strconv.FormatInt(robot.ID(), 10), listenerPending[0].Get("SourceId"))

	monitorPending := monitor.Pending()
	require.Len(t, monitorPending, monitorBefore+1)
	assert.Equal(t, "Robot", monitorPending[len(monitorPending)-1].Get("SourceType"))

	line := store.lastLogLine()
	require.NotNil(t, line)
	assert.Equal(t, "State updated to Waiting", line.Description)
	assert.Equal(t, int64(9), line.ConversationID)
}

func TestRobotStateUpdateForbiddenForUsers(t *testing.T) {
	p, hub := newTestProcessor(newFakeStore(), nil)
	user := addUser(hub, &db.User{Name: "mia"})

	msg := protocol.New(protocol.RobotStateUpdate)
	msg.Set("state", "Waiting")
	p.Process(context.Background(), user, msg)

	reply := lastPending(t, user)
	assert.Equal(t, protocol.Forbidden, reply.Type)
}

func TestRobotStateUpdateBlankStateMarksUnavailable(t *testing.T) {
	p, hub := newTestProcessor(newFakeStore(), nil)
	robotConn := addRobot(hub, "karetao-1", time.Time{})
	require.True(t, robotConn.Status().IsAvailable)

	// A blank report is still a report: the robot stops being available.
	msg := protocol.New(protocol.RobotStateUpdate)
	msg.Set("state", "")
	p.Process(context.Background(), robotConn, msg)

	status := robotConn.Status()
	assert.False(t, status.IsAvailable)
	assert.Equal(t, "Unknown", status.Message)

	// An update without a state value only resets the display message.
	robotConn.SetState("Waiting", true)
	p.Process(context.Background(), robotConn, protocol.New(protocol.RobotStateUpdate))

	status = robotConn.Status()
	assert.True(t, status.IsAvailable)
	assert.Equal(t, "Unknown", status.Message)
}

func TestTransferAndDownloadFlow(t *testing.T) {
	store := newFakeStore()
	p, hub := newTestProcessor(store, nil)
	robot := addRobot(hub, "karetao-1", time.Time{})
	user := addUser(hub, &db.User{Name: "mia"})
	user.SetConversation(3)
	robot.AddListener(user)

	transfer := protocol.New(protocol.TransferProgram)
	transfer.Set("robot", strconv.FormatInt(robot.ID(), 10))
	transfer.Set("program", "42")
	p.Process(context.Background(), user, transfer)

	cmd := lastPending(t, robot)
	require.Equal(t, protocol.DownloadProgram, cmd.Type)
	assert.Equal(t, "42", cmd.Get("program"))
	assert.Equal(t, "mia", cmd.Get("user"))
	assert.Equal(t, int64(42), robot.Details().LastProgramID)
	assert.Equal(t, "Program transferring", store.lastLogLine().Description)

	// The robot's download report fans out as ProgramTransferred with the
	// program id from the transfer session.
	robot.SetConversation(4)
	p.Process(context.Background(), robot, protocol.New(protocol.ProgramDownloaded))

	forwarded := lastPending(t, user)
	require.Equal(t, protocol.ProgramTransferred, forwarded.Type)
	assert.Equal(t, "42", forwarded.Get("ProgramId"))
	assert.Equal(t, "Robot", forwarded.Get("SourceType"))
	assert.Equal(t, "Program has been transferred", store.lastLogLine().Description)
}

func TestStartProgramValidatesInput(t *testing.T) {
	p, hub := newTestProcessor(newFakeStore(), nil)
	robot := addRobot(hub, "karetao-1", time.Time{})
	user := addUser(hub, &db.User{Name: "mia"})

	msg := protocol.New(protocol.StartProgram)
	msg.Set("robot", strconv.FormatInt(robot.ID(), 10))
	p.Process(context.Background(), user, msg)
	assert.Contains(t, lastPending(t, user).Get("error"), "Program ID is missing")

	msg.Set("program", "not-a-number")
	p.Process(context.Background(), user, msg)
	assert.Contains(t, lastPending(t, user).Get("error"), "Program ID is invalid")

	msg.Set("program", "42")
	p.Process(context.Background(), user, msg)
	cmd := lastPending(t, robot)
	require.Equal(t, protocol.StartProgram, cmd.Type)
	assert.Equal(t, "{}", cmd.Get("opts"))
}

func TestStopProgramSynthesizesStoppedWhenRobotGone(t *testing.T) {
	p, hub := newTestProcessor(newFakeStore(), nil)
	user := addUser(hub, &db.User{Name: "mia"})

	msg := protocol.New(protocol.StopProgram)
	msg.ConversationID = 11
	msg.Set("robot", "12345")
	p.Process(context.Background(), user, msg)

	reply := lastPending(t, user)
	assert.Equal(t, protocol.ProgramStopped, reply.Type)
	assert.Equal(t, int64(11), reply.ConversationID)
}

func TestRobotDebugMessageRecordsSourceIDs(t *testing.T) {
	p, hub := newTestProcessor(newFakeStore(), nil)
	robot := addRobot(hub, "karetao-1", time.Time{})
	robot.SetConversation(2)
	robot.SetLastProgram(42)

	msg := protocol.New(protocol.RobotDebugMessage)
	msg.Set("sourceID", "block-9")
	p.Process(context.Background(), robot, msg)

	details := robot.Details()
	assert.Contains(t, details.SourceIDs, "block-9")
	assert.Equal(t, p.clock(), details.LastUpdateTime)
}

func TestAlertBroadcastBuffersAndReachesMonitors(t *testing.T) {
	p, hub := newTestProcessor(newFakeStore(), nil)
	robot := addRobot(hub, "karetao-1", time.Time{})
	monitor := addUser(hub, &db.User{Name: "watcher"})
	require.True(t, hub.AddMonitor(monitor))
	before := len(monitor.Pending())

	msg := protocol.New(protocol.AlertBroadcast)
	msg.Set("id", "3")
	msg.Set("message", "battery low")
	p.Process(context.Background(), robot, msg)

	alerts := robot.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, 3, alerts[0].ID)
	assert.Equal(t, "battery low", alerts[0].Message)
	assert.Equal(t, "info", alerts[0].Severity)

	pending := monitor.Pending()
	require.Len(t, pending, before+1)
	broadcast := pending[len(pending)-1]
	assert.Equal(t, protocol.AlertBroadcast, broadcast.Type)
	assert.Equal(t, "battery low", broadcast.Get("message"))
	assert.Equal(t, "Robot", broadcast.Get("SourceType"))
}

func TestAlertsRequestReturnsSnapshot(t *testing.T) {
	p, hub := newTestProcessor(newFakeStore(), nil)
	robot := addRobot(hub, "karetao-1", time.Time{})
	robot.AddAlert(Alert{ID: 1, Message: "first", Severity: "info"})
	robot.AddAlert(Alert{ID: 2, Message: "second", Severity: "warning"})
	user := addUser(hub, &db.User{Name: "mia"})

	msg := protocol.New(protocol.AlertsRequest)
	msg.Set("robot", strconv.FormatInt(robot.ID(), 10))
	p.Process(context.Background(), user, msg)

	pending := user.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, "first", pending[0].Get("message"))
	assert.Equal(t, "second", pending[1].Get("message"))
	assert.Equal(t, "warning", pending[1].Get("severity"))
	assert.Equal(t, "karetao-1", pending[0].Get("SourceName"))
}

func TestMonitoringLifecycle(t *testing.T) {
	p, hub := newTestProcessor(newFakeStore(), nil)
	user := addUser(hub, &db.User{Name: "watcher"})

	p.Process(context.Background(), user, protocol.New(protocol.StartMonitoring))
	assert.Equal(t, 1, hub.MonitorCount())

	p.Process(context.Background(), user, protocol.New(protocol.StopMonitoring))
	assert.Equal(t, 0, hub.MonitorCount())
	assert.NotNil(t, hub.Get(user.ID()), "stopping monitoring must not unregister")
}

func TestAuthenticateFlow(t *testing.T) {
	store := newFakeStore()
	robotID := uuid.New()
	userID := uuid.New()
	store.robots[robotID.String()] = &db.Robot{
		MachineName:  "karetao-1",
		FriendlyName: "Karetao",
		Type:         "nao",
	}
	store.robots[robotID.String()].ID = robotID
	store.users[userID.String()] = &db.User{Name: "mia", Role: "student"}
	store.users[userID.String()].ID = userID

	tokens := &fakeTokens{byToken: map[string]string{
		"robot-token": "robot-session",
		"user-token":  "user-session",
	}}
	p, hub := newTestProcessor(store, tokens)
	store.sessions["robot-session"] = &db.Session{
		SubjectID:   robotID,
		IsRobot:     true,
		WhenExpires: p.clock().Add(time.Hour),
	}
	store.sessions["user-session"] = &db.Session{
		SubjectID:   userID,
		WhenExpires: p.clock().Add(time.Hour),
	}

	monitor := addUser(hub, &db.User{Name: "watcher"})
	require.True(t, hub.AddMonitor(monitor))
	monitorBefore := len(monitor.Pending())

	// Robot authenticates: identity attached, conversation opened, log line
	// written, monitors told.
	robotConn, _ := newTestConnection()
	hub.Add(robotConn)
	authMsg := protocol.New(protocol.Authenticate)
	authMsg.Set("token", "robot-token")
	p.Process(context.Background(), robotConn, authMsg)

	assert.Equal(t, protocol.Authenticated, lastPending(t, robotConn).Type)
	assert.Equal(t, RoleRobot, robotConn.Role())
	assert.Equal(t, int64(1), robotConn.Conversation())
	require.Len(t, store.conversations, 1)
	assert.Equal(t, "initialisation", store.conversations[0].Type)
	assert.Equal(t, "Robot authenticated", store.lastLogLine().Description)

	monitorPending := monitor.Pending()
	require.Greater(t, len(monitorPending), monitorBefore)
	joined := monitorPending[len(monitorPending)-1]
	assert.Equal(t, protocol.ClientAdded, joined.Type)
	assert.Equal(t, "robot", joined.Get("Type"))
	assert.Equal(t, "Karetao", joined.Get("Name"))

	// Robot reports ready, then the user authenticates and requests it.
	ready := protocol.New(protocol.RobotStateUpdate)
	ready.Set("state", "Waiting")
	p.Process(context.Background(), robotConn, ready)
	require.True(t, robotConn.Status().IsAvailable)

	userConn, _ := newTestConnection()
	hub.Add(userConn)
	userAuth := protocol.New(protocol.Authenticate)
	userAuth.Set("token", "user-token")
	p.Process(context.Background(), userConn, userAuth)
	assert.Equal(t, protocol.Authenticated, lastPending(t, userConn).Type)
	assert.Equal(t, int64(2), userConn.Conversation())

	p.Process(context.Background(), userConn, protocol.New(protocol.RequestRobot))
	allocated := lastPending(t, userConn)
	require.Equal(t, protocol.RobotAllocated, allocated.Type)
	assert.Equal(t, strconv.FormatInt(robotConn.ID(), 10), allocated.Get("robot"))
	assert.False(t, robotConn.Status().IsAvailable)

	// The allocated user now hears the robot's state reports.
	waiting := protocol.New(protocol.RobotStateUpdate)
	waiting.Set("state", "Waiting")
	userBefore := len(userConn.Pending())
	p.Process(context.Background(), robotConn, waiting)
	assert.True(t, robotConn.Status().IsAvailable)
	forwarded := userConn.Pending()
	require.Len(t, forwarded, userBefore+1)
	assert.Equal(t, protocol.RobotStateUpdate, forwarded[userBefore].Type)
}

func TestAuthenticateRejectsExpiredSession(t *testing.T) {
	store := newFakeStore()
	tokens := &fakeTokens{byToken: map[string]string{"stale": "old-session"}}
	p, hub := newTestProcessor(store, tokens)
	store.sessions["old-session"] = &db.Session{
		SubjectID:   uuid.New(),
		WhenExpires: p.clock().Add(-time.Minute),
	}

	conn, _ := newTestConnection()
	hub.Add(conn)
	msg := protocol.New(protocol.Authenticate)
	msg.Set("token", "stale")
	p.Process(context.Background(), conn, msg)

	reply := lastPending(t, conn)
	assert.Equal(t, protocol.TypeError, reply.Type)
	assert.Equal(t, "Session is invalid", reply.Get("error"))
	assert.Equal(t, RoleUnknown, conn.Role())
}

func TestAuthenticateRejectsMissingAndInvalidTokens(t *testing.T) {
	p, hub := newTestProcessor(newFakeStore(), nil)
	conn, _ := newTestConnection()
	hub.Add(conn)

	p.Process(context.Background(), conn, protocol.New(protocol.Authenticate))
	assert.Equal(t, "Token is missing", lastPending(t, conn).Get("error"))

	msg := protocol.New(protocol.Authenticate)
	msg.Set("token", "garbage")
	p.Process(context.Background(), conn, msg)
	assert.Equal(t, "Token is invalid", lastPending(t, conn).Get("error"))
}
