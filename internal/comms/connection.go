// Package comms implements the connection hub and message-routing engine at
// the heart of the RoboLink server: the per-connection transport wrapper, the
// concurrency-safe registry of live connections, and the typed message
// dispatcher with its allocation, fan-out, and alert-buffering logic.
//
// Each connection runs two goroutines for its lifetime — a receive loop that
// hands inbound messages to the dispatcher, and a send loop draining the
// outbound queue. There is no global event loop; the shared registry is
// guarded by a readers-writer lock so broadcasts proceed concurrently while
// add/remove are exclusive.
package comms

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/robolink-io/robolink/internal/db"
	"github.com/robolink-io/robolink/internal/metrics"
	"github.com/robolink-io/robolink/internal/protocol"
)

// Role classifies a connection. Unknown until the peer authenticates; a role
// set to Robot or User by authentication is never reset while the connection
// is open. Monitors are user connections that subscribed to all broadcast
// traffic (the subscription lives in the hub's monitor set, not here).
type Role int

const (
	RoleUnknown Role = iota
	RoleRobot
	RoleUser
	RoleMonitor
)

// String returns the role name used in message payloads and logs.
func (r Role) String() string {
	switch r {
	case RoleRobot:
		return "Robot"
	case RoleUser:
		return "User"
	case RoleMonitor:
		return "Monitor"
	default:
		return "Unknown"
	}
}

// maxAlerts bounds the per-connection alert ring buffer. Pushing beyond the
// bound evicts the oldest entry.
const maxAlerts = 20

// Status is the live availability state of a connection. Robots report it
// through RobotStateUpdate messages; the allocator reads and updates it.
type Status struct {
	IsAvailable       bool
	Message           string
	LastAllocatedTime time.Time
}

// RobotDetails holds transfer-session state for an authenticated robot: the
// last program pushed to it and the source identifiers it has reported in
// debug messages.
type RobotDetails struct {
	LastProgramID  int64
	SourceIDs      map[string]struct{}
	LastUpdateTime time.Time
}

// Alert is one buffered notification raised by a robot. Alerts are owned
// exclusively by the connection whose ring buffer holds them.
type Alert struct {
	ID        int
	Message   string
	Severity  string
	WhenAdded time.Time
}

// Dispatcher consumes inbound messages on behalf of a connection. Implemented
// by Processor; narrowed to an interface so connection tests can record
// dispatches without a full handler table.
type Dispatcher interface {
	Process(ctx context.Context, conn *Connection, msg *protocol.Message)
}

// Connection is one live peer session. It owns the outbound FIFO queue, the
// listener set, the alert ring buffer, and the peer's authenticated identity.
//
// Inbound messages are processed sequentially on the receive loop, so
// handlers observe each connection's messages in arrival order. State fields
// are still mutex-guarded because handlers running on *other* connections'
// receive loops mutate them too (allocation marks a robot unavailable from
// the requesting user's dispatch).
type Connection struct {
	transport  Transport
	dispatcher Dispatcher
	logger     *zap.Logger

	mu             sync.RWMutex
	id             int64
	hub            *Hub
	role           Role
	user           *db.User
	robot          *db.Robot
	robotDetails   *RobotDetails
	status         Status
	conversationID int64
	listeners      []*Connection
	alerts         []Alert

	qmu      sync.Mutex
	qcond    *sync.Cond
	queue    []*protocol.Message
	stopping bool

	closeOnce sync.Once
	closed    chan struct{}
}

// NewConnection wraps a transport in a Connection ready for registration.
// The connection does nothing until Run is called.
func NewConnection(transport Transport, dispatcher Dispatcher, logger *zap.Logger) *Connection {
	c := &Connection{
		transport:  transport,
		dispatcher: dispatcher,
		logger:     logger,
		status:     Status{IsAvailable: true, Message: "Unknown"},
		closed:     make(chan struct{}),
	}
	c.qcond = sync.NewCond(&c.qmu)
	return c
}

// ID returns the registry-assigned identifier, or 0 before registration.
func (c *Connection) ID() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

// Hub returns the registry this connection belongs to, or nil before
// registration and after removal.
func (c *Connection) Hub() *Hub {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hub
}

func (c *Connection) setRegistration(id int64, hub *Hub) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = id
	c.hub = hub
}

func (c *Connection) clearHub() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hub = nil
}

// Role returns the connection's current role.
func (c *Connection) Role() Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

// User returns the authenticated user identity, or nil.
func (c *Connection) User() *db.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user
}

// Robot returns the authenticated robot identity, or nil.
func (c *Connection) Robot() *db.Robot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.robot
}

// SetUser attaches an authenticated user identity and fixes the role.
func (c *Connection) SetUser(user *db.User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.user = user
	c.setRole(RoleUser)
}

// SetRobot attaches an authenticated robot identity and fixes the role.
func (c *Connection) SetRobot(robot *db.Robot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.robot = robot
	c.setRole(RoleRobot)
}

// setRole latches the role and, for a registered connection, moves its gauge
// slot to the new label so the decrement on removal matches what registration
// incremented. Caller holds c.mu.
func (c *Connection) setRole(role Role) {
	if c.role == role {
		return
	}
	if c.hub != nil {
		metrics.ConnectionsActive.WithLabelValues(c.role.String()).Dec()
		metrics.ConnectionsActive.WithLabelValues(role.String()).Inc()
	}
	c.role = role
}

// Conversation returns the id of the active conversation opened at
// authentication, or 0 if the peer has not authenticated.
func (c *Connection) Conversation() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conversationID
}

// SetConversation records the active conversation id.
func (c *Connection) SetConversation(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conversationID = id
}

// Status returns a copy of the connection's availability state.
func (c *Connection) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// MarkAllocated reserves the connection for a user: unavailable, with the
// allocation time recorded for the least-recently-allocated search.
func (c *Connection) MarkAllocated(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.IsAvailable = false
	c.status.LastAllocatedTime = now
}

// SetState records a state string reported by the robot. A reported state
// controls availability: the robot is available exactly when it reports
// "Waiting", so a blank report marks it unavailable with the message reset
// to "Unknown". When reported is false only the message resets.
func (c *Connection) SetState(state string, reported bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !reported {
		c.status.Message = "Unknown"
		return
	}
	c.status.IsAvailable = state == "Waiting"
	if strings.TrimSpace(state) == "" {
		c.status.Message = "Unknown"
		return
	}
	c.status.Message = state
}

// Details returns a snapshot of the robot transfer-session state, or a zero
// value if none has been recorded.
func (c *Connection) Details() RobotDetails {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.robotDetails == nil {
		return RobotDetails{}
	}
	snapshot := RobotDetails{
		LastProgramID:  c.robotDetails.LastProgramID,
		LastUpdateTime: c.robotDetails.LastUpdateTime,
		SourceIDs:      make(map[string]struct{}, len(c.robotDetails.SourceIDs)),
	}
	for id := range c.robotDetails.SourceIDs {
		snapshot.SourceIDs[id] = struct{}{}
	}
	return snapshot
}

// SetLastProgram starts a fresh transfer session for the given program id.
func (c *Connection) SetLastProgram(programID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.robotDetails = &RobotDetails{
		LastProgramID: programID,
		SourceIDs:     map[string]struct{}{},
	}
}

// RecordSourceID adds a source identifier reported in a debug message to the
// current transfer session. No-op when no session is active.
func (c *Connection) RecordSourceID(sourceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.robotDetails == nil || sourceID == "" {
		return
	}
	if c.robotDetails.SourceIDs == nil {
		c.robotDetails.SourceIDs = map[string]struct{}{}
	}
	c.robotDetails.SourceIDs[sourceID] = struct{}{}
}

// MarkUpdated stamps the transfer session with the time of the robot's most
// recent report. The hub's stalled-robot sweep compares against this.
func (c *Connection) MarkUpdated(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.robotDetails != nil {
		c.robotDetails.LastUpdateTime = now
	}
}

// HasDetails reports whether a transfer session has been recorded.
func (c *Connection) HasDetails() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.robotDetails != nil
}

// AddListener registers another connection to receive copies of this
// connection's broadcast-class messages. The listener is removed
// automatically when it closes.
func (c *Connection) AddListener(listener *Connection) {
	c.mu.Lock()
	c.listeners = append(c.listeners, listener)
	c.mu.Unlock()

	go func() {
		<-listener.Closed()
		c.RemoveListener(listener)
	}()
}

// RemoveListener drops a listener. No-op if it is not registered.
func (c *Connection) RemoveListener(listener *Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, l := range c.listeners {
		if l == listener {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			return
		}
	}
}

// Listeners returns a snapshot of the current listener set.
func (c *Connection) Listeners() []*Connection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Connection, len(c.listeners))
	copy(out, c.listeners)
	return out
}

// NotifyListeners enqueues a clone of msg on every listener.
func (c *Connection) NotifyListeners(msg *protocol.Message) {
	for _, listener := range c.Listeners() {
		listener.Send(msg.Clone())
	}
}

// AddAlert appends an alert to the ring buffer, evicting the oldest entry
// once the buffer exceeds its bound.
func (c *Connection) AddAlert(alert Alert) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, alert)
	if len(c.alerts) > maxAlerts {
		c.alerts = c.alerts[len(c.alerts)-maxAlerts:]
	}
}

// Alerts returns a snapshot of the buffered alerts, oldest first.
func (c *Connection) Alerts() []Alert {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Alert, len(c.alerts))
	copy(out, c.alerts)
	return out
}

// Send appends msg to the outbound FIFO queue. It never blocks: the queue is
// unbounded and the send loop drains it in order. Messages enqueued after
// the connection starts closing are dropped — delivery is at-most-once with
// no durability across shutdown.
func (c *Connection) Send(msg *protocol.Message) {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	if c.stopping {
		return
	}
	c.queue = append(c.queue, msg)
	c.qcond.Signal()
}

// Pending returns a snapshot of the not-yet-delivered outbound queue.
// Used by the connections API and by tests asserting on replies.
func (c *Connection) Pending() []*protocol.Message {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	out := make([]*protocol.Message, len(c.queue))
	copy(out, c.queue)
	return out
}

// Closed returns a channel closed exactly once when the connection shuts
// down. The hub awaits it to unregister the connection; listeners' owners
// await it to drop them.
func (c *Connection) Closed() <-chan struct{} {
	return c.closed
}

// Close shuts the connection down: wakes the send loop, tears down the
// transport, and fires the Closed signal. Idempotent.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.qmu.Lock()
		c.stopping = true
		c.qcond.Broadcast()
		c.qmu.Unlock()

		if c.transport != nil {
			_ = c.transport.Close()
		}
		close(c.closed)
	})
}

// Run starts the send loop and blocks in the receive loop until the peer
// disconnects or ctx is cancelled. It closes the connection on the way out,
// which in turn triggers hub unregistration.
func (c *Connection) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		c.Close()
	}()

	go c.sendLoop()
	c.receiveLoop(ctx)
	c.Close()
}

// receiveLoop reads complete inbound messages and dispatches them one at a
// time. Sequential dispatch keeps each connection's messages ordered; the
// cost is that a slow handler delays that one peer only.
func (c *Connection) receiveLoop(ctx context.Context) {
	for {
		data, err := c.transport.ReadMessage()
		if err != nil {
			if IsClosedError(err) {
				c.logger.Debug("peer closed connection")
			} else {
				c.logger.Warn("transport read failed", zap.Error(err))
			}
			return
		}

		msg, err := protocol.Unmarshal(data)
		if err != nil {
			c.logger.Warn("discarding malformed frame", zap.Error(err))
			c.Send(protocol.ErrorResponse(&protocol.Message{}, "unable to parse message"))
			continue
		}

		c.dispatcher.Process(ctx, c, msg)
	}
}

// sendLoop drains the outbound queue in FIFO order, blocking on a condition
// variable while the queue is empty. It exits when Close sets the stopping
// flag; messages still queued at that point are dropped.
func (c *Connection) sendLoop() {
	for {
		c.qmu.Lock()
		for len(c.queue) == 0 && !c.stopping {
			c.qcond.Wait()
		}
		if c.stopping {
			c.qmu.Unlock()
			return
		}
		msg := c.queue[0]
		c.queue = c.queue[1:]
		c.qmu.Unlock()

		data, err := msg.Marshal()
		if err != nil {
			c.logger.Warn("dropping unencodable message",
				zap.Stringer("type", msg.Type), zap.Error(err))
			continue
		}
		if err := c.transport.WriteMessage(data); err != nil {
			c.logger.Warn("transport write failed", zap.Error(err))
			c.Close()
			return
		}
		metrics.MessagesSent.Inc()
	}
}
