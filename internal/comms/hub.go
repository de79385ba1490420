package comms

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/robolink-io/robolink/internal/metrics"
	"github.com/robolink-io/robolink/internal/protocol"
)

// stalledRobotAge is how long a robot with an open transfer session may go
// without reporting before the sweep tells it to stop its program.
const stalledRobotAge = 2 * time.Minute

// Hub is the registry of live connections. It assigns sequential ids, tracks
// the monitor subscription set, and fans broadcast messages out to groups of
// connections. A readers-writer lock lets broadcasts and lookups proceed
// concurrently while registration changes are exclusive.
//
// The monitor set only ever contains registered connections: removal from
// the registry also removes the monitor subscription.
type Hub struct {
	logger *zap.Logger

	mu       sync.RWMutex
	clients  map[int64]*Connection
	monitors map[int64]*Connection
	nextID   int64
}

// NewHub returns an empty registry.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:   logger,
		clients:  map[int64]*Connection{},
		monitors: map[int64]*Connection{},
	}
}

// Add registers a connection, assigns it the next sequential id, and
// announces it to the monitor set. A goroutine awaits the connection's close
// signal and unregisters it, so callers never need to pair Add with Remove.
func (h *Hub) Add(conn *Connection) (int64, error) {
	if conn == nil {
		return 0, errors.New("hub: cannot register nil connection")
	}
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.clients[id] = conn
	h.mu.Unlock()

	conn.setRegistration(id, h)
	metrics.ConnectionsActive.WithLabelValues(conn.Role().String()).Inc()
	h.logger.Info("connection registered", zap.Int64("id", id))

	h.announce(protocol.ClientAdded, conn)

	go func() {
		<-conn.Closed()
		h.Remove(conn)
	}()
	return id, nil
}

// Remove unregisters a connection and drops any monitor subscription it
// held, announcing the departure to the remaining monitors. Idempotent.
func (h *Hub) Remove(conn *Connection) {
	h.mu.Lock()
	id := conn.ID()
	_, present := h.clients[id]
	if present {
		delete(h.clients, id)
	}
	_, wasMonitor := h.monitors[id]
	if wasMonitor {
		delete(h.monitors, id)
	}
	h.mu.Unlock()

	if !present {
		return
	}
	conn.clearHub()
	metrics.ConnectionsActive.WithLabelValues(conn.Role().String()).Dec()
	if wasMonitor {
		metrics.MonitorsActive.Dec()
	}
	h.logger.Info("connection removed", zap.Int64("id", id))

	h.announce(protocol.ClientRemoved, conn)
}

// Get returns the connection with the given id, or nil.
func (h *Hub) Get(id int64) *Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[id]
}

// All returns a snapshot of every registered connection.
func (h *Hub) All() []*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Connection, 0, len(h.clients))
	for _, conn := range h.clients {
		out = append(out, conn)
	}
	return out
}

// ByRole returns a snapshot of the registered connections with the given
// role.
func (h *Hub) ByRole(role Role) []*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Connection, 0, len(h.clients))
	for _, conn := range h.clients {
		if conn.Role() == role {
			out = append(out, conn)
		}
	}
	return out
}

// Count returns the number of registered connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// MonitorCount returns the size of the monitor subscription set.
func (h *Hub) MonitorCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.monitors)
}

// SendToAll enqueues a clone of msg on every registered connection.
func (h *Hub) SendToAll(msg *protocol.Message) {
	for _, conn := range h.All() {
		conn.Send(msg.Clone())
	}
}

// SendToRole enqueues a clone of msg on every connection with the given role.
func (h *Hub) SendToRole(role Role, msg *protocol.Message) {
	for _, conn := range h.ByRole(role) {
		conn.Send(msg.Clone())
	}
}

// SendToMonitors enqueues a clone of msg on every monitor subscriber.
func (h *Hub) SendToMonitors(msg *protocol.Message) {
	h.mu.RLock()
	monitors := make([]*Connection, 0, len(h.monitors))
	for _, conn := range h.monitors {
		monitors = append(monitors, conn)
	}
	h.mu.RUnlock()

	for _, conn := range monitors {
		conn.Send(msg.Clone())
	}
}

// AddMonitor subscribes a registered connection to broadcast traffic and
// replays a ClientAdded notification for every connection already present,
// so the new monitor can build a complete picture. Unregistered connections
// are refused.
func (h *Hub) AddMonitor(conn *Connection) bool {
	h.mu.Lock()
	id := conn.ID()
	if _, ok := h.clients[id]; !ok {
		h.mu.Unlock()
		return false
	}
	if _, ok := h.monitors[id]; ok {
		h.mu.Unlock()
		return true
	}
	h.monitors[id] = conn
	existing := make([]*Connection, 0, len(h.clients))
	for _, other := range h.clients {
		existing = append(existing, other)
	}
	h.mu.Unlock()

	metrics.MonitorsActive.Inc()
	for _, other := range existing {
		conn.Send(clientNotification(protocol.ClientAdded, other))
	}
	return true
}

// RemoveMonitor drops a monitor subscription. The connection itself stays
// registered. Idempotent.
func (h *Hub) RemoveMonitor(conn *Connection) {
	h.mu.Lock()
	_, ok := h.monitors[conn.ID()]
	if ok {
		delete(h.monitors, conn.ID())
	}
	h.mu.Unlock()
	if ok {
		metrics.MonitorsActive.Dec()
	}
}

// announce sends a client lifecycle notification to every monitor except the
// subject itself.
func (h *Hub) announce(msgType protocol.MessageType, subject *Connection) {
	h.mu.RLock()
	monitors := make([]*Connection, 0, len(h.monitors))
	for _, conn := range h.monitors {
		if conn != subject {
			monitors = append(monitors, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range monitors {
		conn.Send(clientNotification(msgType, subject))
	}
}

// clientNotification builds a ClientAdded/ClientRemoved message describing a
// connection.
func clientNotification(msgType protocol.MessageType, conn *Connection) *protocol.Message {
	msg := protocol.New(msgType)
	msg.Set("ClientId", strconv.FormatInt(conn.ID(), 10))
	msg.Set("Type", conn.Role().String())
	if robot := conn.Robot(); robot != nil {
		msg.Set("SubType", robot.Type)
		msg.Set("Name", robot.FriendlyName)
		msg.Set("state", conn.Status().Message)
	} else if user := conn.User(); user != nil {
		msg.Set("SubType", user.Role)
		msg.Set("Name", user.Name)
	}
	return msg
}

// StalledRobotCheck periodically scans robots with open transfer sessions
// and tells any that have gone quiet to stop their program. Runs until ctx
// is cancelled; intended to be launched once at server start.
func (h *Hub) StalledRobotCheck(ctx context.Context, interval time.Duration, now func() time.Time) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweepStalledRobots(now())
		}
	}
}

func (h *Hub) sweepStalledRobots(now time.Time) {
	for _, conn := range h.ByRole(RoleRobot) {
		if !conn.HasDetails() {
			continue
		}
		details := conn.Details()
		if details.LastUpdateTime.IsZero() || now.Sub(details.LastUpdateTime) < stalledRobotAge {
			continue
		}
		h.logger.Warn("robot stalled, requesting program stop",
			zap.Int64("id", conn.ID()),
			zap.Time("lastUpdate", details.LastUpdateTime))
		conn.Send(protocol.New(protocol.StopProgram))
		conn.MarkUpdated(now)
	}
}
