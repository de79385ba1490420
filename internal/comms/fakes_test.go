package comms

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/robolink-io/robolink/internal/db"
	"github.com/robolink-io/robolink/internal/protocol"
)

// fakeTransport is an in-memory Transport. Reads block on the incoming
// channel; closing the transport closes the channel so the receive loop sees
// a normal close.
type fakeTransport struct {
	mu       sync.Mutex
	writes   [][]byte
	incoming chan []byte
	closed   bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{incoming: make(chan []byte, 64)}
}

func (t *fakeTransport) ReadMessage() ([]byte, error) {
	data, ok := <-t.incoming
	if !ok {
		return nil, io.EOF
	}
	return data, nil
}

func (t *fakeTransport) WriteMessage(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return io.EOF
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	t.writes = append(t.writes, buf)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.incoming)
	}
	return nil
}

func (t *fakeTransport) written() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.writes))
	copy(out, t.writes)
	return out
}

// nopDispatcher ignores every message.
type nopDispatcher struct{}

func (nopDispatcher) Process(context.Context, *Connection, *protocol.Message) {}

// fakeStore keeps everything in maps and hands out sessions that write
// straight into it. Commit and rollback are recorded, not transactional.
type fakeStore struct {
	mu               sync.Mutex
	sessions         map[string]*db.Session
	users            map[string]*db.User
	robots           map[string]*db.Robot
	conversations    []*db.Conversation
	logLines         []*db.LogLine
	nextConversation int64
	beginErr         error
	commits          int
	rollbacks        int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: map[string]*db.Session{},
		users:    map[string]*db.User{},
		robots:   map[string]*db.Robot{},
	}
}

func (s *fakeStore) Begin(ctx context.Context) (StoreSession, error) {
	if s.beginErr != nil {
		return nil, s.beginErr
	}
	return &fakeSession{store: s}, nil
}

func (s *fakeStore) logLineCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.logLines)
}

func (s *fakeStore) lastLogLine() *db.LogLine {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.logLines) == 0 {
		return nil
	}
	return s.logLines[len(s.logLines)-1]
}

type fakeSession struct {
	store *fakeStore
}

func (f *fakeSession) SessionByID(id string) (*db.Session, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	login, ok := f.store.sessions[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return login, nil
}

func (f *fakeSession) UserByID(id string) (*db.User, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	user, ok := f.store.users[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return user, nil
}

func (f *fakeSession) RobotByID(id string) (*db.Robot, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	robot, ok := f.store.robots[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return robot, nil
}

func (f *fakeSession) CreateConversation(conv *db.Conversation) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	f.store.nextConversation++
	conv.ID = f.store.nextConversation
	f.store.conversations = append(f.store.conversations, conv)
	return nil
}

func (f *fakeSession) AddLogLine(line *db.LogLine) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	f.store.logLines = append(f.store.logLines, line)
	return nil
}

func (f *fakeSession) Commit() error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	f.store.commits++
	return nil
}

func (f *fakeSession) Rollback() error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	f.store.rollbacks++
	return nil
}

// fakeTokens resolves tokens from a fixed map.
type fakeTokens struct {
	byToken map[string]string
}

func (f *fakeTokens) SessionIDFromToken(token string) (string, error) {
	sessionID, ok := f.byToken[token]
	if !ok {
		return "", errors.New("bad token")
	}
	return sessionID, nil
}

// newTestProcessor wires a processor over fresh fakes with a fixed clock.
func newTestProcessor(store *fakeStore, tokens *fakeTokens) (*Processor, *Hub) {
	hub := NewHub(zap.NewNop())
	if tokens == nil {
		tokens = &fakeTokens{byToken: map[string]string{}}
	}
	p := NewProcessor(hub, store, tokens, zap.NewNop())
	p.clock = func() time.Time { return time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC) }
	return p, hub
}

// newTestConnection builds an unregistered connection over a fake transport.
func newTestConnection() (*Connection, *fakeTransport) {
	transport := newFakeTransport()
	conn := NewConnection(transport, nopDispatcher{}, zap.NewNop())
	return conn, transport
}
