package comms

import (
	"context"
	"time"

	"github.com/robolink-io/robolink/internal/db"
)

// Store opens transactional sessions against the persistence layer. Each
// dispatched message that touches storage runs inside exactly one session,
// committed on handler success and rolled back on failure.
type Store interface {
	Begin(ctx context.Context) (StoreSession, error)
}

// StoreSession is one storage transaction. Implementations are not safe for
// concurrent use; a session belongs to the single dispatch that opened it.
type StoreSession interface {
	// SessionByID loads a login session by its id, or db.ErrNotFound.
	SessionByID(id string) (*db.Session, error)

	// UserByID loads a user by primary key, or db.ErrNotFound.
	UserByID(id string) (*db.User, error)

	// RobotByID loads a robot by primary key, or db.ErrNotFound.
	RobotByID(id string) (*db.Robot, error)

	// CreateConversation opens a conversation for the given source,
	// assigning the next id from the shared monotonic counter.
	CreateConversation(conv *db.Conversation) error

	// AddLogLine appends one line to a robot's conversation log.
	AddLogLine(line *db.LogLine) error

	Commit() error
	Rollback() error
}

// TokenParser validates a bearer token presented in an Authenticate message
// and returns the login-session id it references.
type TokenParser interface {
	SessionIDFromToken(token string) (string, error)
}

// Clock abstracts time for the processor so allocation ordering and log
// timestamps are testable. Production uses time.Now.
type Clock func() time.Time
