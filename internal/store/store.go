// Package store is the GORM-backed persistence layer. It provides the
// transactional sessions the message dispatcher runs inside, plus the
// account lookups used by login and seeding.
package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/robolink-io/robolink/internal/comms"
	"github.com/robolink-io/robolink/internal/db"
)

// conversationCounter is the shared monotonic sequence conversation ids are
// drawn from. Seeded by the initial migration.
const conversationCounter = "conversation"

// Store wraps the database handle and opens transactional sessions.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by the provided *gorm.DB.
func New(gdb *gorm.DB) *Store {
	return &Store{db: gdb}
}

// Begin opens one storage transaction. The caller must finish it with
// Commit or Rollback.
func (s *Store) Begin(ctx context.Context) (comms.StoreSession, error) {
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, fmt.Errorf("store: begin: %w", tx.Error)
	}
	return &session{tx: tx}, nil
}

// session is one open transaction. Not safe for concurrent use.
type session struct {
	tx *gorm.DB
}

// SessionByID loads a login session by primary key.
func (s *session) SessionByID(id string) (*db.Session, error) {
	var login db.Session
	if err := s.tx.First(&login, "id = ?", id).Error; err != nil {
		return nil, translate("get session", err)
	}
	return &login, nil
}

// UserByID loads a user by primary key.
func (s *session) UserByID(id string) (*db.User, error) {
	var user db.User
	if err := s.tx.First(&user, "id = ?", id).Error; err != nil {
		return nil, translate("get user", err)
	}
	return &user, nil
}

// RobotByID loads a robot by primary key.
func (s *session) RobotByID(id string) (*db.Robot, error) {
	var robot db.Robot
	if err := s.tx.First(&robot, "id = ?", id).Error; err != nil {
		return nil, translate("get robot", err)
	}
	return &robot, nil
}

// CreateConversation assigns the next id from the shared counter and stores
// the conversation. The counter advances inside this transaction, so a
// rolled-back message leaves no gap observable by later conversations.
func (s *session) CreateConversation(conv *db.Conversation) error {
	var next int64
	err := s.tx.
		Raw("UPDATE counters SET value = value + 1 WHERE name = ? RETURNING value", conversationCounter).
		Scan(&next).Error
	if err != nil {
		return fmt.Errorf("store: next conversation id: %w", err)
	}
	if next == 0 {
		return fmt.Errorf("store: counter %q is missing", conversationCounter)
	}
	conv.ID = next
	if err := s.tx.Create(conv).Error; err != nil {
		return fmt.Errorf("store: create conversation: %w", err)
	}
	return nil
}

// AddLogLine appends one line to a robot's conversation log.
func (s *session) AddLogLine(line *db.LogLine) error {
	if err := s.tx.Create(line).Error; err != nil {
		return fmt.Errorf("store: add log line: %w", err)
	}
	return nil
}

// Commit finishes the transaction.
func (s *session) Commit() error {
	if err := s.tx.Commit().Error; err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// Rollback abandons the transaction.
func (s *session) Rollback() error {
	if err := s.tx.Rollback().Error; err != nil {
		return fmt.Errorf("store: rollback: %w", err)
	}
	return nil
}

// translate maps GORM errors onto the package-neutral sentinels.
func translate(op string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return db.ErrNotFound
	}
	return fmt.Errorf("store: %s: %w", op, err)
}
