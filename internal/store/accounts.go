package store

import (
	"context"
	"fmt"
	"time"

	"github.com/robolink-io/robolink/internal/db"
)

// Account lookups and writes used outside the per-message transactions:
// login, session issuance, conversation listing, and seeding.

// UserByName loads a user by their unique name.
func (s *Store) UserByName(ctx context.Context, name string) (*db.User, error) {
	var user db.User
	if err := s.db.WithContext(ctx).First(&user, "name = ?", name).Error; err != nil {
		return nil, translate("get user by name", err)
	}
	return &user, nil
}

// RobotByMachineName loads a robot by its stable machine identifier.
func (s *Store) RobotByMachineName(ctx context.Context, machineName string) (*db.Robot, error) {
	var robot db.Robot
	if err := s.db.WithContext(ctx).First(&robot, "machine_name = ?", machineName).Error; err != nil {
		return nil, translate("get robot by machine name", err)
	}
	return &robot, nil
}

// CreateUser inserts a new operator account.
func (s *Store) CreateUser(ctx context.Context, user *db.User) error {
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		return fmt.Errorf("store: create user: %w", err)
	}
	return nil
}

// CreateRobot registers a new robot.
func (s *Store) CreateRobot(ctx context.Context, robot *db.Robot) error {
	if err := s.db.WithContext(ctx).Create(robot).Error; err != nil {
		return fmt.Errorf("store: create robot: %w", err)
	}
	return nil
}

// CreateSession records a new login episode.
func (s *Store) CreateSession(ctx context.Context, login *db.Session) error {
	if err := s.db.WithContext(ctx).Create(login).Error; err != nil {
		return fmt.Errorf("store: create session: %w", err)
	}
	return nil
}

// TouchUserLogin stamps a user's last successful login.
func (s *Store) TouchUserLogin(ctx context.Context, userID string, when time.Time) error {
	err := s.db.WithContext(ctx).
		Model(&db.User{}).
		Where("id = ?", userID).
		Update("last_login_at", when).Error
	if err != nil {
		return fmt.Errorf("store: touch user login: %w", err)
	}
	return nil
}

// TouchRobotSeen stamps a robot's last successful login.
func (s *Store) TouchRobotSeen(ctx context.Context, robotID string, when time.Time) error {
	err := s.db.WithContext(ctx).
		Model(&db.Robot{}).
		Where("id = ?", robotID).
		Update("last_seen_at", when).Error
	if err != nil {
		return fmt.Errorf("store: touch robot seen: %w", err)
	}
	return nil
}

// Conversations lists the most recently opened conversations, newest first.
func (s *Store) Conversations(ctx context.Context, limit int) ([]db.Conversation, error) {
	var conversations []db.Conversation
	err := s.db.WithContext(ctx).
		Order("id DESC").
		Limit(limit).
		Find(&conversations).Error
	if err != nil {
		return nil, fmt.Errorf("store: list conversations: %w", err)
	}
	return conversations, nil
}

// LogLines lists the log for one (robot, conversation), oldest first.
func (s *Store) LogLines(ctx context.Context, machineName string, conversationID int64) ([]db.LogLine, error) {
	var lines []db.LogLine
	err := s.db.WithContext(ctx).
		Where("machine_name = ? AND conversation_id = ?", machineName, conversationID).
		Order("when_added ASC").
		Find(&lines).Error
	if err != nil {
		return nil, fmt.Errorf("store: list log lines: %w", err)
	}
	return lines, nil
}
