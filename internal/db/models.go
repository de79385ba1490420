package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by all UUID-keyed models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Users
// -----------------------------------------------------------------------------

// User represents an operator account. Password is an Argon2id hash
// (salt:hash hex format, see auth.HashPassword).
//
// AllocationMode controls robot allocation for this user:
//
//	0 — any available robot (least-recently-allocated first)
//	1 — strict: only PreferredRobot, fail if unavailable
//	2 — lenient: prefer PreferredRobot, fall back to any available robot
type User struct {
	base
	Name           string `gorm:"uniqueIndex;not null"`
	Password       string `gorm:"not null"`
	Role           string `gorm:"not null;default:'student'"` // "student", "teacher", "administrator"
	AllocationMode int    `gorm:"not null;default:0"`
	PreferredRobot string `gorm:"default:''"` // machine name, only meaningful when AllocationMode > 0
	LastLoginAt    *time.Time
}

// -----------------------------------------------------------------------------
// Robots
// -----------------------------------------------------------------------------

// Robot is the persistent record of a registered robot. The live connection
// state (availability, listeners, alerts) is in-memory only and owned by the
// comms hub; if the server restarts, robots reconnect and re-authenticate.
type Robot struct {
	base
	MachineName  string `gorm:"uniqueIndex;not null"` // stable identifier reported by the robot
	FriendlyName string `gorm:"not null"`
	Type         string `gorm:"not null;default:''"` // hardware type, e.g. "nao"
	Password     string `gorm:"not null"`            // Argon2id hash, same format as User.Password
	LastSeenAt   *time.Time
}

// -----------------------------------------------------------------------------
// Sessions
// -----------------------------------------------------------------------------

// Session is a login episode for a user or robot. The session id is embedded
// as a claim in the signed token handed to the peer; the Authenticate message
// handler resolves the claim back to this record and rejects expired sessions.
type Session struct {
	base
	SubjectID   uuid.UUID `gorm:"type:text;not null;index"` // User.ID or Robot.ID
	IsRobot     bool      `gorm:"not null"`
	WhenExpires time.Time `gorm:"not null;index"`
}

// -----------------------------------------------------------------------------
// Conversations & robot logs
// -----------------------------------------------------------------------------

// Conversation groups the log lines and messages belonging to one login
// episode. IDs are allocated from the shared counter (see Counter) so they
// increase monotonically across all sources; the counter is advanced inside
// the same transaction that stores the conversation.
type Conversation struct {
	ID         int64     `gorm:"primaryKey"` // assigned from the "conversation" counter
	SourceID   string    `gorm:"not null;index"`
	SourceName string    `gorm:"not null"`
	Type       string    `gorm:"not null"` // "initialisation" (robot) or "program" (user)
	WhenOpened time.Time `gorm:"not null"`
}

// LogLine is one timestamped, typed entry in a robot's append-only log,
// keyed by (machine name, conversation). Values holds the source message's
// key/value payload serialized as JSON.
type LogLine struct {
	base
	MachineName    string    `gorm:"not null;index:idx_log_lines_robot_conversation"`
	ConversationID int64     `gorm:"not null;index:idx_log_lines_robot_conversation"`
	Description    string    `gorm:"not null"`
	MessageType    int       `gorm:"not null"`
	Values         string    `gorm:"type:text;not null;default:'{}'"`
	WhenAdded      time.Time `gorm:"not null"`
}

// -----------------------------------------------------------------------------
// Counters
// -----------------------------------------------------------------------------

// Counter is a named monotonic sequence. The only counter currently in use is
// "conversation". A dedicated table keeps the increment portable between
// SQLite and PostgreSQL without driver-specific identity columns.
type Counter struct {
	Name  string `gorm:"primaryKey"`
	Value int64  `gorm:"not null;default:0"`
}
