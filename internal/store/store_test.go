package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/robolink-io/robolink/internal/db"
)

// openTestStore opens a throwaway SQLite database with migrations applied.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "test.db"),
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		sqlDB, err := database.DB()
		if err == nil {
			_ = sqlDB.Close()
		}
	})
	return New(database)
}

func TestConversationIDsAreMonotonic(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		tx, err := st.Begin(ctx)
		require.NoError(t, err)

		conv := &db.Conversation{
			SourceID:   "robot-1",
			SourceName: "karetao-1",
			Type:       "initialisation",
			WhenOpened: time.Now().UTC(),
		}
		require.NoError(t, tx.CreateConversation(conv))
		assert.Equal(t, want, conv.ID)
		require.NoError(t, tx.Commit())
	}

	conversations, err := st.Conversations(ctx, 10)
	require.NoError(t, err)
	require.Len(t, conversations, 3)
	assert.Equal(t, int64(3), conversations[0].ID, "newest first")
}

func TestRolledBackConversationLeavesCounterUsable(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	tx, err := st.Begin(ctx)
	require.NoError(t, err)
	conv := &db.Conversation{SourceID: "u1", SourceName: "mia", Type: "program", WhenOpened: time.Now().UTC()}
	require.NoError(t, tx.CreateConversation(conv))
	require.NoError(t, tx.Rollback())

	tx, err = st.Begin(ctx)
	require.NoError(t, err)
	conv2 := &db.Conversation{SourceID: "u1", SourceName: "mia", Type: "program", WhenOpened: time.Now().UTC()}
	require.NoError(t, tx.CreateConversation(conv2))
	require.NoError(t, tx.Commit())

	// The rollback returned the counter too, so the next id starts over.
	assert.Equal(t, int64(1), conv2.ID)
}

func TestSessionRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	user := &db.User{Name: "mia", Password: "hash", Role: "student"}
	require.NoError(t, st.CreateUser(ctx, user))

	login := &db.Session{
		SubjectID:   user.ID,
		IsRobot:     false,
		WhenExpires: time.Now().Add(time.Hour).UTC(),
	}
	require.NoError(t, st.CreateSession(ctx, login))
	require.NotEmpty(t, login.ID)

	tx, err := st.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback() //nolint:errcheck

	loaded, err := tx.SessionByID(login.ID.String())
	require.NoError(t, err)
	assert.Equal(t, user.ID, loaded.SubjectID)
	assert.False(t, loaded.IsRobot)

	subject, err := tx.UserByID(loaded.SubjectID.String())
	require.NoError(t, err)
	assert.Equal(t, "mia", subject.Name)

	_, err = tx.SessionByID("does-not-exist")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestRobotLookupAndLogLines(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	robot := &db.Robot{MachineName: "karetao-1", FriendlyName: "Karetao", Type: "nao", Password: "hash"}
	require.NoError(t, st.CreateRobot(ctx, robot))

	found, err := st.RobotByMachineName(ctx, "karetao-1")
	require.NoError(t, err)
	assert.Equal(t, robot.ID, found.ID)

	_, err = st.RobotByMachineName(ctx, "missing")
	assert.ErrorIs(t, err, db.ErrNotFound)

	tx, err := st.Begin(ctx)
	require.NoError(t, err)
	conv := &db.Conversation{SourceID: robot.ID.String(), SourceName: "karetao-1", Type: "initialisation", WhenOpened: time.Now().UTC()}
	require.NoError(t, tx.CreateConversation(conv))
	for i := 0; i < 2; i++ {
		require.NoError(t, tx.AddLogLine(&db.LogLine{
			MachineName:    "karetao-1",
			ConversationID: conv.ID,
			Description:    "Robot authenticated",
			MessageType:    1,
			Values:         `{"token":"***"}`,
			WhenAdded:      time.Now().UTC(),
		}))
	}
	require.NoError(t, tx.Commit())

	lines, err := st.LogLines(ctx, "karetao-1", conv.ID)
	require.NoError(t, err)
	assert.Len(t, lines, 2)
}
