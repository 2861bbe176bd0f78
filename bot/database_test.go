package bot

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDB(t testing.TB) (*gorm.DB, *database) {
	t.Helper()
	db, err := CreateDB(
		context.Background(),
		dbTypeSQLite,
		filepath.Join(t.TempDir(), "test.sqlite3"),
	)
	require.NoError(t, err)
	return db, newWriteDB(db, nil, false)
}

func TestCreateDBMigrates(t *testing.T) {
	db, _ := newTestDB(t)

	for _, model := range []any{
		&ConfigEntry{},
		&NotificationJob{},
		&DeadLetter{},
		&Alert{},
		&EventLog{},
	} {
		assert.True(t, db.Migrator().HasTable(model))
	}
}

func TestCreateDBUnsupportedType(t *testing.T) {
	_, err := CreateDB(context.Background(), "mariadb", "whatever")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database type")
}

func TestWriteDBCreate(t *testing.T) {
	_, writeDB := newTestDB(t)
	ctx := context.Background()

	entry := &ConfigEntry{ScopeID: "guild-1", Key: "greeting", Value: "hi"}
	rows, err := writeDB.Create(ctx, entry)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows)
	assert.NotZero(t, entry.ID)
	assert.NotZero(t, entry.CreatedAt)
}
