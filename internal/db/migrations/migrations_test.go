package migrations

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func createTestDB(t *testing.T) *sql.DB {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

func tableExists(t *testing.T, db *sql.DB, name string) bool {
	var found string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", name).Scan(&found)
	if err == sql.ErrNoRows {
		return false
	}
	require.NoError(t, err)
	return found == name
}

func TestNewMigrationManager(t *testing.T) {
	manager := NewMigrationManager(createTestDB(t), nil)
	require.NotNil(t, manager)
	assert.NotNil(t, manager.logger)
	assert.Len(t, manager.migrations, 3)
}

func TestMigrationManager_GetTargetVersion(t *testing.T) {
	manager := NewMigrationManager(createTestDB(t), nil)
	assert.Equal(t, 3, manager.GetTargetVersion())
}

func TestMigrationManager_Migrate_EmptyDB(t *testing.T) {
	ctx := context.Background()
	db := createTestDB(t)
	manager := NewMigrationManager(db, nil)

	require.NoError(t, manager.Migrate(ctx))

	version, err := manager.GetCurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, version)

	assert.True(t, tableExists(t, db, "shares"))
	assert.True(t, tableExists(t, db, "retired_codes"))

	var versionColumn int
	err = db.QueryRow("SELECT COUNT(*) FROM pragma_table_info('shares') WHERE name='version'").Scan(&versionColumn)
	require.NoError(t, err)
	assert.Equal(t, 1, versionColumn)
}

func TestMigrationManager_Migrate_Idempotent(t *testing.T) {
	ctx := context.Background()
	manager := NewMigrationManager(createTestDB(t), nil)

	require.NoError(t, manager.Migrate(ctx))
	require.NoError(t, manager.Migrate(ctx))

	history, err := manager.GetMigrationHistory(ctx)
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i, record := range history {
		assert.Equal(t, i+1, record.Version)
		assert.NotEmpty(t, record.Description)
		assert.False(t, record.AppliedAt.IsZero())
	}
}

func TestMigrationManager_Migrate_NewerSchema(t *testing.T) {
	ctx := context.Background()
	db := createTestDB(t)
	manager := NewMigrationManager(db, nil)
	require.NoError(t, manager.Initialize(ctx))

	_, err := db.Exec("INSERT INTO schema_version (version, description, applied_at) VALUES (99, 'future', 0)")
	require.NoError(t, err)

	err = manager.Migrate(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "newer")
}

func TestMigrationManager_Migrate_UniqueCode(t *testing.T) {
	ctx := context.Background()
	db := createTestDB(t)
	require.NoError(t, NewMigrationManager(db, nil).Migrate(ctx))

	insert := `INSERT INTO shares (id, code, created_at, expires_at) VALUES (?, ?, 0, 0)`
	_, err := db.Exec(insert, "id-1", "ABCDEFGH")
	require.NoError(t, err)

	_, err = db.Exec(insert, "id-2", "ABCDEFGH")
	assert.Error(t, err)
}
