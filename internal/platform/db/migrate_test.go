package db

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeMigrations(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

func TestLoadMigrations_SortedByVersion(t *testing.T) {
	dir := writeMigrations(t, map[string]string{
		"010_reports.sql":  "SELECT 10;",
		"002_payments.sql": "CREATE TABLE payments (id UUID);",
		"001_charges.sql":  "CREATE TABLE charges (id UUID);",
		"005_packages.sql": "CREATE TABLE packages (id UUID);",
	})

	migrations, err := NewMigrator(nil, dir).LoadMigrations()
	require.NoError(t, err)
	require.Len(t, migrations, 4)

	var versions []int
	for _, m := range migrations {
		versions = append(versions, m.Version)
	}
	assert.Equal(t, []int{1, 2, 5, 10}, versions)
	assert.Equal(t, "001_charges.sql", migrations[0].Name)
	assert.Equal(t, "CREATE TABLE charges (id UUID);", migrations[0].SQL)
}

func TestLoadMigrations_SkipsInvalidNames(t *testing.T) {
	dir := writeMigrations(t, map[string]string{
		"001_valid.sql":      "SELECT 1;",
		"readme.sql":         "-- no version prefix",
		"notes.txt":          "not sql",
		"abc_invalid.sql":    "-- non-numeric prefix",
		"002_also_valid.sql": "SELECT 2;",
	})
	require.NoError(t, os.Mkdir(filepath.Join(dir, "003_dir.sql"), 0o755))

	migrations, err := NewMigrator(nil, dir).LoadMigrations()
	require.NoError(t, err)
	require.Len(t, migrations, 2)
	assert.Equal(t, 1, migrations[0].Version)
	assert.Equal(t, 2, migrations[1].Version)
}

func TestLoadMigrations_EmptyAndMissingDir(t *testing.T) {
	migrations, err := NewMigrator(nil, t.TempDir()).LoadMigrations()
	require.NoError(t, err)
	assert.Empty(t, migrations)

	_, err = NewMigrator(nil, "/nonexistent/migrations").LoadMigrations()
	assert.Error(t, err)
}

func TestBuildStatus(t *testing.T) {
	applied := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	statuses := buildStatus([]Migration{
		{Version: 1, Name: "001_charges.sql"},
		{Version: 2, Name: "002_payments.sql"},
	}, map[int]time.Time{1: applied})

	require.Len(t, statuses, 2)
	assert.True(t, statuses[0].Applied)
	require.NotNil(t, statuses[0].AppliedAt)
	assert.Equal(t, applied, *statuses[0].AppliedAt)
	assert.False(t, statuses[1].Applied)
	assert.Nil(t, statuses[1].AppliedAt)
}

func TestValidateSchema(t *testing.T) {
	for _, ok := range []string{"public", "billing", "tenant_1", "_x"} {
		assert.NoError(t, ValidateSchema(ok), ok)
	}
	for _, bad := range []string{"", "1abc", "a-b", "a.b", "drop;table", "a b"} {
		assert.Error(t, ValidateSchema(bad), bad)
	}
}

func TestUp_RejectsInvalidSchema(t *testing.T) {
	_, err := NewMigrator(nil, t.TempDir()).Up(context.Background(), "bad;schema")
	assert.Error(t, err)
}
