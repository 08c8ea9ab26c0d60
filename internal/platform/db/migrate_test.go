package db

import (
	"os"
	"path/filepath"
	"testing"
)

func writeMigrations(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
}

func TestMigrator_LoadParsesVersions(t *testing.T) {
	dir := t.TempDir()
	writeMigrations(t, dir, map[string]string{
		"001_claims.sql":    "CREATE TABLE claim (id UUID PRIMARY KEY);",
		"002_inventory.sql": "CREATE TABLE inventory_item (id UUID PRIMARY KEY);",
		"003_audit.sql":     "CREATE TABLE audit_entry (id UUID PRIMARY KEY);",
	})

	migrations, err := NewMigrator(nil, dir).load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}
	if migrations[0].Version != 1 || migrations[0].Name != "001_claims.sql" {
		t.Fatalf("unexpected first migration: %+v", migrations[0])
	}
	if migrations[0].SQL != "CREATE TABLE claim (id UUID PRIMARY KEY);" {
		t.Fatalf("unexpected SQL content: %s", migrations[0].SQL)
	}
	if migrations[2].Version != 3 {
		t.Fatalf("expected version 3 last, got %d", migrations[2].Version)
	}
}

func TestMigrator_LoadSortsByVersion(t *testing.T) {
	dir := t.TempDir()
	writeMigrations(t, dir, map[string]string{
		"010_backups.sql":   "SELECT 10;",
		"002_inventory.sql": "SELECT 2;",
		"001_claims.sql":    "SELECT 1;",
		"005_workflows.sql": "SELECT 5;",
	})

	migrations, err := NewMigrator(nil, dir).load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	want := []int{1, 2, 5, 10}
	if len(migrations) != len(want) {
		t.Fatalf("expected %d migrations, got %d", len(want), len(migrations))
	}
	for i, v := range want {
		if migrations[i].Version != v {
			t.Fatalf("migration %d: expected version %d, got %d", i, v, migrations[i].Version)
		}
	}
}

func TestMigrator_LoadSkipsUnversionedFiles(t *testing.T) {
	dir := t.TempDir()
	writeMigrations(t, dir, map[string]string{
		"001_claims.sql":  "SELECT 1;",
		"002_audit.sql":   "SELECT 2;",
		"readme.sql":      "-- no version prefix",
		"notes.txt":       "not a migration",
		"abc_invalid.sql": "-- non-numeric prefix",
	})

	migrations, err := NewMigrator(nil, dir).load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(migrations))
	}
	if migrations[0].Version != 1 || migrations[1].Version != 2 {
		t.Fatalf("unexpected versions: %d, %d", migrations[0].Version, migrations[1].Version)
	}
}

func TestMigrator_LoadEmptyDir(t *testing.T) {
	migrations, err := NewMigrator(nil, t.TempDir()).load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(migrations) != 0 {
		t.Fatalf("expected no migrations, got %d", len(migrations))
	}
}

func TestMigrator_LoadMissingDir(t *testing.T) {
	if _, err := NewMigrator(nil, filepath.Join(t.TempDir(), "missing")).load(); err == nil {
		t.Fatal("expected error for missing directory")
	}
}
