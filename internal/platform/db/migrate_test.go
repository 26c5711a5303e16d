package db

import (
	"testing"
	"testing/fstest"
	"time"

	"github.com/ehr/anchor/migrations"
)

func TestLoadMigrations(t *testing.T) {
	source := fstest.MapFS{
		"001_core.sql":     {Data: []byte("CREATE TABLE a (id INT);")},
		"002_receipts.sql": {Data: []byte("CREATE TABLE b (id INT);")},
		"README.md":        {Data: []byte("not a migration")},
		"notes.sql":        {Data: []byte("no version prefix")},
		"abc_bad.sql":      {Data: []byte("non-numeric prefix")},
	}

	migs, err := NewMigrator(nil, source, "").LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migs) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(migs))
	}
	if migs[0].Version != 1 || migs[0].Name != "001_core.sql" {
		t.Errorf("unexpected first migration: %+v", migs[0])
	}
	if migs[0].SQL != "CREATE TABLE a (id INT);" {
		t.Errorf("unexpected SQL content: %s", migs[0].SQL)
	}
}

func TestLoadMigrations_SortOrder(t *testing.T) {
	source := fstest.MapFS{
		"010_tables.sql": {Data: []byte("SELECT 10;")},
		"002_second.sql": {Data: []byte("SELECT 2;")},
		"001_first.sql":  {Data: []byte("SELECT 1;")},
		"005_middle.sql": {Data: []byte("SELECT 5;")},
	}

	migs, err := NewMigrator(nil, source, "").LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	want := []int{1, 2, 5, 10}
	for i, v := range want {
		if migs[i].Version != v {
			t.Errorf("position %d: expected version %d, got %d", i, v, migs[i].Version)
		}
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	source := fstest.MapFS{
		"001_a.sql": {Data: []byte("SELECT 1;")},
		"1_b.sql":   {Data: []byte("SELECT 1;")},
	}
	if _, err := NewMigrator(nil, source, "").LoadMigrations(); err == nil {
		t.Fatal("expected error for duplicate version")
	}
}

func TestLoadMigrations_Embedded(t *testing.T) {
	migs, err := NewMigrator(nil, migrations.FS, "").LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migs) == 0 {
		t.Fatal("expected embedded migrations")
	}
	if migs[0].Name != "001_anchor_receipt.sql" {
		t.Errorf("expected 001_anchor_receipt.sql first, got %s", migs[0].Name)
	}
}

func TestNewMigrator_DefaultSchema(t *testing.T) {
	m := NewMigrator(nil, fstest.MapFS{}, "")
	if m.schema != DefaultSchema {
		t.Errorf("expected schema %s, got %s", DefaultSchema, m.schema)
	}
	if got := NewMigrator(nil, fstest.MapFS{}, `we"ird`).quotedSchema(); got != `"we""ird"` {
		t.Errorf("expected quoted identifier, got %s", got)
	}
}

func TestPendingAndStatuses(t *testing.T) {
	migs := []Migration{{Version: 1, Name: "001_a.sql"}, {Version: 2, Name: "002_b.sql"}, {Version: 3, Name: "003_c.sql"}}
	applied := map[int]time.Time{1: time.Now()}

	p := pending(migs, applied, 0)
	if len(p) != 2 || p[0].Version != 2 {
		t.Errorf("expected versions 2 and 3 pending, got %+v", p)
	}
	p = pending(migs, applied, 2)
	if len(p) != 1 || p[0].Version != 2 {
		t.Errorf("expected only version 2 pending up to 2, got %+v", p)
	}

	st := statuses(migs, applied)
	if !st[0].Applied || st[0].AppliedAt == nil {
		t.Error("expected version 1 applied")
	}
	if st[1].Applied || st[1].AppliedAt != nil {
		t.Error("expected version 2 pending")
	}
}
