package orm

import (
	"path/filepath"
	"testing"
)

func TestTxLogLifecycle(t *testing.T) {
	log := NewTxLog(filepath.Join(t.TempDir(), "tx.log"))

	id1, err := log.Start("k1", map[string]any{"v": 1}, 0)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	id2, err := log.Start("k2", map[string]any{"v": 2}, 0)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if id1 == id2 {
		t.Error("Transaction ids should be unique")
	}

	entries, err := log.Entries()
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(entries) != 2 || entries[0].Key != "k1" || entries[1].Key != "k2" {
		t.Errorf("Unexpected entries: %v", entries)
	}

	if err := log.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	entries, _ = log.Entries()
	if len(entries) != 0 {
		t.Errorf("Expected empty log after commit, got %v", entries)
	}
}

func TestTxLogRollback(t *testing.T) {
	log := NewTxLog(filepath.Join(t.TempDir(), "tx.log"))

	log.Start("a", "v", 0)
	log.Start("b", "v", 0)

	var deleted []string
	err := log.Rollback(func(key string) error {
		deleted = append(deleted, key)
		return nil
	})
	if err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if len(deleted) != 2 || deleted[0] != "a" || deleted[1] != "b" {
		t.Errorf("Expected deletes for a,b got %v", deleted)
	}

	entries, _ := log.Entries()
	if len(entries) != 0 {
		t.Errorf("Expected empty log after rollback, got %v", entries)
	}
}

func TestTxLogMissingFile(t *testing.T) {
	log := NewTxLog(filepath.Join(t.TempDir(), "never-created.log"))

	entries, err := log.Entries()
	if err != nil || entries != nil {
		t.Errorf("Missing log should read as empty, got %v err=%v", entries, err)
	}
	if err := log.Commit(); err != nil {
		t.Errorf("Commit on missing log should be a no-op, got %v", err)
	}
}
