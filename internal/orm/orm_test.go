package orm

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/gddisney/Katamari/internal/search"
	kerr "github.com/gddisney/Katamari/pkg/errors"
)

func newTestORM(t *testing.T, opts Options) *ORM {
	t.Helper()
	if opts.IndexDir == "" {
		opts.IndexDir = filepath.Join(t.TempDir(), "idx")
	}
	if opts.TransactionLog == "" {
		opts.TransactionLog = filepath.Join(t.TempDir(), "transaction.log")
	}
	o, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { o.Close() })
	return o
}

func TestZeroValueIndexDir(t *testing.T) {
	o, err := New(Options{TransactionLog: filepath.Join(t.TempDir(), "tx.log")})
	if err != nil {
		t.Fatalf("New with zero-value options failed: %v", err)
	}
	defer o.Close()

	if err := o.Set("k", map[string]any{"content": "hello"}, SetOptions{}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	o.Flush()
	if results, err := o.Search("hello", search.Options{}); err != nil || len(results) != 1 {
		t.Errorf("Expected one hit through the temp index, got %v err=%v", results, err)
	}
}

func TestSetGetDelete(t *testing.T) {
	o := newTestORM(t, Options{Schema: map[string]string{"content": "TEXT"}})

	if err := o.Set("k", map[string]any{"content": "hello"}, SetOptions{}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	value, err := o.Get("k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	m := value.(map[string]any)
	if m["content"] != "hello" {
		t.Errorf("Unexpected value: %v", m)
	}
	if m["file_info"] == nil {
		t.Error("Expected codec metadata on stored value")
	}

	if err := o.Delete("k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := o.Get("k"); !kerr.IsNotFound(err) {
		t.Errorf("Expected NotFound after delete, got %v", err)
	}
	if err := o.Delete("k"); !kerr.IsNotFound(err) {
		t.Errorf("Expected NotFound on double delete, got %v", err)
	}
}

func TestAppendMerge(t *testing.T) {
	o := newTestORM(t, Options{})

	if err := o.Set("list", []any{"a"}, SetOptions{}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := o.Set("list", []any{"b", "c"}, SetOptions{Append: true}); err != nil {
		t.Fatalf("Append set failed: %v", err)
	}

	value, err := o.Get("list")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	list := value.([]any)
	if len(list) != 3 || list[0] != "a" || list[2] != "c" {
		t.Errorf("Unexpected merged list: %v", list)
	}
}

func TestTTLExpiry(t *testing.T) {
	o := newTestORM(t, Options{})

	if err := o.Set("temp", map[string]any{"content": "x"}, SetOptions{TTL: 150 * time.Millisecond}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if _, err := o.Get("temp"); err != nil {
		t.Fatalf("Key should be alive before expiry: %v", err)
	}

	time.Sleep(300 * time.Millisecond)
	if _, err := o.Get("temp"); !kerr.IsNotFound(err) {
		t.Errorf("Expected NotFound after expiry, got %v", err)
	}

	// The scheduler should have drained its heap shortly after firing.
	deadline := time.Now().Add(time.Second)
	for o.PendingTTL() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := o.PendingTTL(); n != 0 {
		t.Errorf("Expected empty TTL heap, got %d entries", n)
	}
}

func TestTTLExpireOnAccess(t *testing.T) {
	o := newTestORM(t, Options{})

	// A very long scheduler horizon forces the read path to do the expiry.
	o.Set("k", map[string]any{"content": "x"}, SetOptions{TTL: time.Millisecond})
	time.Sleep(20 * time.Millisecond)

	if _, err := o.Get("k"); !kerr.IsNotFound(err) {
		t.Errorf("Expected expire-on-access NotFound, got %v", err)
	}
}

func TestTTLRefreshOnRewrite(t *testing.T) {
	o := newTestORM(t, Options{})

	o.Set("k", map[string]any{"content": "v1"}, SetOptions{TTL: 100 * time.Millisecond})
	// Rewriting without TTL clears the pending expiry.
	o.Set("k", map[string]any{"content": "v2"}, SetOptions{})

	time.Sleep(250 * time.Millisecond)
	if _, err := o.Get("k"); err != nil {
		t.Errorf("Key should survive after TTL was cleared: %v", err)
	}
}

func TestSearchThroughORM(t *testing.T) {
	o := newTestORM(t, Options{Schema: map[string]string{"title": "TEXT", "level": "NUMERIC"}})

	if err := o.Set("p1", map[string]any{"title": "hello world", "level": 3}, SetOptions{}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	o.Flush()

	results, err := o.Search("hello", search.Options{})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 || results[0].ID != "p1" {
		t.Errorf("Expected one hit p1, got %v", results)
	}

	results, err = o.Search("level:[4 TO 10]", search.Options{})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("Expected no out-of-range hits, got %v", results)
	}

	// Deletion removes the document once the queue drains.
	o.Delete("p1")
	o.Flush()
	results, err = o.Search("id:p1", search.Options{})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("Expected no hits after delete, got %v", results)
	}
}

func TestDateFieldParsing(t *testing.T) {
	o := newTestORM(t, Options{Schema: map[string]string{"created_at": "DATETIME", "title": "TEXT"}})

	if err := o.Set("d", map[string]any{"created_at": "2024-06-01T10:30:00", "title": "dated"}, SetOptions{}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	value, _ := o.Get("d")
	m := value.(map[string]any)
	ts, ok := m["created_at"].(time.Time)
	if !ok {
		t.Fatalf("Expected created_at to become a time.Time, got %T", m["created_at"])
	}
	if ts.Year() != 2024 || ts.Month() != time.June {
		t.Errorf("Unexpected parsed date: %v", ts)
	}
}

func TestMVCCVisibilityThroughORM(t *testing.T) {
	o := newTestORM(t, Options{})

	o.Set("a", map[string]any{"content": "v1"}, SetOptions{})
	tx := o.Begin()

	o.Set("a", map[string]any{"content": "v2"}, SetOptions{})

	value, err := o.GetTx("a", tx)
	if err != nil {
		t.Fatalf("GetTx failed: %v", err)
	}
	if value.(map[string]any)["content"] != "v1" {
		t.Errorf("Snapshot read should see v1, got %v", value)
	}
	o.Commit(tx)
}

func TestPersistenceReload(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "store")

	o := newTestORM(t, Options{
		Database:       dbPath,
		IndexDir:       filepath.Join(dir, "idx1"),
		TransactionLog: filepath.Join(dir, "tx1.log"),
	})
	if err := o.Set("persisted", map[string]any{"content": "survives"}, SetOptions{}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	o.Close()

	o2 := newTestORM(t, Options{
		Database:       dbPath,
		IndexDir:       filepath.Join(dir, "idx2"),
		TransactionLog: filepath.Join(dir, "tx2.log"),
	})
	value, err := o2.Get("persisted")
	if err != nil {
		t.Fatalf("Get after reload failed: %v", err)
	}
	if value.(map[string]any)["content"] != "survives" {
		t.Errorf("Unexpected reloaded value: %v", value)
	}
}

func TestVersionHistory(t *testing.T) {
	o := newTestORM(t, Options{})

	o.Set("k", map[string]any{"content": "v1"}, SetOptions{})
	o.Set("k", map[string]any{"content": "v2"}, SetOptions{})

	history := o.History("k")
	if len(history) != 2 {
		t.Fatalf("Expected 2 versions, got %d", len(history))
	}
	if history[0].Version != 1 || history[1].Version != 2 {
		t.Errorf("Unexpected version numbers: %v, %v", history[0].Version, history[1].Version)
	}
}

func TestLockMapGrowth(t *testing.T) {
	o := newTestORM(t, Options{})

	o.Set("a", map[string]any{"content": "1"}, SetOptions{})
	o.Set("b", map[string]any{"content": "2"}, SetOptions{})

	if n := o.locks.size(); n != 2 {
		t.Errorf("Expected 2 per-key locks, got %d", n)
	}
}
