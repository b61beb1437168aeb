package bucket

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/gddisney/Katamari/internal/codec"
	"github.com/gddisney/Katamari/internal/orm"
	kerr "github.com/gddisney/Katamari/pkg/errors"
)

func newTestBucket(t *testing.T) (*Bucket, string) {
	t.Helper()
	dir := t.TempDir()
	b, err := New(Options{
		Name:       "test",
		StorageDir: filepath.Join(dir, "objects"),
		DB: orm.Options{
			IndexDir:       filepath.Join(dir, "idx"),
			TransactionLog: filepath.Join(dir, "tx.log"),
		},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b, filepath.Join(dir, "objects")
}

func TestPutGetRoundTrip(t *testing.T) {
	b, _ := newTestBucket(t)
	ctx := context.Background()

	version, err := b.Put(ctx, "doc", map[string]any{"title": "hello"}, map[string]any{"author": "kb"})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if version != 1 {
		t.Errorf("First put should be version 1, got %d", version)
	}

	obj, err := b.Get(ctx, "doc")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if obj.Version != 1 || obj.Checksum == "" {
		t.Errorf("Unexpected object metadata: %+v", obj)
	}
	value := obj.Value.(map[string]any)
	if value["title"] != "hello" {
		t.Errorf("Unexpected value: %v", value)
	}
	if obj.Metadata["author"] != "kb" {
		t.Errorf("Metadata lost: %v", obj.Metadata)
	}
}

func TestVersionedGets(t *testing.T) {
	b, _ := newTestBucket(t)
	ctx := context.Background()

	b.Put(ctx, "doc", map[string]any{"rev": "first"}, nil)
	v2, err := b.Put(ctx, "doc", map[string]any{"rev": "second"}, nil)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if v2 != 2 {
		t.Errorf("Second put should be version 2, got %d", v2)
	}

	latest, err := b.Get(ctx, "doc")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if latest.Value.(map[string]any)["rev"] != "second" {
		t.Errorf("Latest should be second revision, got %v", latest.Value)
	}

	old, err := b.GetVersion(ctx, "doc", 1)
	if err != nil {
		t.Fatalf("GetVersion failed: %v", err)
	}
	if old.Value.(map[string]any)["rev"] != "first" {
		t.Errorf("Version 1 should be first revision, got %v", old.Value)
	}

	if _, err := b.GetVersion(ctx, "doc", 99); !kerr.IsNotFound(err) {
		t.Errorf("Expected NotFound for missing version, got %v", err)
	}

	history := b.History("doc")
	if len(history) != 2 || history[0].Version != 1 || history[1].Version != 2 {
		t.Errorf("Unexpected history: %+v", history)
	}
}

func TestChecksumDetectsTampering(t *testing.T) {
	b, storageDir := newTestBucket(t)
	ctx := context.Background()

	if _, err := b.Put(ctx, "doc", map[string]any{"v": 1}, nil); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	payloadPath := filepath.Join(storageDir, "test", "doc", "v1")
	tampered := codec.Frame([]byte("tampered"))
	if err := os.WriteFile(payloadPath, []byte(tampered), 0o644); err != nil {
		t.Fatalf("Failed to tamper payload: %v", err)
	}

	_, err := b.Get(ctx, "doc")
	if !kerr.IsKind(err, kerr.KindCodec) {
		t.Errorf("Expected codec error on tampered payload, got %v", err)
	}
}

func TestDeleteRemovesPayloads(t *testing.T) {
	b, storageDir := newTestBucket(t)
	ctx := context.Background()

	b.Put(ctx, "doc", map[string]any{"v": 1}, nil)
	b.Put(ctx, "doc", map[string]any{"v": 2}, nil)

	if err := b.Delete(ctx, "doc"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := b.Get(ctx, "doc"); !kerr.IsNotFound(err) {
		t.Errorf("Expected NotFound after delete, got %v", err)
	}
	for _, v := range []string{"v1", "v2"} {
		if _, err := os.Stat(filepath.Join(storageDir, "test", "doc", v)); !os.IsNotExist(err) {
			t.Errorf("Payload %s should have been removed", v)
		}
	}
}

func TestMissingKey(t *testing.T) {
	b, _ := newTestBucket(t)

	if _, err := b.Get(context.Background(), "ghost"); !kerr.IsNotFound(err) {
		t.Errorf("Expected NotFound, got %v", err)
	}
	if len(b.Keys()) != 0 {
		t.Errorf("Expected no keys, got %v", b.Keys())
	}
}
