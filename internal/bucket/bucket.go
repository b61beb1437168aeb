// Package bucket is a versioned object store. Payloads go through the value
// codec (canonical JSON, compression, base64, SHA-256) and land on a
// filesystem or S3 backend; per-version metadata is tracked through the ORM
// so history and checksums survive restarts.
package bucket

import (
	"context"
	"fmt"
	"time"

	"github.com/gddisney/Katamari/internal/codec"
	"github.com/gddisney/Katamari/internal/orm"
	kerr "github.com/gddisney/Katamari/pkg/errors"
	"github.com/gddisney/Katamari/pkg/logger"
)

// Object is one stored version of a key.
type Object struct {
	Key      string
	Version  int
	Checksum string
	Path     string
	Metadata map[string]any
	Value    any
}

// Options configures a bucket.
type Options struct {
	Name             string
	StorageDir       string // filesystem backend root, ignored when Backend is set
	Backend          Backend
	Compression      string // zlib | zstd, empty = zlib
	CompressionLevel int
	DB               orm.Options // metadata store
}

// Bucket stores checksummed, versioned objects.
type Bucket struct {
	name    string
	db      *orm.ORM
	proc    *codec.Processor
	backend Backend
}

// New opens a bucket. A missing backend defaults to the filesystem under
// StorageDir.
func New(opts Options) (*Bucket, error) {
	if opts.Name == "" {
		opts.Name = "katamari"
	}
	backend := opts.Backend
	if backend == nil {
		if opts.StorageDir == "" {
			return nil, kerr.IO("bucket needs a backend or a storage directory", nil)
		}
		var err error
		backend, err = NewFSBackend(opts.StorageDir)
		if err != nil {
			return nil, err
		}
	}
	proc, err := codec.NewProcessor(opts.Compression, opts.CompressionLevel)
	if err != nil {
		return nil, err
	}
	db, err := orm.New(opts.DB)
	if err != nil {
		return nil, err
	}
	return &Bucket{name: opts.Name, db: db, proc: proc, backend: backend}, nil
}

func (b *Bucket) objectPath(key string, version int) string {
	return fmt.Sprintf("%s/%s/v%d", b.name, key, version)
}

// Put stores a new version of key and returns its version number. The
// payload written to the backend is the framed compressed value; the metadata
// record carries the checksum it must verify against on read.
func (b *Bucket) Put(ctx context.Context, key string, value any, metadata map[string]any) (int, error) {
	processed, err := b.proc.Process(value)
	if err != nil {
		return 0, err
	}

	version := len(b.db.History(key)) + 1
	path := b.objectPath(key, version)
	if err := b.backend.Write(ctx, path, []byte(processed.Payload)); err != nil {
		return 0, err
	}

	record := map[string]any{
		"key":       key,
		"version":   version,
		"checksum":  processed.Checksum,
		"file_path": path,
		"metadata":  metadata,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := b.db.Set(key, record, orm.SetOptions{}); err != nil {
		// Best effort: do not leave an orphan payload behind.
		if rmErr := b.backend.Remove(ctx, path); rmErr != nil {
			logger.Warn("bucket: failed to remove orphan payload", "path", path, "error", rmErr)
		}
		return 0, err
	}
	logger.Info("bucket: object stored", "key", key, "version", version, "path", path)
	return version, nil
}

// Get returns the latest version of key, verifying its checksum.
func (b *Bucket) Get(ctx context.Context, key string) (*Object, error) {
	raw, err := b.db.Get(key)
	if err != nil {
		return nil, err
	}
	return b.load(ctx, key, raw)
}

// GetVersion returns one historical version of key.
func (b *Bucket) GetVersion(ctx context.Context, key string, version int) (*Object, error) {
	for _, v := range b.db.History(key) {
		record, ok := v.Value.(map[string]any)
		if !ok {
			continue
		}
		if asInt(record["version"]) == version {
			return b.load(ctx, key, v.Value)
		}
	}
	return nil, kerr.NotFound(fmt.Sprintf("version %d of %q not found", version, key))
}

// History returns the metadata of every stored version, oldest first.
func (b *Bucket) History(key string) []*Object {
	versions := b.db.History(key)
	objects := make([]*Object, 0, len(versions))
	for _, v := range versions {
		record, ok := v.Value.(map[string]any)
		if !ok {
			continue
		}
		objects = append(objects, recordToObject(record))
	}
	return objects
}

// Delete removes the metadata record and every stored payload version.
func (b *Bucket) Delete(ctx context.Context, key string) error {
	objects := b.History(key)
	if err := b.db.Delete(key); err != nil {
		return err
	}
	for _, obj := range objects {
		if err := b.backend.Remove(ctx, obj.Path); err != nil {
			logger.Warn("bucket: failed to remove payload", "path", obj.Path, "error", err)
		}
	}
	return nil
}

// Keys lists the stored object keys.
func (b *Bucket) Keys() []string { return b.db.Keys() }

// Close releases the metadata store.
func (b *Bucket) Close() error { return b.db.Close() }

// load fetches and verifies one object payload against its metadata record.
func (b *Bucket) load(ctx context.Context, key string, raw any) (*Object, error) {
	record, ok := raw.(map[string]any)
	if !ok {
		return nil, kerr.Codec("object record has unexpected shape", nil)
	}
	obj := recordToObject(record)
	obj.Key = key

	payload, err := b.backend.Read(ctx, obj.Path)
	if err != nil {
		return nil, err
	}
	processed := &codec.Processed{
		ContentType: codec.ContentTypeJSON,
		Payload:     string(payload),
		Checksum:    obj.Checksum,
	}
	var value any
	if err := b.proc.Unprocess(processed, &value); err != nil {
		return nil, err
	}
	obj.Value = value
	return obj, nil
}

func recordToObject(record map[string]any) *Object {
	key, _ := record["key"].(string)
	checksum, _ := record["checksum"].(string)
	path, _ := record["file_path"].(string)
	metadata, _ := record["metadata"].(map[string]any)
	return &Object{
		Key:      key,
		Version:  asInt(record["version"]),
		Checksum: checksum,
		Path:     path,
		Metadata: metadata,
	}
}

// asInt tolerates the float64 that JSON round-trips produce for numbers.
func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
