package bucket

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	kerr "github.com/gddisney/Katamari/pkg/errors"
)

// Backend stores raw object payloads by path.
type Backend interface {
	Write(ctx context.Context, path string, data []byte) error
	Read(ctx context.Context, path string) ([]byte, error)
	Remove(ctx context.Context, path string) error
}

// fsBackend keeps payloads under a root directory.
type fsBackend struct {
	root string
}

// NewFSBackend returns a filesystem backend rooted at dir.
func NewFSBackend(dir string) (Backend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, kerr.IO("failed to create bucket directory", err)
	}
	return &fsBackend{root: dir}, nil
}

func (b *fsBackend) resolve(path string) string {
	return filepath.Join(b.root, filepath.FromSlash(path))
}

func (b *fsBackend) Write(_ context.Context, path string, data []byte) error {
	full := b.resolve(path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return kerr.IO("failed to create object directory", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return kerr.IO("failed to write object "+path, err)
	}
	return nil
}

func (b *fsBackend) Read(_ context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(b.resolve(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, kerr.NotFound("object " + path + " not found")
		}
		return nil, kerr.IO("failed to read object "+path, err)
	}
	return data, nil
}

func (b *fsBackend) Remove(_ context.Context, path string) error {
	if err := os.Remove(b.resolve(path)); err != nil && !os.IsNotExist(err) {
		return kerr.IO("failed to remove object "+path, err)
	}
	return nil
}

// s3Backend stores payloads in an S3-compatible bucket.
type s3Backend struct {
	client *minio.Client
	bucket string
}

// S3Options configures the S3 backend.
type S3Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// NewS3Backend returns a backend over an S3-compatible object store.
func NewS3Backend(opts S3Options) (Backend, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, kerr.IO("failed to create s3 client", err)
	}
	return &s3Backend{client: client, bucket: opts.Bucket}, nil
}

func (b *s3Backend) Write(ctx context.Context, path string, data []byte) error {
	_, err := b.client.PutObject(ctx, b.bucket, path, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return kerr.IO("failed to upload object "+path, err)
	}
	return nil
}

func (b *s3Backend) Read(ctx context.Context, path string) ([]byte, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, path, minio.GetObjectOptions{})
	if err != nil {
		return nil, kerr.IO("failed to fetch object "+path, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return nil, kerr.NotFound("object " + path + " not found")
		}
		return nil, kerr.IO("failed to read object "+path, err)
	}
	return data, nil
}

func (b *s3Backend) Remove(ctx context.Context, path string) error {
	if err := b.client.RemoveObject(ctx, b.bucket, path, minio.RemoveObjectOptions{}); err != nil {
		return kerr.IO("failed to remove object "+path, err)
	}
	return nil
}
