package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/minio/minio-go/v7"
)

// Objects stores snapshot payloads by path.
type Objects interface {
	Put(ctx context.Context, path string, data []byte) error
	Load(ctx context.Context, path string) ([]byte, error)
}

// Bucket keeps snapshots in a MinIO/S3 bucket.
type Bucket struct {
	client *minio.Client
	bucket string
}

// NewBucket creates an object store for bucket.
func NewBucket(client *minio.Client, bucket string) *Bucket {
	return &Bucket{client: client, bucket: bucket}
}

// EnsureBucket creates the bucket when it does not exist yet.
func (b *Bucket) EnsureBucket(ctx context.Context, region string) error {
	exists, err := b.client.BucketExists(ctx, b.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := b.client.MakeBucket(ctx, b.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", b.bucket, err)
	}
	return nil
}

// Put implements Objects.
func (b *Bucket) Put(ctx context.Context, path string, data []byte) error {
	_, err := b.client.PutObject(ctx, b.bucket, path, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	return err
}

// Load implements Objects.
func (b *Bucket) Load(ctx context.Context, path string) ([]byte, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, path, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	return io.ReadAll(obj)
}

// MemoryObjects keeps snapshots in memory.
type MemoryObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// NewMemoryObjects returns an empty in-memory store.
func NewMemoryObjects() *MemoryObjects {
	return &MemoryObjects{objects: make(map[string][]byte)}
}

// Put implements Objects.
func (m *MemoryObjects) Put(_ context.Context, path string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = append([]byte(nil), data...)
	return nil
}

// Load implements Objects.
func (m *MemoryObjects) Load(_ context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[path]
	if !ok {
		return nil, fmt.Errorf("object %s not found", path)
	}
	return append([]byte(nil), data...), nil
}

// Paths lists stored object paths.
func (m *MemoryObjects) Paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.objects))
	for p := range m.objects {
		out = append(out, p)
	}
	return out
}
