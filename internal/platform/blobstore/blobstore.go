// Package blobstore stores generated artifacts — discharge PDFs, raw note
// snapshots — under clinic-scoped keys. Two backends: MinIO for real
// deployments and an in-memory store for tests and single-node development.
//
// Keys follow clinics/<clinic>/cases/<case>/<name>; callers build them with
// CaseKey so the layout stays in one place.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var ErrNotFound = errors.New("blob not found")

// MaxBlobSize caps a single stored object (25 MB). Discharge PDFs run well
// under 1 MB; anything bigger is a bug upstream.
const MaxBlobSize = 25 * 1024 * 1024

// Info describes a stored blob.
type Info struct {
	Key         string    `json:"key"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store is the storage contract. Implementations must be safe for
// concurrent use.
type Store interface {
	Put(ctx context.Context, key, contentType string, content io.Reader) (*Info, error)
	Get(ctx context.Context, key string) (io.ReadCloser, *Info, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]Info, error)
}

// CaseKey builds the canonical object key for a case artifact.
func CaseKey(clinicSlug, caseID, name string) string {
	return path.Join("clinics", clinicSlug, "cases", caseID, name)
}

// Memory is an in-process Store for tests and development.
type Memory struct {
	mu    sync.RWMutex
	blobs map[string]memBlob
}

type memBlob struct {
	info Info
	data []byte
}

func NewMemory() *Memory {
	return &Memory{blobs: make(map[string]memBlob)}
}

func (m *Memory) Put(_ context.Context, key, contentType string, content io.Reader) (*Info, error) {
	if key == "" {
		return nil, fmt.Errorf("blobstore: empty key")
	}
	data, err := io.ReadAll(io.LimitReader(content, MaxBlobSize+1))
	if err != nil {
		return nil, fmt.Errorf("blobstore: read content: %w", err)
	}
	if int64(len(data)) > MaxBlobSize {
		return nil, fmt.Errorf("blobstore: object %s exceeds %d bytes", key, MaxBlobSize)
	}

	info := Info{Key: key, ContentType: contentType, Size: int64(len(data)), UpdatedAt: time.Now().UTC()}

	m.mu.Lock()
	m.blobs[key] = memBlob{info: info, data: data}
	m.mu.Unlock()

	return &info, nil
}

func (m *Memory) Get(_ context.Context, key string) (io.ReadCloser, *Info, error) {
	m.mu.RLock()
	b, ok := m.blobs[key]
	m.mu.RUnlock()
	if !ok {
		return nil, nil, ErrNotFound
	}
	info := b.info
	return io.NopCloser(bytes.NewReader(b.data)), &info, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[key]; !ok {
		return ErrNotFound
	}
	delete(m.blobs, key)
	return nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[key]
	return ok, nil
}

func (m *Memory) List(_ context.Context, prefix string) ([]Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Info
	for key, b := range m.blobs {
		if strings.HasPrefix(key, prefix) {
			out = append(out, b.info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// MinIOConfig holds the object-store connection settings.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinIO stores blobs in a single bucket on a MinIO (or any S3-compatible)
// server.
type MinIO struct {
	client *minio.Client
	bucket string
}

// NewMinIO connects to the object store. It does not touch the bucket;
// call EnsureBucket once at startup.
func NewMinIO(cfg MinIOConfig) (*MinIO, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("blobstore: connect to %s: %w", cfg.Endpoint, err)
	}
	return &MinIO{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket creates the bucket if it does not exist.
func (s *MinIO) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("blobstore: check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("blobstore: create bucket %s: %w", s.bucket, err)
	}
	return nil
}

func (s *MinIO) Put(ctx context.Context, key, contentType string, content io.Reader) (*Info, error) {
	// Size -1 streams with multipart; artifacts are small so this stays a
	// single part in practice.
	up, err := s.client.PutObject(ctx, s.bucket, key, io.LimitReader(content, MaxBlobSize), -1,
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return nil, fmt.Errorf("blobstore: put %s: %w", key, err)
	}
	return &Info{Key: key, ContentType: contentType, Size: up.Size, UpdatedAt: time.Now().UTC()}, nil
}

func (s *MinIO) Get(ctx context.Context, key string) (io.ReadCloser, *Info, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, nil, fmt.Errorf("blobstore: get %s: %w", key, err)
	}
	// GetObject is lazy; Stat forces the first request so missing keys
	// surface here instead of on first Read.
	st, err := obj.Stat()
	if err != nil {
		obj.Close()
		if isMinioNotFound(err) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("blobstore: stat %s: %w", key, err)
	}
	return obj, &Info{Key: key, ContentType: st.ContentType, Size: st.Size, UpdatedAt: st.LastModified}, nil
}

func (s *MinIO) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("blobstore: delete %s: %w", key, err)
	}
	return nil
}

func (s *MinIO) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isMinioNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("blobstore: stat %s: %w", key, err)
	}
	return true, nil
}

func (s *MinIO) List(ctx context.Context, prefix string) ([]Info, error) {
	var out []Info
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("blobstore: list %s: %w", prefix, obj.Err)
		}
		out = append(out, Info{Key: obj.Key, ContentType: obj.ContentType, Size: obj.Size, UpdatedAt: obj.LastModified})
	}
	return out, nil
}

func isMinioNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == 404
}
