package earlydata

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrBlobNotFound is returned by BlobStore.Get when no blob exists under
// the given key; the ticket store treats it as an empty store rather
// than a failure.
var ErrBlobNotFound = errors.New("earlydata: blob not found")

// BlobStore is the on-disk key/value collaborator the ticket store
// persists through. The store only ever reads and writes whole opaque
// blobs; encryption happens above this interface, so an adapter never
// sees plaintext tickets.
type BlobStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, blob []byte) error
	Delete(ctx context.Context, key string) error
}

// FileBlobStore persists blobs as files under a directory, one file per
// key. Writes go through a temp file and rename so a crash mid-write
// never leaves a truncated store behind.
type FileBlobStore struct {
	Dir string
}

func NewFileBlobStore(dir string) (*FileBlobStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &FileBlobStore{Dir: dir}, nil
}

func (s *FileBlobStore) path(key string) string {
	return filepath.Join(s.Dir, filepath.Base(key)+".bin")
}

func (s *FileBlobStore) Get(_ context.Context, key string) ([]byte, error) {
	b, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return nil, ErrBlobNotFound
	}
	return b, err
}

func (s *FileBlobStore) Put(_ context.Context, key string, blob []byte) error {
	tmp := s.path(key) + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path(key))
}

func (s *FileBlobStore) Delete(_ context.Context, key string) error {
	err := os.Remove(s.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// RedisBlobStore keeps the blob in a shared Redis instance, for
// deployments where several client processes want to share one
// resumption cache. Blobs carry a TTL so an abandoned cache ages out on
// its own.
type RedisBlobStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisBlobStore(rdb *redis.Client, prefix string, ttl time.Duration) *RedisBlobStore {
	if prefix == "" {
		prefix = "h3net:earlydata:"
	}
	return &RedisBlobStore{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (s *RedisBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.rdb.Get(ctx, s.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, ErrBlobNotFound
	}
	return b, err
}

func (s *RedisBlobStore) Put(ctx context.Context, key string, blob []byte) error {
	return s.rdb.Set(ctx, s.prefix+key, blob, s.ttl).Err()
}

func (s *RedisBlobStore) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, s.prefix+key).Err()
}
