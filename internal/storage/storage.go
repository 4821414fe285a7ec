package storage

import (
	"context"
	"errors"
	"io"
	"strings"
)

// ErrObjectNotFound is returned by Get when the key does not exist.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStorage defines common object operations across backends.
type ObjectStorage interface {
	EnsureBucket(ctx context.Context) error
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Bucket() string
}

// Storage wraps an ObjectStorage backend and knows how stored objects are
// addressed publicly.
type Storage struct {
	backend   ObjectStorage
	publicURL string
}

// NewStorage constructs a Storage for backend. Object URLs are publicURL
// joined with the key; an empty publicURL yields root-relative paths
// ("/avatars/<file>") served by the API itself.
func NewStorage(backend ObjectStorage, publicURL string) *Storage {
	return &Storage{
		backend:   backend,
		publicURL: strings.TrimRight(strings.TrimSpace(publicURL), "/"),
	}
}

// EnsureBucket ensures the configured bucket exists.
func (s *Storage) EnsureBucket(ctx context.Context) error {
	return s.backend.EnsureBucket(ctx)
}

// Put uploads an object to the configured bucket.
func (s *Storage) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	return s.backend.Put(ctx, key, r, size, contentType)
}

// Get opens a reader for an object in the configured bucket.
func (s *Storage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	return s.backend.Get(ctx, key)
}

// Delete removes an object from the configured bucket.
func (s *Storage) Delete(ctx context.Context, key string) error {
	return s.backend.Delete(ctx, key)
}

// Bucket returns the configured bucket name.
func (s *Storage) Bucket() string {
	return s.backend.Bucket()
}

// URL returns the public reference for key.
func (s *Storage) URL(key string) string {
	return s.publicURL + "/" + strings.TrimLeft(key, "/")
}

// KeyFromURL is the inverse of URL. It reports false for references that
// were not produced by this storage (e.g. gravatar defaults).
func (s *Storage) KeyFromURL(ref string) (string, bool) {
	prefix := s.publicURL + "/"
	if !strings.HasPrefix(ref, prefix) || len(ref) == len(prefix) {
		return "", false
	}
	return strings.TrimPrefix(ref, prefix), true
}
