// Package store persists cached media objects on the local filesystem.
// Each object is a data file plus a JSON sidecar holding its metadata,
// sharded into two directory levels off a digest of the cache key. Writes
// go through a temp file and rename so readers never observe a partial
// object.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/mediacdn/engine/internal/edge/mediatype"
	"github.com/mediacdn/engine/pkg/types"
)

// Store is the cache port the request pipeline talks to. All reads treat a
// missing object as (nil, nil); errors are reserved for real I/O failures
// which the caller degrades to a miss.
type Store interface {
	Get(ctx context.Context, key string) (*Object, error)
	Head(ctx context.Context, key string) (*types.ObjectMetadata, error)
	GetRange(ctx context.Context, key string, offset, length int64) (*Object, error)
	Put(ctx context.Context, key string, body io.Reader, size int64, meta types.ObjectMetadata) error
	Delete(ctx context.Context, key string) error
}

// Object is a readable cached object with its metadata.
type Object struct {
	Body io.ReadCloser
	Meta types.ObjectMetadata
}

// sidecar is the on-disk JSON record next to each data file. Key holds the
// full logical cache key; file names carry only its digest, so reads check
// the key back to catch digest collisions.
type sidecar struct {
	Key      string               `json:"key"`
	Meta     types.ObjectMetadata `json:"meta"`
	DataFile string               `json:"data_file"`
}

// FilesystemStore implements Store on a local directory tree.
type FilesystemStore struct {
	basePath             string
	compression          string
	compressionThreshold int64
	logger               *zap.Logger
}

func NewFilesystemStore(basePath, compression string, compressionThreshold int64, logger *zap.Logger) (*FilesystemStore, error) {
	if basePath == "" {
		return nil, fmt.Errorf("store base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store base path: %w", err)
	}
	return &FilesystemStore{
		basePath:             basePath,
		compression:          compression,
		compressionThreshold: compressionThreshold,
		logger:               logger,
	}, nil
}

// Get returns the full object, or (nil, nil) when absent.
func (s *FilesystemStore) Get(_ context.Context, key string) (*Object, error) {
	sc, err := s.readSidecar(key)
	if err != nil || sc == nil {
		return nil, err
	}

	dataPath := filepath.Join(s.objectDir(key), sc.DataFile)
	if isCompressedPath(dataPath) {
		content, err := s.readDecompressed(dataPath)
		if err != nil {
			return nil, err
		}
		return &Object{Body: io.NopCloser(bytes.NewReader(content)), Meta: sc.Meta}, nil
	}

	f, err := os.Open(dataPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Sidecar without data is debris from a failed delete.
			s.logger.Warn("Dangling cache sidecar, removing",
				zap.String("key", key))
			_ = s.Delete(context.Background(), key)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open cached object: %w", err)
	}
	return &Object{Body: f, Meta: sc.Meta}, nil
}

// Head returns metadata only, or (nil, nil) when absent.
func (s *FilesystemStore) Head(_ context.Context, key string) (*types.ObjectMetadata, error) {
	sc, err := s.readSidecar(key)
	if err != nil || sc == nil {
		return nil, err
	}
	meta := sc.Meta
	return &meta, nil
}

// GetRange returns a reader over [offset, offset+length) of the object, or
// (nil, nil) when the object is absent. Out-of-bounds intervals are errors.
func (s *FilesystemStore) GetRange(_ context.Context, key string, offset, length int64) (*Object, error) {
	sc, err := s.readSidecar(key)
	if err != nil || sc == nil {
		return nil, err
	}
	if offset < 0 || length <= 0 || offset+length > sc.Meta.Size {
		return nil, fmt.Errorf("range [%d,%d) out of bounds for object of size %d", offset, offset+length, sc.Meta.Size)
	}

	dataPath := filepath.Join(s.objectDir(key), sc.DataFile)
	if isCompressedPath(dataPath) {
		// Compressed objects are small images; decompress and slice.
		content, err := s.readDecompressed(dataPath)
		if err != nil {
			return nil, err
		}
		return &Object{
			Body: io.NopCloser(bytes.NewReader(content[offset : offset+length])),
			Meta: sc.Meta,
		}, nil
	}

	f, err := os.Open(dataPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open cached object: %w", err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to seek cached object: %w", err)
	}
	return &Object{
		Body: &rangeReadCloser{Reader: io.LimitReader(f, length), file: f},
		Meta: sc.Meta,
	}, nil
}

// Put writes an object. size must be the exact body length; a body that
// ends short or runs long fails the write and leaves no partial object.
func (s *FilesystemStore) Put(_ context.Context, key string, body io.Reader, size int64, meta types.ObjectMetadata) error {
	if size < 0 {
		return fmt.Errorf("put requires a known size")
	}

	dir := s.objectDir(key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create object directory: %w", err)
	}

	meta.Size = size
	meta.Uploaded = time.Now().UTC()
	if meta.CachedAt == "" {
		meta.CachedAt = meta.Uploaded.Format(time.RFC3339)
	}

	var dataFile string
	var err error
	if s.shouldCompress(meta.ContentType, size) {
		dataFile, err = s.writeCompressed(dir, key, body, size, &meta)
	} else {
		dataFile, err = s.writeStreaming(dir, key, body, size, &meta)
	}
	if err != nil {
		return err
	}

	if err := s.writeSidecar(key, sidecar{Key: key, Meta: meta, DataFile: dataFile}); err != nil {
		_ = os.Remove(filepath.Join(dir, dataFile))
		return err
	}

	s.logger.Debug("Cached object written",
		zap.String("key", key),
		zap.Int64("size", size),
		zap.String("content_type", meta.ContentType),
		zap.String("data_file", dataFile))
	return nil
}

// Delete removes an object and its sidecar. Deleting an absent key is a no-op.
func (s *FilesystemStore) Delete(_ context.Context, key string) error {
	dir := s.objectDir(key)
	id := objectID(key)

	var firstErr error
	for _, name := range []string{
		id + ".json",
		id + ".bin",
		id + ".bin" + types.ExtSnappy,
		id + ".bin" + types.ExtLZ4,
	} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			firstErr = err
		}
	}
	if firstErr != nil {
		s.logger.Error("Failed to delete cached object",
			zap.String("key", key),
			zap.Error(firstErr))
		return fmt.Errorf("failed to delete cached object: %w", firstErr)
	}
	return nil
}

// shouldCompress limits at-rest compression to small images. Video and
// audio formats are already compressed and must stay seekable on disk for
// ranged reads.
func (s *FilesystemStore) shouldCompress(contentType string, size int64) bool {
	if s.compression == types.CompressionNone || s.compression == "" {
		return false
	}
	if size > s.compressionThreshold {
		return false
	}
	return mediatype.IsImage(contentType)
}

func (s *FilesystemStore) writeCompressed(dir, key string, body io.Reader, size int64, meta *types.ObjectMetadata) (string, error) {
	content, err := io.ReadAll(io.LimitReader(body, size+1))
	if err != nil {
		return "", fmt.Errorf("failed to read object body: %w", err)
	}
	if int64(len(content)) != size {
		return "", fmt.Errorf("object body length %d does not match declared size %d", len(content), size)
	}
	meta.ETag = etagFor(content)

	compressed, ext, err := Compress(content, s.compression)
	if err != nil {
		return "", err
	}

	dataFile := objectID(key) + ".bin" + ext
	if err := s.atomicWrite(filepath.Join(dir, dataFile), compressed); err != nil {
		return "", err
	}
	return dataFile, nil
}

func (s *FilesystemStore) writeStreaming(dir, key string, body io.Reader, size int64, meta *types.ObjectMetadata) (string, error) {
	dataFile := objectID(key) + ".bin"
	finalPath := filepath.Join(dir, dataFile)
	tmpPath := finalPath + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}

	digest := xxhash.New()
	written, err := io.Copy(io.MultiWriter(f, digest), io.LimitReader(body, size+1))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to write object body: %w", err)
	}
	if written != size {
		os.Remove(tmpPath)
		return "", fmt.Errorf("object body length %d does not match declared size %d", written, size)
	}
	meta.ETag = fmt.Sprintf("%q", fmt.Sprintf("%016x", digest.Sum64()))

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to rename temp file: %w", err)
	}
	return dataFile, nil
}

func (s *FilesystemStore) writeSidecar(key string, sc sidecar) error {
	data, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("failed to marshal object metadata: %w", err)
	}
	return s.atomicWrite(filepath.Join(s.objectDir(key), objectID(key)+".json"), data)
}

// atomicWrite writes to a temp file and renames so readers never see a
// partial file.
func (s *FilesystemStore) atomicWrite(path string, data []byte) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

func (s *FilesystemStore) readSidecar(key string) (*sidecar, error) {
	data, err := os.ReadFile(filepath.Join(s.objectDir(key), objectID(key)+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read object metadata: %w", err)
	}

	var sc sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		s.logger.Error("Corrupt cache sidecar",
			zap.String("key", key),
			zap.Error(err))
		return nil, fmt.Errorf("corrupt object metadata: %w", err)
	}
	if sc.Key != key {
		// Digest collision: the stored object belongs to a different
		// resource. Treat as a miss rather than serve foreign bytes.
		s.logger.Warn("Cache key digest collision",
			zap.String("key", key),
			zap.String("stored_key", sc.Key))
		return nil, nil
	}
	return &sc, nil
}

func (s *FilesystemStore) readDecompressed(dataPath string) ([]byte, error) {
	content, err := os.ReadFile(dataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read cached object: %w", err)
	}
	return Decompress(content, dataPath)
}

// objectDir shards objects into two directory levels off the key digest so
// no single directory accumulates millions of entries.
func (s *FilesystemStore) objectDir(key string) string {
	id := objectID(key)
	return filepath.Join(s.basePath, id[0:2], id[2:4])
}

// objectID is the fixed-width digest used for file and shard names. Keys
// hold origin paths, which are not safe as file names.
func objectID(key string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(key))
}

func isCompressedPath(path string) bool {
	return detectAlgorithmFromPath(path) != types.CompressionNone
}

func etagFor(content []byte) string {
	return fmt.Sprintf("%q", fmt.Sprintf("%016x", xxhash.Sum64(content)))
}

// rangeReadCloser limits reads to the range while closing the underlying file.
type rangeReadCloser struct {
	io.Reader
	file *os.File
}

func (r *rangeReadCloser) Close() error {
	return r.file.Close()
}
