// Package cleanup evicts cached objects whose age exceeds the configured
// retention. The cache advertises objects as immutable for a year, so disk
// is bounded by eviction rather than revalidation.
package cleanup

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mediacdn/engine/internal/common/configtypes"
	"github.com/mediacdn/engine/pkg/types"
)

// ObjectDeleter removes a cached object and its metadata. Implemented by
// store.FilesystemStore.
type ObjectDeleter interface {
	Delete(ctx context.Context, key string) error
}

// Worker sweeps the store's shard tree on an interval and deletes objects
// uploaded before the retention threshold.
type Worker struct {
	config   *configtypes.CleanupConfig
	basePath string
	store    ObjectDeleter
	logger   *zap.Logger
	metrics  *Metrics
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewWorker(
	config *configtypes.CleanupConfig,
	basePath string,
	store ObjectDeleter,
	logger *zap.Logger,
	metrics *Metrics,
) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		config:   config,
		basePath: basePath,
		store:    store,
		logger:   logger,
		metrics:  metrics,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (w *Worker) Start() {
	if !w.config.Enabled {
		w.logger.Info("Cache cleanup worker disabled")
		return
	}

	interval := time.Duration(w.config.Interval)
	w.logger.Info("Cache cleanup worker starting",
		zap.Duration("interval", interval),
		zap.Duration("max_age", time.Duration(w.config.MaxAge)))

	ticker := time.NewTicker(interval)
	w.wg.Add(1)

	go func() {
		defer w.wg.Done()
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				w.runCleanup()
			case <-w.ctx.Done():
				w.logger.Info("Cache cleanup worker shutting down")
				return
			}
		}
	}()
}

func (w *Worker) Shutdown() {
	w.cancel()
	w.wg.Wait()
	w.logger.Info("Cache cleanup worker stopped")
}

func (w *Worker) runCleanup() {
	startTime := time.Now().UTC()
	threshold := startTime.Add(-time.Duration(w.config.MaxAge))

	evicted, err := w.evictOlderThan(threshold)

	duration := time.Since(startTime)
	w.metrics.RecordDuration(duration.Seconds())

	if err != nil {
		w.metrics.RecordRun("failure")
		w.metrics.RecordError("walk_error")
		w.logger.Error("Cache cleanup sweep failed",
			zap.Int("objects_evicted", evicted),
			zap.Error(err))
		return
	}

	w.metrics.RecordRun("success")
	if evicted > 0 {
		w.metrics.RecordEvicted(evicted)
	}
	w.logger.Info("Cache cleanup sweep finished",
		zap.Int("objects_evicted", evicted),
		zap.Time("threshold", threshold),
		zap.Duration("duration", duration))
}

// evictOlderThan walks the shard tree looking for metadata sidecars. The
// logical key and upload time come from the sidecar itself; a sidecar that
// cannot be decoded still ages out by file modification time, with its
// data files removed directly since the key is unrecoverable.
func (w *Worker) evictOlderThan(threshold time.Time) (int, error) {
	evicted := 0

	err := filepath.Walk(w.basePath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			// Entries deleted mid-sweep by Delete show up as lstat errors.
			if os.IsNotExist(err) {
				return nil
			}
			w.logger.Warn("Error accessing path during cleanup",
				zap.String("path", path),
				zap.Error(err))
			return nil
		}

		if info.IsDir() || !strings.HasSuffix(info.Name(), ".json") {
			return nil
		}

		key, uploaded, err := w.readSidecar(path)
		if err != nil || key == "" {
			w.metrics.RecordError("corrupt_sidecar")
			if !info.ModTime().Before(threshold) {
				return nil
			}
			w.logger.Warn("Evicting unreadable cache sidecar by mtime",
				zap.String("path", path),
				zap.Error(err))
			w.removeObjectFiles(path)
			evicted++
			w.removeEmptyParentDirectories(filepath.Dir(path))
			return nil
		}

		if !uploaded.Before(threshold) {
			return nil
		}

		if err := w.store.Delete(w.ctx, key); err != nil {
			w.metrics.RecordError("delete_error")
			w.logger.Warn("Failed to evict cached object",
				zap.String("key", key),
				zap.Error(err))
			return nil
		}

		evicted++
		w.logger.Debug("Evicted cached object",
			zap.String("key", key),
			zap.Duration("age", threshold.Sub(uploaded)))

		w.removeEmptyParentDirectories(filepath.Dir(path))
		return nil
	})

	return evicted, err
}

// removeObjectFiles deletes a sidecar and any data file sharing its digest.
func (w *Worker) removeObjectFiles(sidecarPath string) {
	base := strings.TrimSuffix(sidecarPath, ".json")
	for _, path := range []string{
		sidecarPath,
		base + ".bin",
		base + ".bin" + types.ExtSnappy,
		base + ".bin" + types.ExtLZ4,
	} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			w.logger.Warn("Failed to remove cache file",
				zap.String("path", path),
				zap.Error(err))
		}
	}
}

// removeEmptyParentDirectories prunes shard directories left empty by an
// eviction so the tree does not accumulate dead branches.
func (w *Worker) removeEmptyParentDirectories(startDir string) {
	currentPath := startDir

	for currentPath != w.basePath && currentPath != "." && currentPath != "/" {
		entries, err := os.ReadDir(currentPath)
		if err != nil || len(entries) > 0 {
			break
		}

		if err := os.Remove(currentPath); err != nil {
			break
		}

		currentPath = filepath.Dir(currentPath)
	}
}

// readSidecar decodes the logical key and upload timestamp from a sidecar.
func (w *Worker) readSidecar(path string) (string, time.Time, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", time.Time{}, err
	}

	var sc struct {
		Key  string `json:"key"`
		Meta struct {
			Uploaded time.Time `json:"uploaded"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(data, &sc); err != nil {
		return "", time.Time{}, err
	}
	return sc.Key, sc.Meta.Uploaded, nil
}
