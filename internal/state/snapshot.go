// metamapctl - MetaMap batch annotation orchestrator
// SPDX-License-Identifier: AGPL-3.0-or-later

package state

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/editnori/metamapctl/internal/logging"
)

// SnapshotBackend is the lighter StateBackend: three status sets and
// aggregate counters, no per-file error text or timings. Grounded on
// AtomicStateManager's processed/failed/in_progress set model.
type SnapshotBackend struct {
	mu   sync.Mutex
	lock *lockGuard

	dataDir string
	path    string

	processed  map[string]struct{}
	failed     map[string]struct{}
	inProgress map[string]struct{}
	stats      Statistics

	sinceLastSave int
	batchSaveEvery int
}

// NewSnapshotBackend constructs a SnapshotBackend rooted at dataDir.
func NewSnapshotBackend(dataDir string, lockTimeout time.Duration, batchSaveEvery int) *SnapshotBackend {
	if batchSaveEvery <= 0 {
		batchSaveEvery = 10
	}
	return &SnapshotBackend{
		lock:           newLockGuard(dataDir, lockTimeout),
		dataDir:        dataDir,
		path:           filepath.Join(dataDir, ".processing_state.json"),
		processed:      make(map[string]struct{}),
		failed:         make(map[string]struct{}),
		inProgress:     make(map[string]struct{}),
		batchSaveEvery: batchSaveEvery,
	}
}

var _ Backend = (*SnapshotBackend)(nil)

// Load reads the snapshot file if present.
func (b *SnapshotBackend) Load() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := os.MkdirAll(b.dataDir, 0o755); err != nil {
		return err
	}

	data, err := os.ReadFile(b.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		logging.Warn().Err(err).Str("path", b.path).Msg("snapshot corrupt, starting fresh")
		return nil
	}

	for _, id := range snap.Processed {
		b.processed[id] = struct{}{}
	}
	for _, id := range snap.Failed {
		b.failed[id] = struct{}{}
	}
	for _, id := range snap.InProgress {
		b.inProgress[id] = struct{}{}
	}
	b.stats = snap.Statistics
	return nil
}

func (b *SnapshotBackend) saveLocked() error {
	snap := Snapshot{
		Processed:   setKeys(b.processed),
		Failed:      setKeys(b.failed),
		InProgress:  setKeys(b.inProgress),
		Statistics:  b.stats,
		LastUpdated: time.Now().UTC().Format(time.RFC3339),
	}

	payload, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}

	f, err := b.lock.acquire()
	if err != nil {
		logging.Warn().Err(err).Str("path", b.path).Msg("skipping snapshot save, could not acquire lock")
		return nil
	}
	defer b.lock.release(f)

	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return err
	}
	if fh, err := os.Open(tmp); err == nil {
		_ = fh.Sync()
		_ = fh.Close()
	}
	return os.Rename(tmp, b.path)
}

// MarkInProgress adds id to the in-progress set without saving.
func (b *SnapshotBackend) MarkInProgress(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inProgress[canonical(id)] = struct{}{}
	return nil
}

// MarkCompleted moves id into the processed set, batching saves.
func (b *SnapshotBackend) MarkCompleted(id string, conceptCounts map[string]int, duration time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := canonical(id)
	b.processed[key] = struct{}{}
	delete(b.inProgress, key)
	delete(b.failed, key)

	total := 0
	for _, n := range conceptCounts {
		total += n
	}
	b.stats.TotalProcessed = len(b.processed)
	b.stats.TotalConcepts += total

	b.sinceLastSave++
	if b.sinceLastSave >= b.batchSaveEvery {
		b.sinceLastSave = 0
		return b.saveLocked()
	}
	return nil
}

// MarkFailed moves id into the failed set and saves immediately.
func (b *SnapshotBackend) MarkFailed(id string, errMsg string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := canonical(id)
	b.failed[key] = struct{}{}
	delete(b.inProgress, key)
	b.stats.TotalFailed = len(b.failed)
	return b.saveLocked()
}

// IsCompleted reports whether id is in the processed set.
func (b *SnapshotBackend) IsCompleted(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.processed[canonical(id)]
	return ok
}

// Reset clears all three sets and saves.
func (b *SnapshotBackend) Reset() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.processed = make(map[string]struct{})
	b.failed = make(map[string]struct{})
	b.inProgress = make(map[string]struct{})
	b.stats = Statistics{}
	return b.saveLocked()
}

// ResetFile removes id from every set and saves.
func (b *SnapshotBackend) ResetFile(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := canonical(id)
	delete(b.processed, key)
	delete(b.failed, key)
	delete(b.inProgress, key)
	return b.saveLocked()
}

// Pending returns allIDs minus the processed set.
func (b *SnapshotBackend) Pending(allIDs []string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, 0, len(allIDs))
	for _, id := range allIDs {
		if _, ok := b.processed[canonical(id)]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// Stats returns a copy of the current aggregate statistics.
func (b *SnapshotBackend) Stats() Statistics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Checkpoint forces an immediate save.
func (b *SnapshotBackend) Checkpoint() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.saveLocked()
}

func setKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
