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

// ManifestBackend is the richer StateBackend: a full Processing Manifest
// with per-file error text, timings, and concept tallies.
type ManifestBackend struct {
	mu   sync.Mutex
	lock *lockGuard

	dataDir        string
	path           string
	batchSaveEvery int
	conceptTopN    int

	manifest      *Manifest
	conceptCounts map[string]int
	sinceLastSave int
}

// NewManifestBackend constructs a ManifestBackend rooted at dataDir.
func NewManifestBackend(dataDir string, lockTimeout time.Duration, batchSaveEvery, conceptTopN int) *ManifestBackend {
	if batchSaveEvery <= 0 {
		batchSaveEvery = 10
	}
	if conceptTopN <= 0 {
		conceptTopN = 10
	}
	return &ManifestBackend{
		lock:           newLockGuard(dataDir, lockTimeout),
		dataDir:        dataDir,
		path:           filepath.Join(dataDir, "processing_manifest.json"),
		batchSaveEvery: batchSaveEvery,
		conceptTopN:    conceptTopN,
		conceptCounts:  make(map[string]int),
	}
}

var _ Backend = (*ManifestBackend)(nil)

// Load reads the manifest file if present, or initializes an empty one.
func (b *ManifestBackend) Load() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := os.MkdirAll(b.dataDir, 0o755); err != nil {
		return err
	}

	data, err := os.ReadFile(b.path)
	if os.IsNotExist(err) {
		now := time.Now().UTC().Format(time.RFC3339)
		b.manifest = &Manifest{
			Version:     "1.0",
			Created:     now,
			LastUpdated: now,
			Files:       make(map[string]*FileRecord),
			Statistics:  Statistics{},
		}
		return nil
	}
	if err != nil {
		return err
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		logging.Warn().Err(err).Str("path", b.path).Msg("manifest corrupt, starting fresh")
		now := time.Now().UTC().Format(time.RFC3339)
		b.manifest = &Manifest{Version: "1.0", Created: now, LastUpdated: now, Files: make(map[string]*FileRecord)}
		return nil
	}
	if m.Files == nil {
		m.Files = make(map[string]*FileRecord)
	}
	b.manifest = &m
	return nil
}

// saveLocked performs the atomic temp-file-then-rename write, guarded by
// the cross-process lock. Caller must hold b.mu.
func (b *ManifestBackend) saveLocked() error {
	b.manifest.LastUpdated = time.Now().UTC().Format(time.RFC3339)
	b.manifest.Statistics.TopConcepts = topNConcepts(b.conceptCounts, b.conceptTopN)

	payload, err := json.MarshalIndent(b.manifest, "", "  ")
	if err != nil {
		return err
	}

	f, err := b.lock.acquire()
	if err != nil {
		logging.Warn().Err(err).Str("path", b.path).Msg("skipping manifest save, could not acquire lock")
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

// MarkInProgress records id as in-progress. Does not save immediately;
// the in-memory record is enough for is_completed checks within this run.
func (b *ManifestBackend) MarkInProgress(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := canonical(id)
	rec, ok := b.manifest.Files[key]
	if !ok {
		rec = &FileRecord{InputPath: key}
		b.manifest.Files[key] = rec
	}
	rec.Status = StatusInProgress
	rec.ProcessDate = time.Now().UTC().Format(time.RFC3339)
	return nil
}

// MarkCompleted records id as completed, accumulates concept counts, and
// saves every batchSaveEvery completions to amortize I/O.
func (b *ManifestBackend) MarkCompleted(id string, conceptCounts map[string]int, duration time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := canonical(id)
	rec, ok := b.manifest.Files[key]
	if !ok {
		rec = &FileRecord{InputPath: key}
		b.manifest.Files[key] = rec
	}

	total := 0
	for concept, n := range conceptCounts {
		b.conceptCounts[concept] += n
		total += n
	}

	rec.Status = StatusCompleted
	rec.ErrorMessage = ""
	rec.ConceptsFound = total
	rec.ProcessingTime = duration.Seconds()

	b.manifest.Statistics.TotalProcessed = countStatus(b.manifest.Files, StatusCompleted)
	b.manifest.Statistics.TotalConcepts += total

	b.sinceLastSave++
	if b.sinceLastSave >= b.batchSaveEvery {
		b.sinceLastSave = 0
		return b.saveLocked()
	}
	return nil
}

// MarkFailed records id as failed and saves immediately.
func (b *ManifestBackend) MarkFailed(id string, errMsg string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := canonical(id)
	rec, ok := b.manifest.Files[key]
	if !ok {
		rec = &FileRecord{InputPath: key}
		b.manifest.Files[key] = rec
	}
	rec.Status = StatusFailed
	rec.ErrorMessage = errMsg

	b.manifest.Statistics.TotalFailed = countStatus(b.manifest.Files, StatusFailed)
	return b.saveLocked()
}

// IsCompleted reports whether id has a completed record.
func (b *ManifestBackend) IsCompleted(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.manifest.Files[canonical(id)]
	return ok && rec.Status == StatusCompleted
}

// Reset clears every record and saves.
func (b *ManifestBackend) Reset() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.manifest.Files = make(map[string]*FileRecord)
	b.manifest.Statistics = Statistics{}
	b.conceptCounts = make(map[string]int)
	return b.saveLocked()
}

// ResetFile clears a single record and saves.
func (b *ManifestBackend) ResetFile(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.manifest.Files, canonical(id))
	return b.saveLocked()
}

// Pending returns allIDs minus those with a completed record.
func (b *ManifestBackend) Pending(allIDs []string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, 0, len(allIDs))
	for _, id := range allIDs {
		rec, ok := b.manifest.Files[canonical(id)]
		if !ok || rec.Status != StatusCompleted {
			out = append(out, id)
		}
	}
	return out
}

// Stats returns a copy of the current aggregate statistics.
func (b *ManifestBackend) Stats() Statistics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.manifest.Statistics
}

// Checkpoint forces an immediate save regardless of batching.
func (b *ManifestBackend) Checkpoint() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.saveLocked()
}

// FailedRecords returns every record currently in the failed set.
func (b *ManifestBackend) FailedRecords() map[string]FileRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]FileRecord)
	for k, v := range b.manifest.Files {
		if v.Status == StatusFailed {
			out[k] = *v
		}
	}
	return out
}

func countStatus(files map[string]*FileRecord, status Status) int {
	n := 0
	for _, f := range files {
		if f.Status == status {
			n++
		}
	}
	return n
}
