// metamapctl - MetaMap batch annotation orchestrator
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package filetracker enumerates input files and selects the next batch to
// process. It defers processed/failed/completed authority to an
// internal/state.Backend and adds its own change-detection hash cache and,
// for very large input sets, a Bloom-filter fast path ahead of the
// authoritative lookup.
package filetracker

import (
	"crypto/md5"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/editnori/metamapctl/internal/logging"
	"github.com/editnori/metamapctl/internal/state"
)

// DefaultExtensions are the recognized input-file suffixes, plus
// extension-less non-hidden files (handled separately in discover).
var DefaultExtensions = []string{".txt", ".text", ".input"}

// Tracker discovers input files and classifies them against a Backend.
type Tracker struct {
	inputDir   string
	outputDir  string
	extensions map[string]struct{}
	backend    state.Backend

	hashMu    sync.Mutex
	hashPath  string
	hashCache map[string]string

	bloomThreshold int
	bloomEnabled   bool
	bloomProcessed *bloomFilter
	bloomFailed    *bloomFilter
}

// New constructs a Tracker. expectedFiles, if greater than bloomThreshold,
// activates the Bloom-filter fast path, mirroring enhanced_state.py's
// FileTracker bloom variant.
func New(inputDir, outputDir, dataDir string, extensions []string, bloomThreshold, expectedFiles int, backend state.Backend) *Tracker {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	extSet := make(map[string]struct{}, len(extensions))
	for _, e := range extensions {
		extSet[strings.ToLower(e)] = struct{}{}
	}

	t := &Tracker{
		inputDir:       inputDir,
		outputDir:      outputDir,
		extensions:     extSet,
		backend:        backend,
		hashPath:       filepath.Join(dataDir, ".file_hashes.json"),
		hashCache:      make(map[string]string),
		bloomThreshold: bloomThreshold,
	}

	if bloomThreshold > 0 && expectedFiles > bloomThreshold {
		t.bloomEnabled = true
		t.bloomProcessed = newBloomFilter(expectedFiles, 0.001)
		t.bloomFailed = newBloomFilter(expectedFiles/10, 0.001)
		logging.Info().Int("expected_files", expectedFiles).Msg("filetracker: bloom fast path enabled")
	}

	t.loadHashCache()
	return t
}

func (t *Tracker) loadHashCache() {
	data, err := os.ReadFile(t.hashPath)
	if err != nil {
		return
	}
	var m map[string]string
	if json.Unmarshal(data, &m) == nil {
		t.hashCache = m
	}
}

func (t *Tracker) saveHashCache() {
	t.hashMu.Lock()
	payload, err := json.Marshal(t.hashCache)
	t.hashMu.Unlock()
	if err != nil {
		return
	}
	tmp := t.hashPath + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, t.hashPath)
}

// isCandidate reports whether name matches an accepted extension, or is
// extension-less and not a dotfile.
func (t *Tracker) isCandidate(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return !strings.HasPrefix(name, ".")
	}
	_, ok := t.extensions[ext]
	return ok
}

// Discover walks the input directory and returns matching files sorted by
// path.
func (t *Tracker) Discover() ([]string, error) {
	var files []string
	err := filepath.WalkDir(t.inputDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if t.isCandidate(d.Name()) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// HashFile computes a streaming MD5 over path, reading in 4096-byte chunks.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	buf := make([]byte, 4096)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", err
	}
	return strings.ToLower(hashHex(h.Sum(nil))), nil
}

func hashHex(sum []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(sum)*2)
	for i, b := range sum {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0x0f]
	}
	return string(out)
}

// Unprocessed returns discovered files lacking a completed record, plus
// (if rescan) files whose current hash differs from the cached hash.
func (t *Tracker) Unprocessed(rescan bool) ([]string, error) {
	files, err := t.Discover()
	if err != nil {
		return nil, err
	}

	var out []string
	for _, f := range files {
		if t.bloomEnabled && !t.bloomProcessed.Test(f) {
			out = append(out, f)
			continue
		}

		if !t.backend.IsCompleted(f) {
			out = append(out, f)
			continue
		}

		if rescan {
			hash, err := HashFile(f)
			if err != nil {
				logging.Warn().Err(err).Str("file", f).Msg("filetracker: hash failed during rescan")
				continue
			}
			t.hashMu.Lock()
			prior, known := t.hashCache[f]
			t.hashMu.Unlock()
			if known && prior != hash {
				out = append(out, f)
			}
		}
	}
	return out, nil
}

// RecordHash caches path's current hash, called once a file is claimed for
// processing so future rescans can detect content changes.
func (t *Tracker) RecordHash(path string) error {
	hash, err := HashFile(path)
	if err != nil {
		return err
	}
	t.hashMu.Lock()
	t.hashCache[path] = hash
	t.hashMu.Unlock()
	t.saveHashCache()

	if t.bloomEnabled {
		t.bloomProcessed.Add(path)
	}
	return nil
}

// MarkFailedSeen registers path in the Bloom fast path's failed set, if
// enabled.
func (t *Tracker) MarkFailedSeen(path string) {
	if t.bloomEnabled {
		t.bloomFailed.Add(path)
	}
}

// SuggestBatch implements three selection strategies: a target count from
// unprocessed, topped up from failed; all of unprocessed; or all of failed.
func (t *Tracker) SuggestBatch(targetCount int, failedIDs []string) ([]string, string) {
	unprocessed, err := t.Unprocessed(false)
	if err != nil {
		return nil, "filetracker: discovery failed: " + err.Error()
	}

	if len(unprocessed) == 0 && len(failedIDs) == 0 {
		return nil, "all files have been processed successfully"
	}

	if targetCount > 0 {
		selected := unprocessed
		if len(selected) > targetCount {
			selected = selected[:targetCount]
		}
		if len(selected) < targetCount && len(failedIDs) > 0 {
			need := targetCount - len(selected)
			if need > len(failedIDs) {
				need = len(failedIDs)
			}
			selected = append(selected, failedIDs[:need]...)
		}
		return selected, "selected files to process"
	}

	if len(unprocessed) > 0 {
		return unprocessed, "found unprocessed files"
	}
	return failedIDs, "found failed files to retry"
}

// CleanupOrphans deletes output artifacts under outputDir with no
// corresponding completed record, matched by the input-derived basename.
func (t *Tracker) CleanupOrphans(expectedOutputName func(inputPath string) string, completedInputs map[string]struct{}) (int, error) {
	cleaned := 0
	err := filepath.WalkDir(t.outputDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}

		orphan := true
		for input := range completedInputs {
			if expectedOutputName(input) == path {
				orphan = false
				break
			}
		}
		if orphan {
			if rmErr := os.Remove(path); rmErr == nil {
				cleaned++
			}
		}
		return nil
	})
	return cleaned, err
}
