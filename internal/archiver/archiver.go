// metamapctl - MetaMap batch annotation orchestrator
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package archiver implements pure housekeeping over the logs/ directory,
// run independently of File Records and the Manifest. At the start of
// every scheduler run, a previous run's log files are moved under
// logs/archive/<timestamp>/ and compressed; old archived runs beyond the
// configured retention count are pruned.
package archiver

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"

	"github.com/editnori/metamapctl/internal/config"
	"github.com/editnori/metamapctl/internal/logging"
)

// runMarkerFile is the marker written at the start and end of each run,
// read back on the next run to decide whether rotation is due.
const runMarkerFile = "run.json"

// runMarker is the on-disk shape of run.json.
type runMarker struct {
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

// Archiver owns the logs/ directory's rotation and retention.
type Archiver struct {
	logsDir        string
	retainArchives int
}

// New constructs an Archiver from its configuration.
func New(cfg config.ArchiverConfig) *Archiver {
	return &Archiver{logsDir: cfg.LogsDir, retainArchives: cfg.RetainArchives}
}

func (a *Archiver) markerPath() string {
	return filepath.Join(a.logsDir, runMarkerFile)
}

// RotateIfNeeded moves a previous run's logs into logs/archive/<timestamp>/
// and compresses them, if run.json shows a completed prior run. Safe to
// call when logs/ doesn't exist yet, or holds no marker, or the marker
// belongs to a run still in progress (no EndedAt) — all no-ops.
func (a *Archiver) RotateIfNeeded() error {
	marker, ok, err := a.readMarker()
	if err != nil {
		return err
	}
	if !ok || marker.EndedAt.IsZero() {
		return nil
	}

	archiveDir := filepath.Join(a.logsDir, "archive", marker.EndedAt.UTC().Format("20060102T150405Z"))
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return fmt.Errorf("archiver: creating archive dir: %w", err)
	}

	entries, err := os.ReadDir(a.logsDir)
	if err != nil {
		return fmt.Errorf("archiver: reading logs dir: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if name == "archive" || name == runMarkerFile {
			continue
		}
		if entry.IsDir() {
			continue
		}

		src := filepath.Join(a.logsDir, name)
		if err := a.compressInto(src, archiveDir, name); err != nil {
			logging.Warn().Err(err).Str("file", src).Msg("archiver: failed to archive log file")
			continue
		}
	}

	if err := os.Remove(a.markerPath()); err != nil && !os.IsNotExist(err) {
		logging.Warn().Err(err).Msg("archiver: failed to remove stale run marker")
	}

	return a.pruneOldArchives()
}

// compressInto gzip-compresses src into dstDir/<name>.gz and removes the
// original, so a rotated run leaves only compressed artifacts behind.
func (a *Archiver) compressInto(src, dstDir, name string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	dstPath := filepath.Join(dstDir, name+".gz")
	out, err := os.Create(dstPath)
	if err != nil {
		return err
	}

	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		gz.Close()
		out.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	return os.Remove(src)
}

// pruneOldArchives deletes the oldest archived run directories beyond
// retainArchives. retainArchives <= 0 means unlimited (the default:
// operators prune manually).
func (a *Archiver) pruneOldArchives() error {
	if a.retainArchives <= 0 {
		return nil
	}

	archiveRoot := filepath.Join(a.logsDir, "archive")
	entries, err := os.ReadDir(archiveRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	// Archive directory names are timestamp-formatted, so lexical order is
	// chronological order.
	sort.Strings(names)

	excess := len(names) - a.retainArchives
	for i := 0; i < excess; i++ {
		dir := filepath.Join(archiveRoot, names[i])
		if err := os.RemoveAll(dir); err != nil {
			logging.Warn().Err(err).Str("dir", dir).Msg("archiver: failed to prune old archive")
			continue
		}
		logging.Info().Str("dir", dir).Msg("archiver: pruned old archive")
	}

	return nil
}

// readMarker loads run.json, reporting ok=false if it doesn't exist.
func (a *Archiver) readMarker() (runMarker, bool, error) {
	data, err := os.ReadFile(a.markerPath())
	if err != nil {
		if os.IsNotExist(err) {
			return runMarker{}, false, nil
		}
		return runMarker{}, false, err
	}

	var marker runMarker
	if err := json.Unmarshal(data, &marker); err != nil {
		return runMarker{}, false, fmt.Errorf("archiver: decoding run marker: %w", err)
	}
	return marker, true, nil
}

// MarkRunStart records the current run's start time, overwriting any
// marker left by a run already rotated away.
func (a *Archiver) MarkRunStart() error {
	if err := os.MkdirAll(a.logsDir, 0o755); err != nil {
		return err
	}
	return a.writeMarker(runMarker{StartedAt: time.Now().UTC()})
}

// MarkRunEnd records the current run's end time, so the next RotateIfNeeded
// call knows this run is eligible for archival.
func (a *Archiver) MarkRunEnd() error {
	marker, ok, err := a.readMarker()
	if err != nil {
		return err
	}
	if !ok {
		marker = runMarker{StartedAt: time.Now().UTC()}
	}
	marker.EndedAt = time.Now().UTC()
	return a.writeMarker(marker)
}

func (a *Archiver) writeMarker(marker runMarker) error {
	payload, err := json.MarshalIndent(marker, "", "  ")
	if err != nil {
		return err
	}

	tmp := a.markerPath() + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, a.markerPath())
}
