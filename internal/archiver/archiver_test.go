// metamapctl - MetaMap batch annotation orchestrator
// SPDX-License-Identifier: AGPL-3.0-or-later

package archiver

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/editnori/metamapctl/internal/config"
)

func TestArchiver_RotateIfNeeded_NoMarkerIsNoop(t *testing.T) {
	logsDir := t.TempDir()
	a := New(config.ArchiverConfig{LogsDir: logsDir, RetainArchives: 0})

	require.NoError(t, a.RotateIfNeeded())

	_, err := os.Stat(filepath.Join(logsDir, "archive"))
	assert.True(t, os.IsNotExist(err))
}

func TestArchiver_RotateIfNeeded_RunStillInProgressIsNoop(t *testing.T) {
	logsDir := t.TempDir()
	a := New(config.ArchiverConfig{LogsDir: logsDir, RetainArchives: 0})

	require.NoError(t, a.MarkRunStart())
	require.NoError(t, a.RotateIfNeeded())

	_, err := os.Stat(filepath.Join(logsDir, "archive"))
	assert.True(t, os.IsNotExist(err))
}

func TestArchiver_RotateIfNeeded_CompressesAndMovesFinishedRun(t *testing.T) {
	logsDir := t.TempDir()
	a := New(config.ArchiverConfig{LogsDir: logsDir, RetainArchives: 0})

	require.NoError(t, a.MarkRunStart())
	require.NoError(t, os.WriteFile(filepath.Join(logsDir, "metamapctl.log"), []byte("log line one\n"), 0o644))
	require.NoError(t, a.MarkRunEnd())

	require.NoError(t, a.RotateIfNeeded())

	// run.json consumed
	_, err := os.Stat(a.markerPath())
	assert.True(t, os.IsNotExist(err))

	// original log moved out of logs/
	_, err = os.Stat(filepath.Join(logsDir, "metamapctl.log"))
	assert.True(t, os.IsNotExist(err))

	archiveRoot := filepath.Join(logsDir, "archive")
	dirs, err := os.ReadDir(archiveRoot)
	require.NoError(t, err)
	require.Len(t, dirs, 1)

	archived, err := os.ReadDir(filepath.Join(archiveRoot, dirs[0].Name()))
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, "metamapctl.log.gz", archived[0].Name())
}

func TestArchiver_PruneOldArchives_RespectsRetentionCount(t *testing.T) {
	logsDir := t.TempDir()
	archiveRoot := filepath.Join(logsDir, "archive")
	require.NoError(t, os.MkdirAll(archiveRoot, 0o755))

	timestamps := []string{"20260101T000000Z", "20260102T000000Z", "20260103T000000Z"}
	for _, ts := range timestamps {
		require.NoError(t, os.MkdirAll(filepath.Join(archiveRoot, ts), 0o755))
	}

	a := New(config.ArchiverConfig{LogsDir: logsDir, RetainArchives: 1})
	require.NoError(t, a.pruneOldArchives())

	remaining, err := os.ReadDir(archiveRoot)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "20260103T000000Z", remaining[0].Name())
}

func TestArchiver_PruneOldArchives_UnlimitedWhenRetainIsZero(t *testing.T) {
	logsDir := t.TempDir()
	archiveRoot := filepath.Join(logsDir, "archive")
	require.NoError(t, os.MkdirAll(filepath.Join(archiveRoot, "20260101T000000Z"), 0o755))

	a := New(config.ArchiverConfig{LogsDir: logsDir, RetainArchives: 0})
	require.NoError(t, a.pruneOldArchives())

	remaining, err := os.ReadDir(archiveRoot)
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}

func TestArchiver_MarkRunStartThenEnd_RoundTrips(t *testing.T) {
	logsDir := t.TempDir()
	a := New(config.ArchiverConfig{LogsDir: logsDir})

	require.NoError(t, a.MarkRunStart())
	marker, ok, err := a.readMarker()
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, marker.StartedAt.IsZero())
	assert.True(t, marker.EndedAt.IsZero())

	time.Sleep(time.Millisecond)
	require.NoError(t, a.MarkRunEnd())
	marker, ok, err = a.readMarker()
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, marker.EndedAt.IsZero())
}
