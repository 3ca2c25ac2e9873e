package checkpoint

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/enrichd/enrichd/internal/enrich"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "checkpoint.json")
	states := File{
		enrich.KindChecksum: {
			Scheduled:      120,
			Processed:      100,
			Errors:         3,
			LastRunTime:    time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
			ProcessedFiles: 100,
			SkippedFiles:   17,
			ErrorFiles:     3,
			LastFileID:     "file-99",
		},
		enrich.KindContentType: {
			Scheduled: 5,
			Processed: 5,
		},
	}

	require.NoError(t, Save(states, path))

	loaded := Load(path, zap.NewNop())
	require.Equal(t, states, loaded)
}

func TestLoadMissingFileReturnsEmpty(t *testing.T) {
	t.Parallel()

	loaded := Load(filepath.Join(t.TempDir(), "nope.json"), zap.NewNop())
	require.NotNil(t, loaded)
	require.Empty(t, loaded)
}

func TestLoadCorruptFileReturnsEmpty(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "checkpoint.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	loaded := Load(path, zap.NewNop())
	require.NotNil(t, loaded)
	require.Empty(t, loaded)
}

func TestSaveOverwritesPreviousCheckpoint(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "checkpoint.json")
	require.NoError(t, Save(File{enrich.KindChecksum: {Processed: 1}}, path))
	require.NoError(t, Save(File{enrich.KindChecksum: {Processed: 2}}, path))

	loaded := Load(path, zap.NewNop())
	require.Equal(t, int64(2), loaded[enrich.KindChecksum].Processed)

	// The temp file used for the atomic rename must not linger.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestSaveCreatesParentDirectory(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state", "deep", "checkpoint.json")
	require.NoError(t, Save(File{}, path))

	_, err := os.Stat(path)
	require.NoError(t, err)
}
