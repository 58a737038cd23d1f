package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dantte-lp/ovsdb-server/internal/config"
)

func TestSaveAndLoadState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	want := config.PersistedState{
		Remotes:     []string{"ptcp:6640", "punix:/run/db.sock"},
		DBFilenames: []string{"/etc/ovsdb-server/conf.db"},
	}
	require.NoError(t, config.SaveState(path, want))

	got, err := config.LoadState(path)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestLoadStateMissingFileIsEmpty(t *testing.T) {
	dir := t.TempDir()
	got, err := config.LoadState(filepath.Join(dir, "missing.json"))
	require.NoError(t, err)
	require.Equal(t, config.PersistedState{}, got)
}

func TestWatchFilesNotifiesOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "watched.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))

	changed := make(chan string, 1)
	w, err := config.WatchFiles([]string{path}, func(p string) {
		select {
		case changed <- p:
		default:
		}
	}, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte(`{"remotes":["ptcp:6640"]}`), 0o644))

	select {
	case p := <-changed:
		require.Equal(t, path, p)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fsnotify event")
	}
}
