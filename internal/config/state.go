package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// PersistedState is the server-internal configuration file's contents
// (spec.md §6 "Persisted state"): the current remote set and open
// database files, so out-of-band control-socket commands survive a
// restart.
type PersistedState struct {
	Remotes     []string `json:"remotes"`
	DBFilenames []string `json:"db_filenames"`
}

// LoadState reads a PersistedState from path. A missing file is treated
// as an empty state rather than an error, so first-run startup needs no
// special case.
func LoadState(path string) (PersistedState, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return PersistedState{}, nil
	}
	if err != nil {
		return PersistedState{}, fmt.Errorf("config: read state file %s: %w", path, err)
	}
	var s PersistedState
	if err := json.Unmarshal(data, &s); err != nil {
		return PersistedState{}, fmt.Errorf("config: parse state file %s: %w", path, err)
	}
	return s, nil
}

// SaveState atomically rewrites path with s: it writes to a temp file in
// the same directory, then renames over the destination, so a reader
// never observes a partially written file (spec.md §6 "regenerated
// atomically").
func SaveState(path string, s PersistedState) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal state: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("config: create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("config: write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("config: close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("config: rename state file into place: %w", err)
	}
	return nil
}

// Watcher observes the YAML config file and the persisted-state file for
// out-of-band edits (an operator hand-editing either while the daemon is
// running) and invokes onChange for each one, so the caller can re-run
// the same reconfiguration path a control-socket command would trigger.
type Watcher struct {
	fsw    *fsnotify.Watcher
	logger *slog.Logger
	done   chan struct{}
}

// WatchFiles starts watching every named path (nonexistent paths are
// skipped rather than erroring, since a persisted-state file may not
// exist yet on first run) and invokes onChange with the path that
// changed whenever a write or rename is observed.
func WatchFiles(paths []string, onChange func(path string), logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create fsnotify watcher: %w", err)
	}

	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := fsw.Add(p); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("config: watch %s: %w", p, err)
		}
	}

	w := &Watcher{fsw: fsw, logger: logger, done: make(chan struct{})}
	go w.run(onChange)
	return w, nil
}

func (w *Watcher) run(onChange func(path string)) {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Rename|fsnotify.Create) == 0 {
				continue
			}
			w.logger.Info("config file changed on disk", slog.String("path", event.Name))
			onChange(event.Name)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("fsnotify error", slog.String("err", err.Error()))
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	err := w.fsw.Close()
	<-w.done
	return err
}
