package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/opencode-ai/lspmux/internal/logging"
)

// debounce collapses the burst of events editors produce for one save.
const debounce = 100 * time.Millisecond

// Watcher reports writes to settings files. It watches the search
// directories rather than the files, so files created later are seen too.
type Watcher struct {
	watcher  *fsnotify.Watcher
	onChange func(path string)
	log      zerolog.Logger

	names   map[string]bool
	extra   map[string]bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
	mu      sync.Mutex
}

// NewWatcher watches the settings files of directory, plus any extra paths
// such as the LSPMUX_CONFIG file. Directories that do not exist are skipped.
func NewWatcher(directory string, extra []string, onChange func(path string)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	cw := &Watcher{
		watcher:  w,
		onChange: onChange,
		log:      logging.For("config"),
		names:    make(map[string]bool),
		extra:    make(map[string]bool),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, name := range FileNames {
		cw.names[name] = true
	}

	dirs := SearchDirs(directory)
	for _, p := range extra {
		abs, err := filepath.Abs(p)
		if err != nil {
			continue
		}
		cw.extra[abs] = true
		dirs = append(dirs, filepath.Dir(abs))
	}

	watched := 0
	for _, dir := range dirs {
		if err := w.Add(dir); err != nil {
			cw.log.Debug().Err(err).Str("dir", dir).Msg("not watching settings directory")
			continue
		}
		watched++
	}
	cw.log.Debug().Int("dirs", watched).Msg("settings watcher initialized")

	return cw, nil
}

// Start begins watching for changes.
func (w *Watcher) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()
	go w.run()
}

func (w *Watcher) run() {
	defer close(w.doneCh)

	pending := make(map[string]bool)
	timer := time.NewTimer(debounce)
	timer.Stop()

	for {
		select {
		case <-w.stopCh:
			timer.Stop()
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 || !w.relevant(ev.Name) {
				continue
			}
			pending[ev.Name] = true
			timer.Reset(debounce)
		case <-timer.C:
			for path := range pending {
				w.log.Info().Str("path", path).Msg("settings changed")
				w.onChange(path)
			}
			pending = make(map[string]bool)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error().Err(err).Msg("settings watcher error")
		}
	}
}

func (w *Watcher) relevant(path string) bool {
	if w.names[filepath.Base(path)] {
		return true
	}
	abs, err := filepath.Abs(path)
	return err == nil && w.extra[abs]
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()

	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}

	if started {
		<-w.doneCh
	}

	return w.watcher.Close()
}
