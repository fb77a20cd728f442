package config

import (
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/roelfdiedericks/sigcourier/internal/bus"
	// No dot-import here: logging's Config and DefaultConfig would collide
	// with this package's own.
	"github.com/roelfdiedericks/sigcourier/internal/logging"
)

// Watcher monitors the config file and publishes config.<section>.applied
// bus events when a section actually changes. A reload never interrupts an
// in-flight delivery; subscribers apply new settings between deliveries.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher

	mu           sync.Mutex
	current      *Config
	pendingTimer *time.Timer
	stopCh       chan struct{}
}

// watchedSections lists the top-level sections published as
// config.<section>.applied events.
var watchedSections = []string{"matrix", "signal", "bridge", "courier", "http", "health", "logging"}

// NewWatcher creates a watcher for the given config path.
// current is the config as loaded at startup.
func NewWatcher(path string, current *Config) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory, not the file: editors and AtomicWrite replace
	// the file by rename, which drops a direct file watch.
	if err := fsWatcher.Add(filepath.Dir(path)); err != nil {
		fsWatcher.Close()
		return nil, err
	}

	return &Watcher{
		path:    path,
		watcher: fsWatcher,
		current: current,
		stopCh:  make(chan struct{}),
	}, nil
}

// Start begins watching. Spawns a goroutine internally.
func (w *Watcher) Start() {
	go w.run()
	logging.L_debug("config: watching for changes", "path", w.path)
}

// Stop stops watching for changes.
func (w *Watcher) Stop() error {
	close(w.stopCh)

	w.mu.Lock()
	if w.pendingTimer != nil {
		w.pendingTimer.Stop()
	}
	w.mu.Unlock()

	return w.watcher.Close()
}

// Current returns the last successfully loaded config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.L_warn("config: watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Base(event.Name) != filepath.Base(w.path) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}

	logging.L_trace("config: file changed", "op", event.Op.String())
	w.triggerReload()
}

// triggerReload schedules a reload with debouncing, since editors and
// AtomicWrite fire several events per save.
func (w *Watcher) triggerReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pendingTimer != nil {
		w.pendingTimer.Stop()
	}

	w.pendingTimer = time.AfterFunc(500*time.Millisecond, w.reload)
}

func (w *Watcher) reload() {
	next, err := LoadFile(w.path)
	if err != nil {
		logging.L_warn("config: reload failed, keeping previous config", "error", err)
		return
	}

	w.mu.Lock()
	prev := w.current
	w.current = next
	w.pendingTimer = nil
	w.mu.Unlock()

	changed := diffSections(prev, next)
	if len(changed) == 0 {
		logging.L_debug("config: file rewritten with no effective changes")
		return
	}

	for _, section := range changed {
		logging.L_info("config: section changed, applying", "section", section)
		bus.PublishEvent("config."+section+".applied", next)
	}
}

// diffSections returns the names of top-level sections that differ.
func diffSections(prev, next *Config) []string {
	if prev == nil {
		return watchedSections
	}

	var changed []string
	pv := reflect.ValueOf(*prev)
	nv := reflect.ValueOf(*next)
	pt := pv.Type()

	for i := 0; i < pt.NumField(); i++ {
		name := jsonFieldName(pt.Field(i))
		if name == "" {
			continue
		}
		if !reflect.DeepEqual(pv.Field(i).Interface(), nv.Field(i).Interface()) {
			changed = append(changed, name)
		}
	}
	return changed
}

func jsonFieldName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	if tag == "" || tag == "-" {
		return ""
	}
	if i := strings.IndexByte(tag, ','); i >= 0 {
		return tag[:i]
	}
	return tag
}
