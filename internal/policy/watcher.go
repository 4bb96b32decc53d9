package policy

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadCallback is called with the freshly parsed documents after the
// policy or quota file changes on disk.
type ReloadCallback func(doc *Document, quotas *Quotas)

// Watcher monitors the routing-policy and quota files and reloads them on
// change. Reloads only ever swap the snapshot handed to future runs;
// in-flight runs keep the snapshot they were compiled with.
type Watcher struct {
	watcher    *fsnotify.Watcher
	policyPath string
	quotaPath  string
	callback   ReloadCallback
	debounce   time.Duration

	mu      sync.Mutex
	pending bool
	timer   *time.Timer
	cancel  context.CancelFunc
}

// NewWatcher creates a watcher over the two policy files
func NewWatcher(policyPath, quotaPath string, callback ReloadCallback) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		watcher:    fw,
		policyPath: policyPath,
		quotaPath:  quotaPath,
		callback:   callback,
		debounce:   500 * time.Millisecond, // editors fire several events per save
	}
	// Watch the parent directories; many editors replace files on save,
	// which drops a watch on the file itself.
	for _, dir := range w.dirs() {
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, err
		}
	}
	return w, nil
}

func (w *Watcher) dirs() []string {
	dirs := []string{filepath.Dir(w.policyPath)}
	qd := filepath.Dir(w.quotaPath)
	if qd != dirs[0] {
		dirs = append(dirs, qd)
	}
	return dirs
}

// Start begins watching until the context is cancelled
func (w *Watcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if ev.Name == w.policyPath || ev.Name == w.quotaPath {
					if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
						w.scheduleReload()
					}
				}
			case <-w.watcher.Errors:
				// Watch errors are non-fatal; the next event retriggers.
			}
		}
	}()
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	quotas, err := LoadQuotas(w.quotaPath)
	if err != nil {
		return // keep the last good snapshot
	}
	doc, err := Load(w.policyPath, quotas)
	if err != nil {
		return
	}
	if w.callback != nil {
		w.callback(doc, quotas)
	}
}

// Close stops watching and releases resources
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return w.watcher.Close()
}
