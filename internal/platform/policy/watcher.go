package policy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Provider returns the gate policy in force, or false when none is set.
type Provider interface {
	Current() (Spec, bool)
}

type static struct{ spec *Spec }

// Static serves a fixed spec. A nil spec means no policy.
func Static(spec *Spec) Provider { return static{spec: spec} }

func (s static) Current() (Spec, bool) {
	if s.spec == nil {
		return Spec{}, false
	}
	return *s.spec, true
}

// Watcher serves the spec loaded from a file and reloads it when the file
// changes. An invalid update is logged and the previous spec stays in force.
type Watcher struct {
	path    string
	logger  *slog.Logger
	current atomic.Pointer[Spec]
	fs      *fsnotify.Watcher
	reloads atomic.Int64
}

func LoadFile(path string) (Spec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Spec{}, fmt.Errorf("read gate policy: %w", err)
	}
	return ParseSpec(raw)
}

// NewWatcher loads path once; the initial load must succeed.
func NewWatcher(logger *slog.Logger, path string) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	spec, err := LoadFile(abs)
	if err != nil {
		return nil, err
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	// Editors and config-map mounts replace the file, so watch the directory.
	if err := fs.Add(filepath.Dir(abs)); err != nil {
		_ = fs.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	w := &Watcher{path: abs, logger: logger, fs: fs}
	w.current.Store(&spec)
	return w, nil
}

func (w *Watcher) Current() (Spec, bool) {
	spec := w.current.Load()
	if spec == nil {
		return Spec{}, false
	}
	return *spec, true
}

// Reloads counts successful reloads after the initial load.
func (w *Watcher) Reloads() int64 { return w.reloads.Load() }

// Run processes file events until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fs.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.reload()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("gate policy watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	spec, err := LoadFile(w.path)
	if err != nil {
		w.logger.Warn("gate policy reload rejected", "path", w.path, "error", err)
		return
	}
	w.current.Store(&spec)
	w.reloads.Add(1)
	w.logger.Info("gate policy reloaded", "path", w.path, "rules", len(spec.Rules))
}
