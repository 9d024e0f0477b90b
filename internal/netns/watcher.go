// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package netns follows named network namespaces as they are created and
// removed, and drives per-namespace hook registration for each of them.
package netns

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"grimm.is/fastpath/internal/errors"
	"grimm.is/fastpath/internal/fastpath"
	"grimm.is/fastpath/internal/hooks"
	"grimm.is/fastpath/internal/logging"
)

// DefaultDir is where iproute2 bind-mounts named namespaces.
const DefaultDir = "/var/run/netns"

// Namespace is a named namespace found in the watched directory.
type Namespace struct {
	Name string
	Path string
	ID   fastpath.NamespaceID
}

// Lifecycle is notified when a namespace appears or disappears.
type Lifecycle interface {
	Init(ns Namespace) error
	Exit(ns Namespace) *hooks.TeardownReport
}

// Resolver maps a namespace path to its identity.
type Resolver func(path string) (fastpath.NamespaceID, error)

// Options tune a Watcher.
type Options struct {
	Resolver Resolver
	Logger   *logging.Logger

	// The nsfs bind mount lands shortly after the file is created; an
	// unresolvable entry is retried this many times.
	ResolveRetries  int
	ResolveInterval time.Duration
}

// Watcher watches a namespace directory with fsnotify.
type Watcher struct {
	dir     string
	lc      Lifecycle
	resolve Resolver
	logger  *logging.Logger
	retries int
	backoff time.Duration

	mu    sync.Mutex
	known map[string]Namespace // path -> namespace

	fsw    *fsnotify.Watcher
	errs   chan error
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher for dir. Nothing happens until Start.
func NewWatcher(dir string, lc Lifecycle, opts Options) *Watcher {
	if dir == "" {
		dir = DefaultDir
	}
	if opts.Resolver == nil {
		opts.Resolver = StatResolver
	}
	if opts.Logger == nil {
		opts.Logger = logging.WithComponent("netns")
	}
	if opts.ResolveRetries <= 0 {
		opts.ResolveRetries = 20
	}
	if opts.ResolveInterval <= 0 {
		opts.ResolveInterval = 50 * time.Millisecond
	}
	return &Watcher{
		dir:     dir,
		lc:      lc,
		resolve: opts.Resolver,
		logger:  opts.Logger.With("dir", dir),
		retries: opts.ResolveRetries,
		backoff: opts.ResolveInterval,
		known:   make(map[string]Namespace),
		errs:    make(chan error, 16),
	}
}

// Start initialises every namespace already present and begins watching.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return errors.Attr(errors.Wrap(err, errors.KindUnavailable, "create namespace directory"), "dir", w.dir)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "create fsnotify watcher")
	}
	if err := fsw.Add(w.dir); err != nil {
		fsw.Close()
		return errors.Attr(errors.Wrap(err, errors.KindUnavailable, "watch namespace directory"), "dir", w.dir)
	}
	w.fsw = fsw

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		fsw.Close()
		return errors.Attr(errors.Wrap(err, errors.KindUnavailable, "read namespace directory"), "dir", w.dir)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		w.add(ctx, filepath.Join(w.dir, e.Name()))
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.loop(ctx)
	w.logger.Info("namespace watcher started", "existing", len(w.Namespaces()))
	return nil
}

// Stop ends the watch. Namespaces stay registered; the caller decides
// whether to exit them.
func (w *Watcher) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	w.fsw.Close()
	w.wg.Wait()
}

// Errors delivers namespace initialisation failures. Errors are dropped
// when nobody reads them.
func (w *Watcher) Errors() <-chan error { return w.errs }

// Namespaces lists the namespaces currently initialised, by name.
func (w *Watcher) Namespaces() []Namespace {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Namespace, 0, len(w.known))
	for _, ns := range w.known {
		out = append(out, ns)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			switch {
			case event.Has(fsnotify.Create):
				w.add(ctx, event.Name)
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				w.remove(event.Name)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("namespace watcher error")
		}
	}
}

func (w *Watcher) add(ctx context.Context, path string) {
	w.mu.Lock()
	_, seen := w.known[path]
	w.mu.Unlock()
	if seen {
		return
	}

	id, err := w.resolveWithRetry(ctx, path)
	if err != nil {
		w.report(errors.Attr(err, "path", path))
		return
	}

	ns := Namespace{Name: filepath.Base(path), Path: path, ID: id}
	if err := w.lc.Init(ns); err != nil {
		w.report(errors.Attr(err, "path", path))
		return
	}

	w.mu.Lock()
	w.known[path] = ns
	w.mu.Unlock()
	w.logger.Info("namespace initialised", "name", ns.Name, "namespace", id.String())
}

func (w *Watcher) resolveWithRetry(ctx context.Context, path string) (fastpath.NamespaceID, error) {
	var lastErr error
	for attempt := 0; attempt < w.retries; attempt++ {
		id, err := w.resolve(path)
		if err == nil {
			return id, nil
		}
		lastErr = err
		if errors.GetKind(err) != errors.KindUnavailable {
			break
		}
		select {
		case <-ctx.Done():
			return fastpath.NamespaceID{}, ctx.Err()
		case <-time.After(w.backoff):
		}
	}
	return fastpath.NamespaceID{}, lastErr
}

func (w *Watcher) remove(path string) {
	w.mu.Lock()
	ns, ok := w.known[path]
	delete(w.known, path)
	w.mu.Unlock()
	if !ok {
		return
	}

	report := w.lc.Exit(ns)
	if err := report.Err(); err != nil {
		w.logger.WithError(err).Warn("namespace teardown incomplete", "name", ns.Name)
		return
	}
	w.logger.Info("namespace exited", "name", ns.Name, "namespace", ns.ID.String())
}

func (w *Watcher) report(err error) {
	w.logger.WithError(err).Error("namespace initialisation failed")
	select {
	case w.errs <- err:
	default:
	}
}
