package watch

import (
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"github.com/picoCTF/cmgr-artifact-server/pkg/buildid"
	"github.com/picoCTF/cmgr-artifact-server/pkg/cache"
	"github.com/picoCTF/cmgr-artifact-server/pkg/cmgrerrors"
	"github.com/picoCTF/cmgr-artifact-server/pkg/logging"
	"github.com/picoCTF/cmgr-artifact-server/pkg/timeutil"
)

// DebounceWindow is the coalescing window for raw filesystem events
// affecting the same path. It is a variable, not a constant, so tests can
// shrink it; production code should leave it at its default.
var DebounceWindow = 2 * time.Second

// rawKind is the debounced classification of a burst of raw fsnotify
// events for a single path, prior to being resolved into a BuildEvent.
type rawKind uint8

const (
	rawCreate rawKind = iota
	rawModify
	rawRemove
)

// pending tracks one path's in-flight debounce timer and the kind observed
// for it; the kind of the last raw event before the timer fires is what
// determines the logical event emitted, except that writes following a
// create within the same window leave the entry a create.
type pending struct {
	kind  rawKind
	timer *time.Timer
}

// Watcher monitors ArtifactDir non-recursively, debounces raw OS events,
// drives the Cache Manager's per-event filesystem updates, and emits the
// resulting BuildEvents onto a Bus.
type Watcher struct {
	artifactDir string
	manager     *cache.Manager
	deriver     *buildid.Deriver
	bus         *Bus
	logger      *logging.Logger

	fsw *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*pending
	fired   chan string
}

// New constructs a Watcher over artifactDir. It does not start watching
// until Run is called.
func New(artifactDir string, manager *cache.Manager, deriver *buildid.Deriver, bus *Bus, logger *logging.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, cmgrerrors.NewIOError(errors.Wrap(err, "create filesystem watcher"))
	}
	if err := fsw.Add(artifactDir); err != nil {
		fsw.Close()
		return nil, cmgrerrors.NewIOError(errors.Wrapf(err, "watch artifact directory %s", artifactDir))
	}

	return &Watcher{
		artifactDir: artifactDir,
		manager:     manager,
		deriver:     deriver,
		bus:         bus,
		logger:      logger,
		fsw:         fsw,
		pending:     make(map[string]*pending),
		fired:       make(chan string, BusCapacity),
	}, nil
}

// Close stops watching and releases the underlying OS handle. It causes
// Run's raw-event loop to see a closed Events channel and return.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// Run processes raw filesystem events until the watcher is closed, closing
// the Bus before returning normally. It returns a non-nil error only for
// conditions the spec treats as fatal to the process; TarErrors reported by
// the Cache Manager during extraction are deliberately not returned here —
// they panic, since a corrupted tarball mid-run implies data loss that
// should not be silently papered over by forward progress.
func (w *Watcher) Run() error {
	defer w.bus.Close()

	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if err := w.handleRaw(event); err != nil {
				return err
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				continue
			}
			return cmgrerrors.NewIOError(err)

		case path := <-w.fired:
			if err := w.handleDebounced(path); err != nil {
				return err
			}
		}
	}
}

// handleRaw classifies a raw fsnotify event and, if it concerns a tarball,
// folds it into the pending debounce entry for its path.
func (w *Watcher) handleRaw(event fsnotify.Event) error {
	name := filepath.Base(event.Name)
	if !utf8.ValidString(name) {
		panic(errors.Errorf("watcher observed non-UTF-8 file name: %q", name))
	}
	if !buildid.IsTarball(name) {
		return nil
	}

	kind, ok := classify(event.Op)
	if !ok {
		return nil
	}

	w.logger.Tracef("raw watcher event: %s %s", event.Op, event.Name)

	w.mu.Lock()
	defer w.mu.Unlock()

	if entry, exists := w.pending[event.Name]; exists {
		// A new file is usually created and then written; those writes
		// belong to the same create.
		if !(entry.kind == rawCreate && kind == rawModify) {
			entry.kind = kind
		}
		timeutil.StopAndDrainTimer(entry.timer)
		entry.timer.Reset(DebounceWindow)
		return nil
	}

	path := event.Name
	w.pending[path] = &pending{
		kind: kind,
		timer: time.AfterFunc(DebounceWindow, func() {
			w.fired <- path
		}),
	}
	return nil
}

// classify maps an fsnotify operation bitmask to the debounced kind it
// represents. Chmod-only events carry no content change and are ignored.
func classify(op fsnotify.Op) (rawKind, bool) {
	switch {
	case op&fsnotify.Create != 0:
		return rawCreate, true
	case op&fsnotify.Write != 0:
		return rawModify, true
	case op&fsnotify.Remove != 0 || op&fsnotify.Rename != 0:
		return rawRemove, true
	default:
		return 0, false
	}
}

// handleDebounced resolves a fired debounce timer into a Cache Manager
// action and the BuildEvent that follows from it.
func (w *Watcher) handleDebounced(path string) error {
	w.mu.Lock()
	entry, exists := w.pending[path]
	if exists {
		delete(w.pending, path)
	}
	w.mu.Unlock()
	if !exists {
		return nil
	}

	raw := buildid.RawID(filepath.Base(path))
	id := w.deriver.Derive(raw)

	var event BuildEvent
	switch entry.kind {
	case rawCreate:
		if err := w.extract(id, path); err != nil {
			return err
		}
		event = BuildEvent{Kind: Create, BuildID: id}

	case rawModify:
		if err := w.extract(id, path); err != nil {
			return err
		}
		event = BuildEvent{Kind: Update, BuildID: id}

	case rawRemove:
		if err := w.manager.RemoveBuild(id); err != nil {
			return err
		}
		event = BuildEvent{Kind: Delete, BuildID: id}
	}

	w.logger.Infof("%s", event)
	return w.bus.Send(event)
}

// extract invokes the Cache Manager's extraction step, panicking on
// TarError per the taxonomy's deliberate "fatal for the affected event,
// crash the watcher thread" policy, and otherwise returning the error as
// fatal to the process.
func (w *Watcher) extract(id, tarballPath string) error {
	err := w.manager.ExtractBuild(id, tarballPath)
	if err == nil {
		return nil
	}
	if _, isTarErr := err.(*cmgrerrors.TarError); isTarErr {
		panic(err)
	}
	return err
}
