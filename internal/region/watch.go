package region

import (
	"fmt"

	"github.com/fsnotify/fsnotify"
)

// Event reports an out-of-band change to a named region's backing file,
// observed by Watch.
type Event struct {
	Op   fsnotify.Op
	Name string
}

// Watcher delivers Events for a watched region's backing file. Nothing
// in omem blocks on a Watcher: segment lifecycle is an external
// concern, so Watch is purely diagnostic.
type Watcher struct {
	w      *fsnotify.Watcher
	events chan Event
	errs   chan error
}

// Watch begins observing this region's backing file for removal,
// rename, or truncation while this process still has it mapped. It
// returns ErrInvalidRegion for a privately backed region, which has no
// backing file to watch.
func (h *Handle) Watch() (*Watcher, error) {
	if h == nil || !h.shared || h.file == nil {
		return nil, ErrInvalidRegion
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("omem/region: start watcher: %w", err)
	}

	if err := fw.Add(h.file.Name()); err != nil {
		_ = fw.Close()

		return nil, fmt.Errorf("omem/region: watch %q: %w", h.file.Name(), err)
	}

	watcher := &Watcher{
		w:      fw,
		events: make(chan Event, 16),
		errs:   make(chan error, 1),
	}
	go watcher.loop()

	return watcher, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.w.Events:
			if !ok {
				return
			}

			w.events <- Event{Op: ev.Op, Name: ev.Name}
		case err, ok := <-w.w.Errors:
			if !ok {
				return
			}

			select {
			case w.errs <- err:
			default:
			}
		}
	}
}

// Events returns the channel of observed filesystem events.
func (w *Watcher) Events() <-chan Event { return w.events }

// Errors returns the channel of watcher-internal errors.
func (w *Watcher) Errors() <-chan error { return w.errs }

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.w.Close()
}
