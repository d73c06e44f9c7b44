package fswatch

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/peersync/pkg/errors"
)

var fs = afero.NewOsFs()

// pathAdder is the subset of *fsnotify.Watcher used to register new paths.
type pathAdder interface {
	Add(name string) error
}

// Watcher notifies its owner about changes beneath a sync root.
type Watcher struct {
	// C receives a value whenever something beneath the root changes.
	// Bursts of changes are combined into a single value.
	C chan struct{}

	watcher *fsnotify.Watcher
	adder   pathAdder
}

// Watch watches for changes to `root` and everything beneath it.
func Watch(root string) (*Watcher, error) {
	pathsToWatch, err := getPathsToWatch(root)
	if err != nil {
		return nil, errors.WithContext(err, "get paths")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.WithContext(err, "create watcher")
	}

	for _, path := range pathsToWatch {
		if err := watcher.Add(path); err != nil {
			// Close the watcher so that we release the file handlers for the
			// previously added paths.
			if err := watcher.Close(); err != nil {
				log.WithError(err).Warn("Failed to close file watcher")
			}

			return nil, errors.WithContext(err, fmt.Sprintf("watch %q", path))
		}
	}

	w := &Watcher{watcher: watcher, adder: watcher}
	w.C = combineUpdates(w.trackNewDirs(watcher.Events))
	go logErrors(watcher.Errors)
	return w, nil
}

// Close stops watching. No more values are sent on C afterwards.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

// trackNewDirs forwards `events`, and starts watching directories as they're
// created. fsnotify doesn't watch recursively, so otherwise changes within
// new directories would be missed.
func (w *Watcher) trackNewDirs(events <-chan fsnotify.Event) <-chan fsnotify.Event {
	forwarded := make(chan fsnotify.Event)
	go func() {
		defer close(forwarded)
		for event := range events {
			if event.Op&fsnotify.Create != 0 {
				w.addNewDir(event.Name)
			}
			forwarded <- event
		}
	}()
	return forwarded
}

func (w *Watcher) addNewDir(path string) {
	fi, err := fs.Stat(path)
	if err != nil || !fi.IsDir() {
		return
	}

	paths, err := getPathsToWatch(path)
	if err != nil {
		log.WithError(err).WithField("path", path).Debug("Failed to list new directory")
		return
	}

	for _, path := range paths {
		if err := w.adder.Add(path); err != nil {
			log.WithError(err).WithField("path", path).Warn(
				"Failed to watch new directory. Changes within it won't trigger a refresh.")
		}
	}
}

func logErrors(errs <-chan error) {
	for err := range errs {
		log.WithError(err).Warn("File watcher error")
	}
}

func combineUpdates(updates <-chan fsnotify.Event) chan struct{} {
	combined := make(chan struct{}, 1)
	go func() {
		for range updates {
			select {
			case combined <- struct{}{}:
			default:
			}
		}
	}()
	return combined
}

func getPathsToWatch(root string) (paths []string, err error) {
	fi, err := fs.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.FileNotFound{Path: root}
		}
		return nil, errors.WithContext(err, "stat")
	}

	if !fi.IsDir() {
		// Watch the parent as well, so that we notice if the file is removed
		// and re-added.
		return []string{root, filepath.Dir(root)}, nil
	}

	// Watching a directory reports changes to its immediate children, so
	// only directories need to be added.
	err = afero.Walk(fs, root, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return errors.WithContext(err, "walk error")
		}

		if fi.IsDir() {
			paths = append(paths, path)
		}
		return nil
	})
	return paths, err
}
