package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/mpataki/foreman/internal/logging"
)

// Watcher delivers signal files as they appear. Each file is consumed
// (removed) once read.
type Watcher struct {
	watcher     *fsnotify.Watcher
	dir         string
	logger      *logging.Logger
	checkpoints chan Signal
	skips       chan struct{}
	stopCh      chan struct{}
	doneCh      chan struct{}
}

// Watch starts watching the signals directory. Stale signal files from
// earlier runs are removed first.
func (w *Workspace) Watch(logger *logging.Logger) (*Watcher, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if err := w.ClearSignals(); err != nil {
		return nil, fmt.Errorf("failed to clear stale signals: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(w.SignalsDir()); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", w.SignalsDir(), err)
	}

	sw := &Watcher{
		watcher:     fsw,
		dir:         w.SignalsDir(),
		logger:      logger,
		checkpoints: make(chan Signal),
		skips:       make(chan struct{}, 4),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	go sw.watchLoop()
	return sw, nil
}

// Checkpoints yields continue and quit signals. A signal is only delivered
// to a receiver that is already waiting; one sent while no checkpoint is
// pending is dropped.
func (sw *Watcher) Checkpoints() <-chan Signal { return sw.checkpoints }

// Skips yields one value per skip request.
func (sw *Watcher) Skips() <-chan struct{} { return sw.skips }

func (sw *Watcher) Close() error {
	close(sw.stopCh)
	err := sw.watcher.Close()
	<-sw.doneCh
	return err
}

func (sw *Watcher) watchLoop() {
	defer close(sw.doneCh)

	for {
		select {
		case <-sw.stopCh:
			return

		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Temp files from atomic writes start with a dot
			if strings.HasPrefix(filepath.Base(event.Name), ".") {
				continue
			}
			sw.handle(event.Name)

		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			sw.logger.Warn("signal watcher error", "error", err.Error())
		}
	}
}

func (sw *Watcher) handle(path string) {
	if base := filepath.Base(path); base != checkpointFile && base != skipFile {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		// Already consumed by an earlier event for the same file
		return
	}
	os.Remove(path)

	sig, err := ParseSignal(string(data))
	if err != nil {
		sw.logger.Warn("ignoring malformed signal", "file", filepath.Base(path), "error", err.Error())
		return
	}
	sw.logger.Info("signal received", "signal", string(sig))

	if filepath.Base(path) == skipFile || sig == SignalSkip {
		select {
		case sw.skips <- struct{}{}:
		case <-sw.stopCh:
		}
		return
	}
	select {
	case sw.checkpoints <- sig:
	default:
		sw.logger.Warn("no checkpoint pending, ignoring signal", "signal", string(sig))
	}
}
