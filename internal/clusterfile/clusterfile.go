// Package clusterfile watches the persisted cluster-descriptor file spec.md
// §6 names as an external collaborator's output: the coordinator monitor
// "updates [it] on coordinator changes by atomic replace". This package does
// not produce the file's contents (that monitor is out of scope, §1); it
// only detects and parses updates so internal/database can refresh its
// proxy/coordinator address lists.
//
// Grounded on ConfigButler-gitops-reverser's internal/watch/manager.go: a
// debounced fsnotify loop feeding a typed update channel, tolerant of the
// editor/atomic-rename pattern (write to temp file, rename over the target)
// that produces a REMOVE event fsnotify must re-arm a watch after.
package clusterfile

import (
	"bufio"
	"context"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Descriptor is the parsed contents of a cluster descriptor file: a
// cluster id plus the coordinator addresses that serve it. The on-disk
// format is a single line "id:addr1,addr2,addr3", the same line-oriented
// convention the wider database this client targets uses for its own
// connection string.
type Descriptor struct {
	ClusterID string
	Addresses []string
}

// Parse reads a Descriptor out of raw cluster-file bytes.
func Parse(data []byte) (Descriptor, error) {
	line := strings.TrimSpace(string(data))
	for _, l := range strings.Split(line, "\n") {
		l = strings.TrimSpace(l)
		if l == "" || strings.HasPrefix(l, "#") {
			continue
		}
		line = l
		break
	}
	parts := strings.SplitN(line, ":", 2)
	if len(parts) != 2 {
		return Descriptor{}, &ParseError{Line: line}
	}
	addrs := strings.Split(parts[1], ",")
	for i := range addrs {
		addrs[i] = strings.TrimSpace(addrs[i])
	}
	return Descriptor{ClusterID: parts[0], Addresses: addrs}, nil
}

// ParseError reports a malformed cluster descriptor line.
type ParseError struct {
	Line string
}

func (e *ParseError) Error() string {
	return "clusterfile: malformed descriptor line: " + e.Line
}

// Watcher watches a cluster descriptor file path and emits parsed updates.
type Watcher struct {
	path    string
	log     *zap.Logger
	updates chan Descriptor
	fsw     *fsnotify.Watcher
}

// New starts watching path. The returned Watcher must be closed with Close.
// The caller receives an immediate synthetic update with the file's current
// contents before any filesystem event fires.
func New(path string, log *zap.Logger) (*Watcher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, err
	}
	w := &Watcher{
		path:    path,
		log:     log.Named("clusterfile"),
		updates: make(chan Descriptor, 1),
		fsw:     fsw,
	}
	if d, err := w.readCurrent(); err == nil {
		w.updates <- d
	} else {
		w.log.Warn("initial cluster descriptor read failed", zap.Error(err))
	}
	return w, nil
}

// Updates returns the channel of parsed descriptor updates. The channel is
// closed when the Watcher's run loop exits (see Run).
func (w *Watcher) Updates() <-chan Descriptor { return w.updates }

// Run drives the fsnotify event loop until ctx is cancelled. It should be
// run in its own goroutine; the Watcher is otherwise inert.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.updates)
	// debounce coalesces the burst of events an atomic-replace (write temp +
	// rename) typically produces into a single re-read.
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	reread := func() {
		if d, err := w.readCurrent(); err == nil {
			select {
			case w.updates <- d:
			case <-ctx.Done():
			}
		} else {
			w.log.Warn("cluster descriptor reread failed", zap.Error(err))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				// Atomic replace: re-arm the watch on the new inode.
				_ = w.fsw.Add(w.path)
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(20*time.Millisecond, reread)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("cluster descriptor watch error", zap.Error(err))
		}
	}
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

func (w *Watcher) readCurrent() (Descriptor, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return Descriptor{}, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return Descriptor{}, err
	}
	return Parse([]byte(strings.Join(lines, "\n")))
}
