package logging

import (
	"bufio"
	"context"
	"os"
	"regexp"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// lineRe matches the file-sink line format: [ts] [LEVEL] [module] message.
var lineRe = regexp.MustCompile(`^\[([^\]]+)\] \[([^\]]+)\] \[([^\]]+)\] (.*)$`)

// ParseLine decodes one log-file line into an Entry.
func ParseLine(line string) (Entry, bool) {
	m := lineRe.FindStringSubmatch(strings.TrimRight(line, "\r\n"))
	if m == nil {
		return Entry{}, false
	}
	return Entry{Timestamp: m[1], Level: m[2], Module: m[3], Message: m[4]}, true
}

// TailWatcher follows the logger's current file and re-emits lines written
// by other writers. Lines whose signature the logger produced itself are
// suppressed, breaking the write→tail→write echo cycle.
type TailWatcher struct {
	logger  *Logger
	watcher *fsnotify.Watcher
	offset  int64
	path    string
}

// NewTailWatcher starts following the logger's current daily file. The
// watcher stops when ctx is cancelled.
func NewTailWatcher(ctx context.Context, l *Logger) (*TailWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	t := &TailWatcher{logger: l, watcher: w, path: l.CurrentFilePath()}
	if fi, err := os.Stat(t.path); err == nil {
		t.offset = fi.Size()
	}
	if err := w.Add(l.logDir); err != nil {
		_ = w.Close()
		return nil, err
	}
	go t.run(ctx)
	return t, nil
}

func (t *TailWatcher) run(ctx context.Context) {
	defer func() { _ = t.watcher.Close() }()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != t.path || ev.Op&fsnotify.Write == 0 {
				// Rotation moves the sink to a new path.
				if p := t.logger.CurrentFilePath(); p != t.path {
					t.path = p
					t.offset = 0
				}
				continue
			}
			t.readNew()
		case _, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (t *TailWatcher) readNew() {
	f, err := os.Open(t.path)
	if err != nil {
		return
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Seek(t.offset, 0); err != nil {
		return
	}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		t.offset += int64(len(line)) + 1
		e, ok := ParseLine(line)
		if !ok {
			continue
		}
		if t.logger.SeenRecently(e.Signature()) {
			continue
		}
		t.logger.emitExternal(e)
	}
}
