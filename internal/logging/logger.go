// Package logging provides the gateway's leveled logger: a slog front end
// whose handler delivers every record to three sinks. Entries carry a
// Beijing-time timestamp, a level, and a module tag, and go to the console
// (colored), a daily file under data/logs, and an in-memory ring with
// subscriber callbacks that feed the admin SSE stream.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Level is the logger severity. Only three levels are exposed.
type Level int

// Severity levels, lowest first.
const (
	LevelDebug Level = iota
	LevelInfo
	LevelError
)

// String returns the upper-case level tag used in log lines.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// slogLevel maps a Level onto the slog scale.
func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// levelTag renders a slog level as the three-tag scheme used in log lines.
func levelTag(lv slog.Level) string {
	switch {
	case lv <= slog.LevelDebug:
		return "DEBUG"
	case lv >= slog.LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// ParseLevel maps a LOG_LEVEL value to a Level. Unknown values mean INFO.
func ParseLevel(s string) Level {
	switch s {
	case "DEBUG", "debug":
		return LevelDebug
	case "ERROR", "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Entry is one log record as delivered to the ring and to subscribers.
type Entry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Module    string `json:"module"`
	Message   string `json:"message"`
}

// Signature is the de-duplication key for an entry.
func (e Entry) Signature() string {
	return e.Timestamp + "|" + e.Level + "|" + e.Module + "|" + e.Message
}

// beijing is the fixed zone used for all timestamps and file rotation.
var beijing = time.FixedZone("CST", 8*3600)

const (
	ringSize   = 100
	dedupeSize = 1000
)

// Logger fans entries out to the console, the daily file, and subscribers.
// Records enter through the slog front end; Debug/Info/Error are printf
// conveniences over it.
type Logger struct {
	slogger *slog.Logger

	mu          sync.Mutex
	level       Level
	console     io.Writer
	color       bool
	ring        []Entry
	subscribers map[int]func(Entry)
	nextSub     int
	recent      *dedupeSet

	fileEnabled bool
	logDir      string
	file        *os.File
	fileDate    string

	queueMu   sync.Mutex
	queue     []string
	queueCond *sync.Cond
	closing   bool
	drained   chan struct{}
}

// New creates a Logger writing console output to w. If logDir is non-empty a
// daily file sink is started; Close drains it.
func New(w io.Writer, level Level, logDir string) *Logger {
	l := &Logger{
		level:       level,
		console:     w,
		color:       true,
		subscribers: make(map[int]func(Entry)),
		recent:      newDedupeSet(dedupeSize),
		logDir:      logDir,
		fileEnabled: logDir != "",
		drained:     make(chan struct{}),
	}
	l.queueCond = sync.NewCond(&l.queueMu)
	l.slogger = slog.New(&sinkHandler{l: l})
	go l.drainLoop()
	return l
}

// Slog returns the slog.Logger fronting this logger's sinks. The module tag
// travels as a "module" attribute.
func (l *Logger) Slog() *slog.Logger { return l.slogger }

// SetLevel changes the minimum severity at runtime.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

// Debug logs at DEBUG under the given module.
func (l *Logger) Debug(module, format string, args ...interface{}) {
	l.log(LevelDebug, module, format, args...)
}

// Info logs at INFO under the given module.
func (l *Logger) Info(module, format string, args ...interface{}) {
	l.log(LevelInfo, module, format, args...)
}

// Error logs at ERROR under the given module.
func (l *Logger) Error(module, format string, args ...interface{}) {
	l.log(LevelError, module, format, args...)
}

func (l *Logger) log(level Level, module, format string, args ...interface{}) {
	l.slogger.Log(context.Background(), level.slogLevel(),
		fmt.Sprintf(format, args...), slog.String("module", module))
}

// sinkHandler is the slog.Handler behind the front end: it turns each record
// into an Entry and delivers it to every sink.
type sinkHandler struct {
	l     *Logger
	attrs []slog.Attr
}

func (h *sinkHandler) Enabled(_ context.Context, level slog.Level) bool {
	h.l.mu.Lock()
	min := h.l.level
	h.l.mu.Unlock()
	return level >= min.slogLevel()
}

func (h *sinkHandler) Handle(_ context.Context, r slog.Record) error {
	module := ""
	for _, a := range h.attrs {
		if a.Key == "module" {
			module = a.Value.String()
		}
	}
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "module" {
			module = a.Value.String()
			return false
		}
		return true
	})
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	h.l.deliver(Entry{
		Timestamp: ts.In(beijing).Format("2006-01-02 15:04:05"),
		Level:     levelTag(r.Level),
		Module:    module,
		Message:   r.Message,
	})
	return nil
}

func (h *sinkHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &sinkHandler{l: h.l, attrs: merged}
}

func (h *sinkHandler) WithGroup(string) slog.Handler { return h }

func (l *Logger) deliver(e Entry) {
	l.mu.Lock()
	l.recent.Add(e.Signature())
	l.appendRingLocked(e)
	subs := make([]func(Entry), 0, len(l.subscribers))
	for _, fn := range l.subscribers {
		subs = append(subs, fn)
	}
	console := l.console
	color := l.color
	l.mu.Unlock()

	if console != nil {
		fmt.Fprintln(console, formatConsole(e, color))
	}
	if l.fileEnabled {
		l.enqueue(formatLine(e))
	}
	for _, fn := range subs {
		fn(e)
	}
}

func (l *Logger) appendRingLocked(e Entry) {
	l.ring = append(l.ring, e)
	if len(l.ring) > ringSize {
		l.ring = l.ring[len(l.ring)-ringSize:]
	}
}

// Ring returns a copy of the buffered recent entries, oldest first.
func (l *Logger) Ring() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.ring))
	copy(out, l.ring)
	return out
}

// Subscribe registers fn for every future entry and returns an unsubscribe
// function. The callback runs on the logging goroutine; keep it fast.
func (l *Logger) Subscribe(fn func(Entry)) func() {
	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subscribers[id] = fn
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.subscribers, id)
		l.mu.Unlock()
	}
}

// SeenRecently reports whether an identical entry was produced by this
// process. The tail watcher uses it to suppress echoed lines.
func (l *Logger) SeenRecently(sig string) bool {
	return l.recent.Has(sig)
}

// emitExternal delivers a tailed entry to the ring and subscribers without
// re-writing it to the file (that is where it came from).
func (l *Logger) emitExternal(e Entry) {
	l.mu.Lock()
	l.appendRingLocked(e)
	subs := make([]func(Entry), 0, len(l.subscribers))
	for _, fn := range l.subscribers {
		subs = append(subs, fn)
	}
	l.mu.Unlock()
	for _, fn := range subs {
		fn(e)
	}
}

// ── file sink ───────────────────────────────────────────────────────────────

func (l *Logger) enqueue(line string) {
	l.queueMu.Lock()
	l.queue = append(l.queue, line)
	l.queueMu.Unlock()
	l.queueCond.Signal()
}

func (l *Logger) drainLoop() {
	for {
		l.queueMu.Lock()
		for len(l.queue) == 0 && !l.closing {
			l.queueCond.Wait()
		}
		lines := l.queue
		l.queue = nil
		closing := l.closing
		l.queueMu.Unlock()

		if l.fileEnabled {
			for _, line := range lines {
				l.writeFileLine(line)
			}
		}
		if closing {
			if l.file != nil {
				_ = l.file.Close()
				l.file = nil
			}
			close(l.drained)
			return
		}
	}
}

// writeFileLine appends a line to today's file, rotating when the Beijing
// date string changes.
func (l *Logger) writeFileLine(line string) {
	today := time.Now().In(beijing).Format("2006-01-02")
	if l.file == nil || l.fileDate != today {
		if l.file != nil {
			_ = l.file.Close()
			l.file = nil
		}
		if err := os.MkdirAll(l.logDir, 0o755); err != nil {
			return
		}
		f, err := os.OpenFile(filepath.Join(l.logDir, today+".log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return
		}
		l.file = f
		l.fileDate = today
	}
	_, _ = l.file.WriteString(line + "\n")
}

// CurrentFilePath returns the path the file sink writes to right now.
func (l *Logger) CurrentFilePath() string {
	return filepath.Join(l.logDir, time.Now().In(beijing).Format("2006-01-02")+".log")
}

// Close drains the file queue and closes the file handle.
func (l *Logger) Close() {
	l.queueMu.Lock()
	if l.closing {
		l.queueMu.Unlock()
		return
	}
	l.closing = true
	l.queueMu.Unlock()
	l.queueCond.Signal()
	<-l.drained
}

func formatLine(e Entry) string {
	return fmt.Sprintf("[%s] [%s] [%s] %s", e.Timestamp, e.Level, e.Module, e.Message)
}

func formatConsole(e Entry, color bool) string {
	if !color {
		return formatLine(e)
	}
	var c string
	switch e.Level {
	case "DEBUG":
		c = "\033[36m"
	case "ERROR":
		c = "\033[31m"
	default:
		c = "\033[32m"
	}
	return fmt.Sprintf("[%s] %s[%s]\033[0m [%s] %s", e.Timestamp, c, e.Level, e.Module, e.Message)
}

// ── package-level default ───────────────────────────────────────────────────

var (
	defaultMu sync.RWMutex
	// Default is the process-wide logger. Setup replaces it; tests may swap
	// in their own.
	Default = New(os.Stdout, ParseLevel(os.Getenv("LOG_LEVEL")), "")
)

// Setup replaces the package logger with one writing the daily file under
// logDir. The previous logger is closed.
func Setup(level Level, logDir string) *Logger {
	l := New(os.Stdout, level, logDir)
	defaultMu.Lock()
	old := Default
	Default = l
	defaultMu.Unlock()
	if old != nil {
		old.Close()
	}
	return l
}

// Get returns the package logger.
func Get() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return Default
}

// Debug logs to the package logger.
func Debug(module, format string, args ...interface{}) { Get().Debug(module, format, args...) }

// Info logs to the package logger.
func Info(module, format string, args ...interface{}) { Get().Info(module, format, args...) }

// Error logs to the package logger.
func Error(module, format string, args ...interface{}) { Get().Error(module, format, args...) }
