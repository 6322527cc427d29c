package execution

import (
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sdmd/internal/fulfillment"
)

// ProgressLog collects a goal's output.
type ProgressLog interface {
	fulfillment.Log
	Flush() error
	Close() error
	// URL links to the stored log, if the log is published anywhere.
	URL() string
	// Log returns what has been written so far.
	Log() string
}

// DefaultMaxLogSize caps a BufferedLog.
const DefaultMaxLogSize = 1 << 20

// BufferedLog keeps output in memory, dropping the oldest output beyond
// its cap.
type BufferedLog struct {
	mu        sync.Mutex
	buf       strings.Builder
	max       int
	truncated bool
	url       string
}

// NewBufferedLog returns a log holding at most max bytes. max <= 0 uses
// DefaultMaxLogSize.
func NewBufferedLog(max int) *BufferedLog {
	if max <= 0 {
		max = DefaultMaxLogSize
	}
	return &BufferedLog{max: max}
}

func (l *BufferedLog) Write(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf.WriteString(msg)
	if !strings.HasSuffix(msg, "\n") {
		l.buf.WriteByte('\n')
	}
	if l.buf.Len() > l.max {
		s := l.buf.String()
		s = s[len(s)-l.max:]
		if i := strings.IndexByte(s, '\n'); i >= 0 && i < len(s)-1 {
			s = s[i+1:]
		}
		l.buf.Reset()
		l.buf.WriteString(s)
		l.truncated = true
	}
}

// Truncated reports whether output was dropped.
func (l *BufferedLog) Truncated() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.truncated
}

// SetURL records where the log was published.
func (l *BufferedLog) SetURL(url string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.url = url
}

func (l *BufferedLog) Flush() error { return nil }
func (l *BufferedLog) Close() error { return nil }

func (l *BufferedLog) URL() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.url
}

func (l *BufferedLog) Log() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.String()
}

// LoggingLog writes each line to a zap logger.
type LoggingLog struct {
	logger *zap.Logger
}

func NewLoggingLog(logger *zap.Logger) *LoggingLog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingLog{logger: logger}
}

func (l *LoggingLog) Write(msg string) {
	for _, line := range strings.Split(strings.TrimRight(msg, "\n"), "\n") {
		l.logger.Info("goal progress", zap.String("line", line))
	}
}

func (l *LoggingLog) Flush() error { return l.logger.Sync() }
func (l *LoggingLog) Close() error { return nil }
func (l *LoggingLog) URL() string  { return "" }
func (l *LoggingLog) Log() string  { return "" }

// TeeLog writes to several logs. URL and Log come from the first log that
// has one.
type TeeLog []ProgressLog

func (t TeeLog) Write(msg string) {
	for _, l := range t {
		l.Write(msg)
	}
}

func (t TeeLog) Flush() error {
	var errs []error
	for _, l := range t {
		errs = append(errs, l.Flush())
	}
	return errors.Join(errs...)
}

func (t TeeLog) Close() error {
	var errs []error
	for _, l := range t {
		errs = append(errs, l.Close())
	}
	return errors.Join(errs...)
}

func (t TeeLog) URL() string {
	for _, l := range t {
		if u := l.URL(); u != "" {
			return u
		}
	}
	return ""
}

func (t TeeLog) Log() string {
	for _, l := range t {
		if s := l.Log(); s != "" {
			return s
		}
	}
	return ""
}

// Redactor removes secrets from text.
type Redactor interface {
	RedactString(content string) string
}

// RedactingLog scrubs every write before passing it on.
type RedactingLog struct {
	ProgressLog
	redactor Redactor
}

func NewRedactingLog(inner ProgressLog, r Redactor) *RedactingLog {
	return &RedactingLog{ProgressLog: inner, redactor: r}
}

func (l *RedactingLog) Write(msg string) {
	l.ProgressLog.Write(l.redactor.RedactString(msg))
}

// logWriter adapts a ProgressLog to io.Writer for subprocess output.
type logWriter struct{ log ProgressLog }

func (w logWriter) Write(p []byte) (int, error) {
	w.log.Write(string(p))
	return len(p), nil
}

var (
	_ ProgressLog = (*BufferedLog)(nil)
	_ ProgressLog = (*LoggingLog)(nil)
	_ ProgressLog = TeeLog(nil)
	_ ProgressLog = (*RedactingLog)(nil)
)
