package logger

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// sink is shared by a logger and every child created with Named.
type sink struct {
	mu      sync.Mutex
	out     io.Writer
	errOut  io.Writer
	fileLog *os.File
	hasBar  bool
}

// Logger handles leveled logging with optional file output
type Logger struct {
	Verbose bool
	prefix  string
	sink    *sink
}

// New creates a new Logger instance
func New(verbose bool) *Logger {
	return &Logger{
		Verbose: verbose,
		sink:    &sink{out: os.Stdout, errOut: os.Stderr},
	}
}

// NewWriter creates a Logger that writes every level to w.
func NewWriter(w io.Writer, verbose bool) *Logger {
	return &Logger{
		Verbose: verbose,
		sink:    &sink{out: w, errOut: w},
	}
}

// Named returns a child logger that prefixes messages with [component].
func (l *Logger) Named(component string) *Logger {
	prefix := "[" + component + "] "
	if l.prefix != "" {
		prefix = l.prefix[:len(l.prefix)-2] + "/" + component + "] "
	}
	return &Logger{
		Verbose: l.Verbose,
		prefix:  prefix,
		sink:    l.sink,
	}
}

// SetFileLog enables logging to a file
func (l *Logger) SetFileLog(path string) error {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	l.sink.fileLog = f
	return nil
}

// SetProgressBar indicates that a progress bar owns the terminal
func (l *Logger) SetProgressBar(active bool) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.hasBar = active
}

// Close closes the log file if open
func (l *Logger) Close() error {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()

	if l.sink.fileLog != nil {
		err := l.sink.fileLog.Close()
		l.sink.fileLog = nil
		return err
	}
	return nil
}

// Info logs informational messages
func (l *Logger) Info(format string, args ...interface{}) {
	l.log("INFO", format, args...)
}

// Debug logs detailed messages only in verbose mode
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.Verbose {
		l.log("DEBUG", format, args...)
	} else {
		// Always log debug to file even in non-verbose mode
		l.logToFile("DEBUG", format, args...)
	}
}

// Warn logs warning messages
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log("WARN", format, args...)
}

// Error logs error messages to stderr
func (l *Logger) Error(format string, args ...interface{}) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()

	msg := l.format("ERROR", format, args...)
	fmt.Fprint(l.sink.errOut, msg)

	if l.sink.fileLog != nil {
		l.sink.fileLog.WriteString(stamp() + msg)
	}
}

func (l *Logger) log(level, format string, args ...interface{}) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()

	msg := l.format(level, format, args...)
	// Write to stdout unless a progress bar is drawing and we are not verbose
	if l.Verbose || !l.sink.hasBar {
		fmt.Fprint(l.sink.out, msg)
	}

	if l.sink.fileLog != nil {
		l.sink.fileLog.WriteString(stamp() + msg)
	}
}

func (l *Logger) logToFile(level, format string, args ...interface{}) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()

	if l.sink.fileLog != nil {
		l.sink.fileLog.WriteString(stamp() + l.format(level, format, args...))
	}
}

func (l *Logger) format(level, format string, args ...interface{}) string {
	if level == "INFO" {
		return l.prefix + fmt.Sprintf(format, args...) + "\n"
	}
	return "[" + level + "] " + l.prefix + fmt.Sprintf(format, args...) + "\n"
}

func stamp() string {
	return time.Now().Format("2006-01-02 15:04:05.000 ")
}
