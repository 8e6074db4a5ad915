// Package logging installs the process-wide loggo writer: structured JSON
// for production, plain text for development.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo"
)

// Entry is one rendered log line.
type Entry struct {
	Level   string `json:"level"`
	Time    string `json:"time"`
	Message string `json:"msg"`
	Module  string `json:"module,omitempty"`
	Caller  string `json:"caller,omitempty"`
}

// Writer renders loggo entries as JSON objects or text lines.
type Writer struct {
	mu   sync.Mutex
	out  io.Writer
	json bool
}

// NewWriter creates a Writer on out.
func NewWriter(out io.Writer, asJSON bool) *Writer {
	return &Writer{out: out, json: asJSON}
}

// Write implements loggo.Writer.
func (w *Writer) Write(e loggo.Entry) {
	entry := Entry{
		Level:   levelName(e.Level),
		Time:    e.Timestamp.UTC().Format(time.RFC3339),
		Message: e.Message,
		Module:  e.Module,
	}
	if e.Filename != "" {
		entry.Caller = fmt.Sprintf("%s:%d", filepath.Base(e.Filename), e.Line)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.json {
		data, _ := json.Marshal(entry)
		fmt.Fprintln(w.out, string(data))
		return
	}
	fmt.Fprintf(w.out, "[%s] %s %s %s\n", entry.Level, entry.Time, entry.Module, entry.Message)
}

func levelName(l loggo.Level) string {
	switch l {
	case loggo.TRACE:
		return "trace"
	case loggo.DEBUG:
		return "debug"
	case loggo.INFO:
		return "info"
	case loggo.WARNING:
		return "warn"
	case loggo.ERROR:
		return "error"
	case loggo.CRITICAL:
		return "critical"
	}
	return "unspecified"
}

// ParseLevel accepts the level names used in configuration.
func ParseLevel(s string) (loggo.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return loggo.TRACE, nil
	case "debug":
		return loggo.DEBUG, nil
	case "", "info":
		return loggo.INFO, nil
	case "warn", "warning":
		return loggo.WARNING, nil
	case "error":
		return loggo.ERROR, nil
	}
	return loggo.UNSPECIFIED, errors.NotValidf("log level %q", s)
}

// Options selects the output format and threshold.
type Options struct {
	Level  string
	Format string
	Env    string
}

// UseJSON reports whether entries are rendered as JSON.
func (o Options) UseJSON() bool {
	return o.Format == "json" || (o.Format == "" && o.Env == "production")
}

// Configure replaces the default loggo writer with one on out and sets the
// root level.
func Configure(out io.Writer, opts Options) error {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return errors.Trace(err)
	}
	if _, err := loggo.ReplaceDefaultWriter(NewWriter(out, opts.UseJSON())); err != nil {
		return errors.Annotate(err, "installing log writer")
	}
	loggo.GetLogger("").SetLogLevel(level)
	return nil
}
