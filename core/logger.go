package core

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Log levels in increasing severity.
const (
	levelDebug = iota
	levelInfo
	levelWarn
	levelError
)

// StdLogger writes leveled structured logs. It emits JSON lines when the
// format is "json" (auto-selected in Kubernetes for log aggregation) and
// human-readable text otherwise.
type StdLogger struct {
	level   int
	format  string
	service string

	mu  sync.Mutex
	out io.Writer
}

// NewStdLogger creates a logger for the named service. Level is one of
// debug, info, warn, error (case-insensitive, default info). Format is
// "json" or "text"; empty auto-detects from the environment.
func NewStdLogger(service, level, format string) *StdLogger {
	if format == "" {
		format = "text"
		if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
			format = "json"
		}
	}
	return &StdLogger{
		level:   parseLevel(level),
		format:  format,
		service: service,
		out:     os.Stdout,
	}
}

func parseLevel(level string) int {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return levelDebug
	case "warn", "warning":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

func (l *StdLogger) Debug(msg string, fields map[string]interface{}) {
	l.log(levelDebug, "DEBUG", msg, fields)
}

func (l *StdLogger) Info(msg string, fields map[string]interface{}) {
	l.log(levelInfo, "INFO", msg, fields)
}

func (l *StdLogger) Warn(msg string, fields map[string]interface{}) {
	l.log(levelWarn, "WARN", msg, fields)
}

func (l *StdLogger) Error(msg string, fields map[string]interface{}) {
	l.log(levelError, "ERROR", msg, fields)
}

func (l *StdLogger) log(level int, name, msg string, fields map[string]interface{}) {
	if level < l.level {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.format == "json" {
		entry := make(map[string]interface{}, len(fields)+4)
		for k, v := range fields {
			entry[k] = v
		}
		entry["time"] = time.Now().UTC().Format(time.RFC3339Nano)
		entry["level"] = name
		entry["service"] = l.service
		entry["message"] = msg
		if data, err := json.Marshal(entry); err == nil {
			fmt.Fprintln(l.out, string(data))
			return
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] %s: %s", time.Now().Format("2006-01-02 15:04:05"), name, l.service, msg)
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	fmt.Fprintln(l.out, b.String())
}
