package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// JobLog represents a single completed (or failed) job entry.
type JobLog struct {
	Timestamp    time.Time `json:"timestamp"`
	JobID        string    `json:"job_id"`
	JobType      string    `json:"job_type"`
	Model        string    `json:"model,omitempty"`
	DurationMs   int64     `json:"duration_ms"`
	InputTokens  int64     `json:"input_tokens"`
	CachedTokens int64     `json:"cached_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	Requests     int64     `json:"requests"`
	Delegations  int       `json:"delegations,omitempty"`
	Cost         float64   `json:"cost"`
	Success      bool      `json:"success"`
	Error        string    `json:"error,omitempty"`
}

// Logger handles per-job logging.
type Logger struct {
	mu      sync.Mutex
	enabled bool
	file    *os.File
	console bool
}

var defaultLogger = &Logger{enabled: true}

// Default returns the default job logger. Console output is off until
// enabled; daemon mode turns it on.
func Default() *Logger {
	return defaultLogger
}

// SetOutput sets the log output file.
func (l *Logger) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// SetConsole enables/disables console output.
func (l *Logger) SetConsole(enabled bool) {
	l.mu.Lock()
	l.console = enabled
	l.mu.Unlock()
}

// Log writes a job log entry.
func (l *Logger) Log(entry *JobLog) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	entry.Timestamp = time.Now()

	// Console output (human-readable)
	if l.console {
		status := "✓"
		if !entry.Success {
			status = "✗"
		}
		deleg := ""
		if entry.Delegations > 0 {
			deleg = fmt.Sprintf(" [delegated:%d]", entry.Delegations)
		}
		fmt.Printf("[job] %s %s %s %s %dms $%.6f%s\n",
			status, entry.JobID, entry.JobType, entry.Model, entry.DurationMs, entry.Cost, deleg)
		if entry.Error != "" {
			fmt.Printf("[job]   error: %s\n", entry.Error)
		}
	}

	// File output (JSON)
	if l.file != nil {
		data, _ := json.Marshal(entry)
		l.file.Write(append(data, '\n'))
	}
}

// Close closes the log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
