package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// OpLog is a per-operation plain-text log file. One file is created for every
// lifecycle invocation, named by profile and start time, so an operator can
// review a single run end to end. Writes also pass through the global logger.
type OpLog struct {
	mu      sync.Mutex
	file    *os.File
	profile string
}

// NewOpLog opens a log file for one operation. A nil OpLog is usable: all
// writes go to the global logger only.
func NewOpLog(dir, profileName string, start time.Time) (*OpLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create ops log directory: %w", err)
	}

	name := fmt.Sprintf("%s_%s.log", sanitize(profileName), start.Format("20060102_150405"))
	file, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open operation log: %w", err)
	}
	return &OpLog{file: file, profile: profileName}, nil
}

// Printf appends one timestamped line to the operation log.
func (o *OpLog) Printf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	log.Printf("[Op:%s] %s", o.name(), msg)
	if o == nil || o.file == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	fmt.Fprintf(o.file, "%s %s\n", time.Now().Format("2006-01-02 15:04:05"), msg)
}

func (o *OpLog) name() string {
	if o == nil {
		return "-"
	}
	return o.profile
}

// Close closes the underlying file.
func (o *OpLog) Close() error {
	if o == nil || o.file == nil {
		return nil
	}
	return o.file.Close()
}

func sanitize(name string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", " ", "_", ":", "_")
	out := replacer.Replace(strings.TrimSpace(name))
	if out == "" {
		out = "unnamed"
	}
	return out
}
