// Package flaglog persists flagged samples as an append-only JSON-lines file.
package flaglog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"demoserve/pkg/types"
)

// Default layout inside a serve directory.
const (
	DefaultDir  = "static/flagged"
	DefaultFile = "data.txt"
)

// Log appends FlagRecords to <Dir>/<File>. Appends are serialized so that
// concurrent requests never interleave partial lines. The file is never
// truncated or rewritten.
type Log struct {
	mu   sync.Mutex
	dir  string
	path string
}

// New returns a Log writing file inside dir. The directory is created on
// first use.
func New(dir, file string) *Log {
	if file == "" {
		file = DefaultFile
	}
	return &Log{dir: dir, path: filepath.Join(dir, file)}
}

// Dir is the flag directory where collaborators store flagged artifacts.
func (l *Log) Dir() string { return l.dir }

// Path is the log file path.
func (l *Log) Path() string { return l.path }

// EnsureDir creates the flag directory if needed and returns it.
func (l *Log) EnsureDir() (string, error) {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return "", fmt.Errorf("create flag dir: %w", err)
	}
	return l.dir, nil
}

// Append writes rec as one line.
func (l *Log) Append(rec types.FlagRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode flag record: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.EnsureDir(); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open flag log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("append flag log: %w", err)
	}
	return f.Close()
}

// Read parses every record of the log at path. A missing file yields no
// records.
func Read(path string) ([]types.FlagRecord, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []types.FlagRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16<<20)
	for n := 1; sc.Scan(); n++ {
		var rec types.FlagRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return out, fmt.Errorf("%s line %d: %w", path, n, err)
		}
		out = append(out, rec)
	}
	return out, sc.Err()
}
