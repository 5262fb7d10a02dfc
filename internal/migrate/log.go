package migrate

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/danmuck/edgeprov/internal/observability"
)

const (
	OutcomeCopied  = "copied"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
	OutcomePartial = "partial"
)

// Record is one append-only migration log entry.
type Record struct {
	ID          string    `json:"id"`
	RunID       string    `json:"run_id"`
	Time        time.Time `json:"time"`
	Volume      string    `json:"volume,omitempty"`
	Source      string    `json:"source"`
	Destination string    `json:"destination"`
	Strategy    string    `json:"strategy,omitempty"`
	Outcome     string    `json:"outcome"`
	Reason      string    `json:"reason,omitempty"`
	Copied      int       `json:"copied"`
	Skipped     int       `json:"skipped"`
	Failed      int       `json:"failed"`
	Bytes       int64     `json:"bytes"`
	Backup      string    `json:"backup,omitempty"`
}

// Log appends records as JSON lines and never rewrites earlier lines.
type Log struct {
	path string
	mu   sync.Mutex
}

func NewLog(path string) *Log {
	return &Log{path: path}
}

func (l *Log) Path() string { return l.path }

func (l *Log) Append(rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open migration log %s: %w", l.path, err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("append migration log %s: %w", l.path, err)
	}
	observability.RecordMigration(rec.Outcome)
	return f.Close()
}

// Tail returns the last n records, oldest first. n <= 0 returns all.
func (l *Log) Tail(n int) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("parse migration log %s: %w", l.path, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if n > 0 && len(records) > n {
		records = records[len(records)-n:]
	}
	return records, nil
}

// Migrated returns the latest copied or partial record for source into
// destination.
func (l *Log) Migrated(source, destination string) (Record, bool, error) {
	records, err := l.Tail(0)
	if err != nil {
		return Record{}, false, err
	}
	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		if r.Source != source || r.Destination != destination {
			continue
		}
		if r.Outcome == OutcomeCopied || r.Outcome == OutcomePartial {
			return r, true, nil
		}
	}
	return Record{}, false, nil
}
