// Package confmut patches key=value style configuration files so that
// repeated provisioning runs converge on byte-identical output.
//
// Ownership boundary:
// - first-touch backups of mutated files
// - line predicates and in-place key rewrites
// - atomic write-back
package confmut

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/danmuck/edgeprov/internal/observability"
	"github.com/rs/zerolog/log"
)

// DefaultBackupSuffix marks the first-touch copy of a mutated file.
const DefaultBackupSuffix = ".bak"

var ErrEmptyKey = errors.New("confmut: empty key")

// Status is the outcome of one mutation.
type Status string

const (
	StatusChanged   Status = "changed"
	StatusUnchanged Status = "unchanged"
	StatusSkipped   Status = "skipped"
)

// Result describes what a mutation did to one file.
type Result struct {
	Path   string
	Op     string
	Status Status
	Backup string
	Before string
	After  string
	Reason string
}

// Skipped reports whether the target file was absent.
func (r Result) Skipped() bool {
	return r.Status == StatusSkipped
}

// WriteError is returned when a target path cannot be backed up or rewritten.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("config write %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// Predicate selects lines of a config file.
type Predicate func(line string) bool

// HasKey matches lines of the form KEY=... Comment lines never match.
func HasKey(key string) Predicate {
	prefix := key + "="
	return func(line string) bool {
		return strings.HasPrefix(line, prefix)
	}
}

// Equals matches one exact line.
func Equals(want string) Predicate {
	return func(line string) bool {
		return line == want
	}
}

// Session scopes first-touch backups to one provisioning run.
type Session struct {
	suffix string

	mu       sync.Mutex
	backedUp map[string]string
}

// NewSession creates a mutation session. An empty suffix selects DefaultBackupSuffix.
func NewSession(suffix string) *Session {
	if strings.TrimSpace(suffix) == "" {
		suffix = DefaultBackupSuffix
	}
	return &Session{suffix: suffix, backedUp: make(map[string]string)}
}

// EnsureLine appends line unless some existing line satisfies pred.
func (s *Session) EnsureLine(path string, pred Predicate, line string) (Result, error) {
	return s.mutate(path, "ensure_line", func(lines []string) ([]string, string, string) {
		for _, existing := range lines {
			if pred(existing) {
				return lines, existing, existing
			}
		}
		return append(lines, line), "", line
	})
}

// SetKeyValue rewrites the first KEY= line in place, or appends KEY=value.
func (s *Session) SetKeyValue(path, key, value string) (Result, error) {
	if strings.TrimSpace(key) == "" {
		return Result{Path: path, Op: "set_key"}, ErrEmptyKey
	}
	want := key + "=" + value
	match := HasKey(key)
	return s.mutate(path, "set_key", func(lines []string) ([]string, string, string) {
		for i, existing := range lines {
			if match(existing) {
				out := append([]string(nil), lines...)
				out[i] = want
				return out, existing, want
			}
		}
		return append(lines, want), "", want
	})
}

type editFunc func(lines []string) (out []string, before string, after string)

func (s *Session) mutate(path, op string, edit editFunc) (Result, error) {
	res := Result{Path: path, Op: op}

	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		res.Status = StatusSkipped
		res.Reason = "file not present"
		log.Info().Str("path", path).Str("op", op).Msg("confmut.skipped")
		observability.RecordConfigMutation(op, string(res.Status))
		return res, nil
	}
	if err != nil {
		return res, &WriteError{Path: path, Err: err}
	}
	if !info.Mode().IsRegular() {
		return res, &WriteError{Path: path, Err: fmt.Errorf("not a regular file")}
	}

	original, err := os.ReadFile(path)
	if err != nil {
		return res, &WriteError{Path: path, Err: err}
	}

	lines, trailingNewline := splitLines(original)
	out, before, after := edit(lines)
	res.Before = before
	res.After = after

	updated := joinLines(out, trailingNewline || len(lines) == 0)
	backup, err := s.ensureBackup(path, original, info.Mode().Perm())
	if err != nil {
		return res, &WriteError{Path: path, Err: err}
	}
	res.Backup = backup

	if bytes.Equal(updated, original) {
		res.Status = StatusUnchanged
		log.Debug().Str("path", path).Str("op", op).Str("line", after).Msg("confmut.unchanged")
		observability.RecordConfigMutation(op, string(res.Status))
		return res, nil
	}

	if err := writeAtomic(path, updated, info.Mode().Perm()); err != nil {
		return res, &WriteError{Path: path, Err: err}
	}
	res.Status = StatusChanged
	log.Info().
		Str("path", path).
		Str("op", op).
		Str("before", diffSide(before)).
		Str("after", after).
		Str("backup", backup).
		Msg("confmut.changed")
	observability.RecordConfigMutation(op, string(res.Status))
	return res, nil
}

// ensureBackup writes path+suffix once. An existing backup from an earlier run is kept as-is.
func (s *Session) ensureBackup(path string, original []byte, perm os.FileMode) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if backup, ok := s.backedUp[path]; ok {
		return backup, nil
	}
	backup := path + s.suffix
	if _, err := os.Stat(backup); err == nil {
		s.backedUp[path] = backup
		return backup, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	if err := writeAtomic(backup, original, perm); err != nil {
		return "", fmt.Errorf("backup: %w", err)
	}
	log.Info().Str("path", path).Str("backup", backup).Msg("confmut.backup")
	s.backedUp[path] = backup
	return backup, nil
}

func splitLines(data []byte) ([]string, bool) {
	if len(data) == 0 {
		return nil, false
	}
	text := string(data)
	trailing := strings.HasSuffix(text, "\n")
	text = strings.TrimSuffix(text, "\n")
	return strings.Split(text, "\n"), trailing
}

func joinLines(lines []string, trailingNewline bool) []byte {
	if len(lines) == 0 {
		return nil
	}
	text := strings.Join(lines, "\n")
	if trailingNewline {
		text += "\n"
	}
	return []byte(text)
}

func diffSide(line string) string {
	if line == "" {
		return "<absent>"
	}
	return line
}

func writeAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".edgeprov-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
