package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mealtrace/mealtrace/internal/logging"
)

var storeLog = logging.ForComponent(logging.CompStore)

// maxLineSize bounds a single JSONL record (4MB).
const maxLineSize = 4 * 1024 * 1024

// CreatedStamper is implemented by records that carry a write timestamp.
// Append stamps it when unset so that reverse line order always equals
// reverse write order.
type CreatedStamper interface {
	StampCreated(now time.Time)
}

// LogStore is the byte-level append/read primitive over newline-delimited
// JSON shard files. Each dataset is identified by (user, category, name)
// and lives at <root>/<user>/<category>/<name>.jsonl.
type LogStore struct {
	root string
}

// New returns a LogStore rooted at the given data directory.
func New(root string) *LogStore {
	return &LogStore{root: root}
}

// Root returns the data root directory.
func (s *LogStore) Root() string {
	return s.root
}

// DatasetPath derives the on-disk path for a dataset. Path components
// containing separators are rejected to keep user data namespaced.
func (s *LogStore) DatasetPath(user, category, name string) (string, error) {
	for _, part := range []string{user, category, name} {
		if part == "" {
			return "", fmt.Errorf("empty dataset path component")
		}
		if strings.ContainsAny(part, "/\\") || part == ".." {
			return "", fmt.Errorf("invalid dataset path component %q", part)
		}
	}
	return filepath.Join(s.root, user, category, name+".jsonl"), nil
}

// Append serializes rec to one JSON line and appends it to the dataset,
// creating parent directories on first use. The line is fully built in
// memory before the file is touched, so a serialization failure never
// leaves a partial write.
func Append[T any](s *LogStore, user, category, name string, rec T) error {
	if cs, ok := any(rec).(CreatedStamper); ok {
		cs.StampCreated(time.Now())
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	path, err := s.DatasetPath(user, category, name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dataset dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open dataset %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append to dataset %s: %w", path, err)
	}
	return nil
}

// LoadDataset reads every parseable record in file order (oldest first).
// Unparseable lines are skipped. A missing file yields an empty slice.
func LoadDataset[T any](s *LogStore, user, category, name string) ([]T, error) {
	path, err := s.DatasetPath(user, category, name)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open dataset %s: %w", path, err)
	}
	defer f.Close()

	var out []T
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec T
		if err := json.Unmarshal(line, &rec); err != nil {
			storeLog.Debug("skip_bad_line",
				slog.String("dataset", path),
				slog.Int("line", lineNo),
				slog.String("error", err.Error()),
			)
			continue
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan dataset %s: %w", path, err)
	}
	return out, nil
}

// ReadDataset returns up to limit records in reverse file order, i.e.
// most recently appended first. Callers rely on this for "recent N"
// semantics without consulting timestamps.
func ReadDataset[T any](s *LogStore, user, category, name string, limit int) ([]T, error) {
	records, err := LoadDataset[T](s, user, category, name)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// WriteDataset rewrites the entire dataset from the given records, used
// after a dedup match requires replacing one record in place. All lines
// are serialized up front; the file is then replaced via tmp + rename so
// a crash mid-rewrite cannot truncate it.
func WriteDataset[T any](s *LogStore, user, category, name string, records []T) error {
	var buf bytes.Buffer
	for _, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	path, err := s.DatasetPath(user, category, name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dataset dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write tmp dataset: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename dataset %s: %w", path, err)
	}
	return nil
}

// DatasetExists reports whether the dataset file is present on disk.
func (s *LogStore) DatasetExists(user, category, name string) bool {
	path, err := s.DatasetPath(user, category, name)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// RemoveDataset deletes a dataset file. Missing files are not an error.
func (s *LogStore) RemoveDataset(user, category, name string) error {
	path, err := s.DatasetPath(user, category, name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove dataset %s: %w", path, err)
	}
	return nil
}

// ListDatasets returns the shard names (without extension) present under
// a user's category directory, sorted lexicographically. A missing
// directory yields an empty slice.
func (s *LogStore) ListDatasets(user, category string) ([]string, error) {
	for _, part := range []string{user, category} {
		if part == "" || strings.ContainsAny(part, "/\\") || part == ".." {
			return nil, fmt.Errorf("invalid dataset path component %q", part)
		}
	}
	dir := filepath.Join(s.root, user, category)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list datasets %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".jsonl"))
	}
	sort.Strings(names)
	return names, nil
}
