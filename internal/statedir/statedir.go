// Package statedir manages rigwatch's on-disk state directory: rule
// definitions, recent alerts and the append-only metrics log. All writes go
// through write-to-temp plus atomic rename, and a cross-process lock keeps
// two daemons from sharing one directory.
package statedir

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

const (
	RulesFile   = "rules.json"
	AlertsFile  = "alerts.json"
	MetricsFile = "metrics.ndjson"
	lockFile    = "rigwatch.lock"
)

// Dir is an opened, locked state directory.
type Dir struct {
	path string
	lock *flock.Flock
}

// Open creates the directory if needed and takes the exclusive lock.
// A second daemon pointed at the same directory fails fast instead of
// corrupting shared files.
func Open(path string) (*Dir, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}
	lock := flock.New(filepath.Join(path, lockFile))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking state dir: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("state dir %s is locked by another process", path)
	}
	return &Dir{path: path, lock: lock}, nil
}

// Close releases the directory lock.
func (d *Dir) Close() error {
	if d.lock == nil {
		return nil
	}
	return d.lock.Unlock()
}

// Path returns the absolute location of a file inside the directory.
func (d *Dir) Path(name string) string {
	return filepath.Join(d.path, name)
}

// WriteJSON atomically replaces a JSON file in the directory.
func (d *Dir) WriteJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return WriteFileAtomic(d.Path(name), data, 0o644)
}

// ReadJSON loads a JSON file. A missing file is not an error; v is left
// untouched and ok is false.
func (d *Dir) ReadJSON(name string, v any) (ok bool, err error) {
	data, err := os.ReadFile(d.Path(name))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("parsing %s: %w", name, err)
	}
	return true, nil
}

// WriteFileAtomic writes data through a uniquely-named temp file in the
// target's directory and renames it into place. Rename is atomic on POSIX,
// so readers never observe a partial file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmp := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Chmod(tmp, perm); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// AppendLine appends one line to a file, creating it if needed. Used for
// the NDJSON metrics log where atomic replace would lose history.
func (d *Dir) AppendLine(name string, line []byte) error {
	f, err := os.OpenFile(d.Path(name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return err
	}
	_, err = f.Write([]byte{'\n'})
	return err
}

// ReadNDJSON hands each complete line of an NDJSON file to fn.
// Unparseable lines are skipped: a crash mid-append
// legitimately leaves a truncated tail.
func (d *Dir) ReadNDJSON(name string, fn func(line []byte) error) error {
	f, err := os.Open(d.Path(name))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 || !json.Valid(line) {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	return sc.Err()
}

// Rotate renames a file to a dated sibling, e.g. metrics.ndjson ->
// metrics-2026-08-26.ndjson. Missing source is a no-op.
func (d *Dir) Rotate(name, date string) error {
	src := d.Path(name)
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil
	}
	ext := filepath.Ext(name)
	dst := d.Path(name[:len(name)-len(ext)] + "-" + date + ext)
	return os.Rename(src, dst)
}
