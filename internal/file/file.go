package file

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const appDirPerm os.FileMode = 0o750

const tempPrefix = ".tmp-"

// ErrExists is returned by CreateAtomic when the destination already exists.
var ErrExists = errors.New("file already exists")

// EnsureDir creates the directory if it does not exist.
func EnsureDir(dirPath string) error {
	if dirPath == "" {
		return errors.New("empty dir path")
	}
	if err := os.MkdirAll(dirPath, appDirPerm); err != nil { //nolint:gosec // app-owned data dir
		return fmt.Errorf("ensure dir: %w", err)
	}
	return nil
}

// WriteJSONAtomic marshals the value and atomically writes it to filename.
// The write is performed via a temporary file in the same directory
// followed by a rename to ensure atomicity on most filesystems.
func WriteJSONAtomic(filename string, v any) error {
	if filename == "" {
		return errors.New("empty filename")
	}
	var buf bytes.Buffer
	jsonEncoder := json.NewEncoder(&buf)
	jsonEncoder.SetEscapeHTML(true)
	if err := jsonEncoder.Encode(v); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	tmpName, _, err := stage(filename, &buf)
	if err != nil {
		return err
	}
	// remove existing file to avoid permission issues on Windows
	if _, err := os.Stat(filename); err == nil {
		_ = os.Remove(filename)
	}
	if err := os.Rename(tmpName, filename); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename temp: %w", err)
	}
	return nil
}

// CreateAtomic writes data provided by the reader to a new file. The data is
// staged in a temporary file in the same directory and hard-linked into
// place, so readers never see a partial file and an existing destination is
// left untouched (ErrExists). It returns the number of bytes written.
func CreateAtomic(filename string, reader io.Reader) (int64, error) {
	tmpName, written, err := stage(filename, reader)
	if err != nil {
		return 0, err
	}
	defer func() { _ = os.Remove(tmpName) }()

	if err := os.Link(tmpName, filename); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return 0, ErrExists
		}
		return 0, fmt.Errorf("link temp: %w", err)
	}
	return written, nil
}

// stage copies reader into a synced temporary file next to filename.
func stage(filename string, reader io.Reader) (string, int64, error) {
	dir := filepath.Dir(filename)
	if err := EnsureDir(dir); err != nil {
		return "", 0, err
	}
	tempFile, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return "", 0, fmt.Errorf("create temp: %w", err)
	}
	tmpName := tempFile.Name()
	written, err := io.Copy(tempFile, reader)
	if err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tmpName)
		return "", 0, fmt.Errorf("copy to temp: %w", err)
	}
	// ensure data hits disk
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tmpName)
		return "", 0, fmt.Errorf("sync temp: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", 0, fmt.Errorf("close temp: %w", err)
	}
	return tmpName, written, nil
}

// IsTemp reports whether name is a staging file left by CreateAtomic.
func IsTemp(name string) bool {
	return strings.HasPrefix(filepath.Base(name), tempPrefix)
}

// DirSize sums the sizes of all regular files below dir. Files that vanish
// during the walk are skipped.
func DirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return total, fmt.Errorf("dir size: %w", err)
	}
	return total, nil
}
