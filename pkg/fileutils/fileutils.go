// Package fileutils provides the crash-safe file primitives the state
// store and HBA manager build on: atomic temp-file-then-rename writes,
// existence checks and small directory helpers.
package fileutils

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FileExists reports whether the named file exists.
func FileExists(name string) (bool, error) {
	_, err := os.Stat(name)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// WriteFileAtomic writes data to filename by writing to a temporary file in
// the same directory, fsync-ing it, and renaming it over the destination.
// It reports whether the content actually changed: a no-op write when the
// existing content is byte-identical returns changed=false and performs no
// filesystem mutation.
func WriteFileAtomic(filename string, data []byte, perm os.FileMode) (changed bool, err error) {
	if existing, readErr := os.ReadFile(filename); readErr == nil {
		if bytes.Equal(existing, data) {
			return false, nil
		}
	}

	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return false, fmt.Errorf("while creating directory %q: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(filename)+"-")
	if err != nil {
		return false, fmt.Errorf("while creating temporary file in %q: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return false, fmt.Errorf("while writing temporary file %q: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return false, fmt.Errorf("while fsyncing temporary file %q: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("while closing temporary file %q: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return false, fmt.Errorf("while chmod-ing temporary file %q: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, filename); err != nil {
		return false, fmt.Errorf("while renaming %q to %q: %w", tmpName, filename, err)
	}

	return true, nil
}

// WriteStringToFile is a convenience wrapper of WriteFileAtomic for text
// content.
func WriteStringToFile(filename, content string) (changed bool, err error) {
	return WriteFileAtomic(filename, []byte(content), 0o600)
}

// AppendStringToFile appends content to an existing file, creating it if
// necessary. Used by the HBA Manager, which only ever grows its rule file
//.
func AppendStringToFile(filename, content string) error {
	f, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("while opening %q for append: %w", filename, err)
	}
	defer func() {
		_ = f.Close()
	}()

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("while appending to %q: %w", filename, err)
	}
	return f.Sync()
}

// RemoveFile removes a file, tolerating it already being absent.
func RemoveFile(filename string) error {
	err := os.Remove(filename)
	if err == nil || os.IsNotExist(err) {
		return nil
	}
	return err
}

// CopyFile copies src to dst, creating any missing destination directory.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("while opening source %q: %w", src, err)
	}
	defer func() {
		_ = in.Close()
	}()

	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return fmt.Errorf("while creating directory for %q: %w", dst, err)
	}

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("while creating destination %q: %w", dst, err)
	}
	defer func() {
		_ = out.Close()
	}()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("while copying %q to %q: %w", src, dst, err)
	}
	return out.Sync()
}
