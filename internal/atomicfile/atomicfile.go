// Package atomicfile writes files via a temp sibling and an atomic rename.
package atomicfile

import (
	"io"
	"os"
	"path/filepath"
)

// Write streams content to a temporary file next to path, fsyncs it, and
// renames it into place. On error the temp file is removed and the target
// is left untouched.
func Write(path string, write func(w io.Writer) error) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if err = write(tmp); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
