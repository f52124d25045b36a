package pipeline

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const partialSuffix = ".part"

// writeError marks a failure on the local side of a transfer. Those are not
// retried since a fresh request cannot fix them.
type writeError struct {
	err error
}

func (e writeError) Error() string {
	return e.err.Error()
}

func (e writeError) Unwrap() error {
	return e.err
}

// fileStore writes payloads into a single directory. A payload is written to
// a sibling .part file and renamed into place once complete, so a failed or
// interrupted transfer never leaves a file that a later run would skip.
type fileStore struct {
	dir string
}

func (s fileStore) ensure() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", s.dir, err)
	}
	return nil
}

func (s fileStore) path(name string) string {
	return filepath.Join(s.dir, name)
}

func (s fileStore) exists(name string) bool {
	_, err := os.Stat(s.path(name))
	return err == nil
}

// write copies r to name. Errors reading r are returned as is; errors on the
// file side are wrapped in writeError.
func (s fileStore) write(name string, r io.Reader) (int64, error) {
	dest := s.path(name)
	tmp := dest + partialSuffix

	f, err := os.Create(tmp)
	if err != nil {
		return 0, writeError{fmt.Errorf("create %q: %w", tmp, err)}
	}

	src := &readTracker{r: r}
	n, err := io.Copy(f, src)
	if err != nil {
		f.Close()
		os.Remove(tmp)
		if src.err != nil {
			return 0, fmt.Errorf("read body: %w", src.err)
		}
		return 0, writeError{fmt.Errorf("write %q: %w", tmp, err)}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return 0, writeError{fmt.Errorf("close %q: %w", tmp, err)}
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return 0, writeError{fmt.Errorf("rename %q: %w", tmp, err)}
	}
	return n, nil
}

// readTracker remembers the first non-EOF error returned by the reader so
// write can tell a broken body from a broken disk.
type readTracker struct {
	r   io.Reader
	err error
}

func (t *readTracker) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) && t.err == nil {
		t.err = err
	}
	return n, err
}
