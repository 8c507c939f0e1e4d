package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
)

// FileLock is held for as long as its file exists.
type FileLock struct {
	path string
	once sync.Once
}

// AcquireFile creates path exclusively and writes the current pid into it.
// An existing file means another instance is running, or a previous one
// crashed without cleaning up.
func AcquireFile(path string) (*FileLock, error) {
	if path == "" {
		return nil, errors.New("lock: empty path")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s exists", ErrHeld, path)
		}
		return nil, fmt.Errorf("lock: create %s: %w", path, err)
	}
	_, werr := f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("lock: write %s: %w", path, werr)
	}
	return &FileLock{path: path}, nil
}

func (l *FileLock) Lost() <-chan struct{} { return nil }

// Release removes the lock file. Calling it more than once is harmless.
func (l *FileLock) Release(context.Context) error {
	var err error
	l.once.Do(func() {
		if rerr := os.Remove(l.path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			err = fmt.Errorf("lock: remove %s: %w", l.path, rerr)
		}
	})
	return err
}
