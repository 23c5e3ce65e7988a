package fileio

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/avast/retry-go"
)

const (
	RETRY_ATTEMPTS = 5
	RETRY_DELAY    = 100 * time.Millisecond
)

// antivirus scanners and indexers can hold a fresh file open for a moment on windows
func withRetry(fn func() error) error {
	return retry.Do(
		fn,
		retry.Attempts(RETRY_ATTEMPTS),
		retry.Delay(RETRY_DELAY),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, fs.ErrExist)
		}),
	)
}

// MoveFile moves src to dst, copying when a rename is not possible (different volumes).
// dst must not exist. On failure dst is removed.
func MoveFile(src string, dst string) error {
	if _, err := os.Lstat(dst); err == nil {
		return fmt.Errorf("%w: %v", fs.ErrExist, dst)
	}

	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	if err := CopyFile(src, dst); err != nil {
		return err
	}

	if err := RemoveFile(src); err != nil {
		return fmt.Errorf("copied but failed to remove [%v]: %w", src, err)
	}
	return nil
}

// CopyFile copies src into a new file dst
func CopyFile(src string, dst string) error {
	var in *os.File
	err := withRetry(func() error {
		var err error
		in, err = os.Open(src)
		return err
	})
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}

	_, err = io.Copy(out, in)
	if err == nil {
		err = out.Sync()
	}
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(dst)
		return err
	}
	return nil
}

// RemoveFile removes path, a missing file is not an error
func RemoveFile(path string) error {
	err := withRetry(func() error {
		return os.Remove(path)
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
