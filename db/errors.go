package db

import (
	"context"
	"errors"
	"fmt"
)

// Kind of failure, used to pick the remedy shown to the user
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindNetwork
	KindParse
	KindFilesystem
	KindExtraction
	KindCancelled
)

var (
	ErrGamesDirMissing   = errors.New("games directory does not exist")
	ErrNoGameList        = errors.New("document has no game_list element")
	ErrUnsupportedSchema = errors.New("unsupported game_list version")
	ErrInvalidURL        = errors.New("invalid download url")
	ErrArchiveExists     = errors.New("archive already exists in games directory")
	ErrPathTraversal     = errors.New("archive entry escapes destination directory")
	ErrCancelled         = errors.New("operation cancelled")
	ErrBusy              = errors.New("operation already in progress")
	ErrUnknownGame       = errors.New("unknown game")
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network error"
	case KindParse:
		return "parse error"
	case KindFilesystem:
		return "filesystem error"
	case KindExtraction:
		return "extraction error"
	case KindCancelled:
		return "cancelled"
	}
	return "error"
}

// Error carries the failure kind along with the operation that failed.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%v: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func NetworkError(op string, err error) error    { return newError(KindNetwork, op, err) }
func ParseError(op string, err error) error      { return newError(KindParse, op, err) }
func FilesystemError(op string, err error) error { return newError(KindFilesystem, op, err) }
func ExtractionError(op string, err error) error { return newError(KindExtraction, op, err) }

// Cancelled wraps err (usually a context error) so it also matches ErrCancelled
func Cancelled(op string, err error) error {
	if err == nil {
		err = ErrCancelled
	} else if !errors.Is(err, ErrCancelled) {
		err = fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	return newError(KindCancelled, op, err)
}

// KindOf classifies any error returned by this module.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindUnknown
}

func IsCancelled(err error) bool {
	return KindOf(err) == KindCancelled
}

// Remedy returns a short hint telling the user what to do about a failure
func Remedy(kind ErrorKind) string {
	switch kind {
	case KindNetwork:
		return "check your network connection and the update URL"
	case KindParse:
		return "the game list is malformed, please report it to the catalog maintainers"
	case KindFilesystem:
		return "check free disk space and permissions of the games directory"
	case KindExtraction:
		return "the downloaded archive is corrupt or unsafe"
	case KindCancelled:
		return ""
	}
	return "unexpected error, see the log file for details"
}
