package jail

import (
	"errors"
	"fmt"
	"io/fs"
	"syscall"
)

// Sentinel errors returned by the jail. Use errors.Is to classify; the
// underlying os error is wrapped alongside when there is one.
var (
	ErrNotFound        = errors.New("not found")
	ErrDenied          = errors.New("access denied")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrAlreadyAtRoot   = errors.New("already at root")
	ErrAlreadyExists   = errors.New("already exists")
	ErrPermission      = errors.New("permission denied")
	ErrNotDirectory    = errors.New("not a directory")
	ErrRemoveFailed    = errors.New("remove failed")
)

// reasons is ordered so that a denial always wins over anything it wraps.
var reasons = []error{
	ErrDenied,
	ErrNotFound,
	ErrAlreadyExists,
	ErrPermission,
	ErrNotDirectory,
	ErrInvalidArgument,
	ErrRemoveFailed,
	ErrAlreadyAtRoot,
}

// Reason returns the short text used in client replies for err.
func Reason(err error) string {
	for _, sentinel := range reasons {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return "operation failed"
}

// classify attaches the matching sentinel to an os error.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range reasons {
		if errors.Is(err, sentinel) {
			return err
		}
	}

	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, fs.ErrExist), errors.Is(err, syscall.ENOTEMPTY):
		return fmt.Errorf("%w: %w", ErrAlreadyExists, err)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %w", ErrPermission, err)
	case errors.Is(err, syscall.ENOTDIR):
		return fmt.Errorf("%w: %w", ErrNotDirectory, err)
	case errors.Is(err, syscall.EINVAL), errors.Is(err, syscall.ENAMETOOLONG):
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	return err
}
