package jail

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
)

// RemoveAll deletes path and, when it is a real directory, everything
// beneath it, depth first. Symbolic links are unlinked and never followed,
// whatever they point at. The jail root can never be removed.
//
// Removal stops at the first failure; entries already deleted stay deleted.
func (j *Jail) RemoveAll(path string) error {
	if path == string(filepath.Separator) || path == j.root {
		return fmt.Errorf("%w: refusing to remove %s", ErrDenied, j.Display(path))
	}
	rel, err := j.Rel(path)
	if err != nil {
		return err
	}
	return j.removeAll(rel)
}

func (j *Jail) removeAll(rel string) error {
	info, err := j.fsys.Lstat(rel)
	if err != nil {
		return classify(err)
	}

	// Lstat never reports a symlink as a directory.
	if info.IsDir() {
		if err := j.removeChildren(rel); err != nil {
			return err
		}
	}

	if err := j.fsys.Remove(rel); err != nil {
		return removeError(rel, err)
	}
	return nil
}

func (j *Jail) removeChildren(rel string) error {
	dir, err := j.fsys.Open(rel)
	if err != nil {
		return classify(err)
	}
	entries, err := dir.ReadDir(-1)
	dir.Close()
	if err != nil {
		return classify(err)
	}

	for _, entry := range entries {
		if err := j.removeAll(filepath.Join(rel, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func removeError(rel string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, fs.ErrPermission):
		return classify(err)
	}
	return fmt.Errorf("%w: %s: %w", ErrRemoveFailed, rel, err)
}
