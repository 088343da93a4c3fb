// Package jail confines file operations to a single directory tree.
//
// Paths handed to a Jail are validated in two layers. First every candidate
// is resolved to a canonical absolute path (symlinks, "." and ".." removed)
// and checked to lie at or below the root on a separator boundary. Then the
// operation itself is carried out through an os.Root opened on the jail
// directory, so the kernel refuses to follow a symlink out of the tree even
// if one is swapped in after validation.
package jail

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Jail is a directory tree that clients cannot leave.
type Jail struct {
	root string
	fsys *os.Root
}

// Open canonicalizes dir once and opens it as the jail root. The directory
// is created if it does not exist.
func Open(dir string) (*Jail, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve jail root: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("create jail root: %w", err)
	}

	canon, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("canonicalize jail root: %w", err)
	}

	fsys, err := os.OpenRoot(canon)
	if err != nil {
		return nil, fmt.Errorf("open jail root: %w", err)
	}

	return &Jail{root: canon, fsys: fsys}, nil
}

// Root returns the canonical jail root.
func (j *Jail) Root() string {
	return j.root
}

// Close releases the root handle.
func (j *Jail) Close() error {
	return j.fsys.Close()
}

// Contains reports whether path is the jail root or lies below it.
func (j *Jail) Contains(path string) bool {
	if path == j.root {
		return true
	}
	if j.root == string(filepath.Separator) {
		return filepath.IsAbs(path)
	}
	return strings.HasPrefix(path, j.root+string(filepath.Separator))
}

// Display returns path relative to the jail, rooted at "/".
func (j *Jail) Display(path string) string {
	rel, err := j.Rel(path)
	if err != nil || rel == "." {
		return "/"
	}
	return "/" + filepath.ToSlash(rel)
}

// Rel returns path relative to the jail root, as used with the root handle.
func (j *Jail) Rel(path string) (string, error) {
	if !j.Contains(path) {
		return "", fmt.Errorf("%w: %s", ErrDenied, path)
	}
	rel, err := filepath.Rel(j.root, path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDenied, err)
	}
	return rel, nil
}

// join places candidate in the host filesystem. A leading slash anchors it
// at the jail root, never at the real filesystem root.
func (j *Jail) join(candidate, cwd string) (string, error) {
	if candidate == "" || strings.ContainsRune(candidate, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidArgument, candidate)
	}
	if strings.HasPrefix(candidate, "/") {
		return filepath.Join(j.root, candidate), nil
	}
	return filepath.Join(cwd, candidate), nil
}

// canonical resolves an absolute host path and confirms the result is
// still inside the jail.
func (j *Jail) canonical(path string) (string, error) {
	if !j.Contains(path) {
		return "", fmt.Errorf("%w: %s", ErrDenied, path)
	}
	canon, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", classify(err)
	}
	if !j.Contains(canon) {
		return "", fmt.Errorf("%w: %s resolves outside the jail", ErrDenied, path)
	}
	return canon, nil
}

// Resolve canonicalizes candidate against cwd. The path must exist and lie
// inside the jail.
func (j *Jail) Resolve(candidate, cwd string) (string, error) {
	path, err := j.join(candidate, cwd)
	if err != nil {
		return "", err
	}
	return j.canonical(path)
}

// ResolveDir is Resolve for paths that must name a directory.
func (j *Jail) ResolveDir(candidate, cwd string) (string, error) {
	path, err := j.Resolve(candidate, cwd)
	if err != nil {
		return "", err
	}
	info, err := j.Stat(path)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrNotDirectory, j.Display(path))
	}
	return path, nil
}

// split resolves the parent of candidate and returns it with the final
// name. The jail root itself is never a valid entry.
func (j *Jail) split(candidate, cwd string) (string, string, error) {
	path, err := j.join(candidate, cwd)
	if err != nil {
		return "", "", err
	}
	if path == j.root || !j.Contains(path) {
		return "", "", fmt.Errorf("%w: %s", ErrDenied, candidate)
	}
	parent, err := j.canonical(filepath.Dir(path))
	if err != nil {
		return "", "", err
	}
	return parent, filepath.Base(path), nil
}

// ResolveEntry names an existing entry without following a symlink in the
// final component, so a link resolves to the link itself.
func (j *Jail) ResolveEntry(candidate, cwd string) (string, error) {
	parent, name, err := j.split(candidate, cwd)
	if err != nil {
		return "", err
	}
	path := filepath.Join(parent, name)
	if _, err := j.Lstat(path); err != nil {
		return "", err
	}
	return path, nil
}

// ResolveNew names an entry that is about to be created or replaced. The
// parent must exist. An existing symlink at the target must point inside
// the jail.
func (j *Jail) ResolveNew(candidate, cwd string) (string, error) {
	parent, name, err := j.split(candidate, cwd)
	if err != nil {
		return "", err
	}
	path := filepath.Join(parent, name)

	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return path, nil
		}
		return "", classify(err)
	}
	if info.Mode()&fs.ModeSymlink == 0 {
		return path, nil
	}

	if target, err := filepath.EvalSymlinks(path); err == nil {
		if !j.Contains(target) {
			return "", fmt.Errorf("%w: %s links outside the jail", ErrDenied, j.Display(path))
		}
		return path, nil
	}

	// Dangling link: judge the target lexically.
	link, err := os.Readlink(path)
	if err != nil {
		return "", classify(err)
	}
	if !filepath.IsAbs(link) {
		link = filepath.Join(parent, link)
	}
	if !j.Contains(filepath.Clean(link)) {
		return "", fmt.Errorf("%w: %s links outside the jail", ErrDenied, j.Display(path))
	}
	return path, nil
}

// Up returns the parent of cwd. At the jail root it returns the root
// together with ErrAlreadyAtRoot. A parent removed in the meantime is
// skipped in favour of the closest directory that still exists.
func (j *Jail) Up(cwd string) (string, error) {
	if cwd == j.root {
		return j.root, ErrAlreadyAtRoot
	}
	parent := filepath.Dir(cwd)
	if !j.Contains(parent) {
		return j.root, ErrAlreadyAtRoot
	}
	for parent != j.root {
		if info, err := j.Stat(parent); err == nil && info.IsDir() {
			break
		}
		parent = filepath.Dir(parent)
	}
	return parent, nil
}

// Stat follows symlinks inside the jail.
func (j *Jail) Stat(path string) (fs.FileInfo, error) {
	rel, err := j.Rel(path)
	if err != nil {
		return nil, err
	}
	info, err := j.fsys.Stat(rel)
	return info, classify(err)
}

// Lstat does not follow a symlink in the final component.
func (j *Jail) Lstat(path string) (fs.FileInfo, error) {
	rel, err := j.Rel(path)
	if err != nil {
		return nil, err
	}
	info, err := j.fsys.Lstat(rel)
	return info, classify(err)
}

// ReadDir lists a directory sorted by name.
func (j *Jail) ReadDir(path string) ([]fs.DirEntry, error) {
	rel, err := j.Rel(path)
	if err != nil {
		return nil, err
	}
	dir, err := j.fsys.Open(rel)
	if err != nil {
		return nil, classify(err)
	}
	defer dir.Close()

	entries, err := dir.ReadDir(-1)
	if err != nil {
		return nil, classify(err)
	}
	slices.SortFunc(entries, func(a, b fs.DirEntry) int {
		return strings.Compare(a.Name(), b.Name())
	})
	return entries, nil
}

// Mkdir creates a single directory.
func (j *Jail) Mkdir(path string) error {
	rel, err := j.Rel(path)
	if err != nil {
		return err
	}
	return classify(j.fsys.Mkdir(rel, 0755))
}

// Create opens a new file for writing. It fails if the file exists.
func (j *Jail) Create(path string) (*os.File, error) {
	rel, err := j.Rel(path)
	if err != nil {
		return nil, err
	}
	f, err := j.fsys.OpenFile(rel, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, classify(err)
	}
	return f, nil
}

// Rename moves oldPath to newPath. Neither may be the jail root.
func (j *Jail) Rename(oldPath, newPath string) error {
	if oldPath == j.root || newPath == j.root {
		return fmt.Errorf("%w: cannot rename the jail root", ErrDenied)
	}
	oldRel, err := j.Rel(oldPath)
	if err != nil {
		return err
	}
	newRel, err := j.Rel(newPath)
	if err != nil {
		return err
	}
	return classify(j.fsys.Rename(oldRel, newRel))
}

// Unlink removes a single file, symlink or empty directory.
func (j *Jail) Unlink(path string) error {
	if path == j.root {
		return fmt.Errorf("%w: cannot remove the jail root", ErrDenied)
	}
	rel, err := j.Rel(path)
	if err != nil {
		return err
	}
	return classify(j.fsys.Remove(rel))
}
