package fsutil

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
)

// Permissions are applied to every file and directory the upload subsystem creates.
// UID/GID of -1 leave ownership unchanged.
type Permissions struct {
	FileMode os.FileMode
	DirMode  os.FileMode
	UID      int
	GID      int
}

// DefaultPermissions is 0644/0755 without chown.
func DefaultPermissions() Permissions {
	return Permissions{FileMode: 0o644, DirMode: 0o755, UID: -1, GID: -1}
}

// Apply sets mode bits and, when configured, ownership on path.
func (p Permissions) Apply(path string, isDir bool) error {
	mode := p.FileMode
	if isDir {
		mode = p.DirMode
	}
	var errs []error
	if mode != 0 {
		if err := os.Chmod(path, mode); err != nil {
			errs = append(errs, err)
		}
	}
	if (p.UID >= 0 || p.GID >= 0) && runtime.GOOS != "windows" {
		if err := os.Chown(path, p.UID, p.GID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MkdirAll creates dir and its missing parents below stop, applying DirMode to
// each directory it creates. stop must be an existing ancestor of dir.
func (p Permissions) MkdirAll(stop, dir string) error {
	var created []string
	for cur := filepath.Clean(dir); cur != filepath.Clean(stop); cur = filepath.Dir(cur) {
		if _, err := os.Lstat(cur); err == nil {
			break
		}
		created = append(created, cur)
		if parent := filepath.Dir(cur); parent == cur {
			break
		}
	}
	mode := p.DirMode
	if mode == 0 {
		mode = 0o755
	}
	if err := os.MkdirAll(dir, mode); err != nil {
		return err
	}
	var errs []error
	for i := len(created) - 1; i >= 0; i-- {
		if err := p.Apply(created[i], true); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
