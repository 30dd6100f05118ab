//go:build linux

package cache

import (
	"errors"

	"golang.org/x/sys/unix"
)

// userBackupExcludeAttr is honoured by some Linux backup tools; filesystems
// without user xattr support are ignored since CACHEDIR.TAG already covers the root.
const userBackupExcludeAttr = "user.xdg.robots.backup"

func excludeFromBackup(dir string) error {
	err := unix.Setxattr(dir, userBackupExcludeAttr, []byte("false"), 0)
	if err == nil || errors.Is(err, unix.ENOTSUP) || errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) || errors.Is(err, unix.EINVAL) {
		return nil
	}
	return err
}
