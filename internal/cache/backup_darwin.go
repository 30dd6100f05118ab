//go:build darwin

package cache

import (
	"errors"

	"golang.org/x/sys/unix"
)

// backupExcludeAttr 等价于 NSURLIsExcludedFromBackupKey，Time Machine 会跳过带此属性的目录。
const backupExcludeAttr = "com.apple.metadata:com_apple_backup_excludeItem"

// bplist00 编码的字符串 "com.apple.backupd"。
var backupExcludeValue = append(append(
	[]byte("bplist00\x5f\x10\x11"),
	"com.apple.backupd"...),
	// offset table + trailer: 1-byte offsets/refs, one object, top object 0, table at 0x1c.
	0x08,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01, 0x01,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x1c,
)

func excludeFromBackup(dir string) error {
	err := unix.Setxattr(dir, backupExcludeAttr, backupExcludeValue, 0)
	if errors.Is(err, unix.ENOTSUP) {
		return nil
	}
	return err
}
