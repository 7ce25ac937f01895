//go:build linux

package store

import (
	"os"

	"golang.org/x/sys/unix"
)

// FS_IMMUTABLE_FL is the immutable-attribute flag used by the
// FS_IOC_GETFLAGS/FS_IOC_SETFLAGS ioctls (see linux/fs.h). golang.org/x/sys
// exposes the ioctl numbers but not this flag value, so it is defined here.
const FS_IMMUTABLE_FL = 0x00000010

// makeMutable clears the immutable attribute so path can be renamed or
// unlinked.  Best effort: filesystems without attribute support and
// unprivileged callers just leave the attribute alone, and the
// following rename or unlink reports the real failure.
func makeMutable(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	attrs, err := unix.IoctlGetUint32(int(f.Fd()), unix.FS_IOC_GETFLAGS)
	if err != nil || attrs&FS_IMMUTABLE_FL == 0 {
		return
	}
	unix.IoctlSetPointerInt(int(f.Fd()), unix.FS_IOC_SETFLAGS,
		int(attrs&^FS_IMMUTABLE_FL))
}
