package vxdna

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// sysfsDevRoot is where a character device's major:minor resolves to its
// sysfs device directory; a package variable rather than a constant so
// tests can point it at a scratch directory instead of a real sysfs tree.
var sysfsDevRoot = "/sys/dev/char"

const maxSysfsNodeLen = 4096

// sysfsDeviceDir derives fd's sysfs device directory; a package variable so
// tests can stub out the fstat/major:minor dance with a fixed scratch
// directory instead of a real char device fd.
var sysfsDeviceDir = fstatSysfsDeviceDir

// fstatSysfsDeviceDir fstats fd (a Context's DRM fd) and derives its sysfs
// device directory from the resulting char-device major:minor, per
// "/sys/dev/char/<major>:<minor>/device".
func fstatSysfsDeviceDir(fd int) (string, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return "", err
	}
	major := unix.Major(uint64(st.Rdev))
	minor := unix.Minor(uint64(st.Rdev))
	return fmt.Sprintf("%s/%d:%d/device", sysfsDevRoot, major, minor), nil
}

// readSysfsNode reads a single named node under the sysfs device directory
// belonging to drmFD, refusing any name that could escape the directory (no
// separators, no "..") since guests name nodes by an opaque string over the
// wire.
func readSysfsNode(drmFD int, name string) ([]byte, error) {
	if name == "" {
		return nil, NewError(EINVAL, "read_sysfs: empty node name")
	}
	if name != filepath.Base(name) || name == ".." {
		return nil, NewError(EINVAL, "read_sysfs: invalid node name %q", name)
	}

	dir, err := sysfsDeviceDir(drmFD)
	if err != nil {
		return nil, errors.Wrap(err, "read_sysfs: stat context fd")
	}

	path := filepath.Join(dir, name)
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, maxSysfsNodeLen)
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		return nil, err
	}
	return buf[:n], nil
}
