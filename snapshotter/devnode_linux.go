package snapshotter

import (
	"archive/tar"

	"golang.org/x/sys/unix"
)

// createDeviceNodeBestEffort creates a character/block device node via
// mknod. Layer extraction running unprivileged (no CAP_MKNOD) is common
// enough that a failure here is swallowed rather than aborting the whole
// layer (spec.md §4.2 step 3: "on Linux they are created if permissions allow").
func createDeviceNodeBestEffort(dest string, hdr *tar.Header) error {
	mode := uint32(hdr.Mode) & 0o777
	switch hdr.Typeflag {
	case tar.TypeChar:
		mode |= unix.S_IFCHR
	case tar.TypeBlock:
		mode |= unix.S_IFBLK
	}
	dev := unix.Mkdev(uint32(hdr.Devmajor), uint32(hdr.Devminor)) //nolint:gosec
	if err := unix.Mknod(dest, mode, int(dev)); err != nil {
		return nil //nolint:nilerr // permission denied under an unprivileged extractor is expected, not fatal
	}
	return nil
}
