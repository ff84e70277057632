// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// Copyright (c) 2018-2021, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package treecopy implements the "cheap tree copy" of spec.md §4.5: for
// each regular file, try link(2) first, fall back to copy_file_range (which
// reflinks on filesystems that support it, and plain-copies otherwise), and
// warn at most once per session when forced off the hardlink fast path
// because the source and destination trees live on different filesystems.
package treecopy

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/steamlinux/runtime-forge/pkg/sylog"
)

// FallbackReason names why a per-file copy could not use the hardlink fast
// path, passed to the one-time warning callback.
type FallbackReason string

const (
	ReasonCrossDevice FallbackReason = "source and destination are on different filesystems"
	ReasonExistingDst FallbackReason = "destination already exists"
)

// Stats summarizes one Copy call, consumed by callers that report session
// counters (SPEC_FULL.md §3's Stats) or decide whether to log anything.
type Stats struct {
	RegularFiles int
	Symlinks     int
	Directories  int
	Hardlinked   int
	Reflinked    int
	PlainCopied  int
}

// warnOnce ensures the "forced onto the slow path" message is logged at
// most once per process, matching spec §4.5's "only warn once per session".
var warnOnce sync.Once

// Copy recursively copies the tree rooted at src into dst, which must not
// already exist (it is created with the same mode as src's root). Regular
// files are hardlinked when possible; directories and symlinks are always
// recreated (they cannot be hardlinked across filesystems, or at all in the
// case of directories). Permission bits are taken from the source's mode;
// ownership of copied (not hardlinked) files is not preserved.
func Copy(src, dst string) (Stats, error) {
	var stats Stats

	rootInfo, err := os.Lstat(src)
	if err != nil {
		return stats, fmt.Errorf("while statting copy source %s: %w", src, err)
	}
	if !rootInfo.IsDir() {
		return stats, fmt.Errorf("copy source %s is not a directory", src)
	}

	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("while statting %s: %w", path, err)
		}

		switch {
		case d.Type()&fs.ModeSymlink != 0:
			linkTarget, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("while reading symlink %s: %w", path, err)
			}
			if err := os.Symlink(linkTarget, target); err != nil {
				return fmt.Errorf("while recreating symlink %s: %w", target, err)
			}
			stats.Symlinks++
			return nil
		case d.IsDir():
			if rel == "." {
				if err := os.MkdirAll(dst, info.Mode().Perm()); err != nil {
					return fmt.Errorf("while creating %s: %w", dst, err)
				}
			} else {
				if err := os.Mkdir(target, info.Mode().Perm()); err != nil {
					return fmt.Errorf("while creating %s: %w", target, err)
				}
			}
			stats.Directories++
			return nil
		default:
			how, err := copyFile(path, target, info)
			if err != nil {
				return fmt.Errorf("while copying %s to %s: %w", path, target, err)
			}
			stats.RegularFiles++
			switch how {
			case "hardlink":
				stats.Hardlinked++
			case "reflink":
				stats.Reflinked++
			default:
				stats.PlainCopied++
			}
			return nil
		}
	})
	if err != nil {
		return stats, err
	}
	return stats, nil
}

// copyFile materializes one regular file at dst, trying in order: link(2),
// copy_file_range(2) (a reflink on btrfs/xfs, an in-kernel copy otherwise),
// then a userspace io.Copy. It returns which strategy succeeded.
func copyFile(src, dst string, info fs.FileInfo) (string, error) {
	if err := os.Link(src, dst); err == nil {
		return "hardlink", nil
	} else if !isCrossDeviceOrExists(err) {
		return "", err
	} else {
		warnFallback(ReasonCrossDevice)
	}

	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return "", err
	}
	defer out.Close()

	size := info.Size()
	if size > 0 {
		remaining := size
		for remaining > 0 {
			n, err := unix.CopyFileRange(int(in.Fd()), nil, int(out.Fd()), nil, int(remaining), 0)
			if err != nil {
				if isCopyFileRangeUnsupported(err) {
					if _, err := in.Seek(0, io.SeekStart); err != nil {
						return "", err
					}
					if _, err := out.Seek(0, io.SeekStart); err != nil {
						return "", err
					}
					if _, err := io.Copy(out, in); err != nil {
						return "", err
					}
					return "plain", nil
				}
				return "", err
			}
			if n == 0 {
				break
			}
			remaining -= int64(n)
		}
		return "reflink", nil
	}

	return "reflink", nil
}

func isCrossDeviceOrExists(err error) bool {
	return isErrno(err, unix.EXDEV) || isErrno(err, unix.EEXIST) || isErrno(err, unix.EPERM) || isErrno(err, unix.EMLINK)
}

func isCopyFileRangeUnsupported(err error) bool {
	return isErrno(err, unix.ENOSYS) || isErrno(err, unix.EXDEV) || isErrno(err, unix.EOPNOTSUPP) || isErrno(err, unix.EINVAL)
}

func isErrno(err error, target unix.Errno) bool {
	e, ok := err.(*os.LinkError)
	if ok {
		return e.Err == target
	}
	if e, ok := err.(*os.PathError); ok {
		return e.Err == target
	}
	return err == target
}

func warnFallback(reason FallbackReason) {
	warnOnce.Do(func() {
		sylog.Verbosef("tree copy forced off the hardlink fast path: %s", reason)
	})
}

// ResetWarnOnce is exposed for tests that need to exercise the one-time
// warning path more than once within a process.
func ResetWarnOnce() {
	warnOnce = sync.Once{}
}
