// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// Copyright (c) 2018-2021, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package provider implements the Provider View: a read-only handle on the
// graphics provider sysroot (spec.md §3, "Provider View") as a dirfd plus a
// namespace-path pair, with a symbolic mapping used to rewrite captured
// library paths into their in-container form.
package provider

import (
	"fmt"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"golang.org/x/sys/unix"

	"github.com/steamlinux/runtime-forge/pkg/sessionerror"
)

// defaultInContainerPrefix is where the provider root is bind-mounted inside
// the final container when not running under a Flatpak subsandbox.
const defaultInContainerPrefix = "/run/host"

// flatpakInContainerPrefix is used instead when FLATPAK_SUBSANDBOX is set.
const flatpakInContainerPrefix = "/run/parent"

// View is a read-only reference to the graphics provider.
type View struct {
	path              string
	dirfd             int
	inContainerPrefix string
	isCurrentRoot     bool
}

// Open opens path (typically "/" or a Flatpak-exposed host mount) as the
// graphics provider. flatpakSubsandbox selects the in-container mount
// prefix per spec §4.11 step 1.
func Open(path string, flatpakSubsandbox bool) (*View, error) {
	fd, err := unix.Open(path, unix.O_PATH|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, sessionerror.Config("opening graphics provider", fmt.Errorf("while opening %s: %w", path, err))
	}

	prefix := defaultInContainerPrefix
	if flatpakSubsandbox {
		prefix = flatpakInContainerPrefix
	}

	return &View{
		path:              path,
		dirfd:             fd,
		inContainerPrefix: prefix,
		isCurrentRoot:     path == "/",
	}, nil
}

// Close releases the provider directory fd.
func (v *View) Close() error { return unix.Close(v.dirfd) }

// Path is the provider's path in the launcher's own namespace.
func (v *View) Path() string { return v.path }

// DirFD is the O_PATH descriptor the provider was opened with.
func (v *View) DirFD() int { return v.dirfd }

// IsCurrentNamespace reports whether the provider is the launcher's own
// root, i.e. dlopen probes in the launcher process resolve the same
// libraries the provider would serve (spec §4.7 step 2).
func (v *View) IsCurrentNamespace() bool { return v.isCurrentRoot }

// InContainerPrefix is the namespace path the provider is bound at inside
// the final container (/run/host or /run/parent under a Flatpak
// subsandbox).
func (v *View) InContainerPrefix() string { return v.inContainerPrefix }

// Resolve joins a path relative to the provider root, rejecting traversal
// outside of it (mirrors the teacher's securejoin usage for
// namespace-untrusted relative paths).
func (v *View) Resolve(relPath string) (string, error) {
	return securejoin.SecureJoin(v.path, relPath)
}

// RemapToContainer rewrites an absolute path inside the provider's own
// namespace into the path it will have inside the container, by replacing
// the provider root prefix with InContainerPrefix.
func (v *View) RemapToContainer(absPath string) (string, error) {
	rel, err := filepath.Rel(v.path, absPath)
	if err != nil {
		return "", fmt.Errorf("while remapping %s relative to provider root %s: %w", absPath, v.path, err)
	}
	if rel == ".." || strings.HasPrefix(rel, "../") || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%s is not under provider root %s", absPath, v.path)
	}
	return filepath.Join(v.inContainerPrefix, rel), nil
}
