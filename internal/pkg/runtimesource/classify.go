// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// Copyright (c) 2018-2021, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package runtimesource classifies a deployment directory per spec.md §4.4:
// archive (handled upstream by the cache package), sysroot, merged-/usr, or
// mtree-described manifest runtime.
package runtimesource

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/steamlinux/runtime-forge/pkg/sessionerror"
)

// Kind is the classification of a deployment's on-disk layout.
type Kind int

const (
	// Manifest: contains usr-mtree.txt(.gz); /usr is populated strictly
	// from mtree entries rooted at files/. Implies a mutable copy is
	// mandatory.
	Manifest Kind = iota
	// FlatpakStyle: contains files/, a merged /usr tree (Flatpak runtime
	// layout).
	FlatpakStyle
	// Sysroot: contains usr/ at the deployment root alongside top-level
	// bin/sbin/lib* directories.
	Sysroot
	// MergedUsr: the deployment root itself is a merged /usr; the final
	// container tree needs synthesized top-level symlinks.
	MergedUsr
)

func (k Kind) String() string {
	switch k {
	case Manifest:
		return "manifest"
	case FlatpakStyle:
		return "flatpak-style"
	case Sysroot:
		return "sysroot"
	case MergedUsr:
		return "merged-usr"
	default:
		return "unknown"
	}
}

// mtreeFileNames are tried in order; the first one present wins (plain text
// preferred over the gzip-flagged variant).
var mtreeFileNames = []string{"usr-mtree.txt", "usr-mtree.txt.gz"}

// Source describes a classified deployment: where its /usr content lives
// (SourceDir) and whether materializing a Mutable Sysroot from it is
// mandatory.
type Source struct {
	Kind Kind

	// DeploymentPath is the deploy-<id> directory this source was
	// classified from.
	DeploymentPath string

	// SourceDir is the directory /usr's content should be copied or
	// mtree-applied from: "files/" for Manifest and FlatpakStyle, the
	// deployment root itself for Sysroot and MergedUsr.
	SourceDir string

	// MtreePath is set only for Kind == Manifest: the usr-mtree.txt(.gz)
	// file path, and Gzipped reports whether it needs decompressing.
	MtreePath string
	Gzipped   bool

	// RequiresMutableCopy is true when the classification itself forces a
	// mutable sysroot (Manifest); Sysroot/MergedUsr/FlatpakStyle only
	// require one when the session separately requests mutable operation.
	RequiresMutableCopy bool
}

// Classify inspects deploymentPath and returns its Source per spec.md §4.4.
func Classify(deploymentPath string) (*Source, error) {
	for _, name := range mtreeFileNames {
		p := filepath.Join(deploymentPath, name)
		if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
			return &Source{
				Kind:                Manifest,
				DeploymentPath:      deploymentPath,
				SourceDir:           filepath.Join(deploymentPath, "files"),
				MtreePath:           p,
				Gzipped:             filepath.Ext(name) == ".gz",
				RequiresMutableCopy: true,
			}, nil
		}
	}

	filesDir := filepath.Join(deploymentPath, "files")
	if fi, err := os.Stat(filesDir); err == nil && fi.IsDir() {
		return &Source{
			Kind:           FlatpakStyle,
			DeploymentPath: deploymentPath,
			SourceDir:      filesDir,
		}, nil
	}

	usrDir := filepath.Join(deploymentPath, "usr")
	if fi, err := os.Stat(usrDir); err == nil && fi.IsDir() {
		return &Source{
			Kind:           Sysroot,
			DeploymentPath: deploymentPath,
			SourceDir:      deploymentPath,
		}, nil
	}

	if fi, err := os.Stat(deploymentPath); err != nil || !fi.IsDir() {
		return nil, sessionerror.Source("classifying runtime source", fmt.Errorf("%s is not a directory", deploymentPath))
	}

	return &Source{
		Kind:           MergedUsr,
		DeploymentPath: deploymentPath,
		SourceDir:      deploymentPath,
	}, nil
}
