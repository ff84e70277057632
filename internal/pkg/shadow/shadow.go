// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// Copyright (c) 2018-2021, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package shadow implements the Shadow Remover (spec.md §4.8): a 3-pass
// decide/dangling-cleanup/apply algorithm that deletes runtime-shipped
// libraries a captured overrides symlink must take precedence over.
package shadow

import (
	"debug/elf"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/steamlinux/runtime-forge/pkg/sylog"
)

// Reason explains why one entry was scheduled for removal.
type Reason int

const (
	ReasonDirectBasenameClash Reason = iota
	ReasonSymlinkTargetClash
	ReasonAliasClash
	ReasonSonameClash
	ReasonDangling
)

func (r Reason) String() string {
	switch r {
	case ReasonDirectBasenameClash:
		return "basename matches an overrides symlink"
	case ReasonSymlinkTargetClash:
		return "symlink target's basename matches an overrides symlink"
	case ReasonAliasClash:
		return "alias table maps this name into the overrides tree"
	case ReasonSonameClash:
		return "DT_SONAME matches an overrides symlink"
	case ReasonDangling:
		return "dangling reference to a name scheduled for deletion"
	default:
		return "unknown"
	}
}

// Decision is one scheduled-for-deletion entry.
type Decision struct {
	Name            string
	SymlinkTarget   string // basename of the override that clashes (symlink target, alias target or SONAME), if any
	Reason          Reason
}

// matchesLibraryGlob matches the spec's "lib*.so*" glob.
func matchesLibraryGlob(name string) bool {
	ok, _ := filepath.Match("lib*.so*", name)
	return ok
}

// Plan runs pass 1 and pass 2 (decide, then dangling cleanup) over libDir,
// given the overrides lib directory for the same tuple. It does not mutate
// the filesystem.
func Plan(libDir, overridesLibDir string) ([]Decision, error) {
	entries, err := os.ReadDir(libDir)
	if err != nil {
		return nil, err
	}

	overridesNames := map[string]bool{}
	if overrideEntries, err := os.ReadDir(overridesLibDir); err == nil {
		for _, e := range overrideEntries {
			overridesNames[e.Name()] = true
		}
	}

	var decisions []Decision
	byName := map[string]bool{}

	for _, entry := range entries {
		name := entry.Name()
		if !matchesLibraryGlob(name) {
			continue
		}
		full := filepath.Join(libDir, name)

		if overridesNames[name] {
			decisions = append(decisions, Decision{Name: name, Reason: ReasonDirectBasenameClash})
			byName[name] = true
			continue
		}

		if target, err := os.Readlink(full); err == nil {
			targetBase := filepath.Base(target)
			if overridesNames[targetBase] {
				decisions = append(decisions, Decision{Name: name, SymlinkTarget: targetBase, Reason: ReasonSymlinkTargetClash})
				byName[name] = true
				continue
			}
		}

		if aliasTarget, ok := resolveAlias(overridesLibDir, name); ok {
			decisions = append(decisions, Decision{Name: name, Reason: ReasonAliasClash, SymlinkTarget: aliasTarget})
			byName[name] = true
			continue
		}

		if soname, err := readSoname(full); err == nil && soname != "" {
			if overridesNames[soname] {
				decisions = append(decisions, Decision{Name: name, SymlinkTarget: soname, Reason: ReasonSonameClash})
				byName[name] = true
				continue
			}
		}
	}

	// Pass 2: any symlink whose target name is itself scheduled gets
	// scheduled too.
	for _, entry := range entries {
		name := entry.Name()
		if byName[name] {
			continue
		}
		full := filepath.Join(libDir, name)
		target, err := os.Readlink(full)
		if err != nil {
			continue
		}
		targetBase := filepath.Base(target)
		if byName[targetBase] {
			decisions = append(decisions, Decision{Name: name, SymlinkTarget: targetBase, Reason: ReasonDangling})
			byName[name] = true
		}
	}

	return decisions, nil
}

// resolveAlias checks overridesLibDir/aliases/<name> and reports whether
// its ultimate target lies under overridesLibDir (spec §4.8 pass 1, third
// bullet).
func resolveAlias(overridesLibDir, name string) (string, bool) {
	aliasPath := filepath.Join(overridesLibDir, "aliases", name)
	target, err := filepath.EvalSymlinks(aliasPath)
	if err != nil {
		return "", false
	}
	if strings.HasPrefix(target, overridesLibDir+string(filepath.Separator)) {
		return filepath.Base(target), true
	}
	return "", false
}

// readSoname opens full as an ELF file and returns its DT_SONAME entry, if
// any.
func readSoname(full string) (string, error) {
	f, err := elf.Open(full)
	if err != nil {
		return "", err
	}
	defer f.Close()
	sonames, err := f.DynString(elf.DT_SONAME)
	if err != nil || len(sonames) == 0 {
		return "", err
	}
	return sonames[0], nil
}

// Apply implements pass 3: unlinkat each scheduled name. Failures are
// warnings, not fatal (spec §4.8 pass 3, §7 ShadowRemovalWarning).
func Apply(libDir string, decisions []Decision) {
	for _, d := range decisions {
		full := filepath.Join(libDir, d.Name)
		if err := os.Remove(full); err != nil {
			sylog.Warningf("shadow remover: failed to remove %s (%s): %s", full, d.Reason, err)
		} else {
			sylog.Debugf("shadow remover: removed %s (%s)", full, d.Reason)
		}
	}
}

// SameFile reports whether two library directories are the same
// filesystem entry (spec §4.8, "pre-dedup using fstatat same-file
// comparison"), so that directories reached by more than one path (e.g.
// /usr/lib/x86_64-linux-gnu and /lib/x86_64-linux-gnu via a compat
// symlink) are processed only once.
func SameFile(a, b string) bool {
	fa, err := os.Stat(a)
	if err != nil {
		return false
	}
	fb, err := os.Stat(b)
	if err != nil {
		return false
	}
	sa, ok1 := fa.Sys().(*syscall.Stat_t)
	sb, ok2 := fb.Sys().(*syscall.Stat_t)
	if !ok1 || !ok2 {
		return os.SameFile(fa, fb)
	}
	return sa.Dev == sb.Dev && sa.Ino == sb.Ino
}
