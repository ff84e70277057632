// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// Copyright (c) 2018-2021, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package sandboxop defines the ordered, append-only argument list (spec
// §3, "Sandbox Argument List") handed off to the bubblewrap-like sandbox
// executor. This core never runs unshare/pivot_root itself; it only builds
// this list, which the external executor interprets.
package sandboxop

import "os"

// Op identifies one of the sandbox executor's primitive operations.
type Op string

const (
	ROBind        Op = "ro_bind"
	Bind          Op = "bind"
	Tmpfs         Op = "tmpfs"
	Symlink       Op = "symlink"
	Dir           Op = "dir"
	DataFD        Op = "data_fd"
	SetEnv        Op = "set_env"
	LockFile      Op = "lock_file"
	FDPassthrough Op = "fd_passthrough"
)

// Entry is one record in the argument list. Not every field is meaningful
// for every Op; see the builder methods on List for the valid combination
// per op.
type Entry struct {
	Op Op

	// Src/Dst: ro_bind, bind (host/provider path -> in-container path).
	Src string
	Dst string

	// Mode: dir (Dst alone for tmpfs).
	Mode os.FileMode

	// Target/Dst: symlink (link target -> in-container path).
	Target string

	// Name/Value: set_env.
	Name  string
	Value string

	// Path: lock_file (in-container path to keep a fd locked across exec).
	Path string

	// FD: data_fd, fd_passthrough.
	FD int
}

// List is the ordered, append-only sequence of sandbox operations. It is
// owned by the Sysroot Assembler and handed off once complete (spec §3);
// callers should treat a *List received from the Assembler as read-only via
// Entries.
type List struct {
	entries []Entry
}

// New returns an empty argument list.
func New() *List {
	return &List{}
}

// Entries returns the accumulated entries in append order. The slice is a
// copy; mutating it does not affect the List.
func (l *List) Entries() []Entry {
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len reports how many entries have been appended so far.
func (l *List) Len() int {
	return len(l.entries)
}

// ROBind appends a read-only bind-mount of src (provider/host namespace)
// onto dst (in-container path).
func (l *List) ROBind(src, dst string) {
	l.entries = append(l.entries, Entry{Op: ROBind, Src: src, Dst: dst})
}

// BindMount appends a writable bind-mount of src onto dst.
func (l *List) BindMount(src, dst string) {
	l.entries = append(l.entries, Entry{Op: Bind, Src: src, Dst: dst})
}

// TmpfsAt appends a request for a tmpfs to be mounted at dst.
func (l *List) TmpfsAt(dst string) {
	l.entries = append(l.entries, Entry{Op: Tmpfs, Dst: dst})
}

// SymlinkAt appends a request to create a symlink at dst pointing at
// target, inside the final container tree.
func (l *List) SymlinkAt(target, dst string) {
	l.entries = append(l.entries, Entry{Op: Symlink, Target: target, Dst: dst})
}

// MkdirAt appends a request to create an empty directory at dst with the
// given mode, used when no mutable sysroot exists to create directories in
// directly (spec §4.11 step 7).
func (l *List) MkdirAt(dst string, mode os.FileMode) {
	l.entries = append(l.entries, Entry{Op: Dir, Dst: dst, Mode: mode})
}

// DataFDAt appends a request to place the contents available on fd at dst
// inside the container (used for generated files such as rewritten JSON
// manifests when there is no mutable sysroot to write them into directly).
func (l *List) DataFDAt(fd int, dst string) {
	l.entries = append(l.entries, Entry{Op: DataFD, FD: fd, Dst: dst})
}

// SetEnv appends an environment variable assignment for the container
// process (spec §4.12).
func (l *List) SetEnv(name, value string) {
	l.entries = append(l.entries, Entry{Op: SetEnv, Name: name, Value: value})
}

// LockFileAt appends a request that the executor keep path locked for the
// lifetime of the container, continuing a lock this core already holds
// across its exec into the sandbox.
func (l *List) LockFileAt(path string) {
	l.entries = append(l.entries, Entry{Op: LockFile, Path: path})
}

// PassthroughFD appends a request to keep fd open and inherited by the
// sandboxed process.
func (l *List) PassthroughFD(fd int) {
	l.entries = append(l.entries, Entry{Op: FDPassthrough, FD: fd})
}
