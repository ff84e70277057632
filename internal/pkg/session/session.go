// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// Copyright (c) 2018-2021, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/steamlinux/runtime-forge/internal/pkg/archplan"
	"github.com/steamlinux/runtime-forge/internal/pkg/assembler"
	"github.com/steamlinux/runtime-forge/internal/pkg/cache"
	"github.com/steamlinux/runtime-forge/internal/pkg/capture"
	"github.com/steamlinux/runtime-forge/internal/pkg/drivers"
	"github.com/steamlinux/runtime-forge/internal/pkg/environment"
	"github.com/steamlinux/runtime-forge/internal/pkg/manifest"
	"github.com/steamlinux/runtime-forge/internal/pkg/provider"
	"github.com/steamlinux/runtime-forge/internal/pkg/runtimesource"
	"github.com/steamlinux/runtime-forge/internal/pkg/shadow"
	"github.com/steamlinux/runtime-forge/internal/pkg/sysroot"
	"github.com/steamlinux/runtime-forge/pkg/lock"
	"github.com/steamlinux/runtime-forge/pkg/sandboxop"
	"github.com/steamlinux/runtime-forge/pkg/sessionerror"
	"github.com/steamlinux/runtime-forge/pkg/sylog"
)

// Result is everything a session produces for the sandbox executor and the
// launched process: the argument list and the environment.
type Result struct {
	Args  *sandboxop.List
	Env   []environment.Var
	Stats Stats
}

// Session owns every dirfd and lock acquired while preparing one runtime,
// and is responsible for tearing all of it down on both success and
// failure.
type Session struct {
	cfg      Config
	cacheDir *cache.Dir
	sysroot  *sysroot.Root
	provider *provider.View
	stats    Stats
}

// New opens the cache directory and, if configured, the graphics provider.
// Call Close when done, on every exit path.
func New(cfg Config) (*Session, error) {
	if !cfg.CopyRuntime && cfg.SandboxExecutorPath == "" {
		return nil, sessionerror.Config("validating session configuration", fmt.Errorf("a sandbox executor path is required when not using a mutable sysroot"))
	}

	cacheDir, err := cache.Open(cfg.CacheDir)
	if err != nil {
		return nil, err
	}

	s := &Session{cfg: cfg, cacheDir: cacheDir}

	if cfg.GraphicsProviderPath != "" {
		p, err := provider.Open(cfg.GraphicsProviderPath, cfg.FlatpakSubsandbox)
		if err != nil {
			cacheDir.Close()
			return nil, err
		}
		s.provider = p
	}

	return s, nil
}

// Close releases every resource the session acquired. If a mutable sysroot
// was created, Close discards it, removing its temp directory whether or
// not Run completed.
func (s *Session) Close() {
	if s.sysroot != nil {
		if err := s.sysroot.Discard(); err != nil {
			sylog.Warningf("failed to discard mutable sysroot: %s", err)
		}
	}
	if s.provider != nil {
		if err := s.provider.Close(); err != nil {
			sylog.Warningf("failed to close graphics provider: %s", err)
		}
	}
	if s.cacheDir != nil {
		if err := s.cacheDir.Close(); err != nil {
			sylog.Warningf("failed to close cache directory: %s", err)
		}
	}
}

// Run drives the full data flow of spec.md §2: resolve the deployment,
// build the mutable sysroot if requested, run the driver capture and
// shadow-removal pipeline per active architecture, then assemble the final
// argument list and environment.
func (s *Session) Run(ctx context.Context) (*Result, error) {
	dep, err := s.resolveDeployment()
	if err != nil {
		return nil, err
	}

	src, err := runtimesource.Classify(dep.Path)
	if err != nil {
		return nil, err
	}

	needsMutable := s.cfg.CopyRuntime || src.RequiresMutableCopy || s.cfg.InterpreterRoot != ""
	var readLock *lock.Lock
	if needsMutable {
		readLock, _, err = s.cacheDir.EntryRefLock(filepath.Base(dep.Path), lock.Read, true)
		if err != nil {
			return nil, fmt.Errorf("while taking read lock on deployment: %w", err)
		}

		root, err := sysroot.Build(s.cacheDir, src, readLock)
		if err != nil {
			return nil, err
		}
		s.sysroot = root
	}

	if s.cfg.GCRuntimes {
		keepPath := dep.Path
		if s.sysroot != nil {
			keepPath = s.sysroot.Path()
		}
		result, err := s.cacheDir.GCKeeping(cache.GCOptions{KeepPath: keepPath})
		if err != nil {
			sylog.Warningf("cache GC failed: %s", err)
		} else {
			s.stats.CacheEntriesRemoved = len(result.Removed)
		}
		s.cacheDir.LegacyCleanup()
	}

	var archOutputs []environment.ArchitectureOutputs
	var importedVulkanLayer bool

	if s.provider != nil && s.cfg.Enumerator != nil {
		candidates := []archplan.Plan{archplan.KnownPlans["x86_64-linux-gnu"], archplan.KnownPlans["i386-linux-gnu"]}
		active, err := archplan.Activate(ctx, s.cfg.ToolsDir, candidates)
		if err != nil {
			return nil, err
		}
		if len(active) == 0 {
			return nil, sessionerror.NoCommonArchitecture()
		}
		s.stats.ArchitecturesActive = len(active)
		s.stats.ArchitecturesSkipped = len(candidates) - len(active)

		for _, a := range active {
			out, imported, err := s.processArchitecture(ctx, a)
			if err != nil {
				sylog.Warningf("architecture %s: %s", a.Plan.Tuple, err)
				continue
			}
			archOutputs = append(archOutputs, out)
			importedVulkanLayer = importedVulkanLayer || imported
		}
	}

	overridesInContainer := "/usr/lib/pressure-vessel/overrides"
	args, err := assembler.Assemble(assembler.Options{
		MutableSysrootPath:       sysrootPathOrEmpty(s.sysroot),
		Provider:                 s.provider,
		OverridesInContainerPath: overridesInContainer,
	})
	if err != nil {
		return nil, err
	}

	env := environment.Build(environment.Options{
		OverridesInContainerPath: overridesInContainer,
		Architectures:            archOutputs,
		ImportedVulkanLayer:      importedVulkanLayer && s.cfg.ImportVulkanLayers,
		IsLegacySteamRuntime:     isLegacySteamRuntime(dep.Path),
	})

	return &Result{Args: args, Env: env, Stats: s.stats}, nil
}

func sysrootPathOrEmpty(r *sysroot.Root) string {
	if r == nil {
		return ""
	}
	return r.Path()
}

// resolveDeployment implements the CacheStore half of spec §2's data flow:
// either the source is already a directory deployment, or it is an archive
// that must be unpacked first.
func (s *Session) resolveDeployment() (*cache.Deployment, error) {
	fi, err := os.Stat(s.cfg.RuntimeSource)
	if err != nil {
		return nil, sessionerror.Source("resolving runtime source", err)
	}

	if fi.IsDir() {
		return &cache.Deployment{Path: s.cfg.RuntimeSource}, nil
	}

	if !s.cfg.UnpackArchive {
		return nil, sessionerror.Config("resolving runtime source", fmt.Errorf("%s is an archive but UnpackArchive was not requested", s.cfg.RuntimeSource))
	}
	return s.cacheDir.UnpackArchive(s.cfg.RuntimeSource, s.cfg.BuildIDSidecarPath, s.cfg.DebugSidecarPath)
}

// processArchitecture runs capture -> shadow-removal -> manifest emission
// for one active architecture, strictly sequentially (spec §5, "ordering
// guarantees").
func (s *Session) processArchitecture(ctx context.Context, active archplan.ActiveArchitecture) (environment.ArchitectureOutputs, bool, error) {
	tuple := active.Plan.Tuple
	out := environment.ArchitectureOutputs{Tuple: tuple}

	all, errs := drivers.EnumerateAll(ctx, s.cfg.Enumerator, s.provider.Path(), []string{tuple}, s.cfg.SingleThread)
	for _, e := range errs {
		sylog.Infof("driver enumeration error for %s: %s", tuple, e)
	}

	candidates := capture.Classify(all)
	candPtrs := make([]*capture.Candidate, len(candidates))
	for i := range candidates {
		candPtrs[i] = &candidates[i]
	}

	capture.ResolveDynamicTokens(candidates, s.provider.IsCurrentNamespace(), archTokenResolver{plan: active.Plan})

	if s.sysroot == nil {
		// No mutable sysroot: nothing is captured, no manifests are
		// emitted, and the architecture contributes empty outputs.
		return out, false, nil
	}

	overridesLibDir := filepath.Join(s.sysroot.UsrPath(), "lib", "pressure-vessel", "overrides", "lib", tuple)

	var absolutes []*capture.Candidate
	var sonames []*capture.Candidate
	for _, c := range candPtrs {
		switch c.Kind {
		case capture.Absolute:
			absolutes = append(absolutes, c)
		case capture.Soname:
			sonames = append(sonames, c)
		}
	}

	// Basename collisions among the directly-captured absolutes are split
	// into numbered subdirectories (spec §4.7 step 3); candidates sharing
	// an inode are captured once, the rest recorded as aliases of the
	// representative (spec §4.7 step 4).
	representatives, aliasesOf := capture.CoalesceByInode(absolutes)
	subdirOf := capture.ResolveCollisions(representatives, s.cfg.Deterministic)
	for _, c := range sonames {
		subdirOf[c] = variantSubdir(c)
	}
	for _, c := range representatives {
		if sub := variantSubdir(c); sub != "" {
			subdirOf[c] = sub
		}
	}

	groups := map[string][]capture.Pattern{}
	groupOrder := []string{}
	addToGroup := func(sub string, p capture.Pattern) {
		if _, ok := groups[sub]; !ok {
			groupOrder = append(groupOrder, sub)
		}
		groups[sub] = append(groups[sub], p)
	}
	for _, c := range representatives {
		addToGroup(subdirOf[c], capture.AbsolutePattern(c.ResolvedLibrary))
	}
	for _, c := range sonames {
		addToGroup(subdirOf[c], capture.SonamePattern(c.ResolvedLibrary))
	}

	if len(groupOrder) > 0 && active.Plan.CaptureLibsHelper != "" {
		helperPath := active.Plan.CaptureLibsHelper
		if s.cfg.ToolsDir != "" {
			helperPath = filepath.Join(s.cfg.ToolsDir, helperPath)
		}
		opts := capture.Options{
			HelperPath:       helperPath,
			ContainerRoot:    s.sysroot.Path(),
			ProviderPath:     s.provider.Path(),
			LibraryKnowledge: active.Plan.LibraryKnowledgePath,
			Deterministic:    s.cfg.Deterministic,
		}
		for _, sub := range groupOrder {
			dest := overridesLibDir
			if sub != "" {
				dest = filepath.Join(overridesLibDir, sub)
			}
			if err := capture.Run(ctx, opts, dest, groups[sub]); err != nil {
				return out, false, err
			}
		}
	}

	capture.VerifyCapture(overridesLibDir, append(append([]*capture.Candidate{}, representatives...), sonames...), subdirOf)
	for alias, rep := range aliasesOf {
		alias.Kind = rep.Kind
		alias.PathInContainer = rep.PathInContainer
	}

	for _, c := range candPtrs {
		switch c.Kind {
		case capture.Absolute:
			s.stats.DriversCaptured++
		case capture.Absent:
			s.stats.DriversSkipped++
		}
	}

	libDirs := []string{
		filepath.Join(s.sysroot.UsrPath(), "lib", tuple),
		filepath.Join(s.sysroot.UsrPath(), "lib", "mesa", tuple),
	}
	seen := map[string]bool{}
	for _, dir := range libDirs {
		if seen[dir] {
			continue
		}
		seen[dir] = true
		decisions, err := shadow.Plan(dir, overridesLibDir)
		if err != nil {
			continue
		}
		shadow.Apply(dir, decisions)
		s.stats.ShadowedLibraries += len(decisions)
	}

	// The platform-<token> symlinks let variables such as VDPAU_DRIVER_PATH
	// keep a literal "${PLATFORM}" token that the dynamic linker expands at
	// dlopen time (spec §4.12): each token is an alias for this
	// architecture's lib dir.
	overridesInContainer := filepath.Join(s.sysroot.UsrPath(), "lib", "pressure-vessel", "overrides")
	platformSymlinkDir := ""
	for _, token := range active.Plan.PlatformTokens {
		link := filepath.Join(overridesInContainer, "lib", "platform-"+token)
		if err := os.Symlink(tuple, link); err != nil && !os.IsExist(err) {
			sylog.Warningf("failed to create platform symlink %s: %s", link, err)
			continue
		}
		if platformSymlinkDir == "" {
			platformSymlinkDir = link
		}
	}

	overridesShareDir := filepath.Join(s.sysroot.UsrPath(), "lib", "pressure-vessel", "overrides", "share")
	var importedVulkanLayer bool
	var vulkanICDFiles, eglVendorFiles, eglExtPlatformFiles []string

	emitOne := func(c *capture.Candidate, subdir string, tupleSuffix bool) (string, bool) {
		if c.Driver.JSONPath == "" || c.Kind == capture.Absent {
			return "", false
		}
		entry := manifest.Entry{
			SourcePath:             c.Driver.JSONPath,
			Rewrite:                c.Kind == capture.Absolute,
			LibraryPathInContainer: c.PathInContainer,
		}
		if tupleSuffix {
			entry.Tuple = tuple
		}
		paths, err := manifest.Emit(filepath.Join(overridesShareDir, subdir), []manifest.Entry{entry})
		if err != nil {
			sylog.Warningf("failed to emit manifest for %s: %s", c.Driver.Name, err)
			return "", false
		}
		return paths[0], true
	}

	for _, c := range candPtrs {
		switch c.Driver.Variant {
		case drivers.EglIcd:
			if path, ok := emitOne(c, filepath.Join("glvnd", "egl_vendor.d"), true); ok {
				eglVendorFiles = append(eglVendorFiles, path)
			}
		case drivers.EglExt:
			if path, ok := emitOne(c, filepath.Join("glvnd", "egl_external_platform.d"), true); ok {
				eglExtPlatformFiles = append(eglExtPlatformFiles, path)
			}
		case drivers.VulkanIcd:
			if path, ok := emitOne(c, filepath.Join("vulkan", "icd.d"), false); ok {
				vulkanICDFiles = append(vulkanICDFiles, path)
			}
		case drivers.VulkanLayer:
			layerSubdir := "implicit_layer.d"
			if c.Driver.LayerKind == drivers.LayerExplicit {
				layerSubdir = "explicit_layer.d"
			}
			if _, ok := emitOne(c, filepath.Join("vulkan", layerSubdir), false); ok {
				importedVulkanLayer = true
			}
		}
	}

	out.OverridesLibDir = overridesLibDir
	out.OverridesAliasesDir = filepath.Join(overridesLibDir, "aliases")
	out.LibGLDriversPath = []string{overridesLibDir}
	out.LibVADriversPath = []string{overridesLibDir}
	out.VulkanICDFiles = vulkanICDFiles
	out.EglVendorFiles = eglVendorFiles
	out.EglExternalPlatformFiles = eglExtPlatformFiles
	out.PlatformSymlinkDir = platformSymlinkDir
	return out, importedVulkanLayer, nil
}

// variantSubdir routes a driver kind into the fixed leaf directory its
// consuming library expects underneath the architecture's overrides lib
// dir (e.g. VDPAU_DRIVER_PATH always ends in "/vdpau", spec §4.12).
func variantSubdir(c *capture.Candidate) string {
	if c.Driver.Variant == drivers.VdpauDriver {
		return "vdpau"
	}
	return ""
}

func isLegacySteamRuntime(deploymentPath string) bool {
	return strings.Contains(deploymentPath, "scout")
}
