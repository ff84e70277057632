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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/steamlinux/runtime-forge/internal/pkg/archplan"
	"github.com/steamlinux/runtime-forge/internal/pkg/cache"
	"github.com/steamlinux/runtime-forge/internal/pkg/drivers"
	"github.com/steamlinux/runtime-forge/internal/pkg/provider"
	"github.com/steamlinux/runtime-forge/internal/pkg/runtimesource"
	"github.com/steamlinux/runtime-forge/internal/pkg/sysroot"
)

// fakeEnumerator stands in for the external library scanner spec.md §6
// describes: processArchitecture only ever consumes drivers.Enumerator, so
// tests fix its answers instead of scanning a real provider.
type fakeEnumerator struct {
	eglIcds        []drivers.Driver
	eglExt         []drivers.Driver
	vulkanIcds     []drivers.Driver
	vulkanExplicit []drivers.Driver
	vulkanImplicit []drivers.Driver
	dri            []drivers.Driver
	vaapi          []drivers.Driver
	vdpau          []drivers.Driver
}

func (f *fakeEnumerator) EnumerateEglIcds(ctx context.Context, providerPath string, tuples []string) ([]drivers.Driver, error) {
	return f.eglIcds, nil
}

func (f *fakeEnumerator) EnumerateEglExtPlatforms(ctx context.Context, providerPath string, tuples []string) ([]drivers.Driver, error) {
	return f.eglExt, nil
}

func (f *fakeEnumerator) EnumerateVulkanIcds(ctx context.Context, providerPath string, tuples []string) ([]drivers.Driver, error) {
	return f.vulkanIcds, nil
}

func (f *fakeEnumerator) EnumerateVulkanLayers(ctx context.Context, providerPath string, kind drivers.LayerKind) ([]drivers.Driver, error) {
	if kind == drivers.LayerExplicit {
		return f.vulkanExplicit, nil
	}
	return f.vulkanImplicit, nil
}

func (f *fakeEnumerator) EnumerateDriDrivers(ctx context.Context, providerPath, tuple string) ([]drivers.Driver, error) {
	return f.dri, nil
}

func (f *fakeEnumerator) EnumerateVaApiDrivers(ctx context.Context, providerPath, tuple string) ([]drivers.Driver, error) {
	return f.vaapi, nil
}

func (f *fakeEnumerator) EnumerateVdpauDrivers(ctx context.Context, providerPath, tuple string) ([]drivers.Driver, error) {
	return f.vdpau, nil
}

func (f *fakeEnumerator) LibdlPlatform(ctx context.Context, providerPath, tuple string) (string, error) {
	return "", nil
}

// writeTestFile creates parent directories as needed and returns the
// absolute path written.
func writeTestFile(t *testing.T, base, rel, content string) string {
	t.Helper()
	full := filepath.Join(base, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	return full
}

// writeFakeCaptureHelper writes a shell script standing in for the external
// capture-libs helper: it understands just enough of the if-exists:path:
// and if-exists:soname: pattern grammar (capture/pattern.go) to deposit the
// symlinks the real helper would, so processArchitecture's capture.Run call
// has something real to verify afterwards.
func writeFakeCaptureHelper(t *testing.T, toolsDir, relPath string) {
	t.Helper()
	full := filepath.Join(toolsDir, relPath)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	script := `#!/bin/sh
dest=""
prev=""
for arg in "$@"; do
	if [ "$prev" = "--dest" ]; then
		dest="$arg"
		mkdir -p "$dest"
	fi
	case "$arg" in
	if-exists:path:*)
		p="${arg#if-exists:path:}"
		ln -sf "$p" "$dest/$(basename "$p")"
		;;
	if-exists:soname:*)
		n="${arg#if-exists:soname:}"
		ln -sf "/fake/$n" "$dest/$n"
		;;
	esac
	prev="$arg"
done
`
	require.NoError(t, os.WriteFile(full, []byte(script), 0o755))
}

func TestProcessArchitectureWiresFullPipeline(t *testing.T) {
	root := t.TempDir()

	sourceDir := filepath.Join(root, "deploy")
	writeTestFile(t, sourceDir, "lib/placeholder", "x")

	cacheDir, err := cache.Open(filepath.Join(root, "cache"))
	require.NoError(t, err)
	t.Cleanup(func() { cacheDir.Close() })

	src, err := runtimesource.Classify(sourceDir)
	require.NoError(t, err)

	root1, err := sysroot.Build(cacheDir, src, nil)
	require.NoError(t, err)
	t.Cleanup(func() { root1.Discard() })

	providerDir := filepath.Join(root, "provider")
	require.NoError(t, os.MkdirAll(providerDir, 0o755))
	view, err := provider.Open(providerDir, false)
	require.NoError(t, err)
	t.Cleanup(func() { view.Close() })

	libA := writeTestFile(t, providerDir, "usr/lib/x86_64-linux-gnu/vendorA/libfoo.so.1", "a")
	libB := writeTestFile(t, providerDir, "usr/lib/x86_64-linux-gnu/vendorB/libfoo.so.1", "b")
	sharedLib := writeTestFile(t, providerDir, "usr/lib/x86_64-linux-gnu/libshared.so.1", "shared")
	vdpauLib := writeTestFile(t, providerDir, "usr/lib/x86_64-linux-gnu/vdpau/libvdpau_radeonsi.so.1", "vdpau")

	eglIcdJSON := writeTestFile(t, providerDir, "share/glvnd/egl_vendor.d/50_mesa.json", `{"file_format_version":"1.0.0"}`)
	eglExtJSON := writeTestFile(t, providerDir, "share/egl/egl_external_platform.d/10_nvidia_wayland.json", `{"file_format_version":"1.0.0"}`)
	vulkanIcdJSON := writeTestFile(t, providerDir, "share/vulkan/icd.d/radeon_icd.x86_64.json", `{"file_format_version":"1.0.0"}`)
	explicitLayerJSON := writeTestFile(t, providerDir, "share/vulkan/explicit_layer.d/VkLayer_MESA_overlay.json", `{"file_format_version":"1.2.0"}`)
	implicitLayerJSON := writeTestFile(t, providerDir, "share/vulkan/implicit_layer.d/VkLayer_MESA_device_select.json", `{"file_format_version":"1.2.0"}`)

	helperDir := filepath.Join(root, "tools")
	writeFakeCaptureHelper(t, helperDir, "x86_64-linux-gnu/capture-libs")

	enum := &fakeEnumerator{
		eglIcds:        []drivers.Driver{{Variant: drivers.EglIcd, Name: "mesa egl icd", JSONPath: eglIcdJSON}},
		eglExt:         []drivers.Driver{{Variant: drivers.EglExt, Name: "nvidia wayland platform", JSONPath: eglExtJSON}},
		vulkanIcds:     []drivers.Driver{{Variant: drivers.VulkanIcd, Name: "radv icd", JSONPath: vulkanIcdJSON}},
		vulkanExplicit: []drivers.Driver{{Variant: drivers.VulkanLayer, Name: "mesa overlay", LayerKind: drivers.LayerExplicit, JSONPath: explicitLayerJSON}},
		vulkanImplicit: []drivers.Driver{{Variant: drivers.VulkanLayer, Name: "mesa device select", LayerKind: drivers.LayerImplicit, JSONPath: implicitLayerJSON}},
		dri: []drivers.Driver{
			{Variant: drivers.DriDriver, Name: "vendorA radeonsi", LibraryPathRaw: libA},
			{Variant: drivers.DriDriver, Name: "vendorB radeonsi", LibraryPathRaw: libB},
		},
		vaapi: []drivers.Driver{
			{Variant: drivers.VaApiDriver, Name: "radeonsi va", LibraryPathRaw: sharedLib},
			{Variant: drivers.VaApiDriver, Name: "radeonsi va dup", LibraryPathRaw: sharedLib},
		},
		vdpau: []drivers.Driver{
			{Variant: drivers.VdpauDriver, Name: "radeonsi vdpau", LibraryPathRaw: vdpauLib},
		},
	}

	s := &Session{
		cfg: Config{
			Enumerator:    enum,
			ToolsDir:      helperDir,
			Deterministic: true,
		},
		sysroot:  root1,
		provider: view,
	}

	active := archplan.ActiveArchitecture{Plan: archplan.KnownPlans["x86_64-linux-gnu"]}
	out, importedVulkanLayer, err := s.processArchitecture(context.Background(), active)
	require.NoError(t, err)
	require.True(t, importedVulkanLayer)

	// Basename collisions land in separate numbered subdirectories instead
	// of overwriting each other (ResolveCollisions wiring).
	_, err = os.Lstat(filepath.Join(out.OverridesLibDir, "0", "libfoo.so.1"))
	require.NoError(t, err)
	_, err = os.Lstat(filepath.Join(out.OverridesLibDir, "1", "libfoo.so.1"))
	require.NoError(t, err)

	// Two driver records resolving to the same file are captured once
	// (CoalesceByInode wiring).
	_, err = os.Lstat(filepath.Join(out.OverridesLibDir, "libshared.so.1"))
	require.NoError(t, err)

	// VDPAU drivers land in their own subdirectory, matching the literal
	// ".../vdpau" suffix VDPAU_DRIVER_PATH carries.
	_, err = os.Lstat(filepath.Join(out.OverridesLibDir, "vdpau", "libvdpau_radeonsi.so.1"))
	require.NoError(t, err)

	require.Equal(t, []string{out.OverridesLibDir}, out.LibGLDriversPath)
	require.Equal(t, []string{out.OverridesLibDir}, out.LibVADriversPath)

	require.Len(t, out.EglVendorFiles, 1)
	require.Len(t, out.EglExternalPlatformFiles, 1)
	require.Len(t, out.VulkanICDFiles, 1)
	require.Contains(t, out.EglVendorFiles[0], filepath.Join("glvnd", "egl_vendor.d"))
	require.Contains(t, out.EglExternalPlatformFiles[0], filepath.Join("glvnd", "egl_external_platform.d"))
	require.Contains(t, out.VulkanICDFiles[0], filepath.Join("vulkan", "icd.d"))

	overridesShareDir := filepath.Join(root1.UsrPath(), "lib", "pressure-vessel", "overrides", "share")
	_, err = os.Stat(filepath.Join(overridesShareDir, "vulkan", "explicit_layer.d", "0.json"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(overridesShareDir, "vulkan", "implicit_layer.d", "0.json"))
	require.NoError(t, err)

	require.NotEmpty(t, out.PlatformSymlinkDir)
	target, err := os.Readlink(out.PlatformSymlinkDir)
	require.NoError(t, err)
	require.Equal(t, "x86_64-linux-gnu", target)
}

func TestProcessArchitectureNoSysrootSkipsCapture(t *testing.T) {
	root := t.TempDir()
	providerDir := filepath.Join(root, "provider")
	require.NoError(t, os.MkdirAll(providerDir, 0o755))
	view, err := provider.Open(providerDir, false)
	require.NoError(t, err)
	t.Cleanup(func() { view.Close() })

	s := &Session{
		cfg:      Config{Enumerator: &fakeEnumerator{}},
		provider: view,
	}

	active := archplan.ActiveArchitecture{Plan: archplan.KnownPlans["x86_64-linux-gnu"]}
	out, imported, err := s.processArchitecture(context.Background(), active)
	require.NoError(t, err)
	require.False(t, imported)
	require.Empty(t, out.OverridesLibDir)
}
