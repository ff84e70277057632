// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// Copyright (c) 2018-2021, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package drivers defines the Driver Enumerator capability interface and
// the tagged-sum Driver type described in spec.md §9 ("Polymorphism over
// driver kinds"): a single Driver value can be an EGL ICD, an EGL external
// platform, a Vulkan ICD, a Vulkan layer, a DRI driver, a VA-API driver, or
// a VDPAU driver, each carrying its own JSON/library-path accessors behind
// one small interface.
package drivers

import (
	"context"
)

// Variant tags which concrete driver kind a Driver value holds.
type Variant int

const (
	EglIcd Variant = iota
	EglExt
	VulkanIcd
	VulkanLayer
	DriDriver
	VaApiDriver
	VdpauDriver
)

func (v Variant) String() string {
	switch v {
	case EglIcd:
		return "egl-icd"
	case EglExt:
		return "egl-ext-platform"
	case VulkanIcd:
		return "vulkan-icd"
	case VulkanLayer:
		return "vulkan-layer"
	case DriDriver:
		return "dri-driver"
	case VaApiDriver:
		return "va-api-driver"
	case VdpauDriver:
		return "vdpau-driver"
	default:
		return "unknown"
	}
}

// LayerKind distinguishes explicit (requested by name) from implicit
// (auto-loaded) Vulkan layers.
type LayerKind int

const (
	LayerExplicit LayerKind = iota
	LayerImplicit
)

// Driver is one enumerated ICD/layer/driver, named "driver record" in
// spec.md §3. It is the tagged sum the spec's §9 design note calls for: a
// single value type instead of a runtime type hierarchy.
type Driver struct {
	Variant Variant
	Name    string // debug name, e.g. "mesa EGL ICD"
	Tuple   string // ABI this record was enumerated for; "" if ABI-independent

	// JSONPath is the provider-namespace path of this driver's manifest,
	// empty for variants with no manifest (DRI/VA-API/VDPAU drivers).
	JSONPath string

	// LibraryPathRaw is exactly what the manifest/enumeration reported:
	// a basename, a bare SONAME, or an absolute path, possibly still
	// containing dynamic-linker tokens ($LIB, $PLATFORM, $ORIGIN).
	LibraryPathRaw string

	// LayerKind is meaningful only when Variant == VulkanLayer.
	LayerKind LayerKind

	// Err is set when the enumerator itself flagged this candidate as
	// malformed (check_error() in spec §6); such drivers are rejected
	// before classification.
	Err error
}

// ResolveLibraryPath returns the library path exactly as captured from the
// manifest/enumeration — the classification step (internal/pkg/capture)
// decides whether this is an absolute path, a bare SONAME, or unset (a
// meta-layer).
func (d Driver) ResolveLibraryPath() string { return d.LibraryPathRaw }

// CheckError surfaces an enumeration-time error for this candidate.
func (d Driver) CheckError() error { return d.Err }

// Enumerator is the capability interface spec.md §6 describes: a
// provider/ABI-parameterized source of driver records, implemented by an
// external library scanner this core only consumes, never owns.
type Enumerator interface {
	EnumerateEglIcds(ctx context.Context, providerPath string, tuples []string) ([]Driver, error)
	EnumerateEglExtPlatforms(ctx context.Context, providerPath string, tuples []string) ([]Driver, error)
	EnumerateVulkanIcds(ctx context.Context, providerPath string, tuples []string) ([]Driver, error)
	EnumerateVulkanLayers(ctx context.Context, providerPath string, kind LayerKind) ([]Driver, error)
	EnumerateDriDrivers(ctx context.Context, providerPath string, tuple string) ([]Driver, error)
	EnumerateVaApiDrivers(ctx context.Context, providerPath string, tuple string) ([]Driver, error)
	EnumerateVdpauDrivers(ctx context.Context, providerPath string, tuple string) ([]Driver, error)

	// LibdlPlatform returns glibc's $PLATFORM expansion for tuple in the
	// given provider, or "" if undetermined.
	LibdlPlatform(ctx context.Context, providerPath string, tuple string) (string, error)
}

// EnumerateAll runs every architecture-independent and per-ABI enumeration
// concurrently, one goroutine per enumeration call (calls are not grouped
// into one task per architecture), returning the combined result once every
// goroutine has joined. singleThread forces sequential execution for
// deterministic test runs.
func EnumerateAll(ctx context.Context, e Enumerator, providerPath string, tuples []string, singleThread bool) ([]Driver, []error) {
	type job func() ([]Driver, error)

	jobs := []job{
		func() ([]Driver, error) { return e.EnumerateEglIcds(ctx, providerPath, tuples) },
		func() ([]Driver, error) { return e.EnumerateEglExtPlatforms(ctx, providerPath, tuples) },
		func() ([]Driver, error) { return e.EnumerateVulkanIcds(ctx, providerPath, tuples) },
		func() ([]Driver, error) { return e.EnumerateVulkanLayers(ctx, providerPath, LayerExplicit) },
		func() ([]Driver, error) { return e.EnumerateVulkanLayers(ctx, providerPath, LayerImplicit) },
	}
	for _, tuple := range tuples {
		tuple := tuple
		jobs = append(jobs,
			func() ([]Driver, error) { return e.EnumerateDriDrivers(ctx, providerPath, tuple) },
			func() ([]Driver, error) { return e.EnumerateVaApiDrivers(ctx, providerPath, tuple) },
			func() ([]Driver, error) { return e.EnumerateVdpauDrivers(ctx, providerPath, tuple) },
		)
	}

	if singleThread {
		var all []Driver
		var errs []error
		for _, j := range jobs {
			res, err := j()
			if err != nil {
				errs = append(errs, err)
				continue
			}
			all = append(all, res...)
		}
		return all, errs
	}

	type result struct {
		drivers []Driver
		err     error
	}
	results := make(chan result, len(jobs))
	for _, j := range jobs {
		j := j
		go func() {
			d, err := j()
			results <- result{drivers: d, err: err}
		}()
	}

	var all []Driver
	var errs []error
	for range jobs {
		r := <-results
		if r.err != nil {
			errs = append(errs, r.err)
			continue
		}
		all = append(all, r.drivers...)
	}
	return all, errs
}
