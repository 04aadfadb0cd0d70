// Package version exposes the release version and the module information
// compiled into the binary.
package version

import (
	"runtime/debug"
	"sort"
)

// Version is the semantic version of the sudocode core.
const Version = "0.4.0"

// Module is one dependency baked into the binary. Version carries the
// replacement target when the module was replaced at build time.
type Module struct {
	Path    string `json:"path"`
	Version string `json:"version"`
}

// Build is the binary's build record: the Go toolchain it was compiled
// with and its dependency set, sorted by module path.
type Build struct {
	GoVersion string   `json:"go_version"`
	Modules   []Module `json:"modules"`
}

// Current reads the build record embedded by the Go linker. Binaries built
// without module support report an unknown toolchain and no modules.
func Current() Build {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return Build{GoVersion: "unknown"}
	}

	build := Build{
		GoVersion: info.GoVersion,
		Modules:   make([]Module, 0, len(info.Deps)),
	}
	for _, dep := range info.Deps {
		m := Module{Path: dep.Path, Version: dep.Version}
		if dep.Replace != nil {
			m.Version = dep.Replace.Version + " => " + dep.Replace.Path
		}
		build.Modules = append(build.Modules, m)
	}
	sort.Slice(build.Modules, func(i, j int) bool {
		return build.Modules[i].Path < build.Modules[j].Path
	})
	return build
}
