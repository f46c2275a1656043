package main

import "github.com/loomstack/loom/internal/registry"

// registerDefinitions is the build-time hook where a deployment registers
// its workflow and activity definitions. Definitions registered here are
// startable through the control API; the registry freezes afterwards
func registerDefinitions(r *registry.Registry) {
	_ = r
}
