// Package loom identifies the application for logging and diagnostics
package loom

const (
	// Name is the service name reported in logs and health output
	Name = "loom"

	// Version is the engine version
	Version = "0.3.0"
)
