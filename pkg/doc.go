// Package pkg provides shared utilities for the softxhci driver packages.
//
// This package contains common functionality used across the xHCI driver,
// its simulator and the command-line tool, including:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel error types for USB and host controller failures
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with driver-specific context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentXHCI, "controller running", "ports", 4)
//
// Long-lived objects take a component-scoped logger once:
//
//	log := pkg.Logger(pkg.ComponentRing)
//
// # Errors
//
// Common failures are defined as sentinel values:
//
//	if errors.Is(err, pkg.ErrHardwareUnresponsive) {
//	    // Controller did not leave reset
//	}
package pkg
