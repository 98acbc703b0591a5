package main

import (
	"errors"

	"github.com/fluxgate/agent/internal/config"
	"github.com/fluxgate/agent/internal/topology"
)

// isConfigError reports whether err stems from document parsing, plugin
// resolution, or graph validation, as opposed to a runtime failure —
// reported at build time and never thrown once a topology is running.
func isConfigError(err error) bool {
	var compileErr *config.CompileError
	if errors.As(err, &compileErr) {
		return true
	}
	var validationErr *topology.ValidationError
	if errors.As(err, &validationErr) {
		return true
	}
	return false
}
