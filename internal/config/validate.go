package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration error: %s", e.Errors[0])
	}
	return fmt.Sprintf("configuration errors:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

// validateDevice checks field ranges. Missing fields are not errors here; they
// are reported to the user by the tools until setup fills them in.
func validateDevice(d *DeviceConfig) []string {
	var errs []string

	if d.Port < 0 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("port: must be between 1 and 65535, got %d", d.Port))
	}

	if strings.ContainsAny(d.Host, " \t\n") {
		errs = append(errs, fmt.Sprintf("host: must not contain whitespace, got %q", d.Host))
	}

	return errs
}
