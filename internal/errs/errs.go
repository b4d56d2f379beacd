// Package errs defines the error kinds shared by the planner, the placement
// pipeline and the runner.
package errs

import (
	"errors"
	"fmt"
)

var (
	ErrConfig      = errors.New("config error")
	ErrModelFormat = errors.New("model format error")
)

// ConfigError reports a malformed placement descriptor or an invalid export
// request. Input carries the offending string verbatim.
type ConfigError struct {
	Input  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Input == "" {
		return "config: " + e.Reason
	}
	return fmt.Sprintf("config: %s: %q", e.Reason, e.Input)
}

func (e *ConfigError) Unwrap() error {
	return ErrConfig
}

// ModelFormatError reports a parameter set that cannot be loaded as asked.
type ModelFormatError struct {
	Reason string
}

func (e *ModelFormatError) Error() string {
	return "model format: " + e.Reason
}

func (e *ModelFormatError) Unwrap() error {
	return ErrModelFormat
}

func NewConfig(input, reason string) error {
	return &ConfigError{Input: input, Reason: reason}
}

func NewModelFormat(format string, args ...any) error {
	return &ModelFormatError{Reason: fmt.Sprintf(format, args...)}
}
