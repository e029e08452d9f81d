package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidSample marks a sample that cannot be attributed to a service or a point in time.
var ErrInvalidSample = errors.New("invalid sample")

// Sample is one observation from a service's signal stream.
type Sample struct {
	Service   string    `json:"service"`
	Timestamp time.Time `json:"timestamp"`
	IsError   bool      `json:"is_error"`
	Level     string    `json:"level,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// Normalize trims the service name and derives IsError from an ERROR/FATAL/CRITICAL level.
func (s Sample) Normalize() Sample {
	s.Service = strings.TrimSpace(s.Service)
	s.Level = strings.ToUpper(strings.TrimSpace(s.Level))
	switch s.Level {
	case "ERROR", "FATAL", "CRITICAL":
		s.IsError = true
	}
	return s
}

// Validate reports whether the sample can be placed in a window.
func (s Sample) Validate() error {
	if s.Service == "" {
		return fmt.Errorf("%w: missing service", ErrInvalidSample)
	}
	if s.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidSample)
	}
	return nil
}
