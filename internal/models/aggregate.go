package models

import (
	"errors"
	"fmt"
	"time"
)

// WindowAggregate summarises a service's samples inside the rolling window.
type WindowAggregate struct {
	Service     string    `json:"service"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	TotalCount  int       `json:"total_count"`
	ErrorCount  int       `json:"error_count"`
}

// ErrorRate returns errors/total. ok is false when the window is empty.
func (a WindowAggregate) ErrorRate() (rate float64, ok bool) {
	if a.TotalCount == 0 {
		return 0, false
	}
	return float64(a.ErrorCount) / float64(a.TotalCount), true
}

// Threshold holds the detection and approval parameters for one service.
type Threshold struct {
	ErrorRateThreshold     float64 `yaml:"errorRateThreshold" json:"error_rate_threshold"`
	WindowSeconds          int     `yaml:"windowSeconds" json:"window_seconds"`
	MinSampleVolume        int     `yaml:"minSampleVolume" json:"min_sample_volume"`
	ApprovalTimeoutSeconds int     `yaml:"approvalTimeoutSeconds" json:"approval_timeout_seconds"`
}

// Window returns the rolling window length.
func (t Threshold) Window() time.Duration {
	return time.Duration(t.WindowSeconds) * time.Second
}

// ApprovalTimeout returns how long a proposal may wait for a human decision.
func (t Threshold) ApprovalTimeout() time.Duration {
	return time.Duration(t.ApprovalTimeoutSeconds) * time.Second
}

// Validate checks every field against its allowed range.
func (t Threshold) Validate() error {
	var errs []error
	if t.ErrorRateThreshold <= 0 || t.ErrorRateThreshold > 1 {
		errs = append(errs, fmt.Errorf("errorRateThreshold must be in (0,1], got %v", t.ErrorRateThreshold))
	}
	if t.WindowSeconds <= 0 {
		errs = append(errs, fmt.Errorf("windowSeconds must be > 0, got %d", t.WindowSeconds))
	}
	if t.MinSampleVolume < 0 {
		errs = append(errs, fmt.Errorf("minSampleVolume must be >= 0, got %d", t.MinSampleVolume))
	}
	if t.ApprovalTimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("approvalTimeoutSeconds must be > 0, got %d", t.ApprovalTimeoutSeconds))
	}
	return errors.Join(errs...)
}

// ThresholdOverride is a partial Threshold. Nil fields inherit; a field set to zero is an
// explicit zero (for example minSampleVolume: 0 disables cold-start suppression).
type ThresholdOverride struct {
	ErrorRateThreshold     *float64 `yaml:"errorRateThreshold" json:"error_rate_threshold,omitempty"`
	WindowSeconds          *int     `yaml:"windowSeconds" json:"window_seconds,omitempty"`
	MinSampleVolume        *int     `yaml:"minSampleVolume" json:"min_sample_volume,omitempty"`
	ApprovalTimeoutSeconds *int     `yaml:"approvalTimeoutSeconds" json:"approval_timeout_seconds,omitempty"`
}

// Merge overlays the fields override sets onto t.
func (t Threshold) Merge(override ThresholdOverride) Threshold {
	if override.ErrorRateThreshold != nil {
		t.ErrorRateThreshold = *override.ErrorRateThreshold
	}
	if override.WindowSeconds != nil {
		t.WindowSeconds = *override.WindowSeconds
	}
	if override.MinSampleVolume != nil {
		t.MinSampleVolume = *override.MinSampleVolume
	}
	if override.ApprovalTimeoutSeconds != nil {
		t.ApprovalTimeoutSeconds = *override.ApprovalTimeoutSeconds
	}
	return t
}
