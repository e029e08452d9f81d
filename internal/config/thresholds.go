package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-remediation/internal/models"
)

// ThresholdSet is an immutable snapshot of the global default and per-service overrides.
// Readers resolve against one snapshot; reloads replace the whole set.
type ThresholdSet struct {
	Version  int64
	Default  models.Threshold
	Services map[string]models.ThresholdOverride
	LoadedAt time.Time
	Source   string

	// keyed by envKey(service)
	envOverrides map[string]models.ThresholdOverride
}

// thresholdFile is the on-disk shape of a hot-reloadable thresholds file.
type thresholdFile struct {
	Default  models.ThresholdOverride            `yaml:"default"`
	Services map[string]models.ThresholdOverride `yaml:"services"`
}

// NewThresholdSet validates def and every merged override.
func NewThresholdSet(def models.Threshold, services map[string]models.ThresholdOverride, source string) (*ThresholdSet, error) {
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("default threshold: %w", err)
	}
	copied := make(map[string]models.ThresholdOverride, len(services))
	for svc, override := range services {
		if err := def.Merge(override).Validate(); err != nil {
			return nil, fmt.Errorf("threshold for %s: %w", svc, err)
		}
		copied[svc] = override
	}
	return &ThresholdSet{
		Default:  def,
		Services: copied,
		LoadedAt: time.Now().UTC(),
		Source:   source,
	}, nil
}

// For returns the effective threshold for service. Env overrides beat file overrides.
func (s *ThresholdSet) For(service string) models.Threshold {
	out := s.Default
	if override, ok := s.Services[service]; ok {
		out = out.Merge(override)
	}
	if override, ok := s.envOverrides[envKey(service)]; ok {
		out = out.Merge(override)
	}
	return out
}

// WithEnv returns a copy of s with per-service overrides read from environ
// (THRESHOLD_<SVC>_ERROR_RATE, WINDOW_<SVC>_SECONDS, MIN_VOLUME_<SVC>, APPROVAL_TIMEOUT_<SVC>_SECONDS,
// all under the MIRADOR_REMEDIATION_ prefix). Invalid values are reported, not ignored.
func (s *ThresholdSet) WithEnv(environ []string) (*ThresholdSet, error) {
	overrides := map[string]models.ThresholdOverride{}
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, envPrefix) {
			continue
		}
		key = strings.TrimPrefix(key, envPrefix)

		var (
			svc   string
			apply func(*models.ThresholdOverride) error
		)
		switch {
		case strings.HasPrefix(key, "THRESHOLD_") && strings.HasSuffix(key, "_ERROR_RATE"):
			svc = strings.TrimSuffix(strings.TrimPrefix(key, "THRESHOLD_"), "_ERROR_RATE")
			apply = func(t *models.ThresholdOverride) error {
				f, err := strconv.ParseFloat(value, 64)
				t.ErrorRateThreshold = &f
				return err
			}
		case strings.HasPrefix(key, "WINDOW_") && strings.HasSuffix(key, "_SECONDS") && key != "WINDOW_SECONDS":
			svc = strings.TrimSuffix(strings.TrimPrefix(key, "WINDOW_"), "_SECONDS")
			apply = func(t *models.ThresholdOverride) error {
				n, err := strconv.Atoi(value)
				t.WindowSeconds = &n
				return err
			}
		case strings.HasPrefix(key, "MIN_VOLUME_"):
			svc = strings.TrimPrefix(key, "MIN_VOLUME_")
			apply = func(t *models.ThresholdOverride) error {
				n, err := strconv.Atoi(value)
				t.MinSampleVolume = &n
				return err
			}
		case strings.HasPrefix(key, "APPROVAL_TIMEOUT_") && strings.HasSuffix(key, "_SECONDS") && key != "APPROVAL_TIMEOUT_SECONDS":
			svc = strings.TrimSuffix(strings.TrimPrefix(key, "APPROVAL_TIMEOUT_"), "_SECONDS")
			apply = func(t *models.ThresholdOverride) error {
				n, err := strconv.Atoi(value)
				t.ApprovalTimeoutSeconds = &n
				return err
			}
		default:
			continue
		}
		if svc == "" {
			continue
		}
		t := overrides[svc]
		if err := apply(&t); err != nil {
			return nil, fmt.Errorf("env %s%s: %w", envPrefix, key, err)
		}
		overrides[svc] = t
	}

	for svc, override := range overrides {
		if err := s.Default.Merge(override).Validate(); err != nil {
			return nil, fmt.Errorf("env threshold for %s: %w", svc, err)
		}
	}
	out := *s
	out.envOverrides = overrides
	return &out, nil
}

// LoadThresholdFile reads a thresholds YAML file and layers it over base.
func LoadThresholdFile(path string, base models.Threshold) (*ThresholdSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read thresholds: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("thresholds file %s is empty", path)
	}
	var file thresholdFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse thresholds: %w", err)
	}
	return NewThresholdSet(base.Merge(file.Default), file.Services, path)
}

// envKey maps a service name to its env var fragment: upper case, '-' and '.' become '_'.
func envKey(service string) string {
	return strings.NewReplacer("-", "_", ".", "_").Replace(strings.ToUpper(service))
}

// ThresholdRegistry publishes the current ThresholdSet to concurrent readers.
type ThresholdRegistry struct {
	current atomic.Pointer[ThresholdSet]
}

// NewThresholdRegistry seeds the registry with initial as version 1.
func NewThresholdRegistry(initial *ThresholdSet) *ThresholdRegistry {
	r := &ThresholdRegistry{}
	snapshot := *initial
	snapshot.Version = 1
	r.current.Store(&snapshot)
	return r
}

// Current returns the active snapshot.
func (r *ThresholdRegistry) Current() *ThresholdSet {
	return r.current.Load()
}

// For resolves service against the active snapshot.
func (r *ThresholdRegistry) For(service string) models.Threshold {
	return r.current.Load().For(service)
}

// Swap installs next as the active snapshot with the following version number.
func (r *ThresholdRegistry) Swap(next *ThresholdSet) *ThresholdSet {
	for {
		prev := r.current.Load()
		snapshot := *next
		snapshot.Version = prev.Version + 1
		if r.current.CompareAndSwap(prev, &snapshot) {
			return &snapshot
		}
	}
}
