// Package contract holds the canonical vocabulary shared by every playbook:
// lifecycle statuses, the closed step/retry/duplicate enums, and the mapping
// table that keeps artifact types from inventing their own status strings.
package contract

import (
	"errors"
	"fmt"
)

// CanonicalStatus is the fixed lifecycle status set every artifact type must
// map onto.
type CanonicalStatus string

const (
	StatusDraft     CanonicalStatus = "draft"
	StatusPublished CanonicalStatus = "published"
	StatusArchived  CanonicalStatus = "archived"
)

// StepStatus is the step state machine: pending -> running -> terminal.
// blocked is terminal and reached without ever running.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepSkipped   StepStatus = "skipped"
	StepFailed    StepStatus = "failed"
	StepBlocked   StepStatus = "blocked"
)

// Terminal reports whether a step in this status will never change again.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepSucceeded, StepSkipped, StepFailed, StepBlocked:
		return true
	default:
		return false
	}
}

type RetryStrategy string

const (
	RetryNone        RetryStrategy = "none"
	RetryFixed       RetryStrategy = "fixed"
	RetryExponential RetryStrategy = "exponential"
)

type DuplicateResolution string

const (
	ReplaySignature DuplicateResolution = "signature_replay"
	ReuseName       DuplicateResolution = "name_reuse"
	FailOnDuplicate DuplicateResolution = "fail"
)

type ExperienceStatus string

const (
	ExperienceRunning  ExperienceStatus = "running"
	ExperienceComplete ExperienceStatus = "complete"
	ExperiencePartial  ExperienceStatus = "partial"
	ExperienceFailed   ExperienceStatus = "failed"
)

// ErrUnknownStatusMapping is returned when an artifact type reports a status
// outside its registered mapping. This is a hard failure: silently passing a
// raw status through is how enum drift starts.
var ErrUnknownStatusMapping = errors.New("unknown status mapping")

// Registry is the static status vocabulary, loaded once at process start.
// It holds no mutable state after construction.
type Registry struct {
	mappings map[string]map[string]CanonicalStatus
}

// NewRegistry returns a registry seeded with the built-in artifact types.
// Raw statuses mirror what the tool layer reports for each type.
func NewRegistry() *Registry {
	r := &Registry{mappings: map[string]map[string]CanonicalStatus{}}
	for _, t := range []string{"event", "product", "ticket", "form", "merch", "recording"} {
		r.MustRegister(t, map[string]CanonicalStatus{
			"draft":     StatusDraft,
			"published": StatusPublished,
			"archived":  StatusArchived,
		})
	}
	// Checkout pages report "live" once purchasable.
	r.MustRegister("checkout", map[string]CanonicalStatus{
		"draft":    StatusDraft,
		"live":     StatusPublished,
		"archived": StatusArchived,
	})
	return r
}

// Register adds a raw-status mapping for an artifact type. Registering the
// same type twice replaces the mapping.
func (r *Registry) Register(artifactType string, mapping map[string]CanonicalStatus) error {
	if artifactType == "" {
		return fmt.Errorf("artifact type is required")
	}
	if len(mapping) == 0 {
		return fmt.Errorf("artifact type %s: empty status mapping", artifactType)
	}
	for raw, canonical := range mapping {
		switch canonical {
		case StatusDraft, StatusPublished, StatusArchived:
		default:
			return fmt.Errorf("artifact type %s: %q maps to non-canonical status %q", artifactType, raw, canonical)
		}
	}
	cp := make(map[string]CanonicalStatus, len(mapping))
	for k, v := range mapping {
		cp[k] = v
	}
	r.mappings[artifactType] = cp
	return nil
}

// MustRegister is Register for static tables built at startup.
func (r *Registry) MustRegister(artifactType string, mapping map[string]CanonicalStatus) {
	if err := r.Register(artifactType, mapping); err != nil {
		panic(err)
	}
}

// NormalizeStatus maps a raw tool-reported status onto the canonical set.
// Unregistered types and unmapped raw statuses fail with
// ErrUnknownStatusMapping.
func (r *Registry) NormalizeStatus(rawStatus, artifactType string) (CanonicalStatus, error) {
	mapping, ok := r.mappings[artifactType]
	if !ok {
		return "", fmt.Errorf("artifact type %q is not registered: %w", artifactType, ErrUnknownStatusMapping)
	}
	canonical, ok := mapping[rawStatus]
	if !ok {
		return "", fmt.Errorf("artifact type %q has no mapping for status %q: %w", artifactType, rawStatus, ErrUnknownStatusMapping)
	}
	return canonical, nil
}

// KnownType reports whether the artifact type has a registered mapping.
func (r *Registry) KnownType(artifactType string) bool {
	_, ok := r.mappings[artifactType]
	return ok
}

// ParseRetryStrategy validates a configured retry strategy string.
func ParseRetryStrategy(s string) (RetryStrategy, error) {
	switch RetryStrategy(s) {
	case RetryNone, RetryFixed, RetryExponential:
		return RetryStrategy(s), nil
	}
	return "", fmt.Errorf("invalid retry strategy %q", s)
}

// ParseDuplicateResolution validates a configured duplicate resolution string.
func ParseDuplicateResolution(s string) (DuplicateResolution, error) {
	switch DuplicateResolution(s) {
	case ReplaySignature, ReuseName, FailOnDuplicate:
		return DuplicateResolution(s), nil
	}
	return "", fmt.Errorf("invalid duplicate resolution %q", s)
}
