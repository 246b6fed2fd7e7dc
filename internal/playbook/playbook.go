// Package playbook defines the business-recipe contract: a playbook turns a
// raw intent payload into a validated input and a concrete step recipe. The
// runtime engine knows nothing about any playbook's business rules beyond
// this contract.
package playbook

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"showrunner/internal/contract"
)

var ErrUnknownPlaybook = errors.New("unknown playbook")

// StepTemplate is one step of a recipe. Skip templates carry no work: they
// exist so that detections the playbook cannot act on still show up in the
// step log with an actionable reason instead of vanishing.
type StepTemplate struct {
	ID                  string
	ArtifactType        string
	Name                string
	Inputs              map[string]string
	DependsOn           []string
	Required            bool
	Retryable           bool
	RetryStrategy       contract.RetryStrategy
	DuplicateResolution contract.DuplicateResolution
	Cost                int
	Skip                bool
	SkipReason          string
}

// Recipe is the ordered step list for one run. Order is significant: it is
// the stable tie-break when otherwise independent steps would collide.
type Recipe struct {
	Steps []StepTemplate
	// PublishGuardrails lists step ids that must have succeeded before any
	// step may move an artifact to a published-equivalent status.
	PublishGuardrails []string
}

// Input is the validated, normalized intent the recipe was derived from.
type Input struct {
	Fields map[string]string
}

type Playbook interface {
	ID() string
	Derive(rawIntent json.RawMessage) (Input, Recipe, error)
}

// FieldError is one invalid or missing intent field.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// IntentValidationError carries every invalid field, not just the first, so
// a caller can correct all issues in one round trip.
type IntentValidationError struct {
	Fields []FieldError
}

func (e *IntentValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = fmt.Sprintf("%s: %s", f.Field, f.Reason)
	}
	return "invalid intent: " + strings.Join(parts, "; ")
}

// Registry holds the playbooks enabled for this process. Loaded at startup;
// the read lock exists only because the HTTP layer lists it concurrently.
type Registry struct {
	mu        sync.RWMutex
	playbooks map[string]Playbook
}

func NewRegistry(pbs ...Playbook) *Registry {
	r := &Registry{playbooks: map[string]Playbook{}}
	for _, pb := range pbs {
		r.playbooks[pb.ID()] = pb
	}
	return r
}

func (r *Registry) Register(pb Playbook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.playbooks[pb.ID()] = pb
}

func (r *Registry) Get(id string) (Playbook, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pb, ok := r.playbooks[id]
	if !ok {
		return nil, fmt.Errorf("playbook %q: %w", id, ErrUnknownPlaybook)
	}
	return pb, nil
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.playbooks))
	for id := range r.playbooks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
