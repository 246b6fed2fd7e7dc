// Package broker is the tool boundary: the side-effecting operation that
// produces an artifact's content for a step. Deployments plug in their own
// broker; the local broker builds deterministic payloads so the whole runtime
// works against the built-in store.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Result is what a tool reports back for one invocation. RawStatus is in the
// tool's own vocabulary and must be normalized through the contract registry
// before it reaches the store.
type Result struct {
	Payload   string
	RawStatus string
}

// ToolError classifies a failed invocation. Transient failures are subject to
// the step's retry policy; permanent ones fail the step immediately.
type ToolError struct {
	ArtifactType string
	Transient    bool
	Err          error
}

func (e *ToolError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("tool %s failure for %s: %v", kind, e.ArtifactType, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// Transient reports whether err is a ToolError marked transient.
func Transient(err error) bool {
	var te *ToolError
	if errors.As(err, &te) {
		return te.Transient
	}
	return false
}

// ToolBroker executes the side effect for a step and returns the artifact
// content. It must respect ctx cancellation; a per-attempt timeout is applied
// by the engine.
type ToolBroker interface {
	Invoke(ctx context.Context, artifactType, name string, inputs map[string]string) (Result, error)
}

// Local is a deterministic broker: the payload is the sorted inputs plus the
// artifact name, and every type starts in its tool-reported draft status
// except checkout pages, which come up live.
type Local struct{}

func NewLocal() Local { return Local{} }

func (Local) Invoke(ctx context.Context, artifactType, name string, inputs map[string]string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, &ToolError{ArtifactType: artifactType, Transient: true, Err: err}
	}
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	payload := map[string]string{"name": name}
	for _, k := range keys {
		payload[k] = inputs[k]
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Result{}, &ToolError{ArtifactType: artifactType, Transient: false, Err: err}
	}
	rawStatus := "draft"
	if artifactType == "checkout" {
		rawStatus = "live"
	}
	return Result{Payload: string(b), RawStatus: rawStatus}, nil
}
