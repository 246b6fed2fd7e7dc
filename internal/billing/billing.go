// Package billing is the optional credit gate consulted before a step's tool
// invocation. A denial is a non-retryable step failure.
package billing

import (
	"context"
	"fmt"
	"sync"
)

// DeniedError is returned when the gate refuses a spend.
type DeniedError struct {
	ArtifactType string
	Reason       string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("authorization denied for %s: %s", e.ArtifactType, e.Reason)
}

// Gate authorizes spend for one step before its side effect runs.
type Gate interface {
	Authorize(ctx context.Context, artifactType string, cost int) error
}

// CreditGate debits a fixed credit balance per run. A max of 0 means
// unlimited.
type CreditGate struct {
	mu      sync.Mutex
	max     int
	spent   int
	perType map[string]int
}

// NewCreditGate returns a gate with the given balance. perTypeCost overrides
// the step-declared cost for an artifact type.
func NewCreditGate(credits int, perTypeCost map[string]int) *CreditGate {
	cp := make(map[string]int, len(perTypeCost))
	for k, v := range perTypeCost {
		cp[k] = v
	}
	return &CreditGate{max: credits, perType: cp}
}

func (g *CreditGate) Authorize(ctx context.Context, artifactType string, cost int) error {
	if override, ok := g.perType[artifactType]; ok {
		cost = override
	}
	if cost < 0 {
		cost = 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.max > 0 && g.spent+cost > g.max {
		return &DeniedError{
			ArtifactType: artifactType,
			Reason:       fmt.Sprintf("insufficient credits: %d spent of %d, step needs %d", g.spent, g.max, cost),
		}
	}
	g.spent += cost
	return nil
}

// Spent returns the credits consumed so far.
func (g *CreditGate) Spent() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.spent
}
