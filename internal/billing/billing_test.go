package billing

import (
	"context"
	"errors"
	"testing"
)

func TestUnlimitedGate(t *testing.T) {
	g := NewCreditGate(0, nil)
	for i := 0; i < 100; i++ {
		if err := g.Authorize(context.Background(), "event", 5); err != nil {
			t.Fatalf("unlimited gate denied: %v", err)
		}
	}
}

func TestGateDeniesPastBalance(t *testing.T) {
	g := NewCreditGate(10, nil)
	if err := g.Authorize(context.Background(), "event", 6); err != nil {
		t.Fatalf("first authorize: %v", err)
	}
	err := g.Authorize(context.Background(), "product", 6)
	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected DeniedError, got %v", err)
	}
	if denied.ArtifactType != "product" {
		t.Fatalf("unexpected denied type %s", denied.ArtifactType)
	}
	if g.Spent() != 6 {
		t.Fatalf("denied spend must not debit, spent=%d", g.Spent())
	}
}

func TestPerTypeCostOverride(t *testing.T) {
	g := NewCreditGate(5, map[string]int{"checkout": 5})
	if err := g.Authorize(context.Background(), "checkout", 1); err != nil {
		t.Fatalf("override authorize: %v", err)
	}
	if g.Spent() != 5 {
		t.Fatalf("expected override cost 5, spent=%d", g.Spent())
	}
	if err := g.Authorize(context.Background(), "event", 1); err == nil {
		t.Fatalf("expected denial after balance exhausted")
	}
}
