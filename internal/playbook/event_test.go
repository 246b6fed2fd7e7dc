package playbook

import (
	"encoding/json"
	"errors"
	"testing"

	"showrunner/internal/contract"
)

func deriveEvent(t *testing.T, intent string) (Input, Recipe) {
	t.Helper()
	in, recipe, err := NewEvent(EventOptions{}).Derive(json.RawMessage(intent))
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	return in, recipe
}

func stepByID(t *testing.T, r Recipe, id string) StepTemplate {
	t.Helper()
	for _, s := range r.Steps {
		if s.ID == id {
			return s
		}
	}
	t.Fatalf("recipe has no step %q", id)
	return StepTemplate{}
}

func TestDeriveCoreRecipe(t *testing.T) {
	_, recipe := deriveEvent(t, `{"event_name":"Spring Launch","date":"2026-05-01"}`)
	if len(recipe.Steps) != 5 {
		t.Fatalf("expected 5 core steps, got %d", len(recipe.Steps))
	}
	order := []string{"event", "product", "ticket", "form", "checkout"}
	for i, id := range order {
		if recipe.Steps[i].ID != id {
			t.Fatalf("step %d: got %s want %s", i, recipe.Steps[i].ID, id)
		}
		if !recipe.Steps[i].Required {
			t.Fatalf("core step %s must be required", id)
		}
	}
	checkout := stepByID(t, recipe, "checkout")
	if len(checkout.DependsOn) != 3 {
		t.Fatalf("checkout deps: %v", checkout.DependsOn)
	}
	if len(recipe.PublishGuardrails) == 0 {
		t.Fatalf("expected publish guardrails")
	}
}

func TestDeriveReportsAllFieldErrors(t *testing.T) {
	capacity := -3
	raw, _ := json.Marshal(map[string]any{"capacity": capacity, "date": "May 1st"})
	_, _, err := NewEvent(EventOptions{}).Derive(raw)
	var verr *IntentValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected IntentValidationError, got %v", err)
	}
	if len(verr.Fields) != 3 {
		t.Fatalf("expected 3 field errors (event_name, date, capacity), got %v", verr.Fields)
	}
	got := map[string]bool{}
	for _, f := range verr.Fields {
		got[f.Field] = true
	}
	for _, f := range []string{"event_name", "date", "capacity"} {
		if !got[f] {
			t.Fatalf("missing field error for %s: %v", f, verr.Fields)
		}
	}
}

func TestDeriveRejectsEmptyAndMalformedIntent(t *testing.T) {
	var verr *IntentValidationError
	_, _, err := NewEvent(EventOptions{}).Derive(nil)
	if !errors.As(err, &verr) {
		t.Fatalf("empty intent: expected IntentValidationError, got %v", err)
	}
	_, _, err = NewEvent(EventOptions{}).Derive(json.RawMessage(`{"event_name"`))
	if !errors.As(err, &verr) {
		t.Fatalf("malformed intent: expected IntentValidationError, got %v", err)
	}
}

func TestUnsupportedAddonBecomesSkipStep(t *testing.T) {
	_, recipe := deriveEvent(t, `{"event_name":"Spring Launch","date":"2026-05-01","addons":["merch","fireworks"]}`)
	merch := stepByID(t, recipe, "addon:merch")
	if merch.Skip {
		t.Fatalf("supported addon must not be a skip step")
	}
	if merch.Required {
		t.Fatalf("addon steps are optional")
	}
	fireworks := stepByID(t, recipe, "addon:fireworks")
	if !fireworks.Skip {
		t.Fatalf("unsupported addon must be a skip step")
	}
	if fireworks.SkipReason == "" {
		t.Fatalf("skip step needs an actionable reason")
	}
	if fireworks.Retryable {
		t.Fatalf("skip steps are not retryable")
	}
}

func TestAddonListIsDeduplicatedAndStable(t *testing.T) {
	_, recipe := deriveEvent(t, `{"event_name":"X","date":"2026-05-01","addons":["recording","merch","merch",""]}`)
	var addons []string
	for _, s := range recipe.Steps {
		if len(s.ID) > 6 && s.ID[:6] == "addon:" {
			addons = append(addons, s.ID)
		}
	}
	if len(addons) != 2 || addons[0] != "addon:merch" || addons[1] != "addon:recording" {
		t.Fatalf("unexpected addon steps %v", addons)
	}
}

func TestDeriveDefaultsAndInputPropagation(t *testing.T) {
	in, recipe := deriveEvent(t, `{"event_name":"Spring Launch","date":"2026-05-01","price":25.5,"capacity":250}`)
	if in.Fields["price"] != "25.50" || in.Fields["capacity"] != "250" {
		t.Fatalf("unexpected normalized fields %v", in.Fields)
	}
	product := stepByID(t, recipe, "product")
	if product.Inputs["price"] != "25.50" {
		t.Fatalf("price not propagated: %v", product.Inputs)
	}
	ticket := stepByID(t, recipe, "ticket")
	if ticket.Inputs["capacity"] != "250" {
		t.Fatalf("capacity not propagated: %v", ticket.Inputs)
	}
	form := stepByID(t, recipe, "form")
	if form.DuplicateResolution != contract.ReuseName {
		t.Fatalf("form should reuse colliding names, got %s", form.DuplicateResolution)
	}
}

func TestRegistryLookup(t *testing.T) {
	reg := NewRegistry(NewEvent(EventOptions{}))
	if _, err := reg.Get("event"); err != nil {
		t.Fatalf("get event: %v", err)
	}
	_, err := reg.Get("conference")
	if !errors.Is(err, ErrUnknownPlaybook) {
		t.Fatalf("expected ErrUnknownPlaybook, got %v", err)
	}
	if ids := reg.IDs(); len(ids) != 1 || ids[0] != "event" {
		t.Fatalf("unexpected ids %v", ids)
	}
}
