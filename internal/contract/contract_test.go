package contract

import (
	"errors"
	"testing"
)

func TestNormalizeStatusKnownMappings(t *testing.T) {
	r := NewRegistry()
	cases := []struct {
		raw, artifactType string
		want              CanonicalStatus
	}{
		{"draft", "event", StatusDraft},
		{"published", "event", StatusPublished},
		{"live", "checkout", StatusPublished},
		{"archived", "ticket", StatusArchived},
	}
	for _, tc := range cases {
		got, err := r.NormalizeStatus(tc.raw, tc.artifactType)
		if err != nil {
			t.Fatalf("normalize %s/%s: %v", tc.artifactType, tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("normalize %s/%s: got %s want %s", tc.artifactType, tc.raw, got, tc.want)
		}
	}
}

func TestNormalizeStatusRejectsDrift(t *testing.T) {
	r := NewRegistry()
	// A status literal an artifact type never registered must hard-fail,
	// not pass through.
	if _, err := r.NormalizeStatus("live", "event"); !errors.Is(err, ErrUnknownStatusMapping) {
		t.Fatalf("expected ErrUnknownStatusMapping, got %v", err)
	}
	if _, err := r.NormalizeStatus("draft", "webinar"); !errors.Is(err, ErrUnknownStatusMapping) {
		t.Fatalf("expected unknown type to fail, got %v", err)
	}
}

func TestRegisterValidatesCanonicalSet(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("webinar", map[string]CanonicalStatus{"open": "live"}); err == nil {
		t.Fatalf("expected rejection of non-canonical target status")
	}
	if err := r.Register("webinar", map[string]CanonicalStatus{"open": StatusPublished}); err != nil {
		t.Fatalf("register webinar: %v", err)
	}
	got, err := r.NormalizeStatus("open", "webinar")
	if err != nil || got != StatusPublished {
		t.Fatalf("normalize webinar/open: %v %v", got, err)
	}
}

func TestStepStatusTerminal(t *testing.T) {
	for _, s := range []StepStatus{StepSucceeded, StepSkipped, StepFailed, StepBlocked} {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	for _, s := range []StepStatus{StepPending, StepRunning} {
		if s.Terminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}

func TestParseClosedEnums(t *testing.T) {
	if _, err := ParseRetryStrategy("sometimes"); err == nil {
		t.Fatalf("expected invalid retry strategy error")
	}
	if got, err := ParseRetryStrategy("exponential"); err != nil || got != RetryExponential {
		t.Fatalf("parse exponential: %v %v", got, err)
	}
	if _, err := ParseDuplicateResolution("ignore"); err == nil {
		t.Fatalf("expected invalid duplicate resolution error")
	}
	if got, err := ParseDuplicateResolution("name_reuse"); err != nil || got != ReuseName {
		t.Fatalf("parse name_reuse: %v %v", got, err)
	}
}
