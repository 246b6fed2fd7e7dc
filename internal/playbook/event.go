package playbook

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"showrunner/internal/contract"
)

// EventOptions configures the event playbook, typically from showrunner.yml.
type EventOptions struct {
	// Addons the playbook knows how to build. Defaults to merch and
	// recording.
	SupportedAddons []string `yaml:"supported_addons"`
}

// EventPlaybook is the reference playbook: it launches an event experience as
// event -> product -> ticket -> form -> checkout, plus optional addon steps.
type EventPlaybook struct {
	supported map[string]bool
}

func NewEvent(opts EventOptions) *EventPlaybook {
	addons := opts.SupportedAddons
	if addons == nil {
		addons = []string{"merch", "recording"}
	}
	supported := make(map[string]bool, len(addons))
	for _, a := range addons {
		supported[a] = true
	}
	return &EventPlaybook{supported: supported}
}

func (p *EventPlaybook) ID() string { return "event" }

type eventIntent struct {
	EventName   string   `json:"event_name"`
	Date        string   `json:"date"`
	Description string   `json:"description,omitempty"`
	Capacity    *int     `json:"capacity,omitempty"`
	Price       *float64 `json:"price,omitempty"`
	Addons      []string `json:"addons,omitempty"`
}

// Derive validates the raw intent and produces the concrete recipe. All
// field problems are reported together; addon detections the playbook does
// not support become explicit skip steps rather than silent omissions.
func (p *EventPlaybook) Derive(rawIntent json.RawMessage) (Input, Recipe, error) {
	var in eventIntent
	if len(rawIntent) == 0 {
		return Input{}, Recipe{}, &IntentValidationError{Fields: []FieldError{{Field: "intent", Reason: "payload is required"}}}
	}
	if err := json.Unmarshal(rawIntent, &in); err != nil {
		return Input{}, Recipe{}, &IntentValidationError{Fields: []FieldError{{Field: "intent", Reason: fmt.Sprintf("invalid JSON: %v", err)}}}
	}

	var fields []FieldError
	if in.EventName == "" {
		fields = append(fields, FieldError{Field: "event_name", Reason: "is required"})
	}
	if in.Date == "" {
		fields = append(fields, FieldError{Field: "date", Reason: "is required"})
	} else if _, err := time.Parse("2006-01-02", in.Date); err != nil {
		fields = append(fields, FieldError{Field: "date", Reason: "must be YYYY-MM-DD"})
	}
	if in.Capacity != nil && *in.Capacity <= 0 {
		fields = append(fields, FieldError{Field: "capacity", Reason: "must be positive"})
	}
	if in.Price != nil && *in.Price < 0 {
		fields = append(fields, FieldError{Field: "price", Reason: "must not be negative"})
	}
	if len(fields) > 0 {
		return Input{}, Recipe{}, &IntentValidationError{Fields: fields}
	}

	price := 0.0
	if in.Price != nil {
		price = *in.Price
	}
	capacity := 100
	if in.Capacity != nil {
		capacity = *in.Capacity
	}

	input := Input{Fields: map[string]string{
		"event_name":  in.EventName,
		"date":        in.Date,
		"description": in.Description,
		"capacity":    strconv.Itoa(capacity),
		"price":       strconv.FormatFloat(price, 'f', 2, 64),
	}}

	steps := []StepTemplate{
		{
			ID:           "event",
			ArtifactType: "event",
			Name:         in.EventName,
			Inputs: map[string]string{
				"name":        in.EventName,
				"date":        in.Date,
				"description": in.Description,
			},
			Required:            true,
			Retryable:           true,
			RetryStrategy:       contract.RetryFixed,
			DuplicateResolution: contract.FailOnDuplicate,
			Cost:                1,
		},
		{
			ID:           "product",
			ArtifactType: "product",
			Name:         in.EventName + " Tickets",
			Inputs: map[string]string{
				"event": in.EventName,
				"price": input.Fields["price"],
			},
			DependsOn:           []string{"event"},
			Required:            true,
			Retryable:           true,
			RetryStrategy:       contract.RetryFixed,
			DuplicateResolution: contract.FailOnDuplicate,
			Cost:                1,
		},
		{
			ID:           "ticket",
			ArtifactType: "ticket",
			Name:         in.EventName + " General Admission",
			Inputs: map[string]string{
				"product":  in.EventName + " Tickets",
				"capacity": input.Fields["capacity"],
			},
			DependsOn:           []string{"product"},
			Required:            true,
			Retryable:           true,
			RetryStrategy:       contract.RetryFixed,
			DuplicateResolution: contract.FailOnDuplicate,
			Cost:                1,
		},
		{
			ID:           "form",
			ArtifactType: "form",
			Name:         in.EventName + " Registration",
			Inputs: map[string]string{
				"event": in.EventName,
			},
			DependsOn: []string{"event"},
			Required:  true,
			Retryable: true,
			// Registration forms are shared assets: reuse an existing one
			// with the same name instead of failing the launch.
			RetryStrategy:       contract.RetryFixed,
			DuplicateResolution: contract.ReuseName,
			Cost:                1,
		},
		{
			ID:           "checkout",
			ArtifactType: "checkout",
			Name:         in.EventName + " Checkout",
			Inputs: map[string]string{
				"product": in.EventName + " Tickets",
				"ticket":  in.EventName + " General Admission",
				"form":    in.EventName + " Registration",
			},
			DependsOn:           []string{"product", "ticket", "form"},
			Required:            true,
			Retryable:           true,
			RetryStrategy:       contract.RetryFixed,
			DuplicateResolution: contract.FailOnDuplicate,
			Cost:                2,
		},
	}

	steps = append(steps, p.addonSteps(in)...)

	recipe := Recipe{
		Steps: steps,
		// Nothing goes live until the whole launch surface exists.
		PublishGuardrails: []string{"event", "product", "ticket", "form"},
	}
	return input, recipe, nil
}

// addonSteps turns detected addons into optional steps, and unsupported ones
// into skip steps with a reason a human can act on.
func (p *EventPlaybook) addonSteps(in eventIntent) []StepTemplate {
	seen := map[string]bool{}
	addons := make([]string, 0, len(in.Addons))
	for _, a := range in.Addons {
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		addons = append(addons, a)
	}
	sort.Strings(addons)

	var steps []StepTemplate
	for _, a := range addons {
		if !p.supported[a] {
			steps = append(steps, StepTemplate{
				ID:           "addon:" + a,
				ArtifactType: a,
				Name:         in.EventName + " " + a,
				Skip:         true,
				SkipReason:   fmt.Sprintf("addon %q is not supported by the event playbook; create it manually after launch", a),
			})
			continue
		}
		tpl := StepTemplate{
			ID:                  "addon:" + a,
			ArtifactType:        a,
			Name:                in.EventName + " " + a,
			Inputs:              map[string]string{"event": in.EventName},
			Retryable:           true,
			RetryStrategy:       contract.RetryExponential,
			DuplicateResolution: contract.ReuseName,
			Cost:                1,
		}
		switch a {
		case "merch":
			tpl.DependsOn = []string{"product"}
		default:
			tpl.DependsOn = []string{"event"}
		}
		steps = append(steps, tpl)
	}
	return steps
}
