package server

import (
	"encoding/json"

	"showrunner/internal/domain"
)

// LaunchExperienceRequest starts one experience. Supplying experience_id makes
// the request replay-safe: repeating it returns the original bundle.
type LaunchExperienceRequest struct {
	ExperienceID string          `json:"experience_id,omitempty" example:"spring-launch"`
	PlaybookID   string          `json:"playbook_id" example:"event"`
	Intent       json.RawMessage `json:"intent"`
}

type ExperienceResponse struct {
	domain.Experience
	Steps []domain.Step `json:"steps,omitempty"`
}

type ExperienceListResponse struct {
	Items []domain.Experience `json:"items"`
}

type StepListResponse struct {
	Items []domain.Step `json:"items"`
}

type PlaybookResponse struct {
	ID string `json:"id" example:"event"`
}

type PlaybookListResponse struct {
	Items []PlaybookResponse `json:"items"`
}

type ArtifactListResponse struct {
	Items []domain.ArtifactReference `json:"items"`
}

type EventListResponse struct {
	Items []domain.Event `json:"items"`
}
