package engine

import "fmt"

// InvalidRecipeError means the playbook produced a malformed recipe (cycle,
// duplicate step id, unknown dependency). This is a playbook bug, not a
// runtime condition: it is fatal for the experience and never retried.
type InvalidRecipeError struct {
	PlaybookID string
	Reason     string
}

func (e *InvalidRecipeError) Error() string {
	return fmt.Sprintf("invalid recipe from playbook %s: %s", e.PlaybookID, e.Reason)
}

// NameCollisionError records a duplicate-name conflict for a step whose
// duplicate policy is fail.
type NameCollisionError struct {
	StepID       string
	ArtifactType string
	Name         string
	ExistingID   string
}

func (e *NameCollisionError) Error() string {
	return fmt.Sprintf("step %s: %s %q already exists as artifact %s", e.StepID, e.ArtifactType, e.Name, e.ExistingID)
}
