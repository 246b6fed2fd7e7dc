package domain

// Experience is one orchestration request. It is immutable once execution
// starts; its id is the idempotency root for every step signature.
type Experience struct {
	ID           string  `json:"id"`
	PlaybookID   string  `json:"playbook_id"`
	Status       string  `json:"status" enum:"running,complete,partial,failed"`
	RawIntent    string  `json:"raw_intent,omitempty"`
	IntentDigest string  `json:"intent_digest,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	CompletedAt  *string `json:"completed_at,omitempty" format:"date-time"`
}

// Step is one unit of work inside an experience, mutated only by the engine.
type Step struct {
	ExperienceID        string            `json:"experience_id"`
	StepID              string            `json:"step_id"`
	Ordinal             int               `json:"ordinal"`
	ArtifactType        string            `json:"artifact_type"`
	ArtifactName        string            `json:"artifact_name"`
	Required            bool              `json:"required"`
	DependsOn           []string          `json:"depends_on,omitempty"`
	Inputs              map[string]string `json:"inputs,omitempty"`
	Signature           string            `json:"signature,omitempty"`
	Status              string            `json:"status" enum:"pending,running,succeeded,skipped,failed,blocked"`
	Attempts            int               `json:"attempts"`
	Retryable           bool              `json:"retryable"`
	RetryStrategy       string            `json:"retry_strategy" enum:"none,fixed,exponential"`
	DuplicateResolution string            `json:"duplicate_resolution,omitempty" enum:"signature_replay,name_reuse,fail"`
	ArtifactID          *string           `json:"artifact_id,omitempty"`
	FailureReason       string            `json:"failure_reason,omitempty"`
	CreatedAt           string            `json:"created_at" format:"date-time"`
	UpdatedAt           string            `json:"updated_at" format:"date-time"`
}

// ArtifactReference points into the artifact store together with the
// signature that produced it. The engine records it; the store owns the
// artifact's lifecycle beyond that.
type ArtifactReference struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Name      string `json:"name"`
	Signature string `json:"signature"`
	Status    string `json:"status" enum:"draft,published,archived"`
	Payload   string `json:"payload_json,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// BundleArtifact is one entry in the bundle's artifact list.
type BundleArtifact struct {
	ArtifactType string            `json:"artifact_type"`
	Ref          ArtifactReference `json:"ref"`
	Status       string            `json:"status" enum:"draft,published,archived"`
}

// StepLogEntry is the per-step record in the bundle, present for every step
// regardless of outcome so callers are never left guessing which artifacts
// exist.
type StepLogEntry struct {
	StepID              string  `json:"step_id"`
	ArtifactType        string  `json:"artifact_type"`
	Status              string  `json:"status" enum:"pending,running,succeeded,skipped,failed,blocked"`
	Attempts            int     `json:"attempts"`
	Required            bool    `json:"required"`
	DuplicateResolution string  `json:"duplicate_resolution,omitempty" enum:"signature_replay,name_reuse,fail"`
	ArtifactID          *string `json:"artifact_id,omitempty"`
	FailureReason       string  `json:"failure_reason,omitempty"`
}

// ArtifactBundle is the terminal output of an experience, immutable after
// assembly.
type ArtifactBundle struct {
	ExperienceID string           `json:"experience_id"`
	PlaybookID   string           `json:"playbook_id"`
	Status       string           `json:"status" enum:"complete,partial,failed"`
	Artifacts    []BundleArtifact `json:"artifacts"`
	Steps        []StepLogEntry   `json:"steps"`
	CreatedAt    string           `json:"created_at" format:"date-time"`
}

type Event struct {
	ID           int64  `json:"id"`
	TS           string `json:"ts" format:"date-time"`
	Type         string `json:"type"`
	ExperienceID string `json:"experience_id,omitempty"`
	EntityKind   string `json:"entity_kind"`
	EntityID     string `json:"entity_id,omitempty"`
	ActorID      string `json:"actor_id"`
	Payload      string `json:"payload_json"`
}
