// Package engine drives experiences to their terminal bundle: derive a recipe
// from the intent, run the steps in dependency order through the idempotency
// index, and persist the outcome so replays return the same bundle without
// re-executing anything.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"showrunner/internal/billing"
	"showrunner/internal/broker"
	"showrunner/internal/config"
	"showrunner/internal/contract"
	"showrunner/internal/domain"
	"showrunner/internal/events"
	"showrunner/internal/index"
	"showrunner/internal/playbook"
	"showrunner/internal/repo"
	"showrunner/internal/store"
)

// ErrIntentMismatch means an experience id was reused with a different
// intent. The original intent wins; the caller must pick a new id.
var ErrIntentMismatch = errors.New("experience id reused with a different intent")

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Contracts *contract.Registry
	Playbooks *playbook.Registry
	Index     index.Index
	Broker    broker.ToolBroker
	Gate      billing.Gate
	Config    *config.Config
	Now       func() time.Time
}

// Options configures New. Zero fields fall back to the built-in SQLite store,
// the local broker, default config and the playbooks the config enables.
type Options struct {
	DB        *sql.DB
	Config    *config.Config
	Playbooks *playbook.Registry
	Store     store.ArtifactStore
	Broker    broker.ToolBroker
	Gate      billing.Gate
	Now       func() time.Time
}

func New(opts Options) (*Engine, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("engine: db is required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	st := opts.Store
	if st == nil {
		st = store.NewSQLite(opts.DB)
	}
	brk := opts.Broker
	if brk == nil {
		brk = broker.NewLocal()
	}
	pbs := opts.Playbooks
	if pbs == nil {
		var err error
		pbs, err = playbooksFromConfig(cfg)
		if err != nil {
			return nil, err
		}
	}
	gate := opts.Gate
	if gate == nil && cfg.Billing.Enabled {
		gate = billing.NewCreditGate(cfg.Billing.Credits, cfg.Billing.Costs)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		DB:        opts.DB,
		Repo:      repo.Repo{DB: opts.DB},
		Events:    events.Writer{DB: opts.DB, Now: now},
		Contracts: contract.NewRegistry(),
		Playbooks: pbs,
		Index:     index.New(st),
		Broker:    brk,
		Gate:      gate,
		Config:    cfg,
		Now:       now,
	}, nil
}

func playbooksFromConfig(cfg *config.Config) (*playbook.Registry, error) {
	reg := playbook.NewRegistry()
	for _, id := range cfg.Playbooks.Enabled {
		switch id {
		case "event":
			reg.Register(playbook.NewEvent(playbook.EventOptions{
				SupportedAddons: cfg.Playbooks.Event.SupportedAddons,
			}))
		default:
			return nil, fmt.Errorf("engine: no playbook implementation for %q", id)
		}
	}
	return reg, nil
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// CreateRequest launches one experience. ExperienceID is optional; supplying
// one makes the call replay-safe across process restarts.
type CreateRequest struct {
	ExperienceID string
	PlaybookID   string
	RawIntent    json.RawMessage
	ActorID      string
}

// CreateExperience validates the intent, derives the recipe, runs every step
// to a terminal state and returns the bundle. Calling it again with the same
// experience id and intent returns the persisted bundle without side effects;
// the same id with a different intent is rejected.
func (e *Engine) CreateExperience(ctx context.Context, req CreateRequest) (domain.ArtifactBundle, error) {
	if req.PlaybookID == "" {
		return domain.ArtifactBundle{}, fmt.Errorf("playbook id is required")
	}
	pb, err := e.Playbooks.Get(req.PlaybookID)
	if err != nil {
		return domain.ArtifactBundle{}, err
	}
	// Validation happens before anything is written; an invalid intent leaves
	// no trace.
	_, recipe, err := pb.Derive(req.RawIntent)
	if err != nil {
		return domain.ArtifactBundle{}, err
	}

	id := req.ExperienceID
	if id == "" {
		id = newExperienceID()
	}
	digest := intentDigest(req.PlaybookID, req.RawIntent)

	existing, err := e.Repo.GetExperience(ctx, id)
	switch {
	case err == nil:
		if existing.IntentDigest != digest {
			return domain.ArtifactBundle{}, fmt.Errorf("experience %s: %w", id, ErrIntentMismatch)
		}
		if contract.ExperienceStatus(existing.Status) != contract.ExperienceRunning {
			return e.loadBundle(ctx, existing)
		}
		// A run for this id is in flight or was interrupted. Running it again
		// is safe: the index converges every step on the existing artifacts.
	case errors.Is(err, repo.ErrNotFound):
	default:
		return domain.ArtifactBundle{}, err
	}

	steps, err := buildSteps(id, req.PlaybookID, recipe)
	if err != nil {
		return domain.ArtifactBundle{}, err
	}

	exp := domain.Experience{
		ID:           id,
		PlaybookID:   req.PlaybookID,
		Status:       string(contract.ExperienceRunning),
		RawIntent:    string(req.RawIntent),
		IntentDigest: digest,
		CreatedAt:    e.now().UTC().Format(time.RFC3339),
	}
	if err := e.recordCreated(ctx, exp, req.ActorID); err != nil {
		return domain.ArtifactBundle{}, err
	}
	// The stored row wins over ours when a concurrent creator raced us in;
	// CreatedAt must match across every caller's bundle.
	stored, err := e.Repo.GetExperience(ctx, id)
	if err != nil {
		return domain.ArtifactBundle{}, err
	}
	if stored.IntentDigest != digest {
		return domain.ArtifactBundle{}, fmt.Errorf("experience %s: %w", id, ErrIntentMismatch)
	}
	exp = stored

	e.executeSteps(ctx, recipe, steps)

	status, err := e.persistRun(ctx, exp, steps, req.ActorID)
	if err != nil {
		return domain.ArtifactBundle{}, err
	}
	return assembleBundle(exp, status, steps), nil
}

func (e *Engine) recordCreated(ctx context.Context, exp domain.Experience, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertExperienceTx(ctx, tx, exp); err != nil {
		return err
	}
	err = e.Events.Append(ctx, tx, "experience.created", exp.ID, "experience", exp.ID, actorID, events.EventPayload{
		"playbook_id": exp.PlaybookID,
	})
	if err != nil {
		return err
	}
	return tx.Commit()
}

// persistRun writes every step's terminal state, the experience status and
// the audit events in one transaction. It runs on a detached context so a
// cancelled run is still recorded.
func (e *Engine) persistRun(ctx context.Context, exp domain.Experience, steps []*runStep, actorID string) (contract.ExperienceStatus, error) {
	pctx := context.WithoutCancel(ctx)
	now := e.now().UTC().Format(time.RFC3339)
	status := runStatus(steps)

	tx, err := e.DB.BeginTx(pctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	for i, rs := range steps {
		s := domain.Step{
			ExperienceID:        exp.ID,
			StepID:              rs.tpl.ID,
			Ordinal:             i,
			ArtifactType:        rs.tpl.ArtifactType,
			ArtifactName:        rs.tpl.Name,
			Required:            rs.tpl.Required,
			DependsOn:           rs.tpl.DependsOn,
			Inputs:              rs.tpl.Inputs,
			Signature:           rs.sig,
			Status:              string(rs.status),
			Attempts:            rs.attempts,
			Retryable:           rs.tpl.Retryable,
			RetryStrategy:       string(rs.tpl.RetryStrategy),
			DuplicateResolution: string(rs.dupRes),
			FailureReason:       rs.reason,
			CreatedAt:           exp.CreatedAt,
			UpdatedAt:           now,
		}
		if s.RetryStrategy == "" {
			s.RetryStrategy = string(contract.RetryNone)
		}
		if rs.artifact != nil {
			artifactID := rs.artifact.ID
			s.ArtifactID = &artifactID
		}
		if err := e.Repo.UpsertStepTx(pctx, tx, s); err != nil {
			return "", fmt.Errorf("persist step %s: %w", rs.tpl.ID, err)
		}
		payload := events.EventPayload{
			"artifact_type": rs.tpl.ArtifactType,
			"attempts":      rs.attempts,
		}
		if rs.dupRes != "" {
			payload["duplicate_resolution"] = string(rs.dupRes)
		}
		if rs.artifact != nil {
			payload["artifact_id"] = rs.artifact.ID
		}
		if rs.reason != "" {
			payload["reason"] = rs.reason
		}
		evtType := "step." + string(rs.status)
		if err := e.Events.Append(pctx, tx, evtType, exp.ID, "step", rs.tpl.ID, actorID, payload); err != nil {
			return "", err
		}
	}

	if err := e.Repo.CompleteExperienceTx(pctx, tx, exp.ID, string(status), now); err != nil {
		return "", err
	}
	err = e.Events.Append(pctx, tx, "experience.completed", exp.ID, "experience", exp.ID, actorID, events.EventPayload{
		"status": string(status),
	})
	if err != nil {
		return "", err
	}
	return status, tx.Commit()
}

// runStatus folds step outcomes into the experience status. A required step
// that did not succeed fails the whole experience; optional shortfalls leave
// it partial.
func runStatus(steps []*runStep) contract.ExperienceStatus {
	allSucceeded := true
	for _, rs := range steps {
		if rs.status == contract.StepSucceeded {
			continue
		}
		allSucceeded = false
		if rs.tpl.Required {
			return contract.ExperienceFailed
		}
	}
	if allSucceeded {
		return contract.ExperienceComplete
	}
	return contract.ExperiencePartial
}

func assembleBundle(exp domain.Experience, status contract.ExperienceStatus, steps []*runStep) domain.ArtifactBundle {
	b := domain.ArtifactBundle{
		ExperienceID: exp.ID,
		PlaybookID:   exp.PlaybookID,
		Status:       string(status),
		CreatedAt:    exp.CreatedAt,
	}
	for _, rs := range steps {
		entry := domain.StepLogEntry{
			StepID:              rs.tpl.ID,
			ArtifactType:        rs.tpl.ArtifactType,
			Status:              string(rs.status),
			Attempts:            rs.attempts,
			Required:            rs.tpl.Required,
			DuplicateResolution: string(rs.dupRes),
			FailureReason:       rs.reason,
		}
		if rs.artifact != nil {
			artifactID := rs.artifact.ID
			entry.ArtifactID = &artifactID
		}
		b.Steps = append(b.Steps, entry)
		if rs.status == contract.StepSucceeded && rs.artifact != nil {
			b.Artifacts = append(b.Artifacts, domain.BundleArtifact{
				ArtifactType: rs.tpl.ArtifactType,
				Ref:          *rs.artifact,
				Status:       rs.artifact.Status,
			})
		}
	}
	return b
}

// loadBundle rebuilds the bundle of a terminal experience from persisted
// state. It must be indistinguishable from the bundle the original run
// returned.
func (e *Engine) loadBundle(ctx context.Context, exp domain.Experience) (domain.ArtifactBundle, error) {
	steps, err := e.Repo.ListSteps(ctx, exp.ID)
	if err != nil {
		return domain.ArtifactBundle{}, err
	}
	b := domain.ArtifactBundle{
		ExperienceID: exp.ID,
		PlaybookID:   exp.PlaybookID,
		Status:       exp.Status,
		CreatedAt:    exp.CreatedAt,
	}
	for _, s := range steps {
		b.Steps = append(b.Steps, domain.StepLogEntry{
			StepID:              s.StepID,
			ArtifactType:        s.ArtifactType,
			Status:              s.Status,
			Attempts:            s.Attempts,
			Required:            s.Required,
			DuplicateResolution: s.DuplicateResolution,
			ArtifactID:          s.ArtifactID,
			FailureReason:       s.FailureReason,
		})
		if contract.StepStatus(s.Status) == contract.StepSucceeded && s.ArtifactID != nil {
			ref, err := e.Repo.GetArtifact(ctx, *s.ArtifactID)
			if err != nil {
				return domain.ArtifactBundle{}, fmt.Errorf("artifact %s for step %s: %w", *s.ArtifactID, s.StepID, err)
			}
			b.Artifacts = append(b.Artifacts, domain.BundleArtifact{
				ArtifactType: s.ArtifactType,
				Ref:          ref,
				Status:       ref.Status,
			})
		}
	}
	return b, nil
}

// GetBundle returns the persisted bundle of a terminal experience.
func (e *Engine) GetBundle(ctx context.Context, experienceID string) (domain.ArtifactBundle, error) {
	exp, err := e.Repo.GetExperience(ctx, experienceID)
	if err != nil {
		return domain.ArtifactBundle{}, err
	}
	if contract.ExperienceStatus(exp.Status) == contract.ExperienceRunning {
		return domain.ArtifactBundle{}, fmt.Errorf("experience %s is still running", experienceID)
	}
	return e.loadBundle(ctx, exp)
}
