package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"showrunner/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- experiences ---

func scanExperience(row *sql.Row) (domain.Experience, error) {
	var e domain.Experience
	var rawIntent, digest, completed sql.NullString
	err := row.Scan(&e.ID, &e.PlaybookID, &e.Status, &rawIntent, &digest, &e.CreatedAt, &completed)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if rawIntent.Valid {
		e.RawIntent = rawIntent.String
	}
	if digest.Valid {
		e.IntentDigest = digest.String
	}
	if completed.Valid {
		e.CompletedAt = &completed.String
	}
	return e, err
}

// InsertExperienceTx creates the experience row if it does not exist yet.
// Concurrent creators of the same id converge on the first row; the caller
// must re-read and compare the intent digest.
func (r Repo) InsertExperienceTx(ctx context.Context, tx *sql.Tx, e domain.Experience) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO experiences(id,playbook_id,status,raw_intent,intent_digest,created_at)
		VALUES (?,?,?,?,?,?) ON CONFLICT(id) DO NOTHING`,
		e.ID, e.PlaybookID, e.Status, nullable(e.RawIntent), nullable(e.IntentDigest), e.CreatedAt)
	return err
}

func (r Repo) GetExperience(ctx context.Context, id string) (domain.Experience, error) {
	return scanExperience(r.DB.QueryRowContext(ctx,
		`SELECT id,playbook_id,status,raw_intent,intent_digest,created_at,completed_at FROM experiences WHERE id=?`, id))
}

func (r Repo) ListExperiences(ctx context.Context, limit int) ([]domain.Experience, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,playbook_id,status,raw_intent,intent_digest,created_at,completed_at FROM experiences ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Experience
	for rows.Next() {
		var e domain.Experience
		var rawIntent, digest, completed sql.NullString
		if err := rows.Scan(&e.ID, &e.PlaybookID, &e.Status, &rawIntent, &digest, &e.CreatedAt, &completed); err != nil {
			return nil, err
		}
		if rawIntent.Valid {
			e.RawIntent = rawIntent.String
		}
		if digest.Valid {
			e.IntentDigest = digest.String
		}
		if completed.Valid {
			e.CompletedAt = &completed.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) CompleteExperienceTx(ctx context.Context, tx *sql.Tx, id, status, completedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE experiences SET status=?, completed_at=? WHERE id=?`, status, completedAt, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// --- steps ---

func (r Repo) UpsertStepTx(ctx context.Context, tx *sql.Tx, s domain.Step) error {
	deps, err := marshalStringSlice(s.DependsOn)
	if err != nil {
		return err
	}
	inputs, err := marshalStringMap(s.Inputs)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO steps(
			experience_id,step_id,ordinal,artifact_type,artifact_name,required,depends_on_json,inputs_json,signature,
			status,attempts,retryable,retry_strategy,duplicate_resolution,artifact_id,failure_reason,created_at,updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(experience_id,step_id) DO UPDATE SET
			status=excluded.status,
			attempts=excluded.attempts,
			duplicate_resolution=excluded.duplicate_resolution,
			artifact_id=excluded.artifact_id,
			failure_reason=excluded.failure_reason,
			updated_at=excluded.updated_at`,
		s.ExperienceID, s.StepID, s.Ordinal, s.ArtifactType, s.ArtifactName, boolInt(s.Required), deps, inputs, nullable(s.Signature),
		s.Status, s.Attempts, boolInt(s.Retryable), s.RetryStrategy, nullable(s.DuplicateResolution),
		nullableStringPtr(s.ArtifactID), nullable(s.FailureReason), s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) ListSteps(ctx context.Context, experienceID string) ([]domain.Step, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT
			experience_id,step_id,ordinal,artifact_type,artifact_name,required,depends_on_json,inputs_json,signature,
			status,attempts,retryable,retry_strategy,duplicate_resolution,artifact_id,failure_reason,created_at,updated_at
		FROM steps WHERE experience_id=? ORDER BY ordinal, step_id`, experienceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Step
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) GetStep(ctx context.Context, experienceID, stepID string) (domain.Step, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT
			experience_id,step_id,ordinal,artifact_type,artifact_name,required,depends_on_json,inputs_json,signature,
			status,attempts,retryable,retry_strategy,duplicate_resolution,artifact_id,failure_reason,created_at,updated_at
		FROM steps WHERE experience_id=? AND step_id=?`, experienceID, stepID)
	if err != nil {
		return domain.Step{}, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return domain.Step{}, err
		}
		return domain.Step{}, ErrNotFound
	}
	return scanStep(rows)
}

func scanStep(rows *sql.Rows) (domain.Step, error) {
	var s domain.Step
	var required, retryable int
	var deps, inputs, sig, dup, artifactID, reason sql.NullString
	err := rows.Scan(&s.ExperienceID, &s.StepID, &s.Ordinal, &s.ArtifactType, &s.ArtifactName, &required, &deps, &inputs, &sig,
		&s.Status, &s.Attempts, &retryable, &s.RetryStrategy, &dup, &artifactID, &reason, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return s, err
	}
	s.Required = required != 0
	s.Retryable = retryable != 0
	if deps.Valid && deps.String != "" {
		if err := json.Unmarshal([]byte(deps.String), &s.DependsOn); err != nil {
			return s, fmt.Errorf("step %s depends_on: %w", s.StepID, err)
		}
	}
	if inputs.Valid && inputs.String != "" {
		if err := json.Unmarshal([]byte(inputs.String), &s.Inputs); err != nil {
			return s, fmt.Errorf("step %s inputs: %w", s.StepID, err)
		}
	}
	if sig.Valid {
		s.Signature = sig.String
	}
	if dup.Valid {
		s.DuplicateResolution = dup.String
	}
	if artifactID.Valid {
		s.ArtifactID = &artifactID.String
	}
	if reason.Valid {
		s.FailureReason = reason.String
	}
	return s, nil
}

// --- artifacts ---

// ErrSignatureExists and ErrNameExists surface the store's per-signature and
// per-name uniqueness so the idempotency index can converge instead of fail.
var (
	ErrSignatureExists = errors.New("artifact signature already exists")
	ErrNameExists      = errors.New("artifact name already exists")
)

func (r Repo) InsertArtifact(ctx context.Context, a domain.ArtifactReference) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO artifacts(id,type,name,signature,status,payload_json,created_at) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.Type, a.Name, a.Signature, a.Status, nullable(a.Payload), a.CreatedAt)
	if err != nil {
		msg := err.Error()
		switch {
		case strings.Contains(msg, "artifacts.signature"):
			return ErrSignatureExists
		case strings.Contains(msg, "artifacts.type") || strings.Contains(msg, "artifacts.name"):
			return ErrNameExists
		}
		return err
	}
	return nil
}

func scanArtifact(row *sql.Row) (domain.ArtifactReference, error) {
	var a domain.ArtifactReference
	var payload sql.NullString
	err := row.Scan(&a.ID, &a.Type, &a.Name, &a.Signature, &a.Status, &payload, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if payload.Valid {
		a.Payload = payload.String
	}
	return a, err
}

func (r Repo) GetArtifact(ctx context.Context, id string) (domain.ArtifactReference, error) {
	return scanArtifact(r.DB.QueryRowContext(ctx,
		`SELECT id,type,name,signature,status,payload_json,created_at FROM artifacts WHERE id=?`, id))
}

func (r Repo) GetArtifactBySignature(ctx context.Context, sig string) (domain.ArtifactReference, error) {
	return scanArtifact(r.DB.QueryRowContext(ctx,
		`SELECT id,type,name,signature,status,payload_json,created_at FROM artifacts WHERE signature=?`, sig))
}

func (r Repo) GetArtifactByName(ctx context.Context, artifactType, name string) (domain.ArtifactReference, error) {
	return scanArtifact(r.DB.QueryRowContext(ctx,
		`SELECT id,type,name,signature,status,payload_json,created_at FROM artifacts WHERE type=? AND name=?`, artifactType, name))
}

func (r Repo) ListArtifacts(ctx context.Context, artifactType string, limit int) ([]domain.ArtifactReference, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		fields []string
		args   []any
	)
	if artifactType != "" {
		fields = append(fields, "type=?")
		args = append(args, artifactType)
	}
	where := ""
	if len(fields) > 0 {
		where = " WHERE " + strings.Join(fields, " AND ")
	}
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,type,name,signature,status,payload_json,created_at FROM artifacts`+where+` ORDER BY created_at DESC, id LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ArtifactReference
	for rows.Next() {
		var a domain.ArtifactReference
		var payload sql.NullString
		if err := rows.Scan(&a.ID, &a.Type, &a.Name, &a.Signature, &a.Status, &payload, &a.CreatedAt); err != nil {
			return nil, err
		}
		if payload.Valid {
			a.Payload = payload.String
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// --- events ---

type EventFilters struct {
	ExperienceID string
	Type         string
	Limit        int
}

func (r Repo) ListEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	var (
		fields []string
		args   []any
	)
	if f.ExperienceID != "" {
		fields = append(fields, "experience_id=?")
		args = append(args, f.ExperienceID)
	}
	if f.Type != "" {
		fields = append(fields, "type=?")
		args = append(args, f.Type)
	}
	where := ""
	if len(fields) > 0 {
		where = " WHERE " + strings.Join(fields, " AND ")
	}
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,ts,type,COALESCE(experience_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events`+where+` ORDER BY id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ExperienceID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func marshalStringSlice(in []string) (any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func marshalStringMap(in map[string]string) (any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
