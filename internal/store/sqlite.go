package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"showrunner/internal/domain"
	"showrunner/internal/repo"
)

// SQLite is the built-in ArtifactStore backed by the showrunner database.
// Uniqueness of signature and (type,name) is enforced by the schema, which is
// what makes Create safe under concurrent experience runs.
type SQLite struct {
	Repo repo.Repo
	Now  func() time.Time
}

func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{Repo: repo.Repo{DB: db}, Now: time.Now}
}

func (s *SQLite) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *SQLite) FindBySignature(ctx context.Context, sig string) (domain.ArtifactReference, error) {
	a, err := s.Repo.GetArtifactBySignature(ctx, sig)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.ArtifactReference{}, ErrNotFound
	}
	return a, err
}

func (s *SQLite) FindByName(ctx context.Context, artifactType, name string) (domain.ArtifactReference, error) {
	a, err := s.Repo.GetArtifactByName(ctx, artifactType, name)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.ArtifactReference{}, ErrNotFound
	}
	return a, err
}

func (s *SQLite) Create(ctx context.Context, req CreateRequest) (domain.ArtifactReference, error) {
	a := domain.ArtifactReference{
		ID:        uuid.New().String(),
		Type:      req.Type,
		Name:      req.Name,
		Signature: req.Signature,
		Status:    req.Status,
		Payload:   req.Payload,
		CreatedAt: s.now().UTC().Format(time.RFC3339),
	}
	err := s.Repo.InsertArtifact(ctx, a)
	switch {
	case errors.Is(err, repo.ErrSignatureExists):
		return domain.ArtifactReference{}, ErrSignatureExists
	case errors.Is(err, repo.ErrNameExists):
		return domain.ArtifactReference{}, ErrNameExists
	case err != nil:
		return domain.ArtifactReference{}, err
	}
	return a, nil
}
