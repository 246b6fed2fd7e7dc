// Package store defines the artifact store boundary. The runtime never owns
// artifact persistence; it goes through this interface, which must be atomic
// per signature.
package store

import (
	"context"
	"errors"

	"showrunner/internal/domain"
)

var (
	// ErrNotFound is returned by the finders when no artifact matches.
	ErrNotFound = errors.New("artifact not found")
	// ErrSignatureExists means another caller created the artifact for this
	// signature first; the caller should re-read and reuse it.
	ErrSignatureExists = errors.New("artifact signature already exists")
	// ErrNameExists means an artifact of the same type and name exists under
	// a different signature.
	ErrNameExists = errors.New("artifact name already exists")
)

// CreateRequest describes one artifact to persist.
type CreateRequest struct {
	Type      string
	Name      string
	Signature string
	Status    string
	Payload   string
}

// ArtifactStore persists artifacts and supports the lookups the idempotency
// index needs. Create must be atomic per signature: of two racing creators
// with the same signature exactly one wins, the other gets
// ErrSignatureExists.
type ArtifactStore interface {
	FindBySignature(ctx context.Context, sig string) (domain.ArtifactReference, error)
	FindByName(ctx context.Context, artifactType, name string) (domain.ArtifactReference, error)
	Create(ctx context.Context, req CreateRequest) (domain.ArtifactReference, error)
}
