// Package index is the sole gate against duplicate side effects. Before a
// step executes, Resolve answers whether an artifact already exists for its
// signature or for a colliding name; Claim performs the atomic
// check-and-create so that racing runs of the same experience converge on a
// single artifact per signature.
package index

import (
	"context"
	"errors"
	"fmt"

	"showrunner/internal/domain"
	"showrunner/internal/store"
)

type ResolutionKind int

const (
	// ProceedNew: no prior artifact; the step may execute its side effect.
	ProceedNew ResolutionKind = iota
	// ReuseSignature: an artifact already exists for this exact signature;
	// the step is a replay and must not create anything.
	ReuseSignature
	// NameCollision: an artifact of the same type and name exists under a
	// different signature; the step's duplicate policy decides.
	NameCollision
)

type Resolution struct {
	Kind     ResolutionKind
	Existing domain.ArtifactReference
}

type Index struct {
	Store store.ArtifactStore
}

func New(s store.ArtifactStore) Index {
	return Index{Store: s}
}

// Resolve is consulted synchronously on every attempt, including retries.
// Signature match takes precedence over name collision: a replayed step must
// reuse its own artifact even when that artifact also occupies the name.
func (ix Index) Resolve(ctx context.Context, sig, artifactType, name string) (Resolution, error) {
	existing, err := ix.Store.FindBySignature(ctx, sig)
	if err == nil {
		return Resolution{Kind: ReuseSignature, Existing: existing}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return Resolution{}, fmt.Errorf("find by signature: %w", err)
	}
	colliding, err := ix.Store.FindByName(ctx, artifactType, name)
	if err == nil {
		return Resolution{Kind: NameCollision, Existing: colliding}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return Resolution{}, fmt.Errorf("find by name: %w", err)
	}
	return Resolution{Kind: ProceedNew}, nil
}

// Claim creates the artifact, or converges when another caller got there
// first. created reports whether this caller performed the side effect; a
// signature race resolves to the winner's artifact, a name race surfaces as a
// NameCollision resolution for the step's duplicate policy.
func (ix Index) Claim(ctx context.Context, req store.CreateRequest) (ref domain.ArtifactReference, created bool, err error) {
	ref, err = ix.Store.Create(ctx, req)
	if err == nil {
		return ref, true, nil
	}
	switch {
	case errors.Is(err, store.ErrSignatureExists):
		existing, ferr := ix.Store.FindBySignature(ctx, req.Signature)
		if ferr != nil {
			return domain.ArtifactReference{}, false, fmt.Errorf("converge on signature %s: %w", req.Signature, ferr)
		}
		return existing, false, nil
	case errors.Is(err, store.ErrNameExists):
		return domain.ArtifactReference{}, false, err
	}
	return domain.ArtifactReference{}, false, err
}
