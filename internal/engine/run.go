package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"showrunner/internal/broker"
	"showrunner/internal/contract"
	"showrunner/internal/domain"
	"showrunner/internal/index"
	"showrunner/internal/playbook"
	"showrunner/internal/signature"
	"showrunner/internal/store"
)

func newExperienceID() string {
	return uuid.New().String()
}

// intentDigest fingerprints the raw intent so a reused experience id can be
// checked against the intent it was created with.
func intentDigest(playbookID string, rawIntent []byte) string {
	return signature.Compute(playbookID, "intent", map[string]string{"raw": string(rawIntent)})
}

// stepOutcome is what a worker reports back for one finished step. Workers
// never mutate shared run state directly.
type stepOutcome struct {
	id       string
	status   contract.StepStatus
	attempts int
	dupRes   contract.DuplicateResolution
	artifact *domain.ArtifactReference
	reason   string
}

func failed(out stepOutcome, reason string) stepOutcome {
	out.status = contract.StepFailed
	out.reason = reason
	return out
}

func succeeded(out stepOutcome, ref domain.ArtifactReference, dup contract.DuplicateResolution) stepOutcome {
	out.status = contract.StepSucceeded
	out.artifact = &ref
	out.dupRes = dup
	return out
}

// executeSteps runs the recipe to quiescence: every step ends terminal. The
// coordinator owns all step state; up to Runtime.FanOut workers run
// concurrently and report over a channel. Cancelling ctx skips steps that
// have not started yet but lets running attempts finish, so no side effect is
// ever abandoned half-recorded.
func (e *Engine) executeSteps(ctx context.Context, recipe playbook.Recipe, steps []*runStep) {
	byID := make(map[string]*runStep, len(steps))
	for _, rs := range steps {
		byID[rs.tpl.ID] = rs
		if rs.tpl.Skip {
			rs.status = contract.StepSkipped
			rs.reason = rs.tpl.SkipReason
		}
	}

	var mu sync.Mutex
	// Consulted by workers before any artifact may go out published.
	publishAllowed := func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, id := range recipe.PublishGuardrails {
			if byID[id].status != contract.StepSucceeded {
				return false
			}
		}
		return true
	}

	outcomes := make(chan stepOutcome)
	inFlight := 0
	cancelled := false
	for {
		mu.Lock()
		if ctx.Err() != nil && !cancelled {
			cancelled = true
			for _, rs := range steps {
				if rs.status == contract.StepPending {
					rs.status = contract.StepSkipped
					rs.reason = "run cancelled"
				}
			}
		}
		// A terminal non-succeeded dependency blocks its dependents, and
		// blocking cascades.
		for changed := true; changed; {
			changed = false
			for _, rs := range steps {
				if rs.status != contract.StepPending {
					continue
				}
				for _, dep := range rs.tpl.DependsOn {
					ds := byID[dep].status
					if ds.Terminal() && ds != contract.StepSucceeded {
						rs.status = contract.StepBlocked
						rs.reason = fmt.Sprintf("dependency %s did not succeed (%s)", dep, ds)
						changed = true
						break
					}
				}
			}
		}
		// Dispatch ready steps in recipe order up to the fan-out bound.
		for _, rs := range steps {
			if inFlight >= e.Config.Runtime.FanOut {
				break
			}
			if rs.status != contract.StepPending {
				continue
			}
			ready := true
			for _, dep := range rs.tpl.DependsOn {
				if byID[dep].status != contract.StepSucceeded {
					ready = false
					break
				}
			}
			if !ready {
				continue
			}
			rs.status = contract.StepRunning
			inFlight++
			go func(tpl playbook.StepTemplate, sig string) {
				outcomes <- e.executeStep(ctx, tpl, sig, publishAllowed)
			}(rs.tpl, rs.sig)
		}
		remaining := 0
		for _, rs := range steps {
			if !rs.status.Terminal() {
				remaining++
			}
		}
		mu.Unlock()

		if remaining == 0 {
			return
		}
		var out stepOutcome
		if cancelled {
			out = <-outcomes
		} else {
			select {
			case out = <-outcomes:
			case <-ctx.Done():
				continue
			}
		}
		inFlight--
		mu.Lock()
		rs := byID[out.id]
		rs.status = out.status
		rs.attempts = out.attempts
		rs.dupRes = out.dupRes
		rs.artifact = out.artifact
		rs.reason = out.reason
		mu.Unlock()
	}
}

// executeStep drives one step through resolve, authorize, invoke, normalize
// and claim. It runs on a detached context: once a step starts it finishes,
// with only the per-attempt timeout bounding the tool call. Cancellation of
// the run context stops further retries.
func (e *Engine) executeStep(ctx context.Context, tpl playbook.StepTemplate, sig string, publishAllowed func() bool) stepOutcome {
	out := stepOutcome{id: tpl.ID}
	detached := context.WithoutCancel(ctx)

	maxAttempts := 1
	if tpl.Retryable && tpl.RetryStrategy != contract.RetryNone {
		maxAttempts = e.Config.Runtime.MaxAttempts
	}
	authorized := false
	for attempt := 1; ; attempt++ {
		out.attempts = attempt

		// Resolved fresh on every attempt: a racing run may have produced the
		// artifact while we were backing off.
		res, err := e.Index.Resolve(detached, sig, tpl.ArtifactType, tpl.Name)
		if err != nil {
			return failed(out, err.Error())
		}
		switch res.Kind {
		case index.ReuseSignature:
			return succeeded(out, res.Existing, contract.ReplaySignature)
		case index.NameCollision:
			if tpl.DuplicateResolution == contract.ReuseName {
				return succeeded(out, res.Existing, contract.ReuseName)
			}
			collision := &NameCollisionError{
				StepID:       tpl.ID,
				ArtifactType: tpl.ArtifactType,
				Name:         tpl.Name,
				ExistingID:   res.Existing.ID,
			}
			return failed(out, collision.Error())
		}

		if e.Gate != nil && !authorized {
			if err := e.Gate.Authorize(detached, tpl.ArtifactType, tpl.Cost); err != nil {
				return failed(out, err.Error())
			}
			authorized = true
		}

		attemptCtx, cancel := context.WithTimeout(detached, e.Config.StepTimeout())
		result, err := e.Broker.Invoke(attemptCtx, tpl.ArtifactType, tpl.Name, tpl.Inputs)
		cancel()
		if err != nil {
			transient := broker.Transient(err) || errors.Is(err, context.DeadlineExceeded)
			if transient && attempt < maxAttempts {
				if ctx.Err() != nil {
					return failed(out, "run cancelled before retry")
				}
				time.Sleep(e.backoff(tpl.RetryStrategy, attempt))
				continue
			}
			return failed(out, err.Error())
		}

		canonical, err := e.Contracts.NormalizeStatus(result.RawStatus, tpl.ArtifactType)
		if err != nil {
			return failed(out, err.Error())
		}
		if canonical == contract.StatusPublished && !publishAllowed() {
			return failed(out, fmt.Sprintf("publish guardrail: prerequisites of %s have not all succeeded", tpl.ID))
		}

		ref, created, err := e.Index.Claim(detached, store.CreateRequest{
			Type:      tpl.ArtifactType,
			Name:      tpl.Name,
			Signature: sig,
			Status:    string(canonical),
			Payload:   result.Payload,
		})
		if err != nil {
			if errors.Is(err, store.ErrNameExists) {
				if tpl.DuplicateResolution == contract.ReuseName {
					existing, ferr := e.Index.Store.FindByName(detached, tpl.ArtifactType, tpl.Name)
					if ferr != nil {
						return failed(out, ferr.Error())
					}
					return succeeded(out, existing, contract.ReuseName)
				}
				collision := &NameCollisionError{StepID: tpl.ID, ArtifactType: tpl.ArtifactType, Name: tpl.Name}
				return failed(out, collision.Error())
			}
			return failed(out, err.Error())
		}
		if !created {
			return succeeded(out, ref, contract.ReplaySignature)
		}
		return succeeded(out, ref, "")
	}
}

func (e *Engine) backoff(strategy contract.RetryStrategy, attempt int) time.Duration {
	base := e.Config.RetryBase()
	if strategy == contract.RetryExponential && attempt > 1 {
		return base << (attempt - 1)
	}
	return base
}
