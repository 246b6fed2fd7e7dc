// Package signature derives the deterministic idempotency key for a step:
// hex(sha256) over the experience id, the step id, and the normalized inputs.
// For a fixed (experienceId, stepId, normalizedInputs) triple the key never
// changes, so replaying an experience can never create a second artifact for
// the same step.
package signature

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"
	"strings"
)

// Normalize canonicalizes step inputs before hashing: keys are lower-cased
// and trimmed, values are trimmed, and empty values are dropped.
func Normalize(inputs map[string]string) map[string]string {
	if len(inputs) == 0 {
		return nil
	}
	out := make(map[string]string, len(inputs))
	for k, v := range inputs {
		k = strings.ToLower(strings.TrimSpace(k))
		v = strings.TrimSpace(v)
		if k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	return out
}

// Compute returns the idempotency key for a step. All fields are
// length-prefixed so no two distinct triples can collide by concatenation,
// and input keys are sorted so map iteration order cannot leak into the hash.
func Compute(experienceID, stepID string, inputs map[string]string) string {
	h := sha256.New()
	writeField := func(s string) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(s)))
		h.Write(n[:])
		h.Write([]byte(s))
	}

	writeField(experienceID)
	writeField(stepID)

	norm := Normalize(inputs)
	keys := make([]string, 0, len(norm))
	for k := range norm {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeField(k)
		writeField(norm[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}
