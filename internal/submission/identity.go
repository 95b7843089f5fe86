// Package submission implements task submission: compute an identity hash,
// dedupe against a non-terminal task carrying it, materialize the step
// graph from the named-task template, write the initial transition, and
// hand the new task off for processing. The identity-hash strategy is a
// small swappable interface with one default implementation.
package submission

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"gorm.io/datatypes"
)

// IdentityInput carries every field submit_task may feed into the hash.
// Fields is the ordered subset (config.IdentityFields) the configured
// strategy actually consults.
type IdentityInput struct {
	Namespace    string
	Name         string
	Version      string
	Context      datatypes.JSON
	Initiator    string
	SourceSystem string
	Reason       string
	Tags         datatypes.JSON
	Fields       []string
}

// IdentityHasher computes the stable string two equivalent submissions will
// share. Swappable so a deployment can plug in its
// own dedupe strategy without touching the submission or state-store code.
type IdentityHasher interface {
	Hash(in IdentityInput) (string, error)
}

type defaultHasher struct{}

// NewDefaultIdentityHasher returns the fallback strategy: a sha256 over the
// JSON encoding of the configured fields, sorted by field name, with the
// context and tags blobs canonicalized so two submissions with differently
// ordered tags still collide.
func NewDefaultIdentityHasher() IdentityHasher { return defaultHasher{} }

func (defaultHasher) Hash(in IdentityInput) (string, error) {
	fields := in.Fields
	if len(fields) == 0 {
		fields = []string{"name", "context", "initiator", "source_system", "reason", "tags"}
	}

	available := map[string]any{
		"namespace":     in.Namespace,
		"name":          in.Name,
		"version":       in.Version,
		"context":       canonicalJSON(in.Context),
		"initiator":     in.Initiator,
		"source_system": in.SourceSystem,
		"reason":        in.Reason,
		"tags":          canonicalJSON(in.Tags),
	}

	ordered := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := available[f]; ok {
			ordered[f] = v
		}
	}

	keys := make([]string, 0, len(ordered))
	for k := range ordered {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		parts = append(parts, k, ordered[k])
	}

	b, err := json.Marshal(parts)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalJSON re-marshals raw JSON through a generic interface{} so that
// semantically-equal blobs with different key ordering or whitespace hash
// identically.
func canonicalJSON(raw datatypes.JSON) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
