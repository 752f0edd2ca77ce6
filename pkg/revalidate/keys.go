package revalidate

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"distribution.app/pkg/kvcache"
)

const (
	distributionNamespace = "distribution"
	projectionNamespace   = "projection"
	staleSuffix           = ":stale"
)

// SessionKey is the session-level distribution view for a scope.
func SessionKey(scopeID string) string {
	return ScopedKey(distributionNamespace, scopeID, "session")
}

// ScenarioKey is the scenario-scoped distribution view.
func ScenarioKey(scopeID, scenarioID string) string {
	return ScopedKey(distributionNamespace, scopeID, "scenario", scenarioID)
}

// DistributionPattern matches every distribution key of a scope. The scope ID
// is taken literally, so IDs holding glob characters never widen the match.
func DistributionPattern(scopeID string) string {
	return ScopedKey(distributionNamespace, kvcache.EscapePattern(scopeID), "*")
}

// ScopedKey joins namespace, scope and discriminator parts with ':'.
func ScopedKey(namespace, scopeID string, parts ...string) string {
	all := make([]string, 0, len(parts)+2)
	all = append(all, namespace, scopeID)
	all = append(all, parts...)
	return strings.Join(all, ":")
}

// ProjectionKey is the memoization key of a pure computation over params:
// projection:<scopeId>:<base64(canonicalJSON(params))>.
// Structurally equal params produce the same key regardless of how they
// were built.
func ProjectionKey(scopeID string, params any) (string, error) {
	canonical, err := CanonicalJSON(params)
	if err != nil {
		return "", err
	}
	return ScopedKey(projectionNamespace, scopeID, base64.StdEncoding.EncodeToString(canonical)), nil
}

// StaleKey is the stale-tier companion of key.
func StaleKey(key string) string {
	return key + staleSuffix
}

// CanonicalJSON encodes v with object keys sorted at every level and numbers
// kept in their original textual form.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical json: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical json: %w", err)
	}

	// encoding/json writes map keys in sorted order.
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("canonical json: %w", err)
	}
	return out, nil
}
