// Package cache stores completed workflow results so identical requests can
// be answered without re-running the workflow.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Cache is a byte-oriented TTL cache.
type Cache interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value under key for ttl. A non-positive ttl is rejected.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key.
	Delete(ctx context.Context, key string) error
	// Ping checks the backing store.
	Ping(ctx context.Context) error
	// Close releases resources.
	Close() error
}

// Key derives the cache key of a workflow run from the workflow id and a
// SHA-256 digest of the JSON-encoded input. Map keys are encoded in sorted
// order, so equal inputs give equal keys.
func Key(workflowID string, input map[string]any) (string, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("encode cache key input: %w", err)
	}
	sum := sha256.Sum256(raw)
	return workflowID + ":" + hex.EncodeToString(sum[:]), nil
}
