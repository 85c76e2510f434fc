package idempotency

import (
	"context"
	"time"
)

// State of an idempotency record.
type State string

const (
	StatePending State = "pending"
	StateDone    State = "done"
)

// Record is what a store keeps per key. Payload is the cached result of the
// first successful execution.
type Record struct {
	Key         string    `json:"key"`
	State       State     `json:"state"`
	Payload     []byte    `json:"payload,omitempty"`
	ProcessedAt time.Time `json:"processed_at,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Store is the shared key-value backend of the Guard. Expired records must be
// treated as absent.
type Store interface {
	// Claim writes a pending record unless a live one exists, in a single
	// conditional write. When the claim is lost the existing record is returned.
	Claim(ctx context.Context, key string, ttl time.Duration) (acquired bool, existing *Record, err error)
	// Complete stores the result and marks the key done for ttl.
	Complete(ctx context.Context, key string, payload []byte, ttl time.Duration) error
	// Release drops a pending claim so the operation can be retried.
	Release(ctx context.Context, key string) error
	// Get returns nil when the key is unknown or expired.
	Get(ctx context.Context, key string) (*Record, error)
}
