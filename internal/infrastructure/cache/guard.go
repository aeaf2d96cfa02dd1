// Package cache holds the short-lived cross-process markers used around
// authority submissions.
package cache

import (
	"context"
	"time"
)

// DefaultGuardTTL bounds how long a submission marker survives a crashed
// holder
const DefaultGuardTTL = 2 * time.Minute

// SubmissionGuard hands out per-access-key markers so only one process
// transmits a given document at a time
type SubmissionGuard interface {
	// Acquire returns true when the caller now holds key
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release drops key if the caller holds it
	Release(ctx context.Context, key string) error
	Close() error
}
