package ports

import (
	"context"
	"time"
)

// Lease is a held distributed lock.
type Lease interface {
	// Refresh pushes the expiry of the lock ttl into the future. It fails with
	// domain.ErrLockLost once the lock expired and another holder took it.
	Refresh(ctx context.Context, ttl time.Duration) error
	// Unlock releases the lock. It MUST be called once the work is done.
	Unlock(ctx context.Context) error
}

// DistributedLocker defines the interface for distributed concurrency control.
// The scheduler holds the lock of a plan while one of its jobs runs, so replicas
// sharing a plan store never run two workers for the same plan.
type DistributedLocker interface {
	// Lock attempts to acquire a distributed lock for the given key (e.g., plan ID).
	// It blocks until the lock is acquired or the context is canceled.
	Lock(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}
