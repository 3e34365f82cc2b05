// Package store persists idempotency records: one entry per idempotency key,
// either a pending reservation taken when a run is scheduled or the finished
// publish outcome.
package store

import (
	"context"
	"errors"
	"time"

	"appbuilder/internal/domain"
)

var ErrNotFound = errors.New("not found")

type Status string

const (
	StatusPending Status = "pending"
	StatusDone    Status = "done"
)

type Entry struct {
	Key       string                 `json:"key"`
	Status    Status                 `json:"status" enum:"pending,done"`
	Outcome   *domain.PublishOutcome `json:"outcome,omitempty"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// Store is safe for concurrent use. Every mutation is atomic per key.
type Store interface {
	// Lookup returns ErrNotFound when the key has never been seen.
	Lookup(ctx context.Context, key string) (Entry, error)
	// Reserve inserts a pending marker for req unless the key already has an
	// entry, in which case that entry is returned with reserved=false.
	Reserve(ctx context.Context, req domain.TaskRequest) (existing Entry, reserved bool, err error)
	// Complete stores the finished outcome under key, replacing any marker.
	Complete(ctx context.Context, key string, outcome domain.PublishOutcome) error
	// Release drops a pending marker. Done entries are left untouched.
	Release(ctx context.Context, key string) error
	List(ctx context.Context) ([]Entry, error)
	Close() error
}
