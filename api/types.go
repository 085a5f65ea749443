package api

import (
	"context"
	"net/http"

	"tarefas/domain"
)

// SessionResolver maps a request to the signed-in identity.
type SessionResolver interface {
	Resolve(r *http.Request) (domain.Identity, error)
}

// Lister returns an owner's current task snapshot.
type Lister interface {
	ListTasks(ctx context.Context, owner string) ([]domain.TaskRecord, error)
}

// Deduper prevents processing of duplicate submissions.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, owner, key string) (bool, error)
	// Remove deletes a previously added key, used when the write fails.
	Remove(ctx context.Context, owner, key string) error
}

// HealthCheck reports whether a backing service is reachable.
type HealthCheck func(ctx context.Context) error
