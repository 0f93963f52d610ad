// Package store defines the aggregate persistence interface. The job
// package defines the two-tier session store contract; the composite Store
// adds lifecycle operations. Backends: SQLite (durable local tier), Redis
// (shared across tabs of one browser context), and Memory (tests).
package store

import (
	"context"

	"github.com/retakehq/retake/job"
)

// Store is the aggregate persistence interface. A single backend
// implements the whole contract.
type Store interface {
	job.Store

	// Migrate runs schema migrations, including consolidation of the
	// legacy pre-migration layout.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
