package retake

import (
	"context"

	"github.com/retakehq/retake/id"
)

type jobKeyContextKey struct{}

// WithJobKey returns a context carrying the job key, so that middleware
// and probes invoked on behalf of a job can attribute their work without
// a shared global.
func WithJobKey(ctx context.Context, key id.JobKey) context.Context {
	return context.WithValue(ctx, jobKeyContextKey{}, key)
}

// JobKeyFrom extracts the job key from the context, if present.
func JobKeyFrom(ctx context.Context) (id.JobKey, bool) {
	key, ok := ctx.Value(jobKeyContextKey{}).(id.JobKey)
	return key, ok
}
