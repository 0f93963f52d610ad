// Package middleware provides composable middleware around trigger
// invocations.
//
// A [Middleware] is a function that wraps an invocation handler.
// Middleware are composed into a chain using [Chain] and applied before
// each activation of the generation control. They are applied
// right-to-left: the first middleware in the slice is the outermost
// wrapper.
//
//	// logging → recover → handler
//	chain := middleware.Chain(middleware.Logging(logger), middleware.Recover(logger))
//
// # Built-in Middleware
//
//   - [Logging] logs job key, invocation kind, duration, and outcome
//   - [Recover] catches panics and converts them to errors
//   - [Timeout] cancels the invocation context after a configured duration
//   - [Tracing] wraps the invocation in an OpenTelemetry span
//   - [Cooldown] defers the invocation until the post-failure cooldown expires
//   - [Permit] rejects retries not permitted by a failure event or an override
//
// # Writing Custom Middleware
//
//	func MyMiddleware() middleware.Middleware {
//	    return func(ctx context.Context, inv *middleware.Invocation, next middleware.Handler) error {
//	        // pre-processing
//	        err := next(ctx)
//	        // post-processing
//	        return err
//	    }
//	}
//
// Middleware MUST call next to continue the chain unless intentionally
// short-circuiting (e.g., the permission gate).
package middleware
