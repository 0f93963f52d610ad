// Package retake provides a session orchestration core for retrying a
// content-generation action on a third-party web application whenever the
// action is silently blocked by the site's moderation pipeline.
//
// Retake is designed as a library, not a service. Import it, configure a
// store and a set of probes for the target application, and start a session
// for a unit of work. The engine resolves a stable job identity across the
// site's per-attempt route changes, detects blocked and succeeded attempts
// from redundant signal channels, schedules retries under a mandatory
// cooldown, and stops once the output goal is reached or the retry budget
// is exhausted.
//
// # Quick Start
//
//	core, err := retake.New(
//	    retake.WithStore(memory.New()),
//	    retake.WithLogger(logger),
//	)
//
// Wire probes and build the engine with engine.Build, then start a job:
//
//	eng, err := engine.Build(core, target.Probes())
//	key, err := eng.StartJob(ctx, routeID, prompt)
//
// # Architecture
//
// Retake follows a composable store pattern: the job package defines the
// persistence contract and a single backend implements it. Backends ship
// for memory (tests), SQLite (the durable local tier), and Redis (shared
// across tabs of the same browser context).
//
// Scheduled work is never held in a bare timer. Retry and next-unit delays
// persist as absolute deadlines and are recovered by polling, so a page
// reload or process restart cannot silently drop a scheduled retry.
//
// Job keys use TypeID: type-prefixed, K-sortable, UUIDv7-based
// identifiers. The transient route and attempt identifiers the target site
// assigns are kept as opaque strings and never generated locally.
package retake
