// Package job defines the data model for one unit of work: preferences,
// session state, attempts, and the persistence contract.
//
// A job is one logical unit of work (one source asset) tracked across
// possibly many attempts. The target site assigns a fresh transient route
// identifier per attempt; the stable id.JobKey is assigned once by the
// identity resolver and never changes.
//
// Two tiers of state hang off a JobKey. Preferences are durable and
// survive session end; the Session is ephemeral and resets when a new
// session starts. The Session owns the attempt dedup ledger, which makes
// re-processing the same attempt a no-op no matter how many times a poll
// re-observes it — even after the target discards and replaces a failed
// attempt in its own record.
package job
