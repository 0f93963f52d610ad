// Package probe defines the consumed interfaces at the boundary with the
// target web application: the generation trigger, the authoritative source
// snapshot, the progress readout, and the rendered-page observer.
//
// Implementations live outside the core (in the automation bridge that
// actually drives the page). The core never reaches past these interfaces,
// and tests script them via probe/sim.
//
// The authoritative source is the target application's own internal record
// of attempts and their outcomes. It is trusted over anything observed in
// the rendered page: the page channel only ever requests validation from
// the source channel.
package probe
