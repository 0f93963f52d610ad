package retake

import (
	"context"
	"log/slog"
)

// Option configures a Core.
type Option func(*Core) error

// Storer is the minimal store interface held by the Core. It covers
// lifecycle operations only. The full composite interface (store.Store) is
// used in subsystem layers that don't create import cycles. Implementations
// satisfy store.Store which embeds the job store contract.
type Storer interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// loopRunner is an internal interface for the engine's poll-loop lifecycle.
type loopRunner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// extensionEmitter is an internal interface for extension lifecycle events.
type extensionEmitter interface {
	EmitShutdown(ctx context.Context)
}

// Core is the central coordinator for session orchestration: identity
// resolution, outcome detection, retry scheduling, and persistence.
//
// Create one with New() and functional options. The Core holds references
// to subsystem components via internal interfaces to avoid import cycles.
// Use engine.Build to wire everything together.
type Core struct {
	config     Config
	logger     *slog.Logger
	store      Storer
	extensions extensionEmitter
	runner     loopRunner

	// started tracks whether Start has been called.
	started bool
}

// New creates a new Core with the given options.
func New(opts ...Option) (*Core, error) {
	c := &Core{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Logger returns the core's logger.
func (c *Core) Logger() *slog.Logger { return c.logger }

// Store returns the core's store.
func (c *Core) Store() Storer { return c.store }

// Config returns a copy of the core's configuration.
func (c *Core) Config() Config { return c.config }

// SetRunner sets the poll-loop runner (called by the engine package).
func (c *Core) SetRunner(r loopRunner) { c.runner = r }

// SetExtensions sets the extension emitter (called by the engine package).
func (c *Core) SetExtensions(e extensionEmitter) { c.extensions = e }

// Start begins session processing.
func (c *Core) Start(ctx context.Context) error {
	if c.runner == nil {
		return ErrNoStore
	}
	if err := c.runner.Start(ctx); err != nil {
		return err
	}
	c.started = true
	return nil
}

// Stop gracefully shuts down the core.
func (c *Core) Stop(ctx context.Context) error {
	if c.runner != nil && c.started {
		if err := c.runner.Stop(ctx); err != nil {
			c.logger.Error("runner stop error", "error", err)
		}
	}
	if c.extensions != nil {
		c.extensions.EmitShutdown(ctx)
	}
	if c.store != nil {
		return c.store.Close()
	}
	return nil
}

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(c *Core) error {
		c.config = cfg
		return nil
	}
}

// WithLogger sets the structured logger for the core.
func WithLogger(l *slog.Logger) Option {
	return func(c *Core) error {
		c.logger = l
		return nil
	}
}

// WithStore sets the persistence backend for the core.
// The store must implement Storer at minimum; typically it will be a
// store.Store which embeds the job store contract.
func WithStore(s Storer) Option {
	return func(c *Core) error {
		c.store = s
		return nil
	}
}
