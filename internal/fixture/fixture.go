// Package fixture coordinates the disposable database lifecycle: boot a
// container, capture it as a snapshot image once schema and seed data are in
// place, and roll back to that snapshot between test runs by swapping the
// container underneath a stable connection pool.
package fixture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pastyface/dbsnap/internal/conf"
	"github.com/pastyface/dbsnap/internal/pool"
	"github.com/pastyface/dbsnap/internal/runtime"
)

var (
	ErrNotTestMode        = errors.New("not running in test mode")
	ErrAlreadyInitialized = errors.New("fixture already initialized")
	ErrNotInitialized     = errors.New("fixture not initialized")
	ErrNoSnapshot         = errors.New("no snapshot image available")
)

// CacheEvicter clears state derived from the database, such as ORM caches,
// after the database has been rolled back underneath it.
type CacheEvicter interface {
	EvictAll()
}

// Flusher quiesces the database ahead of a filesystem capture: force data to
// disk and hold the global read lock until Release.
type Flusher interface {
	// Flush returns once the lock is held. The connection carrying it stays
	// open until Release.
	Flush(ctx context.Context, adminDSN string) error
	// Release drops the lock. Releasing without a held lock is a no-op.
	Release()
}

// Controller owns the fixture lifecycle. All operations serialize on an
// internal mutex; the underlying design is single-flight orchestration, the
// mutex only keeps concurrent test callers from interleaving container
// operations.
type Controller struct {
	cfg     *conf.Settings
	engine  runtime.Engine
	pool    pool.Pool
	caches  CacheEvicter
	flusher Flusher
	gate    Gate
	metrics *Metrics
	log     zerolog.Logger

	mu          sync.Mutex
	state       State
	initialized bool
	// newImage is true until a usable snapshot image exists. It is the one
	// memoized "have we captured a snapshot yet" bit: once false, FlushData
	// and Snapshot become no-ops.
	newImage      bool
	pendingRemove bool
	flushed       bool
	imageID       string
	handle        *runtime.Handle

	cleanups    *cleanupStack
	cleanupOnce sync.Once
	cleanupErr  error
}

// Option injects a capability into the controller.
type Option func(*Controller)

// WithEngine replaces the Docker-backed container engine.
func WithEngine(eng runtime.Engine) Option {
	return func(c *Controller) { c.engine = eng }
}

// WithPool replaces the managed connection pool.
func WithPool(p pool.Pool) Option {
	return func(c *Controller) { c.pool = p }
}

// WithCaches registers the cache layer to evict on every reset.
func WithCaches(evicter CacheEvicter) Option {
	return func(c *Controller) { c.caches = evicter }
}

// WithFlusher replaces the SQL-backed data flusher.
func WithFlusher(f Flusher) Option {
	return func(c *Controller) { c.flusher = f }
}

// WithGate replaces the test-mode gate.
func WithGate(g Gate) Option {
	return func(c *Controller) { c.gate = g }
}

// WithMetrics replaces the (by default unregistered) lifecycle metrics.
func WithMetrics(m *Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// New builds a controller and decides, by querying the image store, whether
// this run reuses an existing snapshot image or builds fresh from the base
// image. Nothing is started yet; Initialize boots the chosen container.
func New(ctx context.Context, cfg *conf.Settings, log zerolog.Logger, opts ...Option) (*Controller, error) {
	c := &Controller{
		cfg:      cfg,
		log:      log.With().Str("component", "fixture").Logger(),
		state:    Uninitialized,
		newImage: true,
		cleanups: newCleanupStack(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.gate == nil {
		c.gate = EnvGate(cfg)
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}
	if c.flusher == nil {
		c.flusher = newSQLFlusher(c.log)
	}
	if c.engine == nil {
		eng, err := runtime.NewDockerEngine(cfg, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create container engine: %w", err)
		}
		c.engine = eng
	}
	c.cleanups.push("container engine", c.engine.Close)
	if c.pool == nil {
		c.pool = pool.New(&cfg.Pool, log)
	}
	c.cleanups.push("connection pool", c.pool.Close)

	if err := c.plan(ctx); err != nil {
		for _, cerr := range c.cleanups.run() {
			c.log.Error().Err(cerr).Msg("cleanup after failed construction")
		}
		return nil, err
	}
	return c, nil
}

// plan is the construction-time select-or-build decision. It only reads the
// image store; removal of a stale or unwanted snapshot is deferred to
// Initialize, behind the test-mode gate.
func (c *Controller) plan(ctx context.Context) error {
	if c.cfg.Image.ForceRefresh {
		c.state = Fresh
		c.pendingRemove = c.cfg.Image.DeleteImage
		c.log.Info().Str("base", c.cfg.Image.Base).Msg("force refresh requested, building from base image")
		return nil
	}

	snap, err := c.engine.FindSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to look up snapshot image: %w", err)
	}
	if snap == nil {
		c.state = Fresh
		c.log.Info().Str("ref", c.cfg.Image.SnapshotRef()).Msg("no snapshot image found, building from base image")
		return nil
	}

	if c.cfg.Image.DeleteImage {
		c.state = Fresh
		c.pendingRemove = true
		c.log.Info().Str("ref", snap.Ref).Msg("existing snapshot image will be deleted and rebuilt")
		return nil
	}

	hash, err := runtime.SchemaHash(c.cfg.Database.InitScripts)
	if err != nil {
		return fmt.Errorf("failed to hash init scripts: %w", err)
	}
	if snap.Manifest.SchemaHash != hash {
		c.state = Fresh
		c.pendingRemove = true
		c.log.Info().
			Str("ref", snap.Ref).
			Str("image_hash", snap.Manifest.SchemaHash).
			Str("schema_hash", hash).
			Msg("snapshot image does not match current init scripts, rebuilding")
		return nil
	}

	c.state = Reset
	c.newImage = false
	c.imageID = snap.ImageID
	c.log.Info().Str("ref", snap.Ref).Str("image_id", shortID(snap.ImageID)).Msg("reusing existing snapshot image")
	return nil
}

// Initialize starts the container selected at construction time and points
// the connection pool at it. No purge happens on this first repoint because
// no connections exist yet. Callable once per controller.
func (c *Controller) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.gate() {
		return fmt.Errorf("refusing to manage containers: %w", ErrNotTestMode)
	}
	if c.initialized {
		return ErrAlreadyInitialized
	}

	if c.pendingRemove {
		if err := c.engine.RemoveSnapshot(ctx); err != nil {
			return fmt.Errorf("failed to remove snapshot image: %w", err)
		}
		c.pendingRemove = false
	}

	source := "snapshot"
	start := c.engine.StartSnapshot
	if c.newImage {
		source = "base"
		start = c.engine.StartBase
	}
	handle, err := start(ctx)
	if err != nil {
		c.metrics.Failures.WithLabelValues("initialize").Inc()
		return fmt.Errorf("failed to start database container: %w", err)
	}
	c.handle = &handle
	c.metrics.ContainerStarts.WithLabelValues(source).Inc()

	if err := c.repoint(); err != nil {
		c.metrics.Failures.WithLabelValues("initialize").Inc()
		return err
	}
	if err := c.verify(ctx); err != nil {
		c.metrics.Failures.WithLabelValues("initialize").Inc()
		return err
	}

	c.initialized = true
	c.metrics.setState(c.state)
	c.log.Info().
		Stringer("state", c.state).
		Str("container", shortID(handle.ID)).
		Int("port", handle.Port).
		Msg("fixture initialized")
	return nil
}

// FlushData forces table data and engine logs to disk and takes a global
// read lock, so the filesystem captured by the next commit is consistent.
// The lock is held on a pinned admin connection until the commit completes.
// No-op once a snapshot exists.
func (c *Controller) FlushData(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked(ctx)
}

func (c *Controller) flushLocked(ctx context.Context) error {
	if !c.newImage {
		c.log.Debug().Msg("snapshot already captured, flush skipped")
		return nil
	}
	if !c.initialized {
		return ErrNotInitialized
	}
	if c.flushed {
		c.log.Debug().Msg("tables already locked for snapshot")
		return nil
	}

	dsn, err := c.cfg.Database.AdminDSN(c.handle.Host, c.handle.Port)
	if err != nil {
		return fmt.Errorf("failed to build admin DSN: %w", err)
	}
	if err := c.flusher.Flush(ctx, dsn); err != nil {
		return fmt.Errorf("failed to flush data: %w", err)
	}
	c.flushed = true
	c.log.Info().Msg("tables flushed and locked for snapshot")
	return nil
}

func (c *Controller) releaseFlushLock() {
	c.flusher.Release()
	c.flushed = false
}

// Snapshot commits the running container's filesystem as the snapshot image
// and then resets onto a container derived from it, so tests never run
// against the mutated original. Returns the snapshot image ID. Once a
// snapshot exists the call is a no-op returning the existing ID.
//
// Errors here are fatal setup failures: nothing is retried, the test run
// should abort.
func (c *Controller) Snapshot(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.newImage {
		c.log.Debug().Str("ref", c.cfg.Image.SnapshotRef()).Msg("snapshot already exists, nothing to capture")
		return c.imageID, nil
	}
	if !c.initialized {
		return "", ErrNotInitialized
	}

	start := time.Now()
	if err := c.flushLocked(ctx); err != nil {
		c.metrics.Failures.WithLabelValues("snapshot").Inc()
		return "", err
	}

	imageID, err := c.engine.Commit(ctx, *c.handle)
	c.releaseFlushLock()
	if err != nil {
		c.metrics.Failures.WithLabelValues("snapshot").Inc()
		return "", fmt.Errorf("failed to commit snapshot image: %w", err)
	}

	c.newImage = false
	c.imageID = imageID
	c.state = Snapshotted
	c.metrics.Snapshots.Inc()
	c.metrics.setState(c.state)
	c.log.Info().Str("ref", c.cfg.Image.SnapshotRef()).Str("image_id", shortID(imageID)).Msg("snapshot image committed")

	if err := c.resetLocked(ctx); err != nil {
		return "", err
	}
	c.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	return imageID, nil
}

// Reset replaces the running container with a fresh one derived from the
// snapshot image, repoints the pool, purges stale connections, and evicts
// caches. Callable repeatedly.
func (c *Controller) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return ErrNotInitialized
	}
	if c.newImage {
		return fmt.Errorf("cannot reset: %w", ErrNoSnapshot)
	}
	return c.resetLocked(ctx)
}

func (c *Controller) resetLocked(ctx context.Context) error {
	start := time.Now()

	if c.handle != nil {
		if err := c.engine.Stop(ctx, *c.handle); err != nil {
			c.metrics.Failures.WithLabelValues("reset").Inc()
			return fmt.Errorf("failed to stop container %s: %w", shortID(c.handle.ID), err)
		}
		c.handle = nil
	}

	handle, err := c.engine.StartSnapshot(ctx)
	if err != nil {
		c.metrics.Failures.WithLabelValues("reset").Inc()
		return fmt.Errorf("failed to start container from snapshot: %w", err)
	}
	c.handle = &handle
	c.metrics.ContainerStarts.WithLabelValues("snapshot").Inc()

	if err := c.repoint(); err != nil {
		c.metrics.Failures.WithLabelValues("reset").Inc()
		return err
	}
	// Purge strictly after the repoint: idle connections to the old
	// container must be discarded, never reused against the new one, which
	// by chance may listen on the same host port.
	c.pool.Purge()
	c.evictCaches()

	if err := c.verify(ctx); err != nil {
		c.metrics.Failures.WithLabelValues("reset").Inc()
		return err
	}

	c.state = Reset
	c.metrics.Resets.Inc()
	c.metrics.ResetDuration.Observe(time.Since(start).Seconds())
	c.metrics.setState(c.state)
	c.log.Info().Str("container", shortID(handle.ID)).Int("port", handle.Port).Msg("database reset to snapshot")
	return nil
}

// ClearCaches evicts ORM-derived state immediately. Reset already does this;
// the method exists for harnesses that mutate reference data without a
// reset.
func (c *Controller) ClearCaches() {
	c.evictCaches()
}

func (c *Controller) evictCaches() {
	if c.caches != nil {
		c.caches.EvictAll()
	}
}

func (c *Controller) repoint() error {
	dsn, err := c.cfg.Database.DSN(c.handle.Host, c.handle.Port)
	if err != nil {
		return fmt.Errorf("failed to build DSN: %w", err)
	}
	if err := c.pool.SetURL(dsn); err != nil {
		return fmt.Errorf("failed to repoint connection pool: %w", err)
	}
	return nil
}

func (c *Controller) verify(ctx context.Context) error {
	if err := c.pool.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// HealthCheck runs a query round trip against the live database. Unlike the
// driver-level ping used during startup, this exercises the full statement
// path and so catches a server that accepts connections but cannot answer.
func (c *Controller) HealthCheck(ctx context.Context) error {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return ErrNotInitialized
	}
	db := c.pool.DB()
	c.mu.Unlock()

	if db == nil {
		return ErrNotInitialized
	}
	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// Cleanup releases everything the controller owns: the flush lock if one is
// still held, the running container, the pool, and the engine. Failures are
// logged and collected rather than aborting; the first call's result is
// returned to every caller.
func (c *Controller) Cleanup(ctx context.Context) error {
	c.cleanupOnce.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		var errs []error
		c.releaseFlushLock()

		if c.handle != nil {
			if err := c.engine.Stop(ctx, *c.handle); err != nil {
				c.log.Error().Err(err).Str("container", shortID(c.handle.ID)).Msg("failed to stop container during cleanup")
				errs = append(errs, err)
			}
			c.handle = nil
		}

		for _, err := range c.cleanups.run() {
			c.log.Error().Err(err).Msg("cleanup step failed")
			errs = append(errs, err)
		}

		c.state = Uninitialized
		c.initialized = false
		c.metrics.setState(c.state)
		c.cleanupErr = errors.Join(errs...)
		c.log.Info().Msg("fixture cleaned up")
	})
	return c.cleanupErr
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// HasSnapshot reports whether a usable snapshot image exists.
func (c *Controller) HasSnapshot() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.newImage
}

// Handle returns a copy of the live container handle, or nil when no
// container is running.
func (c *Controller) Handle() *runtime.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle == nil {
		return nil
	}
	h := *c.handle
	return &h
}

// DSN returns the driver connection string for the live container.
func (c *Controller) DSN() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle == nil {
		return "", ErrNotInitialized
	}
	return c.cfg.Database.DSN(c.handle.Host, c.handle.Port)
}

// URL returns the informational mysql:// endpoint for the live container.
func (c *Controller) URL() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle == nil {
		return "", ErrNotInitialized
	}
	return c.cfg.Database.URL(c.handle.Host, c.handle.Port), nil
}

// Pool returns the managed connection pool.
func (c *Controller) Pool() pool.Pool {
	return c.pool
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
