package fixture

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pastyface/dbsnap/internal/conf"
	"github.com/pastyface/dbsnap/internal/runtime"
)

// fakeEngine records every container runtime call the controller makes.
type fakeEngine struct {
	mu        sync.Mutex
	snapshot  *runtime.Snapshot
	findErr   error
	findCalls int

	started   []string
	startErr  error
	stopped   []string
	stopErr   error
	commits   int
	commitErr error
	removes   int
	closed    bool

	nextPort int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{nextPort: 33060}
}

func (e *fakeEngine) start(source string) (runtime.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.startErr != nil {
		return runtime.Handle{}, e.startErr
	}
	e.started = append(e.started, source)
	e.nextPort++
	return runtime.Handle{
		ID:   fmt.Sprintf("%s-%d", source, len(e.started)),
		Host: "127.0.0.1",
		Port: e.nextPort,
	}, nil
}

func (e *fakeEngine) StartBase(context.Context) (runtime.Handle, error) {
	return e.start("base")
}

func (e *fakeEngine) StartSnapshot(context.Context) (runtime.Handle, error) {
	return e.start("snapshot")
}

func (e *fakeEngine) Commit(_ context.Context, _ runtime.Handle) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.commitErr != nil {
		return "", e.commitErr
	}
	e.commits++
	return fmt.Sprintf("sha256:fake%04d", e.commits), nil
}

func (e *fakeEngine) FindSnapshot(context.Context) (*runtime.Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.findCalls++
	if e.findErr != nil {
		return nil, e.findErr
	}
	return e.snapshot, nil
}

func (e *fakeEngine) RemoveSnapshot(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removes++
	e.snapshot = nil
	return nil
}

func (e *fakeEngine) Stop(_ context.Context, handle runtime.Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopErr != nil {
		return e.stopErr
	}
	e.stopped = append(e.stopped, handle.ID)
	return nil
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// fakePool records repoints and purges in call order so tests can assert
// the purge happens strictly after the repoint.
type fakePool struct {
	mu      sync.Mutex
	ops     []string
	urls    []string
	purges  int
	pings   int
	pingErr error
	closed  bool
}

func (p *fakePool) SetURL(dsn string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.urls = append(p.urls, dsn)
	p.ops = append(p.ops, "seturl")
	return nil
}

func (p *fakePool) Purge() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.purges++
	p.ops = append(p.ops, "purge")
}

func (p *fakePool) DB() *sql.DB { return nil }

func (p *fakePool) PingContext(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pings++
	return p.pingErr
}

func (p *fakePool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePool) lastURL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.urls) == 0 {
		return ""
	}
	return p.urls[len(p.urls)-1]
}

type fakeCaches struct {
	mu        sync.Mutex
	evictions int
}

func (f *fakeCaches) EvictAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evictions++
}

type fakeFlusher struct {
	mu       sync.Mutex
	flushes  int
	releases int
	flushErr error
	lastDSN  string
}

func (f *fakeFlusher) Flush(_ context.Context, dsn string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.flushErr != nil {
		return f.flushErr
	}
	f.flushes++
	f.lastDSN = dsn
	return nil
}

func (f *fakeFlusher) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
}

func testSettings() *conf.Settings {
	return &conf.Settings{
		Image: conf.ImageSettings{
			Base:               "mysql:8.4",
			SnapshotRepository: "dbsnap/mysql",
			SnapshotTag:        "snapshot",
		},
		Database: conf.DatabaseSettings{
			Name:      "dbsnap_test",
			Username:  "dbsnap",
			Password:  "dbsnap",
			Charset:   "utf8mb4",
			Collation: "utf8mb4_unicode_ci",
			Timezone:  "UTC",
		},
		Pool: conf.PoolSettings{MaxOpenConns: 5, MaxIdleConns: 2},
	}
}

// existingSnapshot matches a config with no init scripts (empty schema hash).
func existingSnapshot() *runtime.Snapshot {
	return &runtime.Snapshot{
		ImageID:  "sha256:existing",
		Ref:      "dbsnap/mysql:snapshot",
		Manifest: runtime.Manifest{BaseImage: "mysql:8.4"},
	}
}

type testFixture struct {
	ctl     *Controller
	engine  *fakeEngine
	pool    *fakePool
	caches  *fakeCaches
	flusher *fakeFlusher
}

func newTestFixture(t *testing.T, cfg *conf.Settings, eng *fakeEngine) *testFixture {
	t.Helper()
	f := &testFixture{
		engine:  eng,
		pool:    &fakePool{},
		caches:  &fakeCaches{},
		flusher: &fakeFlusher{},
	}
	ctl, err := New(t.Context(), cfg, zerolog.Nop(),
		WithEngine(eng), WithPool(f.pool), WithCaches(f.caches), WithFlusher(f.flusher))
	require.NoError(t, err, "failed to construct controller")
	f.ctl = ctl
	return f
}

func TestNew_NoSnapshotBuildsFresh(t *testing.T) {
	eng := newFakeEngine()
	f := newTestFixture(t, testSettings(), eng)

	assert.Equal(t, Fresh, f.ctl.State())
	assert.False(t, f.ctl.HasSnapshot())
	assert.Equal(t, 1, eng.findCalls)
}

func TestNew_ExistingSnapshotReused(t *testing.T) {
	eng := newFakeEngine()
	eng.snapshot = existingSnapshot()
	f := newTestFixture(t, testSettings(), eng)

	assert.Equal(t, Reset, f.ctl.State())
	assert.True(t, f.ctl.HasSnapshot())
}

func TestNew_ForceRefreshIgnoresSnapshot(t *testing.T) {
	cfg := testSettings()
	cfg.Image.ForceRefresh = true
	eng := newFakeEngine()
	eng.snapshot = existingSnapshot()
	f := newTestFixture(t, cfg, eng)

	assert.Equal(t, Fresh, f.ctl.State())
	assert.False(t, f.ctl.HasSnapshot())
	assert.Zero(t, eng.findCalls, "force refresh should not consult the image store")
}

func TestNew_StaleSnapshotRebuilt(t *testing.T) {
	eng := newFakeEngine()
	snap := existingSnapshot()
	snap.Manifest.SchemaHash = "0b501e7e"
	eng.snapshot = snap
	f := newTestFixture(t, testSettings(), eng)

	assert.Equal(t, Fresh, f.ctl.State(), "hash mismatch should be treated as no snapshot")

	require.NoError(t, f.ctl.Initialize(t.Context()))
	assert.Equal(t, 1, eng.removes, "stale snapshot should be removed before rebuild")
	assert.Equal(t, []string{"base"}, eng.started)
}

func TestNew_DeleteImageRemovesAtInitialize(t *testing.T) {
	cfg := testSettings()
	cfg.Image.DeleteImage = true
	eng := newFakeEngine()
	eng.snapshot = existingSnapshot()
	f := newTestFixture(t, cfg, eng)

	assert.Equal(t, Fresh, f.ctl.State())
	assert.Zero(t, eng.removes, "removal must wait for the test-mode gate at Initialize")

	require.NoError(t, f.ctl.Initialize(t.Context()))
	assert.Equal(t, 1, eng.removes)
	assert.Equal(t, []string{"base"}, eng.started)
}

func TestNew_FindSnapshotError(t *testing.T) {
	eng := newFakeEngine()
	eng.findErr = errors.New("docker daemon unreachable")
	fp := &fakePool{}

	ctl, err := New(t.Context(), testSettings(), zerolog.Nop(),
		WithEngine(eng), WithPool(fp), WithFlusher(&fakeFlusher{}))
	require.Error(t, err)
	assert.Nil(t, ctl)
	assert.True(t, eng.closed, "failed construction should release the engine")
	assert.True(t, fp.closed, "failed construction should release the pool")
}

func TestInitialize_Fresh(t *testing.T) {
	f := newTestFixture(t, testSettings(), newFakeEngine())

	require.NoError(t, f.ctl.Initialize(t.Context()))

	assert.Equal(t, []string{"base"}, f.engine.started)
	assert.Equal(t, Fresh, f.ctl.State())

	h := f.ctl.Handle()
	require.NotNil(t, h)
	assert.Contains(t, f.pool.lastURL(), fmt.Sprintf("127.0.0.1:%d", h.Port),
		"pool must point at the started container")
	assert.Zero(t, f.pool.purges, "first repoint must not purge")
	assert.Equal(t, 1, f.pool.pings, "initialize should verify connectivity")
}

func TestInitialize_FromExistingSnapshot(t *testing.T) {
	eng := newFakeEngine()
	eng.snapshot = existingSnapshot()
	f := newTestFixture(t, testSettings(), eng)

	require.NoError(t, f.ctl.Initialize(t.Context()))

	assert.Equal(t, []string{"snapshot"}, eng.started)
	assert.Equal(t, Reset, f.ctl.State())
	assert.True(t, f.ctl.HasSnapshot())
}

func TestInitialize_GateClosed(t *testing.T) {
	eng := newFakeEngine()
	ctl, err := New(t.Context(), testSettings(), zerolog.Nop(),
		WithEngine(eng), WithPool(&fakePool{}), WithFlusher(&fakeFlusher{}),
		WithGate(func() bool { return false }))
	require.NoError(t, err)

	err = ctl.Initialize(t.Context())
	require.ErrorIs(t, err, ErrNotTestMode)
	assert.Empty(t, eng.started, "no container may start outside test mode")
}

func TestInitialize_CalledTwice(t *testing.T) {
	f := newTestFixture(t, testSettings(), newFakeEngine())

	require.NoError(t, f.ctl.Initialize(t.Context()))
	err := f.ctl.Initialize(t.Context())
	require.ErrorIs(t, err, ErrAlreadyInitialized)
	assert.Len(t, f.engine.started, 1)
}

func TestInitialize_HealthCheckFails(t *testing.T) {
	f := newTestFixture(t, testSettings(), newFakeEngine())
	f.pool.pingErr = errors.New("connection refused")

	err := f.ctl.Initialize(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "health check")
}

func TestFlushData(t *testing.T) {
	f := newTestFixture(t, testSettings(), newFakeEngine())
	require.NoError(t, f.ctl.Initialize(t.Context()))

	require.NoError(t, f.ctl.FlushData(t.Context()))
	assert.Equal(t, 1, f.flusher.flushes)
	assert.Contains(t, f.flusher.lastDSN, "root:", "flush needs the admin user")

	// Second flush while the lock is held is a no-op.
	require.NoError(t, f.ctl.FlushData(t.Context()))
	assert.Equal(t, 1, f.flusher.flushes)
}

func TestFlushData_BeforeInitialize(t *testing.T) {
	f := newTestFixture(t, testSettings(), newFakeEngine())
	require.ErrorIs(t, f.ctl.FlushData(t.Context()), ErrNotInitialized)
}

func TestSnapshot_FullLifecycle(t *testing.T) {
	f := newTestFixture(t, testSettings(), newFakeEngine())
	require.NoError(t, f.ctl.Initialize(t.Context()))

	id, err := f.ctl.Snapshot(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "sha256:fake0001", id)

	assert.Equal(t, 1, f.flusher.flushes, "snapshot should flush before committing")
	assert.Equal(t, 1, f.flusher.releases, "lock must be released after the commit")
	assert.Equal(t, 1, f.engine.commits)

	// The implicit reset replaces the mutated original with a container
	// derived from the snapshot.
	assert.Equal(t, []string{"base", "snapshot"}, f.engine.started)
	assert.Equal(t, []string{"base-1"}, f.engine.stopped)
	assert.Equal(t, Reset, f.ctl.State())
	assert.True(t, f.ctl.HasSnapshot())

	assert.Equal(t, []string{"seturl", "seturl", "purge"}, f.pool.ops,
		"purge must follow the reset repoint, and only that one")
	assert.Equal(t, 1, f.caches.evictions)
}

func TestSnapshot_Idempotent(t *testing.T) {
	f := newTestFixture(t, testSettings(), newFakeEngine())
	require.NoError(t, f.ctl.Initialize(t.Context()))

	id, err := f.ctl.Snapshot(t.Context())
	require.NoError(t, err)

	id2, err := f.ctl.Snapshot(t.Context())
	require.NoError(t, err)
	assert.Equal(t, id, id2, "repeated snapshot should return the existing image")
	assert.Equal(t, 1, f.engine.commits)

	require.NoError(t, f.ctl.FlushData(t.Context()))
	assert.Equal(t, 1, f.flusher.flushes, "flush is a no-op once snapshotted")
}

func TestSnapshot_CommitFails(t *testing.T) {
	eng := newFakeEngine()
	eng.commitErr = errors.New("no space left on device")
	f := newTestFixture(t, testSettings(), eng)
	require.NoError(t, f.ctl.Initialize(t.Context()))

	_, err := f.ctl.Snapshot(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to commit snapshot image")
	assert.False(t, f.ctl.HasSnapshot())
	assert.Equal(t, 1, f.flusher.releases, "lock must be released on commit failure")
}

func TestSnapshot_FlushFails(t *testing.T) {
	f := newTestFixture(t, testSettings(), newFakeEngine())
	f.flusher.flushErr = errors.New("lock wait timeout")
	require.NoError(t, f.ctl.Initialize(t.Context()))

	_, err := f.ctl.Snapshot(t.Context())
	require.Error(t, err)
	assert.Zero(t, f.engine.commits, "commit must not run without a flush")
}

func TestReset_Repeatedly(t *testing.T) {
	eng := newFakeEngine()
	eng.snapshot = existingSnapshot()
	f := newTestFixture(t, testSettings(), eng)
	require.NoError(t, f.ctl.Initialize(t.Context()))

	require.NoError(t, f.ctl.Reset(t.Context()))
	require.NoError(t, f.ctl.Reset(t.Context()))

	assert.Equal(t, []string{"snapshot", "snapshot", "snapshot"}, eng.started)
	assert.Equal(t, []string{"snapshot-1", "snapshot-2"}, eng.stopped,
		"every reset stops the previous container")
	assert.Equal(t, 2, f.pool.purges)
	assert.Equal(t, 2, f.caches.evictions)
	assert.Equal(t, Reset, f.ctl.State())

	h := f.ctl.Handle()
	require.NotNil(t, h)
	assert.Contains(t, f.pool.lastURL(), fmt.Sprintf(":%d", h.Port),
		"pool must reference the newest container's port")
}

func TestReset_WithoutSnapshot(t *testing.T) {
	f := newTestFixture(t, testSettings(), newFakeEngine())
	require.NoError(t, f.ctl.Initialize(t.Context()))

	err := f.ctl.Reset(t.Context())
	require.ErrorIs(t, err, ErrNoSnapshot)
}

func TestReset_BeforeInitialize(t *testing.T) {
	f := newTestFixture(t, testSettings(), newFakeEngine())
	require.ErrorIs(t, f.ctl.Reset(t.Context()), ErrNotInitialized)
}

func TestClearCaches(t *testing.T) {
	f := newTestFixture(t, testSettings(), newFakeEngine())
	f.ctl.ClearCaches()
	assert.Equal(t, 1, f.caches.evictions)
}

func TestCleanup(t *testing.T) {
	f := newTestFixture(t, testSettings(), newFakeEngine())
	require.NoError(t, f.ctl.Initialize(t.Context()))
	_, err := f.ctl.Snapshot(t.Context())
	require.NoError(t, err)

	require.NoError(t, f.ctl.Cleanup(t.Context()))

	assert.Equal(t, []string{"base-1", "snapshot-2"}, f.engine.stopped,
		"cleanup should stop the live container")
	assert.True(t, f.pool.closed)
	assert.True(t, f.engine.closed)
	assert.Equal(t, Uninitialized, f.ctl.State())

	// Second call returns the cached result without redoing work.
	stops := len(f.engine.stopped)
	require.NoError(t, f.ctl.Cleanup(t.Context()))
	assert.Len(t, f.engine.stopped, stops)
}

func TestCleanup_CollectsErrors(t *testing.T) {
	f := newTestFixture(t, testSettings(), newFakeEngine())
	require.NoError(t, f.ctl.Initialize(t.Context()))

	f.engine.stopErr = errors.New("container already gone")
	err := f.ctl.Cleanup(t.Context())
	require.Error(t, err)
	assert.True(t, f.pool.closed, "later cleanup steps must still run")
	assert.True(t, f.engine.closed)
}

func TestDSNAndURL(t *testing.T) {
	f := newTestFixture(t, testSettings(), newFakeEngine())

	_, err := f.ctl.DSN()
	require.ErrorIs(t, err, ErrNotInitialized)
	_, err = f.ctl.URL()
	require.ErrorIs(t, err, ErrNotInitialized)

	require.NoError(t, f.ctl.Initialize(t.Context()))
	h := f.ctl.Handle()
	require.NotNil(t, h)

	dsn, err := f.ctl.DSN()
	require.NoError(t, err)
	assert.Contains(t, dsn, fmt.Sprintf("tcp(127.0.0.1:%d)", h.Port))

	u, err := f.ctl.URL()
	require.NoError(t, err)
	assert.Contains(t, u, fmt.Sprintf("mysql://127.0.0.1:%d/dbsnap_test", h.Port))
}

func TestHealthCheck_BeforeInitialize(t *testing.T) {
	f := newTestFixture(t, testSettings(), newFakeEngine())
	require.ErrorIs(t, f.ctl.HealthCheck(t.Context()), ErrNotInitialized)
}

func TestEnvGate_OpenUnderGoTest(t *testing.T) {
	// Inside a test binary the gate is always open, regardless of config.
	assert.True(t, EnvGate(nil)())
	assert.True(t, EnvGate(testSettings())())
}
