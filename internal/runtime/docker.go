package runtime

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	// Registers the "mysql" driver for the SQL wait strategy.
	_ "github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mysql"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/pastyface/dbsnap/internal/conf"
)

// mysqlPort is the port MySQL listens on inside every container.
const mysqlPort = nat.Port("3306/tcp")

// snapshotDatadir is where mysqld keeps its data files in fixture
// containers. The stock images declare /var/lib/mysql as a volume, and
// volume contents never make it into a committed image, so the data
// directory has to live in the container filesystem instead.
const snapshotDatadir = "/var/lib/mysql-snapshot"

// DockerEngine implements Engine against a Docker daemon. Containers are
// booted through testcontainers; image commit, lookup, and removal go
// through the Docker API directly since testcontainers does not expose them.
type DockerEngine struct {
	cfg *conf.Settings
	cli *client.Client
	log zerolog.Logger

	mu   sync.Mutex
	live map[string]testcontainers.Container
}

// NewDockerEngine connects to the Docker daemon configured in the
// environment (DOCKER_HOST etc.).
func NewDockerEngine(cfg *conf.Settings, log zerolog.Logger) (*DockerEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return newDockerEngine(cfg, log, cli), nil
}

func newDockerEngine(cfg *conf.Settings, log zerolog.Logger, cli *client.Client) *DockerEngine {
	return &DockerEngine{
		cfg:  cfg,
		cli:  cli,
		log:  log.With().Str("component", "runtime").Logger(),
		live: make(map[string]testcontainers.Container),
	}
}

// StartBase boots a container from the base image, creating the database,
// the application user, and running any configured init scripts.
func (e *DockerEngine) StartBase(ctx context.Context) (Handle, error) {
	opts := []testcontainers.ContainerCustomizer{
		mysql.WithDatabase(e.cfg.Database.Name),
		mysql.WithUsername(e.cfg.Database.Username),
		mysql.WithPassword(e.cfg.Database.Password),
		withDatadir(),
		withManagedLabel(),
		withStartupDeadline(e.cfg.Runtime.StartupTimeout.Std()),
	}
	for _, script := range e.cfg.Database.InitScripts {
		opts = append(opts, mysql.WithScripts(script))
	}
	if p := e.cfg.Runtime.FixedHostPort; p > 0 {
		opts = append(opts, withFixedHostPort(p))
	}

	e.log.Info().Str("image", e.cfg.Image.Base).Msg("starting base container")
	ctr, err := mysql.Run(ctx, e.cfg.Image.Base, opts...)
	if err != nil {
		return Handle{}, fmt.Errorf("failed to start base container from %s: %w", e.cfg.Image.Base, err)
	}
	return e.adopt(ctx, ctr)
}

// StartSnapshot boots a container from the committed snapshot image. The
// data directory in the image is already initialized, so readiness is probed
// with a real connection instead of trusting entrypoint log lines.
func (e *DockerEngine) StartSnapshot(ctx context.Context) (Handle, error) {
	ref := e.cfg.Image.SnapshotRef()
	dsnFor := func(host string, port nat.Port) string {
		dsn, err := e.cfg.Database.DSN(host, port.Int())
		if err != nil {
			return ""
		}
		return dsn
	}

	req := testcontainers.ContainerRequest{
		Image:        ref,
		ExposedPorts: []string{string(mysqlPort)},
		Labels:       map[string]string{LabelManaged: "true"},
		WaitingFor: wait.ForSQL(mysqlPort, "mysql", dsnFor).
			WithStartupTimeout(e.cfg.Runtime.StartupTimeout.Std()),
	}
	if p := e.cfg.Runtime.FixedHostPort; p > 0 {
		req.HostConfigModifier = bindHostPort(p)
	}

	e.log.Info().Str("image", ref).Msg("starting snapshot container")
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return Handle{}, fmt.Errorf("failed to start snapshot container from %s: %w", ref, err)
	}
	return e.adopt(ctx, ctr)
}

// adopt resolves the container's endpoint and tracks it as the engine's
// responsibility until Stop or Close.
func (e *DockerEngine) adopt(ctx context.Context, ctr testcontainers.Container) (Handle, error) {
	host, err := ctr.Host(ctx)
	if err != nil {
		// Background context so teardown still runs when ctx expired.
		_ = ctr.Terminate(context.Background())
		return Handle{}, fmt.Errorf("failed to resolve container host: %w", err)
	}
	port, err := ctr.MappedPort(ctx, mysqlPort)
	if err != nil {
		_ = ctr.Terminate(context.Background())
		return Handle{}, fmt.Errorf("failed to resolve mapped port: %w", err)
	}

	handle := Handle{ID: ctr.GetContainerID(), Host: host, Port: port.Int()}

	e.mu.Lock()
	e.live[handle.ID] = ctr
	e.mu.Unlock()

	e.log.Info().
		Str("container", shortID(handle.ID)).
		Str("endpoint", fmt.Sprintf("%s:%d", handle.Host, handle.Port)).
		Msg("container ready")
	return handle, nil
}

// Commit captures the container's filesystem as the snapshot image, tagging
// it with the fixed reference and a manifest describing the schema it holds.
func (e *DockerEngine) Commit(ctx context.Context, handle Handle) (string, error) {
	if err := e.checkFreeDisk(ctx); err != nil {
		return "", err
	}

	hash, err := SchemaHash(e.cfg.Database.InitScripts)
	if err != nil {
		return "", err
	}
	manifest := Manifest{
		SchemaHash: hash,
		BaseImage:  e.cfg.Image.Base,
		Database:   e.cfg.Database.Name,
		CreatedAt:  time.Now().UTC(),
	}
	labels, err := manifest.Labels()
	if err != nil {
		return "", err
	}

	ref := e.cfg.Image.SnapshotRef()
	resp, err := e.cli.ContainerCommit(ctx, handle.ID, container.CommitOptions{
		Reference: ref,
		Comment:   "dbsnap database snapshot",
		Pause:     true,
		Config:    &container.Config{Labels: labels},
	})
	if err != nil {
		return "", fmt.Errorf("failed to commit container %s as %s: %w", shortID(handle.ID), ref, err)
	}

	e.log.Info().
		Str("container", shortID(handle.ID)).
		Str("image", ref).
		Str("image_id", shortID(resp.ID)).
		Msg("snapshot image committed")
	return resp.ID, nil
}

// FindSnapshot looks the snapshot image up by its fixed reference. Returns
// nil without error when no such image exists.
func (e *DockerEngine) FindSnapshot(ctx context.Context) (*Snapshot, error) {
	ref := e.cfg.Image.SnapshotRef()
	images, err := e.cli.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", ref)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list images matching %s: %w", ref, err)
	}
	if len(images) == 0 {
		return nil, nil
	}

	summary := images[0]
	manifest, err := ManifestFromLabels(summary.Labels)
	if err != nil {
		// An unreadable manifest means the image is not trustworthy as a
		// snapshot; report it as present but with no recorded schema.
		e.log.Warn().Err(err).Str("image", ref).Msg("snapshot image has an unreadable manifest")
		manifest = Manifest{}
	}
	return &Snapshot{ImageID: summary.ID, Ref: ref, Manifest: manifest}, nil
}

// RemoveSnapshot deletes the snapshot image. Absence is not an error.
func (e *DockerEngine) RemoveSnapshot(ctx context.Context) error {
	ref := e.cfg.Image.SnapshotRef()
	deleted, err := e.cli.ImageRemove(ctx, ref, image.RemoveOptions{Force: true, PruneChildren: true})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to remove snapshot image %s: %w", ref, err)
	}
	for _, d := range deleted {
		if d.Deleted != "" {
			e.log.Debug().Str("layer", shortID(d.Deleted)).Msg("snapshot layer deleted")
		}
	}
	e.log.Info().Str("image", ref).Msg("snapshot image removed")
	return nil
}

// Stop stops and removes the container behind the handle.
func (e *DockerEngine) Stop(ctx context.Context, handle Handle) error {
	e.mu.Lock()
	ctr, ok := e.live[handle.ID]
	delete(e.live, handle.ID)
	e.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownContainer, shortID(handle.ID))
	}

	err := ctr.Terminate(ctx, testcontainers.StopTimeout(e.cfg.Runtime.StopTimeout.Std()))
	if err != nil {
		return fmt.Errorf("failed to stop container %s: %w", shortID(handle.ID), err)
	}
	e.log.Info().Str("container", shortID(handle.ID)).Msg("container stopped")
	return nil
}

// Close stops any containers still tracked and releases the Docker client.
func (e *DockerEngine) Close() error {
	e.mu.Lock()
	remaining := e.live
	e.live = make(map[string]testcontainers.Container)
	e.mu.Unlock()

	var errs []error
	for id, ctr := range remaining {
		if err := ctr.Terminate(context.Background()); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop container %s: %w", shortID(id), err))
		}
	}
	if err := e.cli.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close docker client: %w", err))
	}
	return errors.Join(errs...)
}

// checkFreeDisk refuses to commit when the filesystem is nearly full, since
// a failed half-written image is worse than no snapshot. The check reads the
// local filesystem; a remote daemon's disk is not visible here, so errors
// only log.
func (e *DockerEngine) checkFreeDisk(ctx context.Context) error {
	minBytes := e.cfg.Runtime.MinFreeDiskMB * 1024 * 1024
	if minBytes == 0 {
		return nil
	}
	usage, err := disk.UsageWithContext(ctx, "/")
	if err != nil {
		e.log.Warn().Err(err).Msg("could not read disk usage before commit")
		return nil
	}
	if usage.Free < minBytes {
		return fmt.Errorf("not enough free disk for snapshot commit: %d MB free, %d MB required",
			usage.Free/(1024*1024), e.cfg.Runtime.MinFreeDiskMB)
	}
	return nil
}

// withDatadir moves the MySQL data directory off the image's declared
// volume so a later commit captures it.
func withDatadir() testcontainers.CustomizeRequestOption {
	return func(req *testcontainers.GenericContainerRequest) error {
		req.Cmd = append(req.Cmd, "--datadir="+snapshotDatadir)
		return nil
	}
}

// withStartupDeadline bounds whatever wait strategy the image module
// installed. First boots replay every init script, so the default strategy
// timeout is often too short.
func withStartupDeadline(d time.Duration) testcontainers.CustomizeRequestOption {
	return func(req *testcontainers.GenericContainerRequest) error {
		if req.WaitingFor != nil && d > 0 {
			req.WaitingFor = wait.ForAll(req.WaitingFor).WithDeadline(d)
		}
		return nil
	}
}

// withManagedLabel marks the container as owned by this tool.
func withManagedLabel() testcontainers.CustomizeRequestOption {
	return func(req *testcontainers.GenericContainerRequest) error {
		if req.Labels == nil {
			req.Labels = make(map[string]string)
		}
		req.Labels[LabelManaged] = "true"
		return nil
	}
}

// withFixedHostPort publishes the database port on a fixed host port
// instead of a random free one.
func withFixedHostPort(hostPort int) testcontainers.CustomizeRequestOption {
	return func(req *testcontainers.GenericContainerRequest) error {
		req.HostConfigModifier = bindHostPort(hostPort)
		return nil
	}
}

func bindHostPort(hostPort int) func(*container.HostConfig) {
	return func(hc *container.HostConfig) {
		if hc.PortBindings == nil {
			hc.PortBindings = make(nat.PortMap)
		}
		hc.PortBindings[mysqlPort] = []nat.PortBinding{{HostPort: strconv.Itoa(hostPort)}}
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
