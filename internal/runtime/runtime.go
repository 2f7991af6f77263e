// Package runtime drives the container runtime for the database fixture:
// booting MySQL containers from the base or snapshot image, committing a
// running container as the snapshot image, and looking snapshots up again
// on later runs.
package runtime

import (
	"context"
	"errors"
)

// ErrUnknownContainer is returned when an operation references a container
// this engine did not start (or has already stopped).
var ErrUnknownContainer = errors.New("container not managed by this engine")

// Handle identifies the live database container and the endpoint it is
// reachable at from the host. Exactly one handle is live at a time;
// receiving a new one means the previous container was stopped.
type Handle struct {
	ID   string
	Host string
	Port int
}

// Snapshot describes a committed snapshot image found in the local image
// store.
type Snapshot struct {
	ImageID  string
	Ref      string
	Manifest Manifest
}

// Engine abstracts the container runtime operations the fixture sequences.
// Implementations must be safe for use from multiple goroutines.
type Engine interface {
	// StartBase boots a container from the base image, creating the database
	// and running any configured init scripts.
	StartBase(ctx context.Context) (Handle, error)

	// StartSnapshot boots a container from the committed snapshot image and
	// waits until the database inside accepts connections.
	StartSnapshot(ctx context.Context) (Handle, error)

	// Commit captures the container's filesystem as the snapshot image and
	// returns the new image ID.
	Commit(ctx context.Context, handle Handle) (string, error)

	// FindSnapshot looks up the snapshot image by its fixed reference.
	// Returns nil without error when no such image exists.
	FindSnapshot(ctx context.Context) (*Snapshot, error)

	// RemoveSnapshot deletes the snapshot image. Removing an image that does
	// not exist is not an error.
	RemoveSnapshot(ctx context.Context) error

	// Stop stops and removes the container behind the handle.
	Stop(ctx context.Context, handle Handle) error

	// Close stops any containers still running and releases the runtime
	// connection.
	Close() error
}
