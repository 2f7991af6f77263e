package fixture

// State is the lifecycle position of the fixture.
//
// Fresh means the container was built from the base image and the schema is
// being populated. Snapshotted means that container's filesystem has been
// committed as the snapshot image. Reset means a container derived from the
// snapshot image is running, the pool points at it, and caches are clear.
type State int

const (
	Uninitialized State = iota
	Fresh
	Snapshotted
	Reset
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Fresh:
		return "fresh"
	case Snapshotted:
		return "snapshotted"
	case Reset:
		return "reset"
	default:
		return "unknown"
	}
}
