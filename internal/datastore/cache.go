package datastore

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Region is a named in-memory cache whose contents are derived from the
// database and therefore only valid for one database state. Regions never
// expire entries on their own; the fixture flushes them on reset.
type Region struct {
	name string
	c    *gocache.Cache
}

func newRegion(name string) *Region {
	// Cleanup interval zero keeps the janitor goroutine from starting;
	// entries only leave a region through Delete or Flush.
	return &Region{name: name, c: gocache.New(gocache.NoExpiration, 0)}
}

// Name returns the region name.
func (r *Region) Name() string {
	return r.name
}

// Set stores a value without expiry.
func (r *Region) Set(key string, value any) {
	r.c.Set(key, value, gocache.DefaultExpiration)
}

// SetTTL stores a value that expires after the given duration.
func (r *Region) SetTTL(key string, value any, ttl time.Duration) {
	r.c.Set(key, value, ttl)
}

// Get returns the value for key and whether it was present.
func (r *Region) Get(key string) (any, bool) {
	return r.c.Get(key)
}

// Delete removes a single entry.
func (r *Region) Delete(key string) {
	r.c.Delete(key)
}

// Flush removes every entry in the region.
func (r *Region) Flush() {
	r.c.Flush()
}

// ItemCount returns the number of entries, including any expired ones not
// yet read.
func (r *Region) ItemCount() int {
	return r.c.ItemCount()
}
