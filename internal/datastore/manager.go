package datastore

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Manager tracks every cache region and the ORM session so the fixture can
// wipe derived state in one call when the database is rolled back.
type Manager struct {
	mu      sync.RWMutex
	regions map[string]*Region
	session *Session
	log     zerolog.Logger
}

// NewManager creates an empty manager.
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{
		regions: make(map[string]*Region),
		log:     log.With().Str("component", "cache").Logger(),
	}
}

// Region returns the named region, creating it on first use. Regions are
// never removed; a region handle stays valid for the life of the manager.
func (m *Manager) Region(name string) *Region {
	m.mu.RLock()
	r, ok := m.regions[name]
	m.mu.RUnlock()
	if ok {
		return r
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.regions[name]; ok {
		return r
	}
	r = newRegion(name)
	m.regions[name] = r
	m.log.Debug().Str("region", name).Msg("cache region created")
	return r
}

// Attach registers the ORM session whose prepared statements are reset
// alongside cache eviction.
func (m *Manager) Attach(s *Session) {
	m.mu.Lock()
	m.session = s
	m.mu.Unlock()
}

// EvictAll flushes every region and resets the attached session's prepared
// statements. Called by the fixture after each database reset.
func (m *Manager) EvictAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	evicted := 0
	for _, r := range m.regions {
		evicted += r.ItemCount()
		r.Flush()
	}
	if m.session != nil {
		m.session.ResetStatements()
	}
	m.log.Debug().Int("regions", len(m.regions)).Int("entries", evicted).Msg("caches evicted")
}

// Names returns the region names in sorted order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.regions))
	for name := range m.regions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ItemCount returns the total number of entries across all regions.
func (m *Manager) ItemCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := 0
	for _, r := range m.regions {
		total += r.ItemCount()
	}
	return total
}
