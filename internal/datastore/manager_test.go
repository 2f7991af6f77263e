package datastore

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_RegionCreatedOnDemand(t *testing.T) {
	t.Parallel()

	m := NewManager(zerolog.Nop())

	r1 := m.Region("species")
	r2 := m.Region("species")
	assert.Same(t, r1, r2, "repeated lookups should return the same region")
	assert.Equal(t, "species", r1.Name())

	m.Region("weather")
	assert.Equal(t, []string{"species", "weather"}, m.Names())
}

func TestRegion_SetGetDelete(t *testing.T) {
	t.Parallel()

	r := NewManager(zerolog.Nop()).Region("lookup")

	r.Set("k1", 42)
	v, ok := r.Get("k1")
	require.True(t, ok)
	assert.Equal(t, 42, v)

	r.Delete("k1")
	_, ok = r.Get("k1")
	assert.False(t, ok, "deleted entry should be gone")
}

func TestRegion_SetTTL(t *testing.T) {
	t.Parallel()

	r := NewManager(zerolog.Nop()).Region("ttl")
	r.SetTTL("ephemeral", "v", 10*time.Millisecond)

	_, ok := r.Get("ephemeral")
	require.True(t, ok)

	time.Sleep(30 * time.Millisecond)
	_, ok = r.Get("ephemeral")
	assert.False(t, ok, "entry should expire after its TTL")
}

func TestManager_EvictAll(t *testing.T) {
	m := NewManager(zerolog.Nop())

	species := m.Region("species")
	weather := m.Region("weather")
	species.Set("robin", 1)
	species.Set("wren", 2)
	weather.Set("today", "rain")
	require.Equal(t, 3, m.ItemCount())

	// An attached session must survive eviction with a warm statement cache.
	s := setupTestSession(t)
	require.NoError(t, s.Gorm().Create(&specimen{Name: "owl"}).Error)
	m.Attach(s)

	m.EvictAll()

	assert.Zero(t, m.ItemCount(), "all regions should be empty after eviction")
	_, ok := species.Get("robin")
	assert.False(t, ok)

	var got []specimen
	require.NoError(t, s.Gorm().Find(&got).Error,
		"session should keep working after eviction")
	assert.Len(t, got, 1)
}

func TestManager_EvictAllWithoutSession(t *testing.T) {
	t.Parallel()

	m := NewManager(zerolog.Nop())
	m.Region("solo").Set("k", "v")

	// No session attached; eviction should still flush regions.
	m.EvictAll()
	assert.Zero(t, m.ItemCount())
}
