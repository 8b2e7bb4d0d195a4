// Package cache models cache timing on top of the Akita cache directory. It
// tracks tags, LRU order and dirty state only; data lives in emu.Memory and
// the functional engine reads it from there.
package cache

import (
	"errors"
	"fmt"

	akitacache "github.com/sarchlab/akita/v4/mem/cache"
)

// ErrGeometry is returned by Validate for a size that does not divide into
// whole sets.
var ErrGeometry = errors.New("invalid cache geometry")

// Config is the geometry and timing of one cache level. Latencies are in
// cycles; MissLatency covers the trip to memory.
type Config struct {
	Size          int    `yaml:"size"`
	Associativity int    `yaml:"associativity"`
	BlockSize     int    `yaml:"block_size"`
	HitLatency    uint64 `yaml:"hit_latency"`
	MissLatency   uint64 `yaml:"miss_latency"`
}

// DefaultL1IConfig is the base core's instruction cache: 64KB, 4-way.
func DefaultL1IConfig() Config {
	return Config{
		Size:          64 << 10,
		Associativity: 4,
		BlockSize:     64,
		HitLatency:    1,
		MissLatency:   100,
	}
}

// DefaultL1DConfig is the base core's data cache: 64KB, 8-way.
func DefaultL1DConfig() Config {
	return Config{
		Size:          64 << 10,
		Associativity: 8,
		BlockSize:     64,
		HitLatency:    3,
		MissLatency:   100,
	}
}

// Sets returns the number of sets the geometry yields.
func (c Config) Sets() int {
	if c.Associativity <= 0 || c.BlockSize <= 0 {
		return 0
	}
	return c.Size / (c.Associativity * c.BlockSize)
}

// Validate checks that the geometry describes at least one whole set.
func (c Config) Validate() error {
	sets := c.Sets()
	if sets == 0 || sets*c.Associativity*c.BlockSize != c.Size {
		return fmt.Errorf("%w: %d bytes, %d-way, %dB lines",
			ErrGeometry, c.Size, c.Associativity, c.BlockSize)
	}
	return nil
}

// StoreForwardLatency is added to a load of the address the last store
// wrote.
const StoreForwardLatency uint64 = 1

// AccessResult describes one access.
type AccessResult struct {
	Hit     bool
	Latency uint64

	// Evicted is set when the fill replaced a valid line at EvictedAddr.
	Evicted     bool
	EvictedAddr uint64
	Writeback   bool
}

// Statistics counts accesses since the last Reset.
type Statistics struct {
	Reads      uint64
	Writes     uint64
	Hits       uint64
	Misses     uint64
	Evictions  uint64
	Writebacks uint64
}

// Cache is a timing-only, write-allocate cache.
type Cache struct {
	cfg   Config
	dir   *akitacache.DirectoryImpl
	stats Statistics

	lastStore      uint64
	lastStoreValid bool
}

// New creates a cache. The Config must pass Validate.
func New(cfg Config) *Cache {
	return &Cache{
		cfg: cfg,
		dir: akitacache.NewDirectory(cfg.Sets(), cfg.Associativity,
			cfg.BlockSize, akitacache.NewLRUVictimFinder()),
	}
}

// Stats returns the counters.
func (c *Cache) Stats() Statistics {
	return c.stats
}

// Read models a load from addr.
func (c *Cache) Read(addr uint64) AccessResult {
	c.stats.Reads++
	r := c.access(addr, false)
	if r.Hit && c.lastStoreValid && c.lastStore == addr {
		r.Latency += StoreForwardLatency
		c.lastStoreValid = false
	}
	return r
}

// Write models a store to addr.
func (c *Cache) Write(addr uint64) AccessResult {
	c.stats.Writes++
	c.lastStore, c.lastStoreValid = addr, true
	return c.access(addr, true)
}

func (c *Cache) line(addr uint64) uint64 {
	return addr - addr%uint64(c.cfg.BlockSize)
}

func (c *Cache) access(addr uint64, write bool) AccessResult {
	line := c.line(addr)

	if b := c.dir.Lookup(0, line); b != nil && b.IsValid {
		c.stats.Hits++
		c.dir.Visit(b)
		if write {
			b.IsDirty = true
		}
		return AccessResult{Hit: true, Latency: c.cfg.HitLatency}
	}

	c.stats.Misses++
	r := AccessResult{Latency: c.cfg.MissLatency}

	victim := c.dir.FindVictim(line)
	if victim == nil {
		return r
	}
	if victim.IsValid {
		c.stats.Evictions++
		r.Evicted, r.EvictedAddr = true, victim.Tag
		if victim.IsDirty {
			c.stats.Writebacks++
			r.Writeback = true
		}
	}

	victim.Tag = line
	victim.IsValid = true
	victim.IsDirty = write
	c.dir.Visit(victim)

	return r
}

// Invalidate drops the line holding addr without a writeback.
func (c *Cache) Invalidate(addr uint64) {
	if b := c.dir.Lookup(0, c.line(addr)); b != nil {
		b.IsValid, b.IsDirty = false, false
	}
}

// Flush invalidates every line. Dirty lines count as writebacks.
func (c *Cache) Flush() {
	for _, set := range c.dir.GetSets() {
		for _, b := range set.Blocks {
			if b.IsValid && b.IsDirty {
				c.stats.Writebacks++
			}
			b.IsValid, b.IsDirty = false, false
		}
	}
	c.lastStoreValid = false
}

// Reset empties the cache and clears the counters.
func (c *Cache) Reset() {
	c.dir.Reset()
	c.stats = Statistics{}
	c.lastStore, c.lastStoreValid = 0, false
}
