// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package playout caches the descriptor heaps and descriptor tables
// that back a compiled shader's resource layout, deduplicating
// structurally identical layouts across unrelated shaders so they
// share one driver.DescHeap/driver.DescTable pair instead of each
// shader paying for its own. Grounded on
// hikari_render/src/shader/mod.rs's PipelineLayout::new
// (generate_descriptor_set_layouts) and descriptor.rs's
// DescriptorSetLayoutCache.
package playout

import (
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/gviegas/rendergraph/driver"
	"github.com/gviegas/rendergraph/internal/bitm"
)

// MaxSets is the highest number of descriptor sets a single shader
// may declare, matching hikari_render's MAX_DESCRIPTOR_SETS.
const MaxSets = 4

// MaxBindingsPerSet is the highest binding number (Descriptor.Nr)
// a single set may declare, matching hikari_render's
// MAX_BINDINGS_PER_SET.
const MaxBindingsPerSet = 16

// Binding is one descriptor binding reflected from a compiled
// shader module.
type Binding struct {
	Set  int
	Nr   int
	Type driver.DescType
	Len  int
}

// Reflection is the reflection metadata of a single shader stage.
// The core never parses SPIR-V itself; callers extract this from
// their own reflection step and hand it to Cache.Table.
type Reflection struct {
	Stage    driver.Stage
	Bindings []Binding
}

// setKey is the structural description of one descriptor set: which
// bindings are present (via a presence bitmap built with bitm.Bitm),
// and each present binding's type/length/combined stage visibility.
// Two shaders that reflect to the same setKey share one DescHeap.
type setKey struct {
	mask   uint32
	types  [MaxBindingsPerSet]driver.DescType
	lens   [MaxBindingsPerSet]int
	stages [MaxBindingsPerSet]driver.Stage
}

// Cache builds and deduplicates driver.DescHeap/driver.DescTable
// instances from per-stage reflection data. The zero value is not
// usable; construct one with New.
type Cache struct {
	gpu driver.GPU

	mu    sync.Mutex
	heaps map[setKey]driver.DescHeap

	tmu    sync.Mutex
	tables map[string]driver.DescTable

	group singleflight.Group
}

// New returns a Cache that allocates descriptor heaps/tables
// through gpu.
func New(gpu driver.GPU) *Cache {
	return &Cache{
		gpu:    gpu,
		heaps:  make(map[setKey]driver.DescHeap),
		tables: make(map[string]driver.DescTable),
	}
}

// Table returns the driver.DescTable for the resource layout
// implied by refl, building it (or any of its constituent
// DescHeaps) only on a genuine cache miss. Concurrent calls that
// miss on the same layout are folded into a single build via
// singleflight, per spec.md §5's "builder paths contend" guidance.
func (c *Cache) Table(refl []Reflection) (driver.DescTable, error) {
	keys, nset, err := buildSetKeys(refl)
	if err != nil {
		return nil, err
	}

	heaps := make([]driver.DescHeap, nset)
	for set := 0; set < nset; set++ {
		h, err := c.heap(keys[set])
		if err != nil {
			return nil, err
		}
		heaps[set] = h
	}

	return c.table(heaps)
}

// heap returns the cached DescHeap for key, building it on a miss.
func (c *Cache) heap(key setKey) (driver.DescHeap, error) {
	c.mu.Lock()
	h, ok := c.heaps[key]
	c.mu.Unlock()
	if ok {
		return h, nil
	}

	v, err, _ := c.group.Do(fmt.Sprintf("heap:%+v", key), func() (any, error) {
		c.mu.Lock()
		if h, ok := c.heaps[key]; ok {
			c.mu.Unlock()
			return h, nil
		}
		c.mu.Unlock()

		h, err := c.gpu.NewDescHeap(descriptorsOf(key))
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.heaps[key] = h
		c.mu.Unlock()
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(driver.DescHeap), nil
}

// table returns the cached DescTable for an ordered list of heaps,
// building it on a miss. The key is the heaps' addresses, not their
// structural content, since driver.DescHeap carries no Stringer and
// two heaps with identical content but built at different times
// must still only ever be combined once.
func (c *Cache) table(heaps []driver.DescHeap) (driver.DescTable, error) {
	key := fmt.Sprintf("%d", len(heaps))
	for _, h := range heaps {
		key += fmt.Sprintf(",%p", h)
	}

	c.tmu.Lock()
	t, ok := c.tables[key]
	c.tmu.Unlock()
	if ok {
		return t, nil
	}

	v, err, _ := c.group.Do("table:"+key, func() (any, error) {
		c.tmu.Lock()
		if t, ok := c.tables[key]; ok {
			c.tmu.Unlock()
			return t, nil
		}
		c.tmu.Unlock()

		t, err := c.gpu.NewDescTable(heaps)
		if err != nil {
			return nil, err
		}

		c.tmu.Lock()
		c.tables[key] = t
		c.tmu.Unlock()
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(driver.DescTable), nil
}

// Destroy destroys every cached heap and table. The Cache must not
// be used afterward.
func (c *Cache) Destroy() {
	c.tmu.Lock()
	for _, t := range c.tables {
		t.Destroy()
	}
	c.tables = make(map[string]driver.DescTable)
	c.tmu.Unlock()

	c.mu.Lock()
	for _, h := range c.heaps {
		h.Destroy()
	}
	c.heaps = make(map[setKey]driver.DescHeap)
	c.mu.Unlock()
}

// descriptorsOf expands a setKey back into the driver.Descriptor
// list NewDescHeap expects.
func descriptorsOf(key setKey) []driver.Descriptor {
	var ds []driver.Descriptor
	for nr := 0; nr < MaxBindingsPerSet; nr++ {
		if key.mask&(1<<nr) == 0 {
			continue
		}
		ds = append(ds, driver.Descriptor{
			Type:   key.types[nr],
			Stages: key.stages[nr],
			Nr:     nr,
			Len:    key.lens[nr],
		})
	}
	return ds
}

// buildSetKeys merges every stage's reflected bindings into one
// setKey per set, and returns the dense set count (the Vulkan
// descriptor-set-layout array has no notion of a "gap", so every
// set index up to the highest declared one gets an entry, empty or
// not). Grounded on generate_descriptor_set_layouts, which merges
// the stage_flags of a binding declared by more than one stage and
// rejects a binding whose type or count disagrees across stages.
func buildSetKeys(refl []Reflection) (keys [MaxSets]setKey, nset int, err error) {
	present := make([]bitm.Bitm[uint32], MaxSets)
	for i := range present {
		present[i].Grow(1)
	}

	for _, r := range refl {
		for _, b := range r.Bindings {
			if b.Set < 0 || b.Set >= MaxSets {
				return keys, 0, fmt.Errorf("playout: set %d exceeds MaxSets (%d)", b.Set, MaxSets)
			}
			if b.Nr < 0 || b.Nr >= MaxBindingsPerSet {
				return keys, 0, fmt.Errorf("playout: binding %d exceeds MaxBindingsPerSet (%d)", b.Nr, MaxBindingsPerSet)
			}
			k := &keys[b.Set]
			if present[b.Set].IsSet(b.Nr) {
				if k.types[b.Nr] != b.Type || k.lens[b.Nr] != b.Len {
					return keys, 0, fmt.Errorf("playout: set %d binding %d disagrees across stages", b.Set, b.Nr)
				}
				k.stages[b.Nr] |= r.Stage
				continue
			}
			present[b.Set].Set(b.Nr)
			k.mask |= 1 << b.Nr
			k.types[b.Nr] = b.Type
			k.lens[b.Nr] = b.Len
			k.stages[b.Nr] = r.Stage
			if b.Set+1 > nset {
				nset = b.Set + 1
			}
		}
	}
	return keys, nset, nil
}
