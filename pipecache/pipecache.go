// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package pipecache caches driver.Pipeline objects so that two
// requests describing the same pipeline state share one driver
// object instead of each caller paying for a fresh compile. Grounded
// on spec §4.E and the get-or-insert/per-frame-sweep shape shared by
// hikari_render/src/descriptor.rs's CacheMap-style allocators.
package pipecache

import (
	"fmt"
	"hash/maphash"
	"math"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/gviegas/rendergraph/driver"
)

// entry pairs a built pipeline with whether it has been requested
// since the last NewFrame sweep.
type entry struct {
	pipeline driver.Pipeline
	touched  bool
}

// Cache builds and deduplicates driver.Pipeline objects. The zero
// value is not usable; construct one with New.
type Cache struct {
	gpu driver.GPU

	seed maphash.Seed

	mu    sync.Mutex
	graph map[uint64]*entry
	comp  map[uint64]*entry

	group singleflight.Group
}

// New returns a Cache that builds pipelines through gpu.
func New(gpu driver.GPU) *Cache {
	return &Cache{
		gpu:   gpu,
		seed:  maphash.MakeSeed(),
		graph: make(map[uint64]*entry),
		comp:  make(map[uint64]*entry),
	}
}

// Graphics returns the driver.Pipeline for state, building it only
// on a genuine cache miss. The cache key is the full PSV (shaders,
// vertex input, topology, rasterizer/depth-stencil/blend state) plus
// the destination render pass and subpass, since a graphics pipeline
// is only valid for the subpass it was created against.
func (c *Cache) Graphics(state driver.GraphState) (driver.Pipeline, error) {
	h := c.hashGraph(state)

	c.mu.Lock()
	e, ok := c.graph[h]
	c.mu.Unlock()
	if ok {
		c.mu.Lock()
		e.touched = true
		c.mu.Unlock()
		return e.pipeline, nil
	}

	v, err, _ := c.group.Do(fmt.Sprintf("graph:%d", h), func() (any, error) {
		c.mu.Lock()
		if e, ok := c.graph[h]; ok {
			e.touched = true
			c.mu.Unlock()
			return e.pipeline, nil
		}
		c.mu.Unlock()

		p, err := c.gpu.NewPipeline(&state)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.graph[h] = &entry{pipeline: p, touched: true}
		c.mu.Unlock()
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(driver.Pipeline), nil
}

// Compute returns the driver.Pipeline for state, keyed solely on the
// compute shader (state.Func), per spec §4.E: unlike a graphics
// pipeline, a compute pipeline carries no render-pass dependency, so
// two requests naming the same shader always collide regardless of
// what descriptor table state.Desc happens to be.
func (c *Cache) Compute(state driver.CompState) (driver.Pipeline, error) {
	h := c.hashFunc(state.Func)

	c.mu.Lock()
	e, ok := c.comp[h]
	c.mu.Unlock()
	if ok {
		c.mu.Lock()
		e.touched = true
		c.mu.Unlock()
		return e.pipeline, nil
	}

	v, err, _ := c.group.Do(fmt.Sprintf("comp:%d", h), func() (any, error) {
		c.mu.Lock()
		if e, ok := c.comp[h]; ok {
			e.touched = true
			c.mu.Unlock()
			return e.pipeline, nil
		}
		c.mu.Unlock()

		p, err := c.gpu.NewPipeline(&state)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.comp[h] = &entry{pipeline: p, touched: true}
		c.mu.Unlock()
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(driver.Pipeline), nil
}

// NewFrame destroys every pipeline not requested since the previous
// sweep and clears the touched flag of every survivor, matching the
// per-frame destroy-if-untouched discipline spec §4.E calls for.
func (c *Cache) NewFrame() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for h, e := range c.graph {
		if !e.touched {
			e.pipeline.Destroy()
			delete(c.graph, h)
			continue
		}
		e.touched = false
	}
	for h, e := range c.comp {
		if !e.touched {
			e.pipeline.Destroy()
			delete(c.comp, h)
			continue
		}
		e.touched = false
	}
}

// Destroy destroys every cached pipeline, graphics and compute.
func (c *Cache) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.graph {
		e.pipeline.Destroy()
	}
	for _, e := range c.comp {
		e.pipeline.Destroy()
	}
	c.graph = make(map[uint64]*entry)
	c.comp = make(map[uint64]*entry)
}

// quantize rounds f to two decimal places before hashing, so that
// IEEE noise in bias/clamp values computed two different ways does
// not split an otherwise-identical PSV into two cache entries. This
// mirrors spec §9's Design Note on float hashing in the PSV.
func quantize(f float32) int32 { return int32(math.Round(float64(f) * 100)) }

func (c *Cache) hashFunc(f driver.ShaderFunc) uint64 {
	var h maphash.Hash
	h.SetSeed(c.seed)
	fmt.Fprintf(&h, "%p:%s", f.Code, f.Name)
	return h.Sum64()
}

func (c *Cache) hashGraph(s driver.GraphState) uint64 {
	var h maphash.Hash
	h.SetSeed(c.seed)

	fmt.Fprintf(&h, "v=%p:%s;f=%p:%s;desc=%p;pass=%p;sub=%d;topo=%d;samples=%d;",
		s.VertFunc.Code, s.VertFunc.Name, s.FragFunc.Code, s.FragFunc.Name,
		s.Desc, s.Pass, s.Subpass, s.Topology, s.Samples)

	for _, in := range s.Input {
		fmt.Fprintf(&h, "in(%d,%d,%d,%s);", in.Format, in.Stride, in.Nr, in.Name)
	}

	r := s.Raster
	fmt.Fprintf(&h, "raster(%t,%d,%d,%t,%d,%d,%d);",
		r.Clockwise, r.Cull, r.Fill, r.DepthBias,
		quantize(r.BiasValue), quantize(r.BiasSlope), quantize(r.BiasClamp))

	ds := s.DS
	fmt.Fprintf(&h, "ds(%t,%t,%d,%t,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d);",
		ds.DepthTest, ds.DepthWrite, ds.DepthCmp, ds.StencilTest,
		ds.Front.DSFail[0], ds.Front.DSFail[1], ds.Front.Pass, ds.Front.ReadMask, ds.Front.WriteMask, ds.Front.Cmp,
		ds.Back.DSFail[0], ds.Back.DSFail[1], ds.Back.Pass, ds.Back.ReadMask, ds.Back.WriteMask, ds.Back.Cmp)

	fmt.Fprintf(&h, "blend(%t,%d);", s.Blend.IndependentBlend, len(s.Blend.Color))
	for _, cb := range s.Blend.Color {
		fmt.Fprintf(&h, "cb(%t,%d,%d,%d,%d,%d,%d,%d);",
			cb.Blend, cb.WriteMask, cb.Op[0], cb.Op[1],
			cb.SrcFac[0], cb.SrcFac[1], cb.DstFac[0], cb.DstFac[1])
	}

	return h.Sum64()
}
