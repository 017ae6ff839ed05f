// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package descset allocates and reuses the individual heap copies
// backing a descriptor set layout across frames, so that binding a
// given resource state twice in a row (the common case: most draw
// calls rebind the same textures/buffers frame after frame) costs one
// lookup instead of a fresh Set call. Grounded on
// hikari_render/src/descriptor.rs's RawDescriptorSetAllocator and its
// TemporaryMap-based reuse scheme.
package descset

import (
	"fmt"
	"hash/maphash"

	"github.com/gviegas/rendergraph/driver"
)

// initialCount is the number of heap copies a freshly created
// Allocator starts with, and growCount is how many more it asks for
// each time the live set outgrows the heap. Unlike a Vulkan
// descriptor pool, driver.DescHeap.New invalidates every existing
// copy when called again, so growth is a full re-bind of everything
// still touched, not an incremental top-up.
const (
	initialCount = 64
	growCount    = 64
)

// ImageState is the value bound to one DImage/DTexture descriptor.
type ImageState struct {
	Views []driver.ImageView
}

// BufferState is the value bound to one DBuffer/DConstant descriptor.
type BufferState struct {
	Bufs []driver.Buffer
	Off  []int64
	Size []int64
}

// SamplerState is the value bound to one DSampler descriptor.
type SamplerState struct {
	Samplers []driver.Sampler
}

// State is the full binding content of one descriptor set instance,
// keyed by descriptor number (Descriptor.Nr). A State need only set
// the entries that its owning Allocator's layout actually declares;
// Allocator.hash and Allocator.write both iterate the layout, not the
// State, so unrelated map entries are ignored rather than rejected.
type State struct {
	Images   map[int]ImageState
	Buffers  map[int]BufferState
	Samplers map[int]SamplerState
}

// slot tracks one live heap copy: the index of the copy (the state
// hash is its key in live), and whether it has been requested again
// since the previous sweep.
type slot struct {
	copy    int
	touched bool
}

// Allocator hands out and recycles the heap copies of a single
// driver.DescHeap, one per distinct descriptor.Type/binding layout.
// The zero value is not usable; construct one with New.
type Allocator struct {
	gpu   driver.GPU
	descs []driver.Descriptor

	heap  driver.DescHeap
	count int

	seed maphash.Seed

	live     map[uint64]*slot
	freeList []int
}

// New returns an Allocator for a single descriptor set layout.
func New(gpu driver.GPU, descs []driver.Descriptor) (*Allocator, error) {
	heap, err := gpu.NewDescHeap(descs)
	if err != nil {
		return nil, err
	}
	a := &Allocator{
		gpu:   gpu,
		descs: append([]driver.Descriptor(nil), descs...),
		heap:  heap,
		seed:  maphash.MakeSeed(),
		live:  make(map[uint64]*slot),
	}
	if err := a.grow(initialCount); err != nil {
		heap.Destroy()
		return nil, err
	}
	return a, nil
}

// Destroy destroys the underlying heap.
func (a *Allocator) Destroy() {
	if a.heap != nil {
		a.heap.Destroy()
	}
}

// Get returns the heap copy index bound to state, allocating a slot
// and writing the bindings on a miss. The returned index is valid
// until the next call to NewFrame that finds it untouched.
func (a *Allocator) Get(state *State) (int, error) {
	h := a.hash(state)
	if s, ok := a.live[h]; ok {
		s.touched = true
		return s.copy, nil
	}

	cpy, evicted := a.claim()
	if !evicted {
		if err := a.growIfNeeded(); err != nil {
			return 0, err
		}
		cpy, _ = a.claim()
	}

	a.write(cpy, state)
	a.live[h] = &slot{copy: cpy, touched: true}
	return cpy, nil
}

// NewFrame sweeps the live set: slots not requested again since the
// previous sweep are released back to the free list, and the
// touched flag of every surviving slot is cleared for the next
// frame. Grounded on RawDescriptorSetAllocator::new_frame.
func (a *Allocator) NewFrame() {
	for h, s := range a.live {
		if !s.touched {
			delete(a.live, h)
			a.freeList = append(a.freeList, s.copy)
			continue
		}
		s.touched = false
	}
}

// claim pops a copy index off the free list, reporting whether one
// was available.
func (a *Allocator) claim() (int, bool) {
	if n := len(a.freeList); n > 0 {
		cpy := a.freeList[n-1]
		a.freeList = a.freeList[:n-1]
		return cpy, true
	}
	return 0, false
}

// growIfNeeded grows the heap when the free list is empty and no
// untouched slot can be evicted in its place. Pool growth retries
// allocation once against a freshly resized heap: since
// DescHeap.New invalidates every existing copy, every surviving live
// entry is dropped and must be rewritten on its next Get.
func (a *Allocator) growIfNeeded() error {
	for h, s := range a.live {
		if !s.touched {
			delete(a.live, h)
			a.freeList = append(a.freeList, s.copy)
			return nil
		}
	}
	return a.grow(a.count + growCount)
}

// grow resizes the heap to n copies, dropping every live slot since
// DescHeap.New invalidates all existing bindings.
func (a *Allocator) grow(n int) error {
	if err := a.heap.New(n); err != nil {
		return err
	}
	a.count = n

	a.freeList = a.freeList[:0]
	for i := 0; i < n; i++ {
		a.freeList = append(a.freeList, i)
	}
	a.live = make(map[uint64]*slot)

	return nil
}

// write updates heap copy cpy with state's bindings, iterating the
// layout in declaration order so every descriptor type's Set method
// is only ever called with the arguments that type expects.
func (a *Allocator) write(cpy int, state *State) {
	for _, d := range a.descs {
		switch d.Type {
		case driver.DBuffer, driver.DConstant:
			b := state.Buffers[d.Nr]
			a.heap.SetBuffer(cpy, d.Nr, 0, b.Bufs, b.Off, b.Size)
		case driver.DImage, driver.DTexture:
			im := state.Images[d.Nr]
			a.heap.SetImage(cpy, d.Nr, 0, im.Views)
		case driver.DSampler:
			sp := state.Samplers[d.Nr]
			a.heap.SetSampler(cpy, d.Nr, 0, sp.Samplers)
		}
	}
}

// hash computes a masked hash of state: only the bindings the
// layout actually declares contribute, matching
// DescriptorSetState::hash's use of for_each_bit_in_range over the
// owning layout's masks rather than over every possible binding.
func (a *Allocator) hash(state *State) uint64 {
	var h maphash.Hash
	h.SetSeed(a.seed)
	for _, d := range a.descs {
		fmt.Fprintf(&h, "|%d:", d.Nr)
		switch d.Type {
		case driver.DBuffer, driver.DConstant:
			b := state.Buffers[d.Nr]
			for i, buf := range b.Bufs {
				fmt.Fprintf(&h, "%p,%d,%d;", buf, b.Off[i], b.Size[i])
			}
		case driver.DImage, driver.DTexture:
			for _, v := range state.Images[d.Nr].Views {
				fmt.Fprintf(&h, "%p;", v)
			}
		case driver.DSampler:
			for _, s := range state.Samplers[d.Nr].Samplers {
				fmt.Fprintf(&h, "%p;", s)
			}
		}
	}
	return h.Sum64()
}

// Count returns the current number of heap copies.
func (a *Allocator) Count() int { return a.count }

// Heap returns the underlying descriptor heap, for use in a
// driver.GPU.NewDescTable call alongside the heaps of the set's
// sibling layouts.
func (a *Allocator) Heap() driver.DescHeap { return a.heap }
