// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package graph

import "sync"

// deleter is the deferred-deletion queue of spec §5: resource
// drops never destroy GPU objects immediately. They enqueue a
// closure here; the executor drains the queue once per frame,
// right after waiting on that frame slot's fence, at which point
// the GPU is guaranteed to no longer reference the objects.
//
// Grounded on the Delete(kind, handle, allocation) pattern used
// throughout buffer.rs and sampled_image.rs's Drop impls.
type deleter struct {
	mu      sync.Mutex
	pending []func()
}

func newDeleter() *deleter { return &deleter{} }

// enqueue schedules fn to run on the next drain.
func (d *deleter) enqueue(fn func()) {
	d.mu.Lock()
	d.pending = append(d.pending, fn)
	d.mu.Unlock()
}

// drain runs and clears every pending deletion.
func (d *deleter) drain() {
	d.mu.Lock()
	pending := d.pending
	d.pending = nil
	d.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}
