// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package graph

import "github.com/gviegas/rendergraph/driver"

// allocationData is the physical-allocation counterpart of a
// compiled graph: one driver.RenderPass/Framebuf per graphics pass
// that does not present to the swapchain, and one set of barriers
// per pass in the flattened execution order. Grounded on
// hikari_render/src/graph/allocation.rs's AllocationData (the
// canonical version named in Design Note #2, as opposed to the
// vestigial graphy/src/graph/mod.rs AllocationData).
type allocationData struct {
	renderPass  []driver.RenderPass
	framebuf    []driver.Framebuf
	clear       [][]driver.ClearValue
	transitions [][]driver.Transition
	barriers    [][]driver.Barrier
}

// planAllocation builds barriers for every pass and render
// passes/framebuffers for every non-presenting graphics pass, in
// that order (barrier planning must see every pass up front, since
// it walks the full execution order threading prev/curr access
// sets through it).
func (g *Graph) planAllocation() error {
	n := len(g.passes)
	g.alloc = allocationData{
		renderPass:  make([]driver.RenderPass, n),
		framebuf:    make([]driver.Framebuf, n),
		clear:       make([][]driver.ClearValue, n),
		transitions: make([][]driver.Transition, n),
		barriers:    make([][]driver.Barrier, n),
	}
	g.planBarriers()
	for _, ix := range g.order {
		p := g.passes[ix]
		if p.Kind != KindGraphics || p.Present {
			continue
		}
		if err := g.createRenderPass(ix); err != nil {
			return err
		}
		if err := g.createFramebuffer(ix); err != nil {
			return err
		}
	}
	return nil
}

// resourceState is the previous-access record threaded across
// passes in execution order, per handle.
type resourceState struct {
	layout   driver.Layout
	accesses []AccessType
}

// isImageHazard is the conservative hazard predicate of spec §4.G:
// a transition is required whenever the target layout differs from
// the resource's current layout, or either the previous or the
// current access set contains a write. It never tries to prove two
// read-only accesses across different passes are safe to leave
// unsynchronized beyond the layout check.
func isImageHazard(prev resourceState, currLayout driver.Layout, curr []AccessType) bool {
	if prev.layout != currLayout {
		return true
	}
	for _, a := range prev.accesses {
		if a.IsWrite() {
			return true
		}
	}
	for _, a := range curr {
		if a.IsWrite() {
			return true
		}
	}
	return false
}

// isBufferHazard mirrors isImageHazard without the layout term,
// since buffers have no layout.
func isBufferHazard(prev resourceState, curr []AccessType) bool {
	for _, a := range prev.accesses {
		if a.IsWrite() {
			return true
		}
	}
	for _, a := range curr {
		if a.IsWrite() {
			return true
		}
	}
	return false
}

func mergeSyncAccess(accesses []AccessType) (driver.Sync, driver.Access) {
	var s driver.Sync
	var a driver.Access
	for _, acc := range accesses {
		ss, aa := acc.syncAndAccess()
		s |= ss
		a |= aa
	}
	return s, a
}

// currLayoutOf picks the layout implied by a pass's access set for a
// given handle. All accesses touching the same handle in the same
// pass are expected to agree on the layout they require; the first
// one found wins.
func currLayoutOf(accesses []AccessType) driver.Layout {
	for _, a := range accesses {
		if l := a.Layout(); l != driver.LUndefined {
			return l
		}
	}
	return driver.LUndefined
}

// planBarriers walks the execution order once, threading
// per-handle resourceState forward, and replaces prev with curr
// unconditionally after each pass regardless of whether a barrier
// was emitted — per allocation.rs's create_barriers.
func (g *Graph) planBarriers() {
	imgState := make(map[Handle]resourceState)
	bufState := make(map[Handle]resourceState)

	for i := range g.store.images {
		h := Handle{kind: kindImage, index: i}
		imgState[h] = resourceState{layout: g.store.images[i].config.InitialLayout}
	}

	for _, ix := range g.order {
		p := g.passes[ix]
		currImg := make(map[Handle][]AccessType)
		currBuf := make(map[Handle][]AccessType)

		for _, in := range p.Inputs {
			switch {
			case in.Handle.IsSwapchain():
				// the swapchain image's layout transitions are
				// synthesized per-frame in recordPresentPass,
				// since its concrete ImageView is not known until
				// ExecuteAndPresent acquires it.
			case in.Handle.IsImage():
				currImg[in.Handle] = append(currImg[in.Handle], in.Access)
			default:
				currBuf[in.Handle] = append(currBuf[in.Handle], in.Access)
			}
		}
		for _, out := range p.Outputs {
			switch {
			case out.Handle.IsSwapchain():
			case out.storage:
				currBuf[out.Handle] = append(currBuf[out.Handle], out.Access)
			default:
				currImg[out.Handle] = append(currImg[out.Handle], out.Access)
			}
		}

		var transitions []driver.Transition
		for h, accs := range currImg {
			prev := imgState[h]
			layout := currLayoutOf(accs)
			if isImageHazard(prev, layout, accs) {
				sb, ab := mergeSyncAccess(prev.accesses)
				sa, aa := mergeSyncAccess(accs)
				transitions = append(transitions, driver.Transition{
					Barrier: driver.Barrier{
						SyncBefore: sb, SyncAfter: sa,
						AccessBefore: ab, AccessAfter: aa,
					},
					LayoutBefore: prev.layout,
					LayoutAfter:  layout,
					IView:        g.store.View(h),
				})
			}
			imgState[h] = resourceState{layout: layout, accesses: accs}
		}

		var barriers []driver.Barrier
		for h, accs := range currBuf {
			prev := bufState[h]
			if isBufferHazard(prev, accs) {
				sb, ab := mergeSyncAccess(prev.accesses)
				sa, aa := mergeSyncAccess(accs)
				barriers = append(barriers, driver.Barrier{
					SyncBefore: sb, SyncAfter: sa,
					AccessBefore: ab, AccessAfter: aa,
				})
			}
			bufState[h] = resourceState{accesses: accs}
		}

		g.alloc.transitions[ix] = transitions
		g.alloc.barriers[ix] = barriers
	}
}

// createRenderPass builds the driver.RenderPass for a non-present
// graphics pass from its declared attachment outputs, grounded on
// allocation.rs's create_renderpass (attachments ordered by
// appearance, color attachments placed at their declared Location).
func (g *Graph) createRenderPass(ix int) error {
	p := g.passes[ix]

	maxLoc := -1
	for _, o := range p.Outputs {
		if o.draw && o.Attachment.Kind == AttachColor && o.Attachment.Location > maxLoc {
			maxLoc = o.Attachment.Location
		}
	}
	color := make([]int, maxLoc+1)
	for i := range color {
		color[i] = -1
	}
	ds := -1

	var atts []driver.Attachment
	var clears []driver.ClearValue

	for _, o := range p.Outputs {
		if !o.draw {
			continue
		}
		ir := &g.store.images[o.Handle.index]
		att := driver.Attachment{
			Format:  ir.config.Format,
			Samples: 1,
			Load:    [2]driver.LoadOp{o.Attachment.ColorLoad, o.Attachment.StencilLoad},
			Store:   [2]driver.StoreOp{o.Attachment.ColorStore, o.Attachment.StencilStore},
		}
		switch o.Attachment.Kind {
		case AttachColor:
			color[o.Attachment.Location] = len(atts)
			clears = append(clears, driver.ClearValue{})
		default:
			ds = len(atts)
			clears = append(clears, driver.ClearValue{Depth: 1})
		}
		atts = append(atts, att)
	}

	rp, err := g.gpu.NewRenderPass(atts, []driver.Subpass{{Color: color, DS: ds}})
	if err != nil {
		return err
	}
	g.alloc.renderPass[ix] = rp
	g.alloc.clear[ix] = clears
	return nil
}

// createFramebuffer builds the driver.Framebuf backing a
// non-present graphics pass's render pass, at the pass's resolved
// render area.
func (g *Graph) createFramebuffer(ix int) error {
	p := g.passes[ix]
	var views []driver.ImageView
	for _, o := range p.Outputs {
		if o.draw {
			views = append(views, g.store.View(o.Handle))
		}
	}
	dim := p.RenderArea.Resolve(g.refW, g.refH)
	fb, err := g.alloc.renderPass[ix].NewFB(views, dim.Width, dim.Height, 1)
	if err != nil {
		return err
	}
	g.alloc.framebuf[ix] = fb
	return nil
}

// freeAllocation destroys every render pass and framebuffer,
// deferred through the Store's deleter so in-flight frames are not
// disturbed.
func (g *Graph) freeAllocation() {
	for i := range g.alloc.renderPass {
		rp, fb := g.alloc.renderPass[i], g.alloc.framebuf[i]
		if rp == nil {
			continue
		}
		g.store.del.enqueue(func() {
			if fb != nil {
				fb.Destroy()
			}
			rp.Destroy()
		})
	}
}
