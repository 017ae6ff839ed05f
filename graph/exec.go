// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package graph

import (
	"errors"

	"github.com/gviegas/rendergraph/driver"
)

// ErrSwapchainOutOfDate is returned by ExecuteAndPresent when the
// swapchain can no longer be used for presentation. The caller
// should call Resize (which recreates the swapchain-dependent
// allocation) and retry. Grounded on runtime.rs's submit_and_present,
// which only logs ERROR_OUT_OF_DATE_KHR/suboptimal; spec §7 requires
// this to be a typed, recoverable error, which this expansion
// follows (see DESIGN.md "Other resolved ambiguities").
var ErrSwapchainOutOfDate = errors.New("graph: swapchain out of date")

// frameData is the per-in-flight-frame executor state: one command
// buffer, reused across frames, and the channel GPU.Commit signals
// when the GPU is done with it. Grounded on runtime.rs's FrameData,
// generalized from an explicit fence/semaphore pair to the driver
// package's channel-based GPU.Commit contract.
type frameData struct {
	cmd     driver.CmdBuffer
	done    chan error
	pending bool
}

// presentAllocation is the allocation state for the unique pass
// that presents to a swapchain: one render pass (compatible with
// every swapchain view) and one framebuffer per swapchain view,
// built lazily on first use and torn down on Resize/Destroy.
type presentAllocation struct {
	pass  driver.RenderPass
	fbs   []driver.Framebuf
	views []driver.ImageView
	clear []driver.ClearValue
}

// initFrameState allocates the two command buffers backing the
// 2-frame-deep executor and locates the graph's present pass, if
// any. Called once by Builder.Build.
func (g *Graph) initFrameState() error {
	for i := range g.frames {
		cmd, err := g.gpu.NewCmdBuffer()
		if err != nil {
			return err
		}
		g.frames[i] = frameData{cmd: cmd}
	}
	g.presentIx = -1
	for i, p := range g.passes {
		if p.Present {
			g.presentIx = i
		}
	}
	return nil
}

// beginFrame waits for the frame slot's previous commit to finish
// (if any), drains the deferred-deletion queue now that the GPU is
// guaranteed done with anything freed two frames ago, and prepares
// the slot's command buffer for recording.
func (g *Graph) beginFrame() (*frameData, error) {
	fs := &g.frames[g.frameNr%2]
	if fs.pending {
		if err := <-fs.done; err != nil {
			return nil, err
		}
		fs.pending = false
		g.store.del.drain()
	}
	if err := fs.cmd.Reset(); err != nil {
		return nil, err
	}
	if err := fs.cmd.Begin(); err != nil {
		return nil, err
	}
	return fs, nil
}

// commitFrame submits the slot's command buffer, advances the frame
// counter, and ticks the descriptor-set/pipeline caches (spec §4.H
// step 8): anything not requested again this frame is reclaimed.
func (g *Graph) commitFrame(fs *frameData) {
	fs.done = make(chan error, 1)
	g.gpu.Commit([]driver.CmdBuffer{fs.cmd}, fs.done)
	fs.pending = true
	g.frameNr++
	g.store.tickCaches()
}

// recordPass replays the planned barriers for ix and invokes the
// pass's record callback within the appropriate BeginPass/EndPass
// or BeginWork/EndWork block.
func (g *Graph) recordPass(cb driver.CmdBuffer, ix int, args any) {
	if ts := g.alloc.transitions[ix]; len(ts) > 0 {
		cb.Transition(ts)
	}
	if bs := g.alloc.barriers[ix]; len(bs) > 0 {
		cb.Barrier(bs)
	}
	p := g.passes[ix]
	switch p.Kind {
	case KindGraphics:
		dim := p.RenderArea.Resolve(g.refW, g.refH)
		cb.BeginPass(g.alloc.renderPass[ix], g.alloc.framebuf[ix], g.alloc.clear[ix])
		p.Record(cb, g.store, PassRecordInfo{Width: dim.Width, Height: dim.Height}, args)
		cb.EndPass()
	case KindCompute:
		cb.BeginWork(false)
		p.Record(cb, g.store, PassRecordInfo{Width: g.refW, Height: g.refH}, args)
		cb.EndWork()
	}
}

// Execute runs the graph for one frame, threading args through to
// every pass's record callback (spec §6's Graph::execute(gfx, args)).
// It must not be called on a graph whose terminal pass presents to a
// swapchain; use ExecuteAndPresent for that case.
func (g *Graph) Execute(args any) error {
	if g.presentIx >= 0 {
		return errors.New("graph: Execute called on a graph with a present pass, use ExecuteAndPresent")
	}
	fs, err := g.beginFrame()
	if err != nil {
		return err
	}
	for _, ix := range g.order {
		g.recordPass(fs.cmd, ix, args)
	}
	if err := fs.cmd.End(); err != nil {
		return err
	}
	g.commitFrame(fs)
	return nil
}

// ExecuteAndPresent runs the graph for one frame, threading args
// through to every pass's record callback, and presents the result
// through sc. Grounded on runtime.rs's execute_and_present; the args
// parameter implements spec §6's Graph::execute_and_present(gfx, args).
func (g *Graph) ExecuteAndPresent(sc driver.Swapchain, args any) error {
	if g.presentIx < 0 {
		return errors.New("graph: ExecuteAndPresent called on a graph with no present pass")
	}
	if err := g.ensurePresentAllocation(sc); err != nil {
		return err
	}

	fs, err := g.beginFrame()
	if err != nil {
		return err
	}

	idx, err := sc.Next(fs.cmd)
	if err != nil {
		if errors.Is(err, driver.ErrSwapchain) {
			return ErrSwapchainOutOfDate
		}
		return err
	}

	for _, ix := range g.order {
		if ix == g.presentIx {
			g.recordPresentPass(fs.cmd, idx, args)
			continue
		}
		g.recordPass(fs.cmd, ix, args)
	}

	if err := fs.cmd.End(); err != nil {
		return err
	}
	g.commitFrame(fs)

	if err := sc.Present(idx, fs.cmd); err != nil {
		if errors.Is(err, driver.ErrSwapchain) {
			return ErrSwapchainOutOfDate
		}
		return err
	}
	return nil
}

// recordPresentPass records the present pass's transitions and
// draw commands against the swapchain view acquired this frame.
// The transition to/from LPresent cannot be planned statically at
// Build time (the concrete ImageView changes every frame), so it
// is synthesized here instead of going through g.alloc.transitions.
func (g *Graph) recordPresentPass(cb driver.CmdBuffer, viewIdx int, args any) {
	p := g.passes[g.presentIx]
	view := g.presentAlloc.views[viewIdx]

	cb.Transition([]driver.Transition{{
		Barrier:      driver.Barrier{SyncAfter: driver.SColorOutput, AccessAfter: driver.AColorWrite},
		LayoutBefore: driver.LUndefined,
		LayoutAfter:  driver.LColorTarget,
		IView:        view,
	}})

	dim := p.RenderArea.Resolve(g.refW, g.refH)
	cb.BeginPass(g.presentAlloc.pass, g.presentAlloc.fbs[viewIdx], g.presentAlloc.clear)
	p.Record(cb, g.store, PassRecordInfo{Width: dim.Width, Height: dim.Height}, args)
	cb.EndPass()

	cb.Transition([]driver.Transition{{
		Barrier:      driver.Barrier{SyncBefore: driver.SColorOutput, AccessBefore: driver.AColorWrite},
		LayoutBefore: driver.LColorTarget,
		LayoutAfter:  driver.LPresent,
		IView:        view,
	}})
}

// ensurePresentAllocation lazily builds the present pass's render
// pass and one framebuffer per swapchain view. It is a no-op after
// the first call, until Resize clears it.
func (g *Graph) ensurePresentAllocation(sc driver.Swapchain) error {
	if g.presentAlloc.pass != nil {
		return nil
	}
	p := g.passes[g.presentIx]
	views := sc.Views()

	maxLoc := -1
	ds := -1
	for _, o := range p.Outputs {
		if o.draw && o.Attachment.Kind == AttachColor && o.Attachment.Location > maxLoc {
			maxLoc = o.Attachment.Location
		}
	}
	color := make([]int, maxLoc+1)
	for i := range color {
		color[i] = -1
	}

	var atts []driver.Attachment
	var clears []driver.ClearValue
	// swapchainAtt records which attachment slot is backed by the
	// per-frame acquired view, so framebuffers can substitute it.
	swapchainAtt := -1

	for _, o := range p.Outputs {
		if !o.draw {
			continue
		}
		format := sc.Format()
		if !o.Handle.IsSwapchain() {
			format = g.store.images[o.Handle.index].config.Format
		}
		att := driver.Attachment{
			Format:  format,
			Samples: 1,
			Load:    [2]driver.LoadOp{o.Attachment.ColorLoad, o.Attachment.StencilLoad},
			Store:   [2]driver.StoreOp{o.Attachment.ColorStore, o.Attachment.StencilStore},
		}
		switch o.Attachment.Kind {
		case AttachColor:
			color[o.Attachment.Location] = len(atts)
			clears = append(clears, driver.ClearValue{})
			if o.Handle.IsSwapchain() {
				swapchainAtt = len(atts)
			}
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

	fbs := make([]driver.Framebuf, len(views))
	dim := p.RenderArea.Resolve(g.refW, g.refH)
	for i, v := range views {
		iv := make([]driver.ImageView, len(atts))
		// Fill iv in attachment order, substituting the swapchain
		// attachment slot with this view's ImageView.
		slot := 0
		for _, o := range p.Outputs {
			if !o.draw {
				continue
			}
			if slot == swapchainAtt {
				iv[slot] = v
			} else {
				iv[slot] = g.store.View(o.Handle)
			}
			slot++
		}
		fb, err := rp.NewFB(iv, dim.Width, dim.Height, 1)
		if err != nil {
			return err
		}
		fbs[i] = fb
	}

	g.presentAlloc = presentAllocation{pass: rp, fbs: fbs, views: views, clear: clears}
	return nil
}

// freePresentAllocation tears down the present pass's render pass
// and framebuffers, deferred through the deleter.
func (g *Graph) freePresentAllocation() {
	if g.presentAlloc.pass == nil {
		return
	}
	pass, fbs := g.presentAlloc.pass, g.presentAlloc.fbs
	g.store.del.enqueue(func() {
		for _, fb := range fbs {
			fb.Destroy()
		}
		pass.Destroy()
	})
	g.presentAlloc = presentAllocation{}
}

// Resize recreates every image-backed resource and the allocation
// planned from them against the new reference size. sc may be nil
// for graphs with no present pass.
func (g *Graph) Resize(refW, refH int, sc driver.Swapchain) error {
	for i := range g.frames {
		fs := &g.frames[i]
		if fs.pending {
			if err := <-fs.done; err != nil {
				return err
			}
			fs.pending = false
		}
	}
	g.store.del.drain()

	g.freeAllocation()
	g.freePresentAllocation()
	g.store.free()
	g.store.del.drain()

	g.refW, g.refH = refW, refH
	if err := g.store.create(g.gpu, refW, refH); err != nil {
		return err
	}
	if err := g.planAllocation(); err != nil {
		return err
	}
	if sc != nil {
		if err := g.ensurePresentAllocation(sc); err != nil {
			return err
		}
	}
	return nil
}

// PrepareExit waits for every in-flight frame to finish and drains
// the deferred-deletion queue, leaving the graph safe to Destroy.
func (g *Graph) PrepareExit() {
	for i := range g.frames {
		fs := &g.frames[i]
		if fs.pending {
			<-fs.done
			fs.pending = false
		}
	}
	g.store.del.drain()
}

// Destroy releases every GPU resource owned by the graph. The
// caller must ensure no frame is in flight, e.g. by calling
// PrepareExit first.
func (g *Graph) Destroy() {
	g.PrepareExit()
	g.freeAllocation()
	g.freePresentAllocation()
	g.store.free()
	g.store.freeCaches()
	g.store.del.drain()
	for i := range g.frames {
		g.frames[i].cmd.Destroy()
	}
}
