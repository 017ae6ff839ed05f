// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package graph

import (
	"fmt"
	"hash/maphash"
	"log"
	"sync"

	"github.com/gviegas/rendergraph/descset"
	"github.com/gviegas/rendergraph/driver"
	"github.com/gviegas/rendergraph/pipecache"
	"github.com/gviegas/rendergraph/playout"
)

// viewKey identifies a specialized image view (a subset of an
// image's layers/levels, or a reinterpreted ViewType such as a cube
// face), so that repeated requests for the same range share one
// driver.ImageView rather than leaking a new one per call.
type viewKey struct {
	typ           driver.ViewType
	layer, layers int
	level, levels int
}

// imageRes is the concrete resource backing an image Handle.
type imageRes struct {
	name   string
	config ImageConfig
	size   ImageSize
	dim    driver.Dim3D
	img    driver.Image
	view   driver.ImageView   // whole image: every layer, every level
	views  []driver.ImageView // one per mip level, every layer
	splr   driver.Sampler

	// readback is the host-visible buffer backing level 0/layer 0
	// of the image when config.HostReadable is set, populated on
	// request by Store.DownloadImage. Nil otherwise.
	readback driver.Buffer

	viewMu    sync.Mutex
	viewCache map[viewKey]driver.ImageView
}

// bufferRes is the concrete resource backing a buffer Handle.
type bufferRes struct {
	name string
	buf  driver.Buffer
}

// Store is the graph-lifetime owner of concrete images and
// buffers, indexed by Handle. It implements the "resource store"
// of Design Note #1: consumers only ever hold Handles (an index
// into the store), never the underlying driver objects directly,
// so destruction can be deferred safely past the point where the
// last Go-level reference disappears.
type Store struct {
	gpu      driver.GPU
	images   []imageRes
	buffers  []bufferRes
	samplers samplerCache
	del      *deleter

	// playout, pipelines and descAllocs are the three spec §4.H
	// caches the executor holds and ticks once per frame
	// (commitFrame in exec.go): the pipeline-layout/set-layout
	// cache, the graphics/compute pipeline cache, and one
	// descriptor-set Allocator per distinct set layout a record
	// callback has requested so far.
	playout   *playout.Cache
	pipelines *pipecache.Cache

	descSeed   maphash.Seed
	descMu     sync.Mutex
	descAllocs map[uint64]*descset.Allocator
}

// Image returns the driver.Image backing h.
func (s *Store) Image(h Handle) driver.Image {
	if !h.IsImage() {
		panic("graph: handle does not name an image")
	}
	return s.images[h.index].img
}

// View returns the driver.ImageView backing h.
func (s *Store) View(h Handle) driver.ImageView {
	if !h.IsImage() {
		panic("graph: handle does not name an image")
	}
	return s.images[h.index].view
}

// Sampler returns the driver.Sampler bound to h, if any.
func (s *Store) Sampler(h Handle) driver.Sampler {
	if !h.IsImage() {
		panic("graph: handle does not name an image")
	}
	return s.images[h.index].splr
}

// MipView returns the image view covering every layer of a single
// mip level of h, built once alongside the whole-image view. A pass
// that samples one specific mip (e.g. a downsample pass reading the
// level generated before it) uses this instead of View.
func (s *Store) MipView(h Handle, level int) driver.ImageView {
	if !h.IsImage() {
		panic("graph: handle does not name an image")
	}
	return s.images[h.index].views[level]
}

// SpecializedView returns an image view over an arbitrary
// layer/level range of h, such as a single cube face or a
// contiguous mip range, building and caching one on first request.
// Grounded on spec §4.D's view cache requirement: basic views (the
// whole-image view and MipView's per-mip views) are built eagerly,
// specialized views are built lazily and keyed by their parameters.
func (s *Store) SpecializedView(h Handle, typ driver.ViewType, layer, layers, level, levels int) (driver.ImageView, error) {
	if !h.IsImage() {
		panic("graph: handle does not name an image")
	}
	ir := &s.images[h.index]
	key := viewKey{typ, layer, layers, level, levels}

	ir.viewMu.Lock()
	defer ir.viewMu.Unlock()
	if v, ok := ir.viewCache[key]; ok {
		return v, nil
	}
	v, err := ir.img.NewView(typ, layer, layers, level, levels)
	if err != nil {
		return nil, err
	}
	if ir.viewCache == nil {
		ir.viewCache = make(map[viewKey]driver.ImageView)
	}
	ir.viewCache[key] = v
	return v, nil
}

// Readback returns the host-visible buffer backing level 0/layer 0
// of h, or nil if h was not declared with ImageConfig.HostReadable.
// Its contents are only meaningful after a call to DownloadImage.
func (s *Store) Readback(h Handle) driver.Buffer {
	if !h.IsImage() {
		panic("graph: handle does not name an image")
	}
	return s.images[h.index].readback
}

// DownloadImage copies level 0/layer 0 of h into its HostReadable
// buffer, returning once the copy has completed. h must currently be
// in the LShaderRead layout, the state every HostReadable image is
// left in after upload/mip generation and the state a pass that
// reads it as a sampled input leaves it in afterward.
func (s *Store) DownloadImage(h Handle) error {
	if !h.IsImage() {
		panic("graph: handle does not name an image")
	}
	ir := &s.images[h.index]
	if ir.readback == nil {
		return fmt.Errorf("graph: image %q was not declared with HostReadable", ir.name)
	}

	cb, err := s.gpu.NewCmdBuffer()
	if err != nil {
		return err
	}
	defer cb.Destroy()
	if err := cb.Begin(); err != nil {
		return err
	}
	cb.Transition([]driver.Transition{{
		Barrier: driver.Barrier{
			SyncBefore: driver.SAll, SyncAfter: driver.SCopy,
			AccessBefore: driver.AShaderRead, AccessAfter: driver.ACopyRead,
		},
		LayoutBefore: driver.LShaderRead,
		LayoutAfter:  driver.LCopySrc,
		IView:        ir.view,
	}})
	cb.BeginBlit(false)
	cb.CopyImgToBuf(&driver.BufImgCopy{Buf: ir.readback, Img: ir.img, Size: ir.dim})
	cb.EndBlit()
	cb.Transition([]driver.Transition{{
		Barrier: driver.Barrier{
			SyncBefore: driver.SCopy, SyncAfter: driver.SAll,
			AccessBefore: driver.ACopyRead, AccessAfter: driver.AShaderRead,
		},
		LayoutBefore: driver.LCopySrc,
		LayoutAfter:  driver.LShaderRead,
		IView:        ir.view,
	}})
	if err := cb.End(); err != nil {
		return err
	}
	ch := make(chan error, 1)
	s.gpu.Commit([]driver.CmdBuffer{cb}, ch)
	return <-ch
}

// Buffer returns the driver.Buffer backing h.
func (s *Store) Buffer(h Handle) driver.Buffer {
	if !h.IsBuffer() {
		panic("graph: handle does not name a buffer")
	}
	return s.buffers[h.index].buf
}

// Playout returns the graph's pipeline-layout/set-layout cache,
// shared by every pass's record callback.
func (s *Store) Playout() *playout.Cache { return s.playout }

// Pipelines returns the graph's graphics/compute pipeline cache.
func (s *Store) Pipelines() *pipecache.Cache { return s.pipelines }

// DescAllocator returns the descriptor-set Allocator for the set
// layout described by descs, building one on first request. Two
// passes (or two calls within the same pass) that declare the same
// layout share one Allocator, so descset's binding-state dedup
// applies across the whole graph rather than being scoped per call
// site.
func (s *Store) DescAllocator(descs []driver.Descriptor) (*descset.Allocator, error) {
	h := hashDescs(s.descSeed, descs)

	s.descMu.Lock()
	a, ok := s.descAllocs[h]
	s.descMu.Unlock()
	if ok {
		return a, nil
	}

	a, err := descset.New(s.gpu, descs)
	if err != nil {
		return nil, err
	}

	s.descMu.Lock()
	defer s.descMu.Unlock()
	if existing, ok := s.descAllocs[h]; ok {
		a.Destroy()
		return existing, nil
	}
	s.descAllocs[h] = a
	return a, nil
}

func hashDescs(seed maphash.Seed, descs []driver.Descriptor) uint64 {
	var h maphash.Hash
	h.SetSeed(seed)
	for _, d := range descs {
		fmt.Fprintf(&h, "%d,%d,%d,%d;", d.Type, d.Stages, d.Nr, d.Len)
	}
	return h.Sum64()
}

// tickCaches sweeps the descriptor-set allocators and the pipeline
// cache, per spec §4.H step 8: reclaim whatever was not requested
// again this frame.
func (s *Store) tickCaches() {
	s.descMu.Lock()
	for _, a := range s.descAllocs {
		a.NewFrame()
	}
	s.descMu.Unlock()
	s.pipelines.NewFrame()
}

// freeCaches destroys the graph-lifetime caches: the pipeline-layout
// cache, the pipeline cache, and every descriptor-set allocator.
// Unlike free, this is never called from Resize: set layouts,
// pipelines, and descriptor pools do not depend on the reference
// size.
func (s *Store) freeCaches() {
	for _, a := range s.descAllocs {
		a.Destroy()
	}
	s.descAllocs = make(map[uint64]*descset.Allocator)
	s.pipelines.Destroy()
	s.playout.Destroy()
}

// create allocates the physical resources for every declared
// handle against the given reference size. It is called once at
// Build and again, for images, on Resize.
func (s *Store) create(gpu driver.GPU, refW, refH int) error {
	for i := range s.images {
		ir := &s.images[i]
		if ir.img != nil {
			for _, v := range ir.views {
				v.Destroy()
			}
			for _, v := range ir.viewCache {
				v.Destroy()
			}
			ir.viewCache = nil
			if ir.readback != nil {
				ir.readback.Destroy()
				ir.readback = nil
			}
			ir.view.Destroy()
			ir.img.Destroy()
		}
		dim := ir.size.Resolve(refW, refH)
		levels := ir.config.Levels
		if levels < 1 {
			levels = 1
		}
		img, err := gpu.NewImage(ir.config.Format, dim, ir.config.Layers, levels, 1, ir.config.Usage)
		if err != nil {
			return err
		}
		view, err := img.NewView(ir.config.ViewType, 0, ir.config.Layers, 0, levels)
		if err != nil {
			img.Destroy()
			return err
		}
		views := make([]driver.ImageView, levels)
		for lvl := 0; lvl < levels; lvl++ {
			v, err := img.NewView(ir.config.ViewType, 0, ir.config.Layers, lvl, 1)
			if err != nil {
				view.Destroy()
				for _, v := range views[:lvl] {
					v.Destroy()
				}
				img.Destroy()
				return err
			}
			views[lvl] = v
		}
		ir.img = img
		ir.view = view
		ir.views = views
		ir.dim = dim
		if ir.config.Usage&driver.UShaderSample != 0 {
			splr, err := s.samplers.get(gpu, ir.config.Sampling)
			if err != nil {
				return err
			}
			ir.splr = splr
		}
		if ir.config.HostReadable {
			want := int64(dim.Width * dim.Height * dim.Depth * formatSize(ir.config.Format))
			buf, err := gpu.NewBuffer(want, true, driver.UGeneric)
			if err != nil {
				return err
			}
			ir.readback = buf
		}
		if ir.config.Data != nil {
			genMips := levels > 1
			if err := uploadImageData(gpu, img, view, dim, ir.config, genMips); err != nil {
				return err
			}
			if genMips {
				if err := generateMips(gpu, img, views, dim, ir.config); err != nil {
					return err
				}
			}
			if ir.config.InitialLayout == driver.LUndefined {
				// uploadImageData/generateMips always leave the image
				// in LShaderRead when no InitialLayout was requested;
				// reflect that so the allocation planner's barrier
				// tracker starts from the image's real layout.
				ir.config.InitialLayout = driver.LShaderRead
			}
		}
	}
	return nil
}

// uploadImageData validates cfg.Data against dim's resolved extent
// and stages it into layer 0/level 0 of img through a transient
// host-visible buffer. Grounded on device.rs's
// submit_commands_immediate (a transient pool/buffer/fence used for
// one-off transfers), re-expressed here using only the portable
// driver.GPU/CmdBuffer interfaces rather than a Vulkan-specific
// helper, since graph never imports driver/vk directly.
//
// When genMips is set, the image is left in LCopyDst across every
// level (view covers the whole resource range) instead of being
// transitioned to its final layout: generateMips takes over from
// there, reading level 0 to produce the rest of the chain.
func uploadImageData(gpu driver.GPU, img driver.Image, view driver.ImageView, dim driver.Dim3D, cfg ImageConfig, genMips bool) error {
	bpp := formatSize(cfg.Format)
	want := dim.Width * dim.Height * dim.Depth * bpp
	if bpp == 0 || len(cfg.Data) != want {
		return fmt.Errorf("graph: image data length %d does not match resolved extent (want %d bytes)", len(cfg.Data), want)
	}

	staging, err := gpu.NewBuffer(int64(len(cfg.Data)), true, driver.UGeneric)
	if err != nil {
		return err
	}
	defer staging.Destroy()
	copy(staging.Bytes(), cfg.Data)

	cb, err := gpu.NewCmdBuffer()
	if err != nil {
		return err
	}
	defer cb.Destroy()

	if err := cb.Begin(); err != nil {
		return err
	}
	cb.Transition([]driver.Transition{{
		Barrier: driver.Barrier{
			SyncBefore: driver.SNone, SyncAfter: driver.SCopy,
			AccessBefore: driver.ANone, AccessAfter: driver.ACopyWrite,
		},
		LayoutBefore: driver.LUndefined,
		LayoutAfter:  driver.LCopyDst,
		IView:        view,
	}})
	cb.BeginBlit(false)
	cb.CopyBufToImg(&driver.BufImgCopy{
		Buf:  staging,
		Img:  img,
		Size: dim,
	})
	cb.EndBlit()
	if !genMips {
		final := cfg.InitialLayout
		if final == driver.LUndefined {
			final = driver.LShaderRead
		}
		cb.Transition([]driver.Transition{{
			Barrier: driver.Barrier{
				SyncBefore: driver.SCopy, SyncAfter: driver.SAll,
				AccessBefore: driver.ACopyWrite, AccessAfter: driver.AShaderRead,
			},
			LayoutBefore: driver.LCopyDst,
			LayoutAfter:  final,
			IView:        view,
		}})
	}
	if err := cb.End(); err != nil {
		return err
	}

	ch := make(chan error, 1)
	gpu.Commit([]driver.CmdBuffer{cb}, ch)
	return <-ch
}

// generateMips blits each mip level of img from the level above it,
// halving extent at every step, until the full chain declared by
// cfg.Levels is populated from level 0's uploaded data. Grounded on
// texture.rs's mip generation pass (a width/height-halving blit loop
// using the sampler's minification filter), re-expressed here
// through the portable driver.CmdBuffer.BlitImage. The layer loop
// runs outermost, per cfg.Layers, so each layer's chain is built
// independently.
func generateMips(gpu driver.GPU, img driver.Image, views []driver.ImageView, dim driver.Dim3D, cfg ImageConfig) error {
	cb, err := gpu.NewCmdBuffer()
	if err != nil {
		return err
	}
	defer cb.Destroy()
	if err := cb.Begin(); err != nil {
		return err
	}

	filter := cfg.Sampling.Min
	for layer := 0; layer < cfg.Layers; layer++ {
		lw, lh, ld := dim.Width, dim.Height, dim.Depth
		for lvl := 1; lvl < cfg.Levels; lvl++ {
			nw, nh, nd := max1(lw/2), max1(lh/2), max1(ld/2)

			cb.Transition([]driver.Transition{{
				Barrier: driver.Barrier{
					SyncBefore: driver.SCopy, SyncAfter: driver.SCopy,
					AccessBefore: driver.ACopyWrite, AccessAfter: driver.ACopyRead,
				},
				LayoutBefore: driver.LCopyDst,
				LayoutAfter:  driver.LCopySrc,
				IView:        views[lvl-1],
			}})

			cb.BeginBlit(false)
			cb.BlitImage(&driver.ImageBlit{
				From: img, FromSize: driver.Dim3D{Width: lw, Height: lh, Depth: ld}, FromLayer: layer, FromLevel: lvl - 1,
				To: img, ToSize: driver.Dim3D{Width: nw, Height: nh, Depth: nd}, ToLayer: layer, ToLevel: lvl,
				Layers: 1,
				Filter: filter,
			})
			cb.EndBlit()

			lw, lh, ld = nw, nh, nd
		}
	}

	final := cfg.InitialLayout
	if final == driver.LUndefined {
		final = driver.LShaderRead
	}
	trans := make([]driver.Transition, cfg.Levels)
	for lvl := range trans {
		before := driver.LCopyDst
		if lvl < cfg.Levels-1 {
			// every level but the last was read from during the
			// blit loop above, and so sits in LCopySrc now
			before = driver.LCopySrc
		}
		trans[lvl] = driver.Transition{
			Barrier: driver.Barrier{
				SyncBefore: driver.SCopy, SyncAfter: driver.SAll,
				AccessBefore: driver.ACopyRead | driver.ACopyWrite, AccessAfter: driver.AShaderRead,
			},
			LayoutBefore: before,
			LayoutAfter:  final,
			IView:        views[lvl],
		}
	}
	cb.Transition(trans)

	if err := cb.End(); err != nil {
		return err
	}
	ch := make(chan error, 1)
	gpu.Commit([]driver.CmdBuffer{cb}, ch)
	return <-ch
}

// free destroys every owned resource. It enqueues deletion
// through the deleter so that in-flight frames referencing the
// resources are not disturbed (see the deleter queue in
// deleter.go).
func (s *Store) free() {
	for i := range s.images {
		ir := &s.images[i]
		if ir.img == nil {
			continue
		}
		v, img, mips, specials, readback := ir.view, ir.img, ir.views, ir.viewCache, ir.readback
		s.del.enqueue(func() {
			for _, mv := range mips {
				mv.Destroy()
			}
			for _, sv := range specials {
				sv.Destroy()
			}
			if readback != nil {
				readback.Destroy()
			}
			v.Destroy()
			img.Destroy()
		})
		ir.view, ir.img, ir.views, ir.viewCache, ir.readback = nil, nil, nil, nil, nil
	}
	for i := range s.buffers {
		br := &s.buffers[i]
		if br.buf == nil {
			continue
		}
		b := br.buf
		s.del.enqueue(func() { b.Destroy() })
		br.buf = nil
	}
	s.samplers.free(s.del)
	log.Printf("graph: store freed (%d images, %d buffers)", len(s.images), len(s.buffers))
}
