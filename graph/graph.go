// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package graph implements a retained-mode render graph over the
// driver package: a declarative set of passes, each naming the
// resources it reads and writes, is compiled into a flat execution
// order, a set of physical images/framebuffers, and the minimal
// barrier list needed between passes.
package graph

import (
	"errors"
	"fmt"

	"github.com/gviegas/rendergraph/driver"
)

// Handle identifies a resource declared in a graph under
// construction. It remains valid for the lifetime of the built
// Graph.
type Handle struct {
	kind  handleKind
	index int
}

type handleKind int

const (
	kindImage handleKind = iota
	kindBuffer
	kindSwapchain
)

// Swapchain is the well-known handle naming the image acquired
// from the presentation engine each frame. Only the pass marked
// Present may write it, via DrawImage; its physical ImageView is
// substituted by the executor at ExecuteAndPresent time, so it
// carries no entry in the Store.
var Swapchain = Handle{kind: kindSwapchain}

// IsImage reports whether h names an image resource.
func (h Handle) IsImage() bool { return h.kind == kindImage }

// IsBuffer reports whether h names a buffer resource.
func (h Handle) IsBuffer() bool { return h.kind == kindBuffer }

// IsSwapchain reports whether h is the Swapchain handle.
func (h Handle) IsSwapchain() bool { return h.kind == kindSwapchain }

func (h Handle) String() string {
	switch h.kind {
	case kindImage:
		return fmt.Sprintf("image#%d", h.index)
	case kindBuffer:
		return fmt.Sprintf("buffer#%d", h.index)
	case kindSwapchain:
		return "swapchain"
	}
	return "invalid-handle"
}

// ImageSize describes the size of an image declared in a graph,
// either as an absolute extent or relative to the graph's
// reference size.
type ImageSize struct {
	// Relative selects scale-of-reference-size sizing.
	// When false, AbsW/AbsH/AbsD are taken as absolute texel counts.
	Relative   bool
	W, H, D    float32
	AbsW       int
	AbsH       int
	AbsD       int
}

// Absolute returns an ImageSize of fixed extent.
func Absolute(w, h, d int) ImageSize {
	return ImageSize{AbsW: w, AbsH: h, AbsD: d}
}

// RelativeSize returns an ImageSize scaled from the graph's
// reference size by the given factors.
func RelativeSize(sx, sy, sz float32) ImageSize {
	return ImageSize{Relative: true, W: sx, H: sy, D: sz}
}

// Resolve computes the physical extent of s against a reference
// size, rounding relative sizes to the nearest texel and
// clamping to at least 1 in every dimension.
func (s ImageSize) Resolve(refW, refH int) driver.Dim3D {
	if !s.Relative {
		return driver.Dim3D{Width: max1(s.AbsW), Height: max1(s.AbsH), Depth: max1(s.AbsD)}
	}
	w := int(float32(refW)*s.W + 0.5)
	h := int(float32(refH)*s.H + 0.5)
	d := int(s.D + 0.5)
	return driver.Dim3D{Width: max1(w), Height: max1(h), Depth: max1(d)}
}

func max1(x int) int {
	if x < 1 {
		return 1
	}
	return x
}

// ImageConfig describes an image declared in a graph.
type ImageConfig struct {
	Format   driver.PixelFmt
	ViewType driver.ViewType
	Levels   int
	Layers   int
	Usage    driver.Usage

	// Sampling describes the sampler used when the image is
	// bound as a sampled texture. Ignored otherwise.
	Sampling driver.Sampling

	// InitialLayout is the layout the image is transitioned
	// to immediately after creation, when not LUndefined.
	InitialLayout driver.Layout

	// HostReadable requests a readback buffer be created
	// alongside the image.
	HostReadable bool

	// Data, when non-nil, is uploaded to layer 0/level 0 of the
	// image through a staging buffer immediately after creation.
	// Its length must equal the resolved extent's texel count
	// times the format's texel size (see formatSize); a mismatch
	// fails Builder.Build/Graph.Resize.
	Data []byte
}

// AccessType enumerates the ways a pass may access a resource.
// The barrier planner (alloc.go) synthesizes pipeline barriers
// from the AccessType sets declared by producers and consumers.
type AccessType int

const (
	AccessNone AccessType = iota
	AccessColorAttachmentWrite
	AccessDepthStencilAttachmentWrite
	AccessDepthStencilAttachmentRead
	AccessFragmentShaderReadSampled
	AccessComputeShaderRead
	AccessComputeShaderWrite
	AccessTransferRead
	AccessTransferWrite
	AccessPresent
)

// IsWrite reports whether a is a write access.
func (a AccessType) IsWrite() bool {
	switch a {
	case AccessColorAttachmentWrite, AccessDepthStencilAttachmentWrite, AccessComputeShaderWrite, AccessTransferWrite:
		return true
	}
	return false
}

// Layout returns the driver.Layout that a resource must be in to
// satisfy a.
func (a AccessType) Layout() driver.Layout {
	switch a {
	case AccessColorAttachmentWrite:
		return driver.LColorTarget
	case AccessDepthStencilAttachmentWrite:
		return driver.LDSTarget
	case AccessDepthStencilAttachmentRead:
		return driver.LDSRead
	case AccessFragmentShaderReadSampled, AccessComputeShaderRead:
		return driver.LShaderRead
	case AccessComputeShaderWrite:
		return driver.LCommon
	case AccessTransferRead:
		return driver.LCopySrc
	case AccessTransferWrite:
		return driver.LCopyDst
	case AccessPresent:
		return driver.LPresent
	}
	return driver.LUndefined
}

// syncAndAccess returns the driver Sync/Access flags induced by a.
func (a AccessType) syncAndAccess() (driver.Sync, driver.Access) {
	switch a {
	case AccessColorAttachmentWrite:
		return driver.SColorOutput, driver.AColorWrite
	case AccessDepthStencilAttachmentWrite:
		return driver.SDSOutput, driver.ADSWrite
	case AccessDepthStencilAttachmentRead:
		return driver.SDSOutput, driver.ADSRead
	case AccessFragmentShaderReadSampled:
		return driver.SFragmentShading, driver.AShaderRead
	case AccessComputeShaderRead:
		return driver.SComputeShading, driver.AShaderRead
	case AccessComputeShaderWrite:
		return driver.SComputeShading, driver.AShaderWrite
	case AccessTransferRead:
		return driver.SCopy, driver.ACopyRead
	case AccessTransferWrite:
		return driver.SCopy, driver.ACopyWrite
	case AccessPresent:
		return driver.SNone, driver.ANone
	}
	return driver.SNone, driver.ANone
}

// Input describes how a pass reads a resource.
type Input struct {
	Handle  Handle
	Access  AccessType
	Binding int // meaningful only for SampleImage
	sample  bool
}

// ReadImage declares a non-sampled image read (e.g. a
// depth-stencil input attachment read by a later pass).
func ReadImage(h Handle, access AccessType) Input {
	return Input{Handle: h, Access: access}
}

// SampleImage declares a sampled-texture read bound at binding.
func SampleImage(h Handle, access AccessType, binding int) Input {
	return Input{Handle: h, Access: access, Binding: binding, sample: true}
}

// AttachmentKind is the kind of a draw-image output.
type AttachmentKind int

const (
	AttachColor AttachmentKind = iota
	AttachDepthStencil
	AttachDepthOnly
)

// AttachmentConfig describes a DrawImage output.
type AttachmentConfig struct {
	Kind     AttachmentKind
	Location int // meaningful only for AttachColor

	ColorLoad   driver.LoadOp
	ColorStore  driver.StoreOp
	StencilLoad driver.LoadOp
	StencilStore driver.StoreOp
}

func (c AttachmentConfig) access() AccessType {
	switch c.Kind {
	case AttachColor:
		return AccessColorAttachmentWrite
	default:
		return AccessDepthStencilAttachmentWrite
	}
}

// Output describes how a pass writes a resource.
type Output struct {
	Handle     Handle
	Access     AccessType
	Attachment AttachmentConfig
	draw       bool
	storage    bool
	presentSC  bool
}

// WriteImage declares a non-attachment image write (e.g. a
// compute shader storage image).
func WriteImage(h Handle, access AccessType) Output {
	return Output{Handle: h, Access: access}
}

// DrawImage declares a render-target output.
func DrawImage(h Handle, cfg AttachmentConfig) Output {
	return Output{Handle: h, Access: cfg.access(), Attachment: cfg, draw: true}
}

// StorageBufferOut declares a compute storage-buffer write.
func StorageBufferOut(h Handle) Output {
	return Output{Handle: h, Access: AccessComputeShaderWrite, storage: true}
}

// PassRecordInfo is passed to a record callback.
type PassRecordInfo struct {
	Width, Height int
}

// RecordFunc is a pass's record callback. Grounded on spec §6's
// record callback contract: a command recorder scoped to the pass,
// the resource store, a PassRecordInfo, and a user-supplied argument
// tuple threaded in from Graph.Execute/ExecuteAndPresent (e.g. a
// camera or a per-frame draw list). The store also exposes the
// pipeline-layout cache, the pipeline cache, and per-layout
// descriptor-set allocators (Store.Playout/Pipelines/DescAllocator)
// that a record callback uses to turn shader reflection and binding
// state into concrete driver objects before issuing draws.
type RecordFunc func(rec driver.CmdBuffer, store *Store, info PassRecordInfo, args any)

// PassKind distinguishes graphics from compute passes.
// This is the AnyPass tagged variant of Design Note #3: the
// executor switches on Kind rather than dispatching through an
// interface.
type PassKind int

const (
	KindGraphics PassKind = iota
	KindCompute
)

// Pass is a declared unit of GPU work. Construct one with
// NewRenderpass or NewComputePass.
type Pass struct {
	Kind       PassKind
	Name       string
	RenderArea ImageSize
	Inputs     []Input
	Outputs    []Output
	Terminal   bool
	Present    bool
	Record     RecordFunc
}

// NewRenderpass begins a graphics pass declaration.
func NewRenderpass(name string, renderArea ImageSize) *Pass {
	return &Pass{Kind: KindGraphics, Name: name, RenderArea: renderArea}
}

// NewComputePass begins a compute pass declaration.
func NewComputePass(name string) *Pass {
	return &Pass{Kind: KindCompute, Name: name}
}

// ReadImage adds a non-sampled image read.
func (p *Pass) ReadImage(h Handle, access AccessType) *Pass {
	p.Inputs = append(p.Inputs, ReadImage(h, access))
	return p
}

// SampleImage adds a sampled-texture read.
func (p *Pass) SampleImage(h Handle, access AccessType, binding int) *Pass {
	p.Inputs = append(p.Inputs, SampleImage(h, access, binding))
	return p
}

// ReadBuffer adds a buffer read (compute passes only).
func (p *Pass) ReadBuffer(h Handle, access AccessType) *Pass {
	p.Inputs = append(p.Inputs, Input{Handle: h, Access: access})
	return p
}

// WriteImage adds a non-attachment image write.
func (p *Pass) WriteImage(h Handle, access AccessType) *Pass {
	p.Outputs = append(p.Outputs, WriteImage(h, access))
	return p
}

// WriteBuffer adds a buffer write (compute passes only).
func (p *Pass) WriteBuffer(h Handle) *Pass {
	p.Outputs = append(p.Outputs, StorageBufferOut(h))
	return p
}

// DrawImage adds a render-target output.
func (p *Pass) DrawImage(h Handle, cfg AttachmentConfig) *Pass {
	p.Outputs = append(p.Outputs, DrawImage(h, cfg))
	return p
}

// SetPresent marks p as the unique present-to-swapchain pass and
// implicitly as the graph's terminal pass.
func (p *Pass) SetPresent() *Pass {
	p.Present = true
	p.Terminal = true
	return p
}

// SetTerminal marks p as the graph's terminal pass.
func (p *Pass) SetTerminal() *Pass {
	p.Terminal = true
	return p
}

// Cmd sets the record callback.
func (p *Pass) Cmd(fn RecordFunc) *Pass {
	p.Record = fn
	return p
}

// GraphBuildError is returned by Builder.Build when the graph is
// structurally invalid. See spec §4.F for the variant taxonomy.
type GraphBuildError struct {
	Kind  BuildErrorKind
	Pass  string
	Other string
	Name  string
}

// BuildErrorKind enumerates the ways a graph may fail to build.
type BuildErrorKind int

const (
	ErrNoTerminalPass BuildErrorKind = iota
	ErrMultipleTerminalPasses
	ErrMultipleSwapchainOutputs
	ErrDuplicatePassName
	ErrDuplicateOutput
	ErrUnknownInput
	ErrCyclicDependency
)

func (e *GraphBuildError) Error() string {
	switch e.Kind {
	case ErrNoTerminalPass:
		return "graph: no pass is marked terminal"
	case ErrMultipleTerminalPasses:
		return "graph: more than one pass is marked terminal"
	case ErrMultipleSwapchainOutputs:
		return "graph: more than one pass presents to the swapchain"
	case ErrDuplicatePassName:
		return fmt.Sprintf("graph: duplicate pass name %q", e.Pass)
	case ErrDuplicateOutput:
		return fmt.Sprintf("graph: pass %q and %q both write handle %q", e.Pass, e.Other, e.Name)
	case ErrUnknownInput:
		return fmt.Sprintf("graph: pass %q reads handle %q, which no pass writes", e.Pass, e.Name)
	case ErrCyclicDependency:
		return fmt.Sprintf("graph: cyclic dependency detected at pass %q", e.Pass)
	}
	return "graph: build error"
}

// ErrNilRecordFn is returned by Build when a pass has no record
// callback set.
var ErrNilRecordFn = errors.New("graph: pass has a nil record callback")
