// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package descset

import (
	"log"
	"testing"

	"github.com/gviegas/rendergraph/driver"
	_ "github.com/gviegas/rendergraph/driver/vk"
)

var gpu driver.GPU

func init() {
	drivers := driver.Drivers()
	var drv driver.Driver
	for i := range drivers {
		if drivers[i].Name() == "vulkan" {
			drv = drivers[i]
			break
		}
	}
	if drv == nil {
		log.Fatal("descset test: vulkan driver not found")
	}
	var err error
	gpu, err = drv.Open()
	if err != nil {
		log.Fatal(err)
	}
}

func sampleDescs() []driver.Descriptor {
	return []driver.Descriptor{
		{Type: driver.DConstant, Stages: driver.SVertex, Nr: 0, Len: 1},
		{Type: driver.DTexture, Stages: driver.SFragment, Nr: 1, Len: 1},
	}
}

func newBuffer(t *testing.T) driver.Buffer {
	b, err := gpu.NewBuffer(256, true, driver.UGeneric)
	if err != nil {
		t.Fatalf("gpu.NewBuffer: unexpected error %v", err)
	}
	return b
}

func sampleImageView(t *testing.T) driver.ImageView {
	img, err := gpu.NewImage(driver.RGBA8un, driver.Dim3D{Width: 4, Height: 4, Depth: 1}, 1, 1, 1, driver.UShaderSample)
	if err != nil {
		t.Fatalf("gpu.NewImage: unexpected error %v", err)
	}
	v, err := img.NewView(driver.IView2D, 0, 1, 0, 1)
	if err != nil {
		t.Fatalf("Image.NewView: unexpected error %v", err)
	}
	return v
}

func TestGetDedupsIdenticalState(t *testing.T) {
	a, err := New(gpu, sampleDescs())
	if err != nil {
		t.Fatalf("New: unexpected error %v", err)
	}
	defer a.Destroy()

	buf := newBuffer(t)
	view := sampleImageView(t)
	state := &State{
		Buffers: map[int]BufferState{0: {Bufs: []driver.Buffer{buf}, Off: []int64{0}, Size: []int64{256}}},
		Images:  map[int]ImageState{1: {Views: []driver.ImageView{view}}},
	}

	c1, err := a.Get(state)
	if err != nil {
		t.Fatalf("Allocator.Get: unexpected error %v", err)
	}
	c2, err := a.Get(state)
	if err != nil {
		t.Fatalf("Allocator.Get: unexpected error %v", err)
	}
	if c1 != c2 {
		t.Fatalf("Allocator.Get: want identical state to reuse copy %d, got %d", c1, c2)
	}
	if len(a.live) != 1 {
		t.Fatalf("Allocator: want exactly 1 live slot, got %d", len(a.live))
	}
}

func TestNewFrameReclaimsUntouchedSlots(t *testing.T) {
	a, err := New(gpu, sampleDescs())
	if err != nil {
		t.Fatalf("New: unexpected error %v", err)
	}
	defer a.Destroy()

	buf1, buf2 := newBuffer(t), newBuffer(t)
	view := sampleImageView(t)
	s1 := &State{
		Buffers: map[int]BufferState{0: {Bufs: []driver.Buffer{buf1}, Off: []int64{0}, Size: []int64{256}}},
		Images:  map[int]ImageState{1: {Views: []driver.ImageView{view}}},
	}
	s2 := &State{
		Buffers: map[int]BufferState{0: {Bufs: []driver.Buffer{buf2}, Off: []int64{0}, Size: []int64{256}}},
		Images:  map[int]ImageState{1: {Views: []driver.ImageView{view}}},
	}

	if _, err := a.Get(s1); err != nil {
		t.Fatalf("Allocator.Get: unexpected error %v", err)
	}
	a.NewFrame() // ends the frame s1 was requested in: s1 survives
	before := len(a.freeList)

	a.NewFrame() // s1 not requested since the previous sweep: it is reclaimed
	if len(a.live) != 0 {
		t.Fatalf("Allocator.NewFrame: want 0 live slots after a frame with no requests, got %d", len(a.live))
	}
	if len(a.freeList) != before+1 {
		t.Fatalf("Allocator.NewFrame: want the untouched slot back on the free list")
	}

	if _, err := a.Get(s2); err != nil {
		t.Fatalf("Allocator.Get: unexpected error %v", err)
	}
	if len(a.live) != 1 {
		t.Fatalf("Allocator: want exactly 1 live slot after rebinding, got %d", len(a.live))
	}
}

func TestGetGrowsPoolWhenExhausted(t *testing.T) {
	a, err := New(gpu, sampleDescs())
	if err != nil {
		t.Fatalf("New: unexpected error %v", err)
	}
	defer a.Destroy()

	view := sampleImageView(t)
	startCount := a.Count()

	for i := 0; i < startCount+1; i++ {
		buf := newBuffer(t)
		st := &State{
			Buffers: map[int]BufferState{0: {Bufs: []driver.Buffer{buf}, Off: []int64{0}, Size: []int64{256}}},
			Images:  map[int]ImageState{1: {Views: []driver.ImageView{view}}},
		}
		if _, err := a.Get(st); err != nil {
			t.Fatalf("Allocator.Get: unexpected error on iteration %d: %v", i, err)
		}
	}

	if a.Count() <= startCount {
		t.Fatalf("Allocator: want pool to grow past %d copies, got %d", startCount, a.Count())
	}
}
