// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package graph

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
		log.Fatal("graph test: vulkan driver not found")
	}
	var err error
	gpu, err = drv.Open()
	if err != nil {
		log.Fatal(err)
	}
}

// buildOffscreenGraph compiles a single-pass graph that draws into an
// offscreen color image, with no present pass.
func buildOffscreenGraph(t *testing.T) *Graph {
	b := NewBuilder(256, 256)
	color := b.CreateImage("color", RelativeSize(1, 1, 1), ImageConfig{
		Format: driver.RGBA8un,
		Usage:  driver.URenderTarget | driver.UShaderSample,
	})
	p := NewRenderpass("draw", RelativeSize(1, 1, 1)).
		DrawImage(color, AttachmentConfig{Kind: AttachColor, ColorStore: driver.SStore}).
		SetTerminal().
		Cmd(func(rec driver.CmdBuffer, s *Store, info PassRecordInfo, args any) {})
	b.AddRenderpass(p)

	g, err := b.Build(gpu)
	if err != nil {
		t.Fatalf("Builder.Build: unexpected error %v", err)
	}
	return g
}

func TestBuildOffscreen(t *testing.T) {
	g := buildOffscreenGraph(t)
	defer g.Destroy()

	if len(g.order) != 1 {
		t.Fatalf("Graph.order: want 1 pass, got %d", len(g.order))
	}
	if g.alloc.renderPass[0] == nil {
		t.Fatal("Graph.alloc.renderPass[0]: want non-nil render pass for the single graphics pass")
	}
	if g.alloc.framebuf[0] == nil {
		t.Fatal("Graph.alloc.framebuf[0]: want non-nil framebuffer")
	}
}

func TestExecuteOffscreen(t *testing.T) {
	g := buildOffscreenGraph(t)
	defer g.Destroy()

	for i := 0; i < 3; i++ {
		if err := g.Execute(nil); err != nil {
			t.Fatalf("Graph.Execute: unexpected error on frame %d: %v", i, err)
		}
	}
	g.PrepareExit()
}

func TestExecuteRequiresNoPresentPass(t *testing.T) {
	b := NewBuilder(64, 64)
	p := NewRenderpass("present", Absolute(64, 64, 1)).
		DrawImage(Swapchain, AttachmentConfig{Kind: AttachColor, ColorStore: driver.SStore}).
		SetPresent().
		Cmd(func(rec driver.CmdBuffer, s *Store, info PassRecordInfo, args any) {})
	b.AddRenderpass(p)

	g, err := b.Build(gpu)
	if err != nil {
		t.Fatalf("Builder.Build: unexpected error %v", err)
	}
	defer g.Destroy()

	if err := g.Execute(nil); err == nil {
		t.Fatal("Graph.Execute: want error when the graph has a present pass")
	}
}
