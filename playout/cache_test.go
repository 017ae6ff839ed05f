// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package playout

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
		log.Fatal("playout test: vulkan driver not found")
	}
	var err error
	gpu, err = drv.Open()
	if err != nil {
		log.Fatal(err)
	}
}

func sampleRefl() []Reflection {
	return []Reflection{
		{Stage: driver.SVertex, Bindings: []Binding{{Set: 0, Nr: 0, Type: driver.DConstant, Len: 1}}},
		{Stage: driver.SFragment, Bindings: []Binding{{Set: 0, Nr: 1, Type: driver.DTexture, Len: 1}}},
	}
}

func TestCacheTableDedup(t *testing.T) {
	c := New(gpu)
	t1, err := c.Table(sampleRefl())
	if err != nil {
		t.Fatalf("Cache.Table: unexpected error %v", err)
	}
	t2, err := c.Table(sampleRefl())
	if err != nil {
		t.Fatalf("Cache.Table: unexpected error %v", err)
	}
	if t1 != t2 {
		t.Fatal("Cache.Table: two identical reflections should share one DescTable")
	}
	if len(c.heaps) != 1 {
		t.Fatalf("Cache: want exactly 1 cached heap, got %d", len(c.heaps))
	}
}

func TestCacheTableDistinctLayouts(t *testing.T) {
	c := New(gpu)
	a, err := c.Table(sampleRefl())
	if err != nil {
		t.Fatalf("Cache.Table: unexpected error %v", err)
	}
	other := []Reflection{
		{Stage: driver.SCompute, Bindings: []Binding{{Set: 0, Nr: 0, Type: driver.DBuffer, Len: 1}}},
	}
	b, err := c.Table(other)
	if err != nil {
		t.Fatalf("Cache.Table: unexpected error %v", err)
	}
	if a == b {
		t.Fatal("Cache.Table: structurally different layouts must not share a DescTable")
	}
}
