// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package graph

import (
	"testing"

	"github.com/gviegas/rendergraph/driver"
)

func TestIsImageHazardLayoutChange(t *testing.T) {
	prev := resourceState{layout: driver.LUndefined}
	if !isImageHazard(prev, driver.LColorTarget, []AccessType{AccessColorAttachmentWrite}) {
		t.Fatal("isImageHazard: layout change must be a hazard")
	}
}

func TestIsImageHazardReadAfterRead(t *testing.T) {
	prev := resourceState{layout: driver.LShaderRead, accesses: []AccessType{AccessFragmentShaderReadSampled}}
	if isImageHazard(prev, driver.LShaderRead, []AccessType{AccessFragmentShaderReadSampled}) {
		t.Fatal("isImageHazard: same-layout read-after-read must not be a hazard")
	}
}

func TestIsImageHazardWriteAfterWrite(t *testing.T) {
	prev := resourceState{layout: driver.LColorTarget, accesses: []AccessType{AccessColorAttachmentWrite}}
	if !isImageHazard(prev, driver.LColorTarget, []AccessType{AccessColorAttachmentWrite}) {
		t.Fatal("isImageHazard: a previous write must always be a hazard, even at the same layout")
	}
}

func TestIsBufferHazard(t *testing.T) {
	ro := resourceState{accesses: []AccessType{AccessComputeShaderRead}}
	if isBufferHazard(ro, []AccessType{AccessComputeShaderRead}) {
		t.Fatal("isBufferHazard: read-after-read must not be a hazard")
	}
	rw := resourceState{accesses: []AccessType{AccessComputeShaderWrite}}
	if !isBufferHazard(rw, []AccessType{AccessComputeShaderRead}) {
		t.Fatal("isBufferHazard: read-after-write must be a hazard")
	}
}

func TestMergeSyncAccess(t *testing.T) {
	s, a := mergeSyncAccess([]AccessType{AccessColorAttachmentWrite, AccessFragmentShaderReadSampled})
	if s&driver.SColorOutput == 0 || s&driver.SFragmentShading == 0 {
		t.Fatalf("mergeSyncAccess: want both sync flags set, got %v", s)
	}
	if a&driver.AColorWrite == 0 || a&driver.AShaderRead == 0 {
		t.Fatalf("mergeSyncAccess: want both access flags set, got %v", a)
	}
}

func TestCurrLayoutOf(t *testing.T) {
	if l := currLayoutOf([]AccessType{AccessNone, AccessColorAttachmentWrite}); l != driver.LColorTarget {
		t.Fatalf("currLayoutOf: want LColorTarget, got %v", l)
	}
	if l := currLayoutOf(nil); l != driver.LUndefined {
		t.Fatalf("currLayoutOf: want LUndefined for empty input, got %v", l)
	}
}
