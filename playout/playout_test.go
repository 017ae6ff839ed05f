// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package playout

import (
	"testing"

	"github.com/gviegas/rendergraph/driver"
)

func TestBuildSetKeysMergesStages(t *testing.T) {
	refl := []Reflection{
		{Stage: driver.SVertex, Bindings: []Binding{{Set: 0, Nr: 0, Type: driver.DConstant, Len: 1}}},
		{Stage: driver.SFragment, Bindings: []Binding{
			{Set: 0, Nr: 0, Type: driver.DConstant, Len: 1},
			{Set: 0, Nr: 1, Type: driver.DTexture, Len: 1},
		}},
	}
	keys, nset, err := buildSetKeys(refl)
	if err != nil {
		t.Fatalf("buildSetKeys: unexpected error %v", err)
	}
	if nset != 1 {
		t.Fatalf("buildSetKeys: want nset=1, got %d", nset)
	}
	if keys[0].stages[0] != driver.SVertex|driver.SFragment {
		t.Fatalf("buildSetKeys: want binding 0 visible to both stages, got %v", keys[0].stages[0])
	}
	if keys[0].stages[1] != driver.SFragment {
		t.Fatalf("buildSetKeys: want binding 1 visible to fragment only, got %v", keys[0].stages[1])
	}
	if keys[0].mask != 0b11 {
		t.Fatalf("buildSetKeys: want mask 0b11, got %b", keys[0].mask)
	}
}

func TestBuildSetKeysMismatch(t *testing.T) {
	refl := []Reflection{
		{Stage: driver.SVertex, Bindings: []Binding{{Set: 0, Nr: 0, Type: driver.DConstant, Len: 1}}},
		{Stage: driver.SFragment, Bindings: []Binding{{Set: 0, Nr: 0, Type: driver.DTexture, Len: 1}}},
	}
	if _, _, err := buildSetKeys(refl); err == nil {
		t.Fatal("buildSetKeys: want error when a binding disagrees across stages")
	}
}

func TestBuildSetKeysDenseSetCount(t *testing.T) {
	refl := []Reflection{
		{Stage: driver.SCompute, Bindings: []Binding{{Set: 2, Nr: 0, Type: driver.DBuffer, Len: 1}}},
	}
	_, nset, err := buildSetKeys(refl)
	if err != nil {
		t.Fatalf("buildSetKeys: unexpected error %v", err)
	}
	if nset != 3 {
		t.Fatalf("buildSetKeys: want nset=3 (dense through the highest used set), got %d", nset)
	}
}

func TestBuildSetKeysRejectsOutOfRange(t *testing.T) {
	refl := []Reflection{
		{Stage: driver.SVertex, Bindings: []Binding{{Set: MaxSets, Nr: 0, Type: driver.DBuffer, Len: 1}}},
	}
	if _, _, err := buildSetKeys(refl); err == nil {
		t.Fatal("buildSetKeys: want error when Set >= MaxSets")
	}
}

func TestDescriptorsOfRoundTrip(t *testing.T) {
	refl := []Reflection{
		{Stage: driver.SFragment, Bindings: []Binding{
			{Set: 0, Nr: 0, Type: driver.DConstant, Len: 1},
			{Set: 0, Nr: 3, Type: driver.DTexture, Len: 4},
		}},
	}
	keys, _, err := buildSetKeys(refl)
	if err != nil {
		t.Fatalf("buildSetKeys: unexpected error %v", err)
	}
	ds := descriptorsOf(keys[0])
	if len(ds) != 2 {
		t.Fatalf("descriptorsOf: want 2 descriptors, got %d", len(ds))
	}
	if ds[0].Nr != 0 || ds[0].Type != driver.DConstant || ds[0].Len != 1 {
		t.Fatalf("descriptorsOf: unexpected first descriptor %+v", ds[0])
	}
	if ds[1].Nr != 3 || ds[1].Type != driver.DTexture || ds[1].Len != 4 {
		t.Fatalf("descriptorsOf: unexpected second descriptor %+v", ds[1])
	}
}
