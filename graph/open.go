// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package graph

import (
	"github.com/gviegas/rendergraph/driver"
	"github.com/gviegas/rendergraph/rgcfg"
)

// OpenGPU opens drv, first configuring whatever ambient settings
// rgcfg.Current() carries that drv knows how to accept. A driver
// that implements driver.PipelineCachePather (driver/vk.Driver does)
// has its pipeline cache persistence path set from
// rgcfg.Config.PipelineCachePath before Open is called, so the two
// stay in sync instead of the driver falling back to a hardcoded
// default that rgcfg's own default string no longer matches.
func OpenGPU(drv driver.Driver) (driver.GPU, error) {
	if pc, ok := drv.(driver.PipelineCachePather); ok {
		pc.SetPipelineCachePath(rgcfg.Current().PipelineCachePath)
	}
	return drv.Open()
}

// NewBuilderFromConfig starts a graph declaration sized against
// rgcfg.Current()'s reference width/height, for callers that have no
// swapchain of their own to derive a reference size from (spec
// §4.D's relative-size resources still need some reference extent to
// resolve against).
func NewBuilderFromConfig() *Builder {
	cfg := rgcfg.Current()
	return NewBuilder(cfg.ReferenceWidth, cfg.ReferenceHeight)
}
