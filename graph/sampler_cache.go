// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package graph

import "github.com/gviegas/rendergraph/driver"

// samplerCache deduplicates driver.Sampler objects by their full
// create-info (driver.Sampling), grounded on sampled_image.rs's
// create_sampler but adding the dedup that file omits (see
// SPEC_FULL.md §4.D expansion).
type samplerCache struct {
	m map[driver.Sampling]driver.Sampler
}

func (c *samplerCache) get(gpu driver.GPU, cfg driver.Sampling) (driver.Sampler, error) {
	if c.m == nil {
		c.m = make(map[driver.Sampling]driver.Sampler)
	}
	if s, ok := c.m[cfg]; ok {
		return s, nil
	}
	s, err := gpu.NewSampler(&cfg)
	if err != nil {
		return nil, err
	}
	c.m[cfg] = s
	return s, nil
}

func (c *samplerCache) free(del *deleter) {
	for k, s := range c.m {
		s := s
		del.enqueue(func() { s.Destroy() })
		delete(c.m, k)
	}
}
