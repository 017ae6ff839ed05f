// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package graph

import "github.com/gviegas/rendergraph/driver"

// formatSize returns the size in bytes of one texel of pf, used to
// validate an ImageConfig.Data payload against the image's resolved
// extent before a staged upload. Grounded on
// hikari_render/src/image/sampled_image.rs's format_size.
func formatSize(pf driver.PixelFmt) int {
	switch pf {
	case driver.RGBA8un, driver.RGBA8n, driver.RGBA8sRGB, driver.BGRA8un, driver.BGRA8sRGB:
		return 4
	case driver.RG8un, driver.RG8n:
		return 2
	case driver.R8un, driver.R8n, driver.S8ui:
		return 1
	case driver.RGBA16f:
		return 8
	case driver.RG16f:
		return 4
	case driver.R16f, driver.D16un:
		return 2
	case driver.RGBA32f:
		return 16
	case driver.RG32f:
		return 8
	case driver.R32f, driver.D32f:
		return 4
	case driver.D24unS8ui:
		return 4
	case driver.D32fS8ui:
		return 5
	default:
		return 0
	}
}
