package cacheengine

// ImageSpec describes one subimage: its pixel dimensions, the tile grid
// it is cached in, and enough metadata for the engine to synthesize MIP
// levels, reject untiled files, and answer get_image_info queries.
type ImageSpec struct {
	Width, Height, Depth int
	Channels             int
	TileWidth, TileHeight, TileDepth int
	Format                           PixelFormat

	// FullWidth/FullHeight describe the "full image" display window,
	// which for cropped subimages may differ from Width/Height. The
	// concrete readers wired here never crop, so these always equal
	// Width/Height, but the field exists because automip's sampling
	// grid (spec §4.C path 2) is defined in terms of the full window.
	FullWidth, FullHeight int

	TextureFormat string
	FileFormat    string
	WrapModes     [2]string // [s, t]
	CubeFace      bool      // true if this file is a cube-map face layout
	YUp           bool      // true only for openexr sources

	// Attributes holds arbitrary metadata attributes discovered on the
	// subimage (e.g. "ImageDescription", "compression"), consulted by
	// get_image_info's fall-through path.
	Attributes map[string]any
}

// TileRowCount / TileColCount return the number of tiles needed to cover
// the subimage in each axis, rounding up.
func (s *ImageSpec) TileColCount() int {
	return ceilDiv(s.Width, s.TileWidth)
}

func (s *ImageSpec) TileRowCount() int {
	return ceilDiv(s.Height, s.TileHeight)
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

func nextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
