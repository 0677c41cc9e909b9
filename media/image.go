// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package media

import (
	"errors"
	"fmt"
)

// Format identifies the memory layout of an Image.
type Format int

const (
	// FormatI420 is YUV 4:2:0 planar: a full-size Y plane followed by U and
	// V planes subsampled by two in both directions.
	FormatI420 Format = iota + 1

	// FormatRGBX is packed 32-bit R, G, B, X in a single plane.
	FormatRGBX
)

func (f Format) String() string {
	switch f {
	case FormatI420:
		return "I420"
	case FormatRGBX:
		return "RGBX"
	default:
		return "unknown"
	}
}

// PlaneCount returns the number of planes used by the format.
func (f Format) PlaneCount() int {
	switch f {
	case FormatI420:
		return 3
	case FormatRGBX:
		return 1
	default:
		return 0
	}
}

// Plane indices.
const (
	PlaneY = 0
	PlaneU = 1
	PlaneV = 2

	PlanePacked = 0
)

// ErrInvalidImage is returned by NewImage for unusable parameters.
var ErrInvalidImage = errors.New("media: invalid image")

// maxImageDimension bounds NewImage so plane sizes cannot overflow int.
const maxImageDimension = 1 << 15

// Image is a picture with up to three planes, each with its own stride.
// Unused planes are nil.
type Image struct {
	Format  Format
	Width   int
	Height  int
	Planes  [3][]byte
	Strides [3]int
}

// ChromaSize returns the dimensions of the U and V planes of an I420 image.
// Odd sizes round up.
func ChromaSize(width, height int) (int, int) {
	return (width + 1) / 2, (height + 1) / 2
}

// NewImage allocates a tightly packed image. Width and height must be
// positive.
func NewImage(format Format, width, height int) (*Image, error) {
	if width <= 0 || height <= 0 || width > maxImageDimension || height > maxImageDimension {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidImage, width, height)
	}

	img := &Image{Format: format, Width: width, Height: height}
	switch format {
	case FormatI420:
		cw, ch := ChromaSize(width, height)
		img.Strides = [3]int{width, cw, cw}
		img.Planes[PlaneY] = make([]byte, width*height)
		img.Planes[PlaneU] = make([]byte, cw*ch)
		img.Planes[PlaneV] = make([]byte, cw*ch)
	case FormatRGBX:
		img.Strides[PlanePacked] = width * 4
		img.Planes[PlanePacked] = make([]byte, width*height*4)
	default:
		return nil, fmt.Errorf("%w: unsupported format %d", ErrInvalidImage, format)
	}
	return img, nil
}

// Fill paints an I420 image with a single Y, U, V triple.
func (img *Image) Fill(y, u, v byte) {
	if img.Format != FormatI420 {
		return
	}
	fill(img.Planes[PlaneY], y)
	fill(img.Planes[PlaneU], u)
	fill(img.Planes[PlaneV], v)
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}

// Size returns the total number of bytes held by the planes.
func (img *Image) Size() int {
	n := 0
	for _, p := range img.Planes {
		n += len(p)
	}
	return n
}
