// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

// Package yuv converts between I420 images and packed 32-bit R, G, B, X
// framebuffers using BT.601 limited-range integer arithmetic.
//
// Callers size every buffer through checked constructors; the conversion
// functions do not validate their arguments.
package yuv

import "github.com/tenthirtyam/go-vnc-bridge/media"

// BytesPerPixel is the size of one packed pixel.
const BytesPerPixel = 4

// alpha is written to the X byte of every packed pixel.
const alpha = 0xff

func clamp(v int32) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}

// I420ToPacked converts the top-left width x height pixels of img into out,
// whose rows are outStride bytes apart.
func I420ToPacked(img *media.Image, out []byte, outStride, width, height int) {
	yp, up, vp := img.Planes[media.PlaneY], img.Planes[media.PlaneU], img.Planes[media.PlaneV]
	ys, us, vs := img.Strides[media.PlaneY], img.Strides[media.PlaneU], img.Strides[media.PlaneV]

	for row := 0; row < height; row++ {
		yrow := yp[row*ys : row*ys+width]
		urow := up[(row/2)*us:]
		vrow := vp[(row/2)*vs:]
		dst := out[row*outStride : row*outStride+width*BytesPerPixel]

		for col, y := range yrow {
			c := 298 * (int32(y) - 16)
			d := int32(urow[col/2]) - 128
			e := int32(vrow[col/2]) - 128

			px := dst[col*BytesPerPixel : col*BytesPerPixel+BytesPerPixel]
			px[0] = clamp((c + 409*e + 128) >> 8)
			px[1] = clamp((c - 100*d - 208*e + 128) >> 8)
			px[2] = clamp((c + 516*d + 128) >> 8)
			px[3] = alpha
		}
	}
}

func luma(r, g, b int32) byte {
	return clamp(((66*r + 129*g + 25*b + 128) >> 8) + 16)
}

// PackedToI420 converts width x height packed pixels from in, whose rows
// are inStride bytes apart, into img. Each chroma sample is taken from the
// average color of its 2x2 block.
func PackedToI420(in []byte, inStride int, img *media.Image, width, height int) {
	yp, up, vp := img.Planes[media.PlaneY], img.Planes[media.PlaneU], img.Planes[media.PlaneV]
	ys, us, vs := img.Strides[media.PlaneY], img.Strides[media.PlaneU], img.Strides[media.PlaneV]

	for row := 0; row < height; row += 2 {
		rows := min(2, height-row)
		for col := 0; col < width; col += 2 {
			cols := min(2, width-col)

			var sr, sg, sb int32
			for dy := 0; dy < rows; dy++ {
				for dx := 0; dx < cols; dx++ {
					off := (row+dy)*inStride + (col+dx)*BytesPerPixel
					r, g, b := int32(in[off]), int32(in[off+1]), int32(in[off+2])
					yp[(row+dy)*ys+col+dx] = luma(r, g, b)
					sr, sg, sb = sr+r, sg+g, sb+b
				}
			}

			n := int32(rows * cols) // #nosec G115 - at most 4
			r, g, b := (sr+n/2)/n, (sg+n/2)/n, (sb+n/2)/n
			up[(row/2)*us+col/2] = clamp(((-38*r - 74*g + 112*b + 128) >> 8) + 128)
			vp[(row/2)*vs+col/2] = clamp(((112*r - 94*g - 18*b + 128) >> 8) + 128)
		}
	}
}
