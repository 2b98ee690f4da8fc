package composite

import (
	"image"

	xdraw "golang.org/x/image/draw"
)

// ScaleTo resizes a square texture image to side pixels. Constrained
// headsets take a 512px board instead of the full composite.
func ScaleTo(src image.Image, side int) *image.RGBA {
	if b := src.Bounds(); b.Dx() == side && b.Dy() == side {
		if rgba, ok := src.(*image.RGBA); ok {
			return rgba
		}
	}

	dst := image.NewRGBA(image.Rect(0, 0, side, side))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)
	return dst
}
