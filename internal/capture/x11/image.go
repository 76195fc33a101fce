package x11

import (
	"image"
	"math"

	"golang.org/x/image/draw"
)

// bgraToRGBA converts packed 32-bit X image data (BGRx byte order) into an
// RGBA image. Short data leaves the tail transparent rather than panicking.
func bgraToRGBA(data []byte, width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	n := len(img.Pix)
	if len(data) < n {
		n = len(data) &^ 3
	}
	for i := 0; i < n; i += 4 {
		img.Pix[i] = data[i+2]
		img.Pix[i+1] = data[i+1]
		img.Pix[i+2] = data[i]
		img.Pix[i+3] = 0xff
	}
	return img
}

// scaleDown resamples img to 1/scale of its size with CatmullRom. Scales
// at or below 1.0 return the image untouched.
func scaleDown(img *image.RGBA, scale float64) *image.RGBA {
	if scale <= 1.0 {
		return img
	}
	w := int(math.Round(float64(img.Rect.Dx()) / scale))
	h := int(math.Round(float64(img.Rect.Dy()) / scale))
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Rect, img, img.Rect, draw.Src, nil)
	return dst
}

// cropImage copies the region r out of img into a zero-origin image. The
// region is clipped to the source; a disjoint region yields an empty image.
func cropImage(img *image.RGBA, r image.Rectangle) *image.RGBA {
	r = r.Intersect(img.Rect)
	out := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	if r.Empty() {
		return out
	}
	draw.Draw(out, out.Rect, img, r.Min, draw.Src)
	return out
}
