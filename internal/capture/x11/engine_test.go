package x11

import (
	"bytes"
	"image"
	"image/png"
	"testing"

	"github.com/bryanchriswhite/framegrab/internal/capture"
)

func TestBGRAConversion(t *testing.T) {
	// Two pixels: pure red and pure blue in BGRx order.
	data := []byte{
		0x00, 0x00, 0xff, 0x00, // red
		0xff, 0x00, 0x00, 0x00, // blue
	}
	img := bgraToRGBA(data, 2, 1)

	r, g, b, a := img.At(0, 0).RGBA()
	if r>>8 != 0xff || g != 0 || b != 0 || a>>8 != 0xff {
		t.Errorf("pixel 0 = %x %x %x %x, want opaque red", r>>8, g>>8, b>>8, a>>8)
	}
	r, g, b, _ = img.At(1, 0).RGBA()
	if r != 0 || g != 0 || b>>8 != 0xff {
		t.Errorf("pixel 1 = %x %x %x, want blue", r>>8, g>>8, b>>8)
	}
}

func TestBGRAConversionShortData(t *testing.T) {
	data := []byte{0x10, 0x20, 0x30, 0x00}
	img := bgraToRGBA(data, 2, 2)
	if img.Rect.Dx() != 2 || img.Rect.Dy() != 2 {
		t.Fatalf("image bounds = %v, want 2x2", img.Rect)
	}
	if img.Pix[0] != 0x30 || img.Pix[2] != 0x10 {
		t.Errorf("first pixel not swizzled: %v", img.Pix[:4])
	}
}

func TestScaleDownHalves(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 100, 80))
	dst := scaleDown(src, 2.0)
	if dst.Rect.Dx() != 50 || dst.Rect.Dy() != 40 {
		t.Errorf("scaled size = %dx%d, want 50x40", dst.Rect.Dx(), dst.Rect.Dy())
	}
}

func TestScaleDownIdentity(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 64, 64))
	if got := scaleDown(src, 1.0); got != src {
		t.Error("scale 1.0 should return the image untouched")
	}
	if got := scaleDown(src, 0.5); got != src {
		t.Error("sub-unity scale should return the image untouched")
	}
}

func TestCropImage(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 10, 10))
	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			src.Pix[(y*10+x)*4] = uint8(x)
			src.Pix[(y*10+x)*4+3] = 0xff
		}
	}

	out := cropImage(src, image.Rect(3, 2, 8, 9))
	if out.Rect.Dx() != 5 || out.Rect.Dy() != 7 {
		t.Fatalf("crop size = %dx%d, want 5x7", out.Rect.Dx(), out.Rect.Dy())
	}
	if out.Rect.Min != (image.Point{}) {
		t.Errorf("crop origin = %v, want (0,0)", out.Rect.Min)
	}
	if out.Pix[0] != 3 {
		t.Errorf("crop top-left red channel = %d, want 3 (source x)", out.Pix[0])
	}
}

func TestCropImageDisjoint(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 4, 4))
	out := cropImage(src, image.Rect(100, 100, 120, 120))
	if out.Rect.Dx() != 0 || out.Rect.Dy() != 0 {
		t.Errorf("disjoint crop = %v, want empty", out.Rect)
	}
}

func TestApplyScalePref(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 200, 100))

	if got := applyScalePref(src, 2.0, capture.ScaleNative); got != src {
		t.Error("native pref must not rescale")
	}
	got := applyScalePref(src, 2.0, capture.ScaleLogical1x)
	if got.Rect.Dx() != 100 || got.Rect.Dy() != 50 {
		t.Errorf("logical1x on 2x display = %dx%d, want 100x50", got.Rect.Dx(), got.Rect.Dy())
	}
	if got := applyScalePref(src, 1.0, capture.ScaleLogical1x); got != src {
		t.Error("logical1x on 1x display must not rescale")
	}
}

func TestEncodeResult(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 8, 6))
	res, err := encodeResult(img, capture.Metadata{Mode: "area"})
	if err != nil {
		t.Fatalf("encodeResult() = %v", err)
	}
	if len(res.PNG) == 0 {
		t.Fatal("empty PNG output")
	}
	decoded, err := png.Decode(bytes.NewReader(res.PNG))
	if err != nil {
		t.Fatalf("output is not decodable PNG: %v", err)
	}
	if decoded.Bounds().Dx() != 8 {
		t.Errorf("decoded width = %d, want 8", decoded.Bounds().Dx())
	}
	if res.Meta.PixelWidth != 8 || res.Meta.PixelHeight != 6 {
		t.Errorf("meta dims = %dx%d, want 8x6", res.Meta.PixelWidth, res.Meta.PixelHeight)
	}
	if res.Meta.Engine != capture.KindLegacy {
		t.Errorf("meta engine = %q, want legacy", res.Meta.Engine)
	}
	if res.Meta.CapturedAt.IsZero() {
		t.Error("captured_at not stamped")
	}
}
