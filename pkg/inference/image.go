package inference

import (
	"image"

	xdraw "golang.org/x/image/draw"
)

// Result is one completed inpainting pass: the output pixels in the fixed
// interleaved BGR layout plus their dimensions. The dimensions describe the
// payload, which may differ from the input when the pipeline resizes.
type Result struct {
	BGR    []byte
	Width  int
	Height int
}

// NewResult converts a pipeline output image to its fixed BGR result form.
func NewResult(img image.Image) *Result {
	bounds := img.Bounds()
	return &Result{BGR: ToBGR(img), Width: bounds.Dx(), Height: bounds.Dy()}
}

// ToBGR converts an image to the fixed interleaved BGR byte layout returned to
// clients. Row order is top-down, three bytes per pixel, no padding.
func ToBGR(img image.Image) []byte {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	// Normalize to RGBA first so we read premultiplied-free 8-bit channels
	// regardless of the source image type.
	rgba, ok := img.(*image.RGBA)
	if !ok {
		rgba = image.NewRGBA(image.Rect(0, 0, w, h))
		xdraw.Draw(rgba, rgba.Bounds(), img, bounds.Min, xdraw.Src)
	}

	out := make([]byte, w*h*3)
	for y := 0; y < h; y++ {
		src := rgba.Pix[y*rgba.Stride : y*rgba.Stride+w*4]
		dst := out[y*w*3:]
		for x := 0; x < w; x++ {
			dst[x*3+0] = src[x*4+2]
			dst[x*3+1] = src[x*4+1]
			dst[x*3+2] = src[x*4+0]
		}
	}
	return out
}

// ResampleMask scales a mask to the pipeline's working resolution using
// nearest-neighbor sampling, preserving the 0/255 semantics of mask pixels.
func ResampleMask(mask *image.Gray, w, h int) *image.Gray {
	if mask.Bounds().Dx() == w && mask.Bounds().Dy() == h {
		return mask
	}
	out := image.NewGray(image.Rect(0, 0, w, h))
	xdraw.NearestNeighbor.Scale(out, out.Bounds(), mask, mask.Bounds(), xdraw.Src, nil)
	return out
}
