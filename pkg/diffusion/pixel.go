package diffusion

import "image"

// packRGB flattens an image into interleaved 8-bit RGB, the layout the native
// engine consumes.
func packRGB(img image.Image) []byte {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	out := make([]byte, w*h*3)
	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			out[i+0] = byte(r >> 8)
			out[i+1] = byte(g >> 8)
			out[i+2] = byte(b >> 8)
			i += 3
		}
	}
	return out
}

// unpackRGB rebuilds an RGBA image from interleaved 8-bit RGB engine output.
func unpackRGB(rgb []byte, w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			src := (y*w + x) * 3
			dst := y*img.Stride + x*4
			img.Pix[dst+0] = rgb[src+0]
			img.Pix[dst+1] = rgb[src+1]
			img.Pix[dst+2] = rgb[src+2]
			img.Pix[dst+3] = 0xff
		}
	}
	return img
}
