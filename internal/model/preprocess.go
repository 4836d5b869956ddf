package model

import (
	"image"
	"math"

	"github.com/nfnt/resize"
)

// padValue is the grey used for letterbox borders, as in Ultralytics.
const padValue = 114.0 / 255.0

// letterbox records how an image was fitted into the square model input:
// input = original*scale + pad.
type letterbox struct {
	scale      float32
	padX, padY float32
}

// preprocess resizes img to fit size×size keeping its aspect ratio, centres
// it on a grey square and writes the result into dst as planar RGB floats in
// [0, 1] (CHW layout). dst must hold 3*size*size values.
func preprocess(img image.Image, size int, dst []float32) letterbox {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	scale := min(float64(size)/float64(w), float64(size)/float64(h))
	nw := min(size, max(1, int(math.Round(float64(w)*scale))))
	nh := min(size, max(1, int(math.Round(float64(h)*scale))))
	padX := (size - nw) / 2
	padY := (size - nh) / 2

	for i := range dst[:3*size*size] {
		dst[i] = padValue
	}

	resized := resize.Resize(uint(nw), uint(nh), img, resize.Bilinear)
	rb := resized.Bounds()
	plane := size * size
	for y := 0; y < nh; y++ {
		for x := 0; x < nw; x++ {
			r, g, bl, _ := resized.At(rb.Min.X+x, rb.Min.Y+y).RGBA()

			i := (y+padY)*size + x + padX
			dst[i] = float32(r>>8) / 255.0
			dst[plane+i] = float32(g>>8) / 255.0
			dst[2*plane+i] = float32(bl>>8) / 255.0
		}
	}

	return letterbox{scale: float32(scale), padX: float32(padX), padY: float32(padY)}
}
