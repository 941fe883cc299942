package codec

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"math"
)

// JPEG is an 8-bit greyscale JPEG plane codec.
type JPEG struct {
	Quality int
}

func (j JPEG) ID() string { return "jpeg" }

func (j JPEG) EncodePlane(plane []float32, height, width int) ([]byte, error) {
	if len(plane) != height*width {
		return nil, fmt.Errorf("jpeg encode: %d values for %dx%d", len(plane), height, width)
	}
	img := image.NewGray(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := clip01(plane[y*width+x])
			img.Pix[y*img.Stride+x] = uint8(math.Round(float64(v) * 255))
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: j.quality()}); err != nil {
		return nil, fmt.Errorf("jpeg encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (j JPEG) DecodePlane(data []byte, height, width int) ([]float32, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("jpeg decode: %w", err)
	}
	b := img.Bounds()
	if b.Dx() != width || b.Dy() != height {
		return nil, fmt.Errorf("jpeg decode: got %dx%d, want %dx%d", b.Dy(), b.Dx(), height, width)
	}
	gray, ok := img.(*image.Gray)
	if !ok {
		return nil, fmt.Errorf("jpeg decode: unexpected image type %T", img)
	}
	out := make([]float32, height*width)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			out[y*width+x] = float32(gray.Pix[y*gray.Stride+x]) / 255
		}
	}
	return out, nil
}

func (j JPEG) quality() int {
	if j.Quality <= 0 || j.Quality > 100 {
		return 95
	}
	return j.Quality
}
