// Package imaging holds the decoded, immutable pixel buffer that every
// validation stage reads from.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	_ "image/gif"
	_ "image/png"

	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// MaxPixels caps the decoded raster size. Compressed formats can declare
// huge dimensions in a few hundred kilobytes.
const MaxPixels = 40_000_000

var (
	// ErrEmpty is returned when Decode receives no bytes.
	ErrEmpty    = errors.New("empty image payload")
	// ErrTooLarge is returned when the declared dimensions exceed MaxPixels.
	ErrTooLarge = errors.New("image dimensions exceed limit")
)

// Image is a decoded raster plus its metadata. It is never mutated after
// Decode or FromImage returns.
type Image struct {
	rgba     *image.RGBA
	luma     []uint8
	format   string
	channels int
}

// Decode parses JPEG, PNG, GIF or WebP bytes into an Image.
func Decode(data []byte) (*Image, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("decode image: empty dimensions %dx%d", cfg.Width, cfg.Height)
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return nil, fmt.Errorf("decode image: %dx%d: %w", cfg.Width, cfg.Height, ErrTooLarge)
	}
	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	b := src.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("decode image: empty bounds %v", b)
	}
	return fromImage(src, format), nil
}

// FromImage wraps an already decoded image. format is informational.
func FromImage(src image.Image, format string) *Image {
	return fromImage(src, format)
}

func fromImage(src image.Image, format string) *Image {
	b := src.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), src, b.Min, draw.Src)

	return &Image{
		rgba:     rgba,
		luma:     lumaPlane(rgba),
		format:   format,
		channels: channelsOf(src.ColorModel()),
	}
}

func channelsOf(model color.Model) int {
	switch model {
	case color.GrayModel, color.Gray16Model:
		return 1
	case color.RGBAModel, color.RGBA64Model, color.NRGBAModel, color.NRGBA64Model:
		return 4
	case color.AlphaModel, color.Alpha16Model:
		return 1
	default:
		return 3
	}
}

// lumaPlane computes Rec. 601 luma, matching the grayscale conversion most
// detectors are calibrated on.
func lumaPlane(rgba *image.RGBA) []uint8 {
	w, h := rgba.Rect.Dx(), rgba.Rect.Dy()
	out := make([]uint8, w*h)
	for y := 0; y < h; y++ {
		row := rgba.Pix[y*rgba.Stride : y*rgba.Stride+w*4]
		for x := 0; x < w; x++ {
			r, g, b := uint32(row[x*4]), uint32(row[x*4+1]), uint32(row[x*4+2])
			out[y*w+x] = uint8((299*r + 587*g + 114*b + 500) / 1000)
		}
	}
	return out
}

func (im *Image) Width() int     { return im.rgba.Rect.Dx() }
func (im *Image) Height() int    { return im.rgba.Rect.Dy() }
func (im *Image) Format() string { return im.format }
func (im *Image) Channels() int  { return im.channels }

// MinSide returns min(width, height).
func (im *Image) MinSide() int {
	return min(im.Width(), im.Height())
}

// Bounds is the zero-origin pixel rectangle.
func (im *Image) Bounds() image.Rectangle { return im.rgba.Rect }

// Luma returns the grayscale plane in row-major order. Callers must not modify it.
func (im *Image) Luma() []uint8 { return im.luma }

// RGBA returns the underlying pixels. Callers must not modify them.
func (im *Image) RGBA() *image.RGBA { return im.rgba }

// At returns the RGB triple at (x, y).
func (im *Image) At(x, y int) (r, g, b uint8) {
	i := im.rgba.PixOffset(x, y)
	p := im.rgba.Pix[i : i+3 : i+3]
	return p[0], p[1], p[2]
}

// Downscale returns an image whose longest side is at most maxSide. The
// receiver is returned unchanged when it already fits.
func (im *Image) Downscale(maxSide int) *Image {
	w, h := im.Width(), im.Height()
	longest := max(w, h)
	if maxSide <= 0 || longest <= maxSide {
		return im
	}
	scale := float64(maxSide) / float64(longest)
	nw := max(1, int(float64(w)*scale+0.5))
	nh := max(1, int(float64(h)*scale+0.5))

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), im.rgba, im.rgba.Bounds(), xdraw.Src, nil)

	return &Image{
		rgba:     dst,
		luma:     lumaPlane(dst),
		format:   im.format,
		channels: im.channels,
	}
}

// EncodeJPEG re-encodes the image as a baseline JPEG.
func (im *Image) EncodeJPEG(quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, im.rgba, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
