// Package hand decides whether a hand or finger intrudes on the accepted face.
package hand

import (
	"context"
	"image"
	"math"

	"github.com/example/photo-check/internal/face"
	"github.com/example/photo-check/internal/imaging"
)

// Detector reports whether a hand intrudes on faceBox. Implementations must
// be safe for concurrent use.
type Detector interface {
	Intrudes(ctx context.Context, img *imaging.Image, faceBox face.Box) (Finding, error)
}

// Finding is the outcome of one proximity check. Detail is for logs only.
type Finding struct {
	Intrudes bool
	Detail   string
}

// Config holds the proximity thresholds shared by both backends.
type Config struct {
	// Margin grows the face box by this fraction of its size on every side.
	Margin float64 `yaml:"margin"`
	// CenterRadius is a fraction of the image's shorter side.
	CenterRadius float64 `yaml:"center_radius"`
	// MinSkinAreaRatio is relative to the face box area.
	MinSkinAreaRatio float64 `yaml:"min_skin_area_ratio"`
	// SkinMaxSide bounds the sampled grid of the skin heuristic.
	SkinMaxSide int `yaml:"skin_max_side"`
}

func DefaultConfig() Config {
	return Config{
		Margin:           0.25,
		CenterRadius:     0.15,
		MinSkinAreaRatio: 0.15,
		SkinMaxSide:      256,
	}
}

// withDefaults only fills the sampling grid size. The proximity thresholds
// are used as given, zero included.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SkinMaxSide <= 0 {
		c.SkinMaxSide = d.SkinMaxSide
	}
	return c
}

// ExpandBox grows b by margin times its width and height on every side and
// clamps the result to bounds.
func ExpandBox(b face.Box, margin float64, bounds image.Rectangle) face.Box {
	dx := int(math.Round(float64(b.W) * margin))
	dy := int(math.Round(float64(b.H) * margin))
	return face.Box{X: b.X - dx, Y: b.Y - dy, W: b.W + 2*dx, H: b.H + 2*dy}.Clamp(bounds)
}
