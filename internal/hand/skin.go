package hand

import (
	"context"
	"fmt"
	"image/color"

	"github.com/example/photo-check/internal/capability"
	"github.com/example/photo-check/internal/face"
	"github.com/example/photo-check/internal/imaging"
)

// Skin chroma window in YCbCr; luma is ignored so lighting changes matter less.
const (
	cbMin, cbMax = 77, 127
	crMin, crMax = 133, 173
)

// SkinDetector is the heuristic fallback: skin-coloured blobs in the ring
// between the face box and its expanded zone.
type SkinDetector struct {
	cfg Config
}

func NewSkinDetector(cfg Config) *SkinDetector {
	return &SkinDetector{cfg: cfg.withDefaults()}
}

func isSkin(r, g, b uint8) bool {
	_, cb, cr := color.RGBToYCbCr(r, g, b)
	return cb >= cbMin && cb <= cbMax && cr >= crMin && cr <= crMax
}

func (d *SkinDetector) Intrudes(ctx context.Context, img *imaging.Image, faceBox face.Box) (Finding, error) {
	if err := ctx.Err(); err != nil {
		return Finding{}, err
	}
	zone := ExpandBox(faceBox, d.cfg.Margin, img.Bounds())
	if zone.Area() == 0 || faceBox.Area() == 0 {
		return Finding{Detail: "empty face zone"}, nil
	}
	faceRect := faceBox.Rect()

	// Sample the zone on a grid no larger than SkinMaxSide per side.
	step := max(1, (max(zone.W, zone.H)+d.cfg.SkinMaxSide-1)/d.cfg.SkinMaxSide)
	gw := (zone.W + step - 1) / step
	gh := (zone.H + step - 1) / step
	mask := make([]bool, gw*gh)
	for gy := 0; gy < gh; gy++ {
		y := zone.Y + gy*step
		for gx := 0; gx < gw; gx++ {
			x := zone.X + gx*step
			if x >= faceRect.Min.X && x < faceRect.Max.X && y >= faceRect.Min.Y && y < faceRect.Max.Y {
				continue
			}
			mask[gy*gw+gx] = isSkin(img.At(x, y))
		}
	}

	largest := largestComponent(mask, gw, gh) * step * step
	limit := d.cfg.MinSkinAreaRatio * float64(faceBox.Area())
	detail := fmt.Sprintf("largest skin component %dpx, limit %.0fpx", largest, limit)
	return Finding{Intrudes: float64(largest) > limit, Detail: detail}, nil
}

// largestComponent returns the cell count of the biggest 4-connected region of mask.
func largestComponent(mask []bool, w, h int) int {
	seen := make([]bool, len(mask))
	stack := make([]int, 0, 64)
	best := 0
	for start, on := range mask {
		if !on || seen[start] {
			continue
		}
		seen[start] = true
		stack = append(stack[:0], start)
		size := 0
		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			size++
			x, y := i%w, i/w
			for _, n := range [4][2]int{{x - 1, y}, {x + 1, y}, {x, y - 1}, {x, y + 1}} {
				if n[0] < 0 || n[0] >= w || n[1] < 0 || n[1] >= h {
					continue
				}
				j := n[1]*w + n[0]
				if mask[j] && !seen[j] {
					seen[j] = true
					stack = append(stack, j)
				}
			}
		}
		best = max(best, size)
	}
	return best
}

// SkinProvider offers the colour heuristic. It has no runtime dependency and
// always resolves.
func SkinProvider(cfg Config) capability.Provider[Detector] {
	return capability.ProviderFunc[Detector]{
		ID: "skin-heuristic",
		Fn: func(context.Context) (Detector, error) {
			return NewSkinDetector(cfg), nil
		},
	}
}
