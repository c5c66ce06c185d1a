package hand

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/example/photo-check/internal/capability"
	"github.com/example/photo-check/internal/face"
	"github.com/example/photo-check/internal/imaging"
	"github.com/example/photo-check/internal/visionclient"
)

// Fingertip landmark indices: thumb, index, middle, ring, pinky.
var fingertips = [...]int{4, 8, 12, 16, 20}

const (
	landmarkMaxSide     = 1024
	landmarkJPEGQuality = 90
)

// Sidecar is the part of visionclient.Client the landmark backend needs.
type Sidecar interface {
	Ready(ctx context.Context) error
	DetectHands(ctx context.Context, jpeg []byte) ([]visionclient.Hand, error)
}

// LandmarkDetector tests fingertip positions from the sidecar's hand tracker.
type LandmarkDetector struct {
	sidecar Sidecar
	cfg     Config
}

func NewLandmarkDetector(sc Sidecar, cfg Config) *LandmarkDetector {
	return &LandmarkDetector{sidecar: sc, cfg: cfg.withDefaults()}
}

func (d *LandmarkDetector) Intrudes(ctx context.Context, img *imaging.Image, faceBox face.Box) (Finding, error) {
	payload, err := img.Downscale(landmarkMaxSide).EncodeJPEG(landmarkJPEGQuality)
	if err != nil {
		return Finding{}, err
	}
	hands, err := d.sidecar.DetectHands(ctx, payload)
	if err != nil {
		return Finding{}, err
	}
	return d.evaluate(hands, img.Width(), img.Height(), faceBox), nil
}

func (d *LandmarkDetector) evaluate(hands []visionclient.Hand, width, height int, faceBox face.Box) Finding {
	zone := ExpandBox(faceBox, d.cfg.Margin, image.Rect(0, 0, width, height)).Rect()
	cx, cy := faceBox.Center()
	radius := d.cfg.CenterRadius * float64(min(width, height))

	for h, hand := range hands {
		for _, idx := range fingertips {
			if idx >= len(hand.Landmarks) {
				continue
			}
			lm := hand.Landmarks[idx]
			x, y := lm.X*float64(width), lm.Y*float64(height)
			pt := image.Pt(int(x), int(y))
			if pt.In(zone) {
				return Finding{Intrudes: true, Detail: fmt.Sprintf("hand %d landmark %d inside face zone at %v", h, idx, pt)}
			}
			if dist := math.Hypot(x-cx, y-cy); dist < radius {
				return Finding{Intrudes: true, Detail: fmt.Sprintf("hand %d landmark %d %.0fpx from face centre", h, idx, dist)}
			}
		}
	}
	return Finding{Detail: fmt.Sprintf("%d hands clear of face", len(hands))}
}

// LandmarkProvider offers the sidecar hand tracker as the primary hand backend.
func LandmarkProvider(sc Sidecar, cfg Config) capability.Provider[Detector] {
	return capability.ProviderFunc[Detector]{
		ID: "sidecar-landmarks",
		Fn: func(ctx context.Context) (Detector, error) {
			if sc == nil {
				return nil, fmt.Errorf("%w: no sidecar configured", capability.ErrUnavailable)
			}
			if err := sc.Ready(ctx); err != nil {
				return nil, errors.Join(capability.ErrUnavailable, err)
			}
			return NewLandmarkDetector(sc, cfg), nil
		},
	}
}
