package face

import (
	"context"
	_ "embed"
	"fmt"
	"os"

	pigo "github.com/esimov/pigo/core"

	"github.com/example/photo-check/internal/capability"
	"github.com/example/photo-check/internal/imaging"
)

// facefinder is the frontal-face cascade distributed with pigo.
//
//go:embed cascade/facefinder
var facefinder []byte

// CascadeConfig tunes the pixel-intensity-comparison cascade.
type CascadeConfig struct {
	MinSize     int
	MaxSize     int
	ShiftFactor float64
	ScaleFactor float64
	// QThreshold is the detection score mapped to confidence 0.5.
	QThreshold float64
	// IoU is the overlap above which detections are merged.
	IoU float64
}

func DefaultCascadeConfig() CascadeConfig {
	return CascadeConfig{
		MinSize:     30,
		MaxSize:     2000,
		ShiftFactor: 0.1,
		ScaleFactor: 1.1,
		QThreshold:  5.0,
		IoU:         0.2,
	}
}

// CascadeDetector is the in-process fallback. The unpacked classifier is
// read-only, so one detector serves every request.
type CascadeDetector struct {
	classifier *pigo.Pigo
	cfg        CascadeConfig
}

// NewCascadeDetector unpacks a pigo facefinder cascade.
func NewCascadeDetector(cascade []byte, cfg CascadeConfig) (*CascadeDetector, error) {
	classifier, err := pigo.NewPigo().Unpack(cascade)
	if err != nil {
		return nil, fmt.Errorf("unpack cascade: %w", err)
	}
	return &CascadeDetector{classifier: classifier, cfg: cfg}, nil
}

func (d *CascadeDetector) Detect(ctx context.Context, img *imaging.Image) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, cols := img.Height(), img.Width()
	params := pigo.CascadeParams{
		MinSize:     d.cfg.MinSize,
		MaxSize:     min(d.cfg.MaxSize, max(rows, cols)),
		ShiftFactor: d.cfg.ShiftFactor,
		ScaleFactor: d.cfg.ScaleFactor,
		ImageParams: pigo.ImageParams{
			Pixels: img.Luma(),
			Rows:   rows,
			Cols:   cols,
			Dim:    cols,
		},
	}
	dets := d.classifier.RunCascade(params, 0)
	dets = d.classifier.ClusterDetections(dets, d.cfg.IoU)

	out := make([]Candidate, 0, len(dets))
	for _, det := range dets {
		q := float64(det.Q)
		if q <= 0 {
			continue
		}
		half := det.Scale / 2
		box := Box{X: det.Col - half, Y: det.Row - half, W: det.Scale, H: det.Scale}.Clamp(img.Bounds())
		if box.Area() == 0 {
			continue
		}
		out = append(out, Candidate{Box: box, Confidence: q / (q + d.cfg.QThreshold)})
	}
	return out, nil
}

// CascadeProvider offers a pigo cascade as the fallback face backend. An
// empty path selects the embedded facefinder cascade.
func CascadeProvider(path string, cfg CascadeConfig) capability.Provider[Detector] {
	return capability.ProviderFunc[Detector]{
		ID: "pigo-cascade",
		Fn: func(context.Context) (Detector, error) {
			data := facefinder
			if path != "" {
				var err error
				if data, err = os.ReadFile(path); err != nil {
					return nil, fmt.Errorf("%w: %v", capability.ErrUnavailable, err)
				}
			}
			det, err := NewCascadeDetector(data, cfg)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", capability.ErrUnavailable, err)
			}
			return det, nil
		},
	}
}
