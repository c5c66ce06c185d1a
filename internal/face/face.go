// Package face locates faces in a photo using whichever detector backend was
// resolved at startup.
package face

import (
	"context"
	"image"
	"sort"

	"github.com/example/photo-check/internal/capability"
	"github.com/example/photo-check/internal/imaging"
)

// Box is an axis-aligned pixel rectangle.
type Box struct {
	X, Y, W, H int
}

func (b Box) Rect() image.Rectangle { return image.Rect(b.X, b.Y, b.X+b.W, b.Y+b.H) }
func (b Box) Area() int             { return b.W * b.H }
func (b Box) MinSide() int          { return min(b.W, b.H) }

// Center returns the box centre in pixel coordinates.
func (b Box) Center() (float64, float64) {
	return float64(b.X) + float64(b.W)/2, float64(b.Y) + float64(b.H)/2
}

// Clamp intersects the box with bounds.
func (b Box) Clamp(bounds image.Rectangle) Box {
	r := b.Rect().Intersect(bounds)
	return Box{X: r.Min.X, Y: r.Min.Y, W: r.Dx(), H: r.Dy()}
}

// Candidate is one detected face.
type Candidate struct {
	Box
	Confidence float64
}

// Detector finds face candidates. Implementations must be safe for concurrent use.
type Detector interface {
	Detect(ctx context.Context, img *imaging.Image) ([]Candidate, error)
}

// Policy classifies how many faces survived filtering.
type Policy int

const (
	None Policy = iota
	Single
	Multiple
)

func (p Policy) String() string {
	switch p {
	case Single:
		return "single"
	case Multiple:
		return "multiple"
	default:
		return "none"
	}
}

// Config filters raw detections.
type Config struct {
	MinConfidence float64 `yaml:"min_confidence"`
	MinFaceSize   int     `yaml:"min_face_size"`
}

// DefaultConfig mirrors the cascade minimum size used by the calibrated thresholds.
func DefaultConfig() Config {
	return Config{MinConfidence: 0.5, MinFaceSize: 30}
}

// Result is the filtered outcome of one Locate call.
type Result struct {
	Candidates []Candidate
	Backend    string
	// Discarded counts raw detections dropped by the confidence or size filter.
	Discarded int
}

func (r Result) Policy() Policy {
	switch len(r.Candidates) {
	case 0:
		return None
	case 1:
		return Single
	default:
		return Multiple
	}
}

// Best returns the highest-confidence candidate.
func (r Result) Best() (Candidate, bool) {
	if len(r.Candidates) == 0 {
		return Candidate{}, false
	}
	return r.Candidates[0], true
}

// Locator runs the single resolved face backend.
type Locator struct {
	backend capability.Backend[Detector]
	cfg     Config
}

func NewLocator(backend capability.Backend[Detector], cfg Config) *Locator {
	return &Locator{backend: backend, cfg: cfg}
}

func (l *Locator) Backend() capability.Backend[Detector] { return l.backend }

func (l *Locator) Available() bool { return l.backend.Available() }

// Locate returns capability.ErrUnavailable when no backend was resolved.
func (l *Locator) Locate(ctx context.Context, img *imaging.Image) (Result, error) {
	det, ok := l.backend.Get()
	if !ok {
		return Result{}, capability.ErrUnavailable
	}
	raw, err := det.Detect(ctx, img)
	if err != nil {
		return Result{Backend: l.backend.Name()}, err
	}

	kept := make([]Candidate, 0, len(raw))
	for _, c := range raw {
		if c.Confidence < l.cfg.MinConfidence || c.MinSide() < l.cfg.MinFaceSize {
			continue
		}
		kept = append(kept, c)
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Confidence > kept[j].Confidence })

	return Result{
		Candidates: kept,
		Backend:    l.backend.Name(),
		Discarded:  len(raw) - len(kept),
	}, nil
}
