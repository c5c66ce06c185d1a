// Package quality scores the photographic quality of a decoded image.
package quality

import (
	"math"

	"github.com/example/photo-check/internal/imaging"
)

// Metric names reported by Report.FailedMetric.
const (
	MetricResolution = "resolution"
	MetricBlur       = "blur"
	MetricBrightness = "brightness"
	MetricContrast   = "contrast"
)

// Thresholds are the calibrated cut-offs. Every field is used as given, so
// start from DefaultThresholds when overriding a subset.
type Thresholds struct {
	MinResolution int     `yaml:"min_resolution"`
	BlurThreshold float64 `yaml:"blur_threshold"`
	BrightnessMin float64 `yaml:"brightness_min"`
	BrightnessMax float64 `yaml:"brightness_max"`
	ContrastMin   float64 `yaml:"contrast_min"`
}

// DefaultThresholds mirrors the values the service has been running with.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinResolution: 200,
		BlurThreshold: 100,
		BrightnessMin: 50,
		BrightnessMax: 240,
		ContrastMin:   20,
	}
}

// Metrics are the raw scalar measurements.
type Metrics struct {
	MinSide    int     `json:"min_side"`
	Sharpness  float64 `json:"sharpness"`
	Brightness float64 `json:"brightness"`
	Contrast   float64 `json:"contrast"`
}

// Report is the outcome of one analysis.
type Report struct {
	ResolutionOK bool
	BlurOK       bool
	BrightnessOK bool
	ContrastOK   bool
	Metrics      Metrics
}

// OK reports whether every sub-check passed.
func (r Report) OK() bool {
	return r.ResolutionOK && r.BlurOK && r.BrightnessOK && r.ContrastOK
}

// FailedMetric names the first failing sub-check in evaluation order, or "".
func (r Report) FailedMetric() string {
	switch {
	case !r.ResolutionOK:
		return MetricResolution
	case !r.BlurOK:
		return MetricBlur
	case !r.BrightnessOK:
		return MetricBrightness
	case !r.ContrastOK:
		return MetricContrast
	}
	return ""
}

// Analyzer is stateless and safe for concurrent use.
type Analyzer struct {
	thresholds Thresholds
}

func NewAnalyzer(t Thresholds) *Analyzer {
	return &Analyzer{thresholds: t}
}

func (a *Analyzer) Thresholds() Thresholds { return a.thresholds }

// Analyze measures img and compares every metric against the thresholds.
func (a *Analyzer) Analyze(img *imaging.Image) Report {
	t := a.thresholds
	w, h := img.Width(), img.Height()
	luma := img.Luma()

	mean, stddev := meanStdDev(luma)
	m := Metrics{
		MinSide:    img.MinSide(),
		Sharpness:  LaplacianVariance(luma, w, h),
		Brightness: mean,
		Contrast:   stddev,
	}

	return Report{
		ResolutionOK: m.MinSide >= t.MinResolution,
		BlurOK:       m.Sharpness >= t.BlurThreshold,
		BrightnessOK: m.Brightness >= t.BrightnessMin && m.Brightness <= t.BrightnessMax,
		ContrastOK:   m.Contrast >= t.ContrastMin,
		Metrics:      m,
	}
}

func meanStdDev(px []uint8) (float64, float64) {
	if len(px) == 0 {
		return 0, 0
	}
	var sum, sumSq float64
	for _, p := range px {
		v := float64(p)
		sum += v
		sumSq += v * v
	}
	n := float64(len(px))
	mean := sum / n
	variance := sumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	return mean, math.Sqrt(variance)
}

// LaplacianVariance is the variance of the 4-neighbour Laplacian response
// over the interior of a w×h grayscale plane. Sharper images score higher.
func LaplacianVariance(gray []uint8, w, h int) float64 {
	if w < 3 || h < 3 || len(gray) < w*h {
		return 0
	}
	var sum, sumSq float64
	n := 0
	for y := 1; y < h-1; y++ {
		row := y * w
		for x := 1; x < w-1; x++ {
			i := row + x
			lap := int(gray[i-w]) + int(gray[i+w]) + int(gray[i-1]) + int(gray[i+1]) - 4*int(gray[i])
			v := float64(lap)
			sum += v
			sumSq += v * v
			n++
		}
	}
	mean := sum / float64(n)
	return sumSq/float64(n) - mean*mean
}
