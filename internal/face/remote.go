package face

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/photo-check/internal/capability"
	"github.com/example/photo-check/internal/imaging"
	"github.com/example/photo-check/internal/visionclient"
)

const (
	remoteMaxSide     = 1024
	remoteJPEGQuality = 90
)

// Sidecar is the part of visionclient.Client the remote detector needs.
type Sidecar interface {
	Ready(ctx context.Context) error
	DetectFaces(ctx context.Context, jpeg []byte) ([]visionclient.Face, error)
}

// RemoteDetector delegates to the vision sidecar. Images are shrunk before
// upload and the returned boxes mapped back to original pixels.
type RemoteDetector struct {
	sidecar Sidecar
	maxSide int
}

func NewRemoteDetector(sc Sidecar) *RemoteDetector {
	return &RemoteDetector{sidecar: sc, maxSide: remoteMaxSide}
}

func (d *RemoteDetector) Detect(ctx context.Context, img *imaging.Image) ([]Candidate, error) {
	small := img.Downscale(d.maxSide)
	payload, err := small.EncodeJPEG(remoteJPEGQuality)
	if err != nil {
		return nil, err
	}
	faces, err := d.sidecar.DetectFaces(ctx, payload)
	if err != nil {
		return nil, err
	}

	scale := float64(img.Width()) / float64(small.Width())
	out := make([]Candidate, 0, len(faces))
	for _, f := range faces {
		box := Box{
			X: int(float64(f.X) * scale),
			Y: int(float64(f.Y) * scale),
			W: int(float64(f.W) * scale),
			H: int(float64(f.H) * scale),
		}.Clamp(img.Bounds())
		if box.Area() == 0 {
			continue
		}
		out = append(out, Candidate{Box: box, Confidence: f.Confidence})
	}
	return out, nil
}

// RemoteProvider offers the sidecar as the primary face backend. A nil
// sidecar or a failed readiness check makes it unusable.
func RemoteProvider(sc Sidecar) capability.Provider[Detector] {
	return capability.ProviderFunc[Detector]{
		ID: "sidecar",
		Fn: func(ctx context.Context) (Detector, error) {
			if sc == nil {
				return nil, fmt.Errorf("%w: no sidecar configured", capability.ErrUnavailable)
			}
			if err := sc.Ready(ctx); err != nil {
				return nil, errors.Join(capability.ErrUnavailable, err)
			}
			return NewRemoteDetector(sc), nil
		},
	}
}
