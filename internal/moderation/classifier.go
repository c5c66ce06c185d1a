// Package moderation asks a vision-capable model whether a photo is suitable
// for a children's book.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/example/photo-check/internal/imaging"
)

// Label is the two-valued moderation outcome.
type Label int

const (
	Safe Label = iota
	Unsafe
)

func (l Label) String() string {
	if l == Unsafe {
		return "UNSAFE"
	}
	return "SAFE"
}

// ErrMalformedResponse is returned when the model answers anything but SAFE or UNSAFE.
var ErrMalformedResponse = errors.New("malformed moderation response")

// Instruction is sent with every image.
const Instruction = `Analyze this photo of a child that will be used to illustrate a children's storybook. Determine whether it contains:
1. Nudity or inappropriate exposure
2. Inappropriate gestures or poses
3. Any other content not suitable for a children's book

Respond with ONLY one word: SAFE if the image is appropriate for a children's book, or UNSAFE otherwise.
If there is any doubt, respond UNSAFE.`

const (
	DefaultMaxSide     = 1024
	DefaultJPEGQuality = 85
	maxTokens          = 10
	temperature        = 0.1
)

// Classifier labels a prepared JPEG. Implementations must be safe for concurrent use.
type Classifier interface {
	Classify(ctx context.Context, jpeg []byte) (Label, error)
	Model() string
}

// ParseLabel accepts exactly SAFE or UNSAFE, ignoring case, surrounding
// whitespace and punctuation.
func ParseLabel(text string) (Label, error) {
	word := strings.TrimFunc(text, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	})
	switch strings.ToUpper(word) {
	case "SAFE":
		return Safe, nil
	case "UNSAFE":
		return Unsafe, nil
	}
	return Safe, fmt.Errorf("%w: %q", ErrMalformedResponse, truncate(text, 64))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Prepare shrinks img to at most maxSide and encodes it as JPEG, keeping
// upload size and cost bounded.
func Prepare(img *imaging.Image, maxSide, quality int) ([]byte, error) {
	if maxSide <= 0 {
		maxSide = DefaultMaxSide
	}
	if quality <= 0 {
		quality = DefaultJPEGQuality
	}
	return img.Downscale(maxSide).EncodeJPEG(quality)
}

type timeoutClassifier struct {
	next    Classifier
	timeout time.Duration
}

// WithTimeout bounds every Classify call on c by d.
func WithTimeout(c Classifier, d time.Duration) Classifier {
	if d <= 0 {
		return c
	}
	return &timeoutClassifier{next: c, timeout: d}
}

func (t *timeoutClassifier) Classify(ctx context.Context, jpeg []byte) (Label, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.next.Classify(ctx, jpeg)
}

func (t *timeoutClassifier) Model() string { return t.next.Model() }
