package validation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/photo-check/internal/audit"
	"github.com/example/photo-check/internal/capability"
	"github.com/example/photo-check/internal/face"
	"github.com/example/photo-check/internal/hand"
	"github.com/example/photo-check/internal/imaging"
	"github.com/example/photo-check/internal/moderation"
	"github.com/example/photo-check/internal/quality"
)

// sharpPhoto is a well-lit high-contrast image that passes every quality check.
func sharpPhoto(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(40)
			if (x/4+y/4)%2 == 0 {
				v = 210
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	return encodePNG(t, img)
}

func blackPhoto(t *testing.T, w, h int) []byte {
	t.Helper()
	return encodePNG(t, image.NewGray(image.Rect(0, 0, w, h)))
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type stubFaces struct {
	candidates []face.Candidate
	err        error
	panicWith  any
	calls      atomic.Int32
}

func (s *stubFaces) Detect(context.Context, *imaging.Image) ([]face.Candidate, error) {
	s.calls.Add(1)
	if s.panicWith != nil {
		panic(s.panicWith)
	}
	return s.candidates, s.err
}

func oneFace() *stubFaces {
	return &stubFaces{candidates: []face.Candidate{{Box: face.Box{X: 400, Y: 300, W: 200, H: 240}, Confidence: 0.97}}}
}

func twoFaces() *stubFaces {
	return &stubFaces{candidates: []face.Candidate{
		{Box: face.Box{X: 100, Y: 300, W: 200, H: 240}, Confidence: 0.95},
		{Box: face.Box{X: 600, Y: 300, W: 200, H: 240}, Confidence: 0.91},
	}}
}

type stubHands struct {
	intrudes  bool
	err       error
	panicWith any
	calls     atomic.Int32

	mu     sync.Mutex
	gotBox face.Box
}

func (s *stubHands) Intrudes(_ context.Context, _ *imaging.Image, box face.Box) (hand.Finding, error) {
	s.calls.Add(1)
	if s.panicWith != nil {
		panic(s.panicWith)
	}
	s.mu.Lock()
	s.gotBox = box
	s.mu.Unlock()
	return hand.Finding{Intrudes: s.intrudes, Detail: "stub"}, s.err
}

type stubModerator struct {
	label     moderation.Label
	err       error
	panicWith any
	calls     atomic.Int32
}

func (s *stubModerator) Model() string { return "stub-vision" }

func (s *stubModerator) Classify(context.Context, []byte) (moderation.Label, error) {
	s.calls.Add(1)
	if s.panicWith != nil {
		panic(s.panicWith)
	}
	return s.label, s.err
}

type fixture struct {
	faces     face.Detector
	hands     hand.Detector
	moderator moderation.Classifier
	lenient   bool
	tally     *audit.Tally
}

func (f *fixture) validator() *Validator {
	faceBackend := capability.None[face.Detector]("face")
	if f.faces != nil {
		faceBackend = capability.Static("face", capability.Primary, "stub-faces", f.faces)
	}
	handBackend := capability.None[hand.Detector]("hand")
	if f.hands != nil {
		handBackend = capability.Static("hand", capability.Fallback, "stub-hands", f.hands)
	}
	f.tally = audit.NewTally()
	return New(Deps{
		Quality:   quality.NewAnalyzer(quality.DefaultThresholds()),
		Faces:     face.NewLocator(faceBackend, face.DefaultConfig()),
		Hands:     handBackend,
		Moderator: f.moderator,
		Audit:     f.tally,
	}, Config{LenientFace: f.lenient}, zap.NewNop())
}

func (f *fixture) auditEvents(t *testing.T) *audit.Summary {
	t.Helper()
	s, err := f.tally.Summary(context.Background())
	require.NoError(t, err)
	return s
}

func TestBlackSquareIsLowQuality(t *testing.T) {
	faces := oneFace()
	f := &fixture{faces: faces}
	v := f.validator().Validate(context.Background(), blackPhoto(t, 150, 150), Options{})

	assert.False(t, v.Accepted)
	assert.Equal(t, ReasonLowQuality, v.Reason)
	assert.Contains(t, v.Detail, "resolution")
	assert.Zero(t, faces.calls.Load(), "later stages must not run")
	require.NotNil(t, v.Trace.Quality)
	assert.Equal(t, 150, v.Trace.Quality.MinSide)
}

func TestUnreadableImage(t *testing.T) {
	f := &fixture{faces: oneFace()}
	val := f.validator()

	for _, data := range [][]byte{nil, []byte("definitely not an image"), sharpPhoto(t, 300, 300)[:40]} {
		v := val.Validate(context.Background(), data, Options{})
		assert.Equal(t, ReasonUnreadableImage, v.Reason)
		outcome, ok := v.Trace.Outcome(StageDecode)
		assert.True(t, ok)
		assert.Equal(t, OutcomeRejected, outcome)
		_, ran := v.Trace.Outcome(StageQuality)
		assert.False(t, ran)
	}
}

func TestMultipleFaces(t *testing.T) {
	f := &fixture{faces: twoFaces(), hands: &stubHands{}, moderator: &stubModerator{}}
	v := f.validator().Validate(context.Background(), sharpPhoto(t, 1000, 1000), Options{})

	assert.Equal(t, ReasonMultipleFaces, v.Reason)
	assert.Equal(t, 2, v.Trace.FaceCount)
}

func TestNoFace(t *testing.T) {
	f := &fixture{faces: &stubFaces{}}
	v := f.validator().Validate(context.Background(), sharpPhoto(t, 400, 400), Options{})
	assert.Equal(t, ReasonNoFace, v.Reason)
}

func TestFingerOverMouth(t *testing.T) {
	photo := sharpPhoto(t, 1000, 1000)

	hands := &stubHands{intrudes: true}
	withHands := &fixture{faces: oneFace(), hands: hands, moderator: &stubModerator{label: moderation.Safe}}
	v := withHands.validator().Validate(context.Background(), photo, Options{})
	assert.Equal(t, ReasonInappropriatePose, v.Reason)
	assert.Equal(t, face.Box{X: 400, Y: 300, W: 200, H: 240}, hands.gotBox)

	withoutHands := &fixture{faces: oneFace(), moderator: &stubModerator{label: moderation.Safe}}
	v = withoutHands.validator().Validate(context.Background(), photo, Options{})
	assert.True(t, v.Accepted, v.String())
	outcome, _ := v.Trace.Outcome(StageHand)
	assert.Equal(t, OutcomeUnavailable, outcome)
}

func TestAcceptedWhenEverythingPasses(t *testing.T) {
	mod := &stubModerator{label: moderation.Safe}
	f := &fixture{faces: oneFace(), hands: &stubHands{}, moderator: mod}
	v := f.validator().Validate(context.Background(), sharpPhoto(t, 800, 800), Options{RequestID: "req-42"})

	assert.True(t, v.Accepted)
	assert.Empty(t, v.Message())
	assert.Equal(t, "req-42", v.Trace.RequestID)
	assert.Equal(t, int32(1), mod.calls.Load())

	var stages []Stage
	for _, s := range v.Trace.Stages {
		stages = append(stages, s.Stage)
	}
	assert.Equal(t, []Stage{StageDecode, StageQuality, StageFace, StageHand, StageContent}, stages)
	assert.Zero(t, f.auditEvents(t).TotalEvents)
}

func TestUnsafeContent(t *testing.T) {
	f := &fixture{faces: oneFace(), hands: &stubHands{}, moderator: &stubModerator{label: moderation.Unsafe}}
	v := f.validator().Validate(context.Background(), sharpPhoto(t, 600, 600), Options{})

	assert.Equal(t, ReasonUnsafeContent, v.Reason)
	assert.Equal(t, ReasonUnsafeContent.Message(), v.Message())
}

func TestModerationFailsOpen(t *testing.T) {
	cases := []struct {
		name  string
		mod   *stubModerator
		cause audit.Cause
	}{
		{name: "timeout", mod: &stubModerator{err: fmt.Errorf("openai: %w", context.DeadlineExceeded)}, cause: audit.CauseTimeout},
		{name: "malformed", mod: &stubModerator{err: moderation.ErrMalformedResponse}, cause: audit.CauseMalformed},
		{name: "policy violation", mod: &stubModerator{err: errors.New("content_policy_violation")}, cause: audit.CauseError},
		{name: "panic", mod: &stubModerator{panicWith: "nil map"}, cause: audit.CausePanic},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := &fixture{faces: oneFace(), hands: &stubHands{}, moderator: tc.mod}
			v := f.validator().Validate(context.Background(), sharpPhoto(t, 500, 500), Options{})

			assert.True(t, v.Accepted, v.String())
			outcome, _ := v.Trace.Outcome(StageContent)
			assert.Equal(t, OutcomeFailedOpen, outcome)

			events := f.auditEvents(t)
			assert.Equal(t, int64(1), events.TotalEvents)
			assert.Equal(t, int64(1), events.ByStage[string(StageContent)])
			assert.Equal(t, int64(1), events.ByCause[string(tc.cause)])
		})
	}
}

func TestHandFailuresFailOpen(t *testing.T) {
	for name, hands := range map[string]*stubHands{
		"error": {err: errors.New("tracker offline")},
		"panic": {panicWith: "index out of range"},
	} {
		t.Run(name, func(t *testing.T) {
			f := &fixture{faces: oneFace(), hands: hands, moderator: &stubModerator{}}
			v := f.validator().Validate(context.Background(), sharpPhoto(t, 500, 500), Options{})
			assert.True(t, v.Accepted, v.String())
			assert.Equal(t, int64(1), f.auditEvents(t).ByStage[string(StageHand)])
		})
	}
}

func TestSkipFlags(t *testing.T) {
	hands := &stubHands{intrudes: true}
	mod := &stubModerator{label: moderation.Unsafe}
	f := &fixture{faces: oneFace(), hands: hands, moderator: mod}

	v := f.validator().Validate(context.Background(), sharpPhoto(t, 500, 500), Options{SkipHand: true, SkipContent: true})
	assert.True(t, v.Accepted)
	assert.Zero(t, hands.calls.Load())
	assert.Zero(t, mod.calls.Load())
	outcome, _ := v.Trace.Outcome(StageContent)
	assert.Equal(t, OutcomeSkipped, outcome)
}

func TestModerationDisabled(t *testing.T) {
	f := &fixture{faces: oneFace()}
	v := f.validator().Validate(context.Background(), sharpPhoto(t, 500, 500), Options{})
	assert.True(t, v.Accepted)
	outcome, _ := v.Trace.Outcome(StageContent)
	assert.Equal(t, OutcomeUnavailable, outcome)
}

func TestFaceBackendUnavailableRejects(t *testing.T) {
	photo := sharpPhoto(t, 500, 500)

	moderator := &stubModerator{}
	f := &fixture{moderator: moderator}
	v := f.validator().Validate(context.Background(), photo, Options{SkipContent: true})
	assert.False(t, v.Accepted)
	assert.Equal(t, ReasonNoFace, v.Reason)
	outcome, _ := v.Trace.Outcome(StageFace)
	assert.Equal(t, OutcomeRejected, outcome)
	assert.Zero(t, moderator.calls.Load())

	broken := &fixture{faces: &stubFaces{err: errors.New("sidecar reset")}}
	v = broken.validator().Validate(context.Background(), photo, Options{})
	assert.Equal(t, ReasonNoFace, v.Reason)

	panicking := &fixture{faces: &stubFaces{panicWith: "bad cascade"}}
	v = panicking.validator().Validate(context.Background(), photo, Options{})
	assert.Equal(t, ReasonNoFace, v.Reason)
}

func TestLenientFaceDegradation(t *testing.T) {
	photo := sharpPhoto(t, 500, 500)

	missing := &fixture{moderator: &stubModerator{}, lenient: true}
	v := missing.validator().Validate(context.Background(), photo, Options{})
	assert.True(t, v.Accepted)
	outcome, _ := v.Trace.Outcome(StageFace)
	assert.Equal(t, OutcomeUnavailable, outcome)

	broken := &fixture{faces: &stubFaces{err: errors.New("sidecar reset")}, hands: &stubHands{intrudes: true}, lenient: true}
	v = broken.validator().Validate(context.Background(), photo, Options{})
	assert.True(t, v.Accepted, "hand check has no face box and must not run")
	assert.Equal(t, int64(1), broken.auditEvents(t).ByStage[string(StageFace)])
}

func TestReasonsHaveDistinctMessages(t *testing.T) {
	seen := map[string]Reason{}
	for _, r := range Reasons() {
		msg := r.Message()
		require.NotEmpty(t, msg, r)
		if other, dup := seen[msg]; dup {
			t.Fatalf("%s and %s share a message", r, other)
		}
		seen[msg] = r
	}
	assert.Len(t, seen, 6)
}

func TestConcurrentValidation(t *testing.T) {
	f := &fixture{faces: oneFace(), hands: &stubHands{}, moderator: &stubModerator{}}
	val := f.validator()
	good := sharpPhoto(t, 400, 400)
	bad := blackPhoto(t, 150, 150)

	var wg sync.WaitGroup
	errs := make(chan string, 64)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			data, want := good, true
			if i%2 == 1 {
				data, want = bad, false
			}
			if v := val.Validate(ctx, data, Options{}); v.Accepted != want {
				errs <- fmt.Sprintf("call %d: got %s", i, v)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Error(e)
	}
}

func TestCapabilities(t *testing.T) {
	f := &fixture{faces: oneFace(), moderator: &stubModerator{}}
	c := f.validator().Capabilities()
	assert.Equal(t, "face:primary(stub-faces)", c.Face)
	assert.Equal(t, "hand:unavailable", c.Hand)
	assert.True(t, c.ModerationEnabled)
	assert.Equal(t, "stub-vision", c.ModerationModel)
}
