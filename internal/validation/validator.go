// Package validation decides whether an uploaded photo can be used as a
// child's likeness. Stages run in a fixed order and the first rejection
// wins; only content moderation and hand checks may fail open.
package validation

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/photo-check/internal/audit"
	"github.com/example/photo-check/internal/capability"
	"github.com/example/photo-check/internal/face"
	"github.com/example/photo-check/internal/hand"
	"github.com/example/photo-check/internal/imaging"
	"github.com/example/photo-check/internal/logging"
	"github.com/example/photo-check/internal/moderation"
	"github.com/example/photo-check/internal/quality"
)

// Options force-skip optional stages for one call.
type Options struct {
	SkipHand    bool
	SkipContent bool
	// RequestID is generated when empty.
	RequestID string
}

// Config is read once at startup.
type Config struct {
	// LenientFace lets the face stage pass when no face backend can answer.
	// By default that case is a NO_FACE rejection.
	LenientFace       bool
	ModerationMaxSide int
	ModerationQuality int
}

// Deps are the resolved collaborators. Moderator may be nil when moderation
// is disabled; Audit defaults to a log-only recorder.
type Deps struct {
	Quality   *quality.Analyzer
	Faces     *face.Locator
	Hands     capability.Backend[hand.Detector]
	Moderator moderation.Classifier
	Audit     audit.Recorder
}

// Validator is immutable after New and safe for concurrent use.
type Validator struct {
	quality   *quality.Analyzer
	faces     *face.Locator
	hands     capability.Backend[hand.Detector]
	moderator moderation.Classifier
	audit     audit.Recorder
	cfg       Config
	logger    *zap.Logger
}

func New(deps Deps, cfg Config, logger *zap.Logger) *Validator {
	if deps.Quality == nil {
		deps.Quality = quality.NewAnalyzer(quality.DefaultThresholds())
	}
	if deps.Faces == nil {
		deps.Faces = face.NewLocator(capability.None[face.Detector]("face"), face.DefaultConfig())
	}
	if !deps.Hands.Available() {
		deps.Hands = capability.None[hand.Detector]("hand")
	}
	if deps.Audit == nil {
		deps.Audit = audit.NewLogRecorder(logger)
	}
	return &Validator{
		quality:   deps.Quality,
		faces:     deps.Faces,
		hands:     deps.Hands,
		moderator: deps.Moderator,
		audit:     deps.Audit,
		cfg:       cfg,
		logger:    logger.Named("validation"),
	}
}

// Capabilities describes the resolved backends.
type Capabilities struct {
	Face              string `json:"face"`
	Hand              string `json:"hand"`
	ModerationEnabled bool   `json:"moderation_enabled"`
	ModerationModel   string `json:"moderation_model,omitempty"`
	LenientFace       bool   `json:"lenient_face"`
}

func (v *Validator) Capabilities() Capabilities {
	c := Capabilities{
		Face:              v.faces.Backend().String(),
		Hand:              v.hands.String(),
		ModerationEnabled: v.moderator != nil,
		LenientFace:       v.cfg.LenientFace,
	}
	if v.moderator != nil {
		c.ModerationModel = v.moderator.Model()
	}
	return c
}

// Validate decodes data and runs the pipeline. It never returns an error:
// every failure maps to a Verdict.
func (v *Validator) Validate(ctx context.Context, data []byte, opts Options) Verdict {
	opts = withRequestID(opts)
	start := time.Now()

	img, err := guard(func() (*imaging.Image, error) { return imaging.Decode(data) })
	if err != nil {
		trace := Trace{RequestID: opts.RequestID}
		trace.Stages = append(trace.Stages, StageResult{
			Stage:    StageDecode,
			Outcome:  OutcomeRejected,
			Detail:   err.Error(),
			Duration: time.Since(start),
		})
		trace.Elapsed = time.Since(start)
		verdict := Verdict{Reason: ReasonUnreadableImage, Detail: err.Error(), Trace: trace}
		v.logVerdict(opts.RequestID, verdict)
		return verdict
	}

	verdict := v.ValidateImage(ctx, img, opts)
	verdict.Trace.Stages = append([]StageResult{{Stage: StageDecode, Outcome: OutcomePassed, Detail: img.Format()}}, verdict.Trace.Stages...)
	verdict.Trace.Elapsed = time.Since(start)
	return verdict
}

// ValidateImage runs the pipeline on an already decoded image.
func (v *Validator) ValidateImage(ctx context.Context, img *imaging.Image, opts Options) (verdict Verdict) {
	opts = withRequestID(opts)
	run := &call{
		v:     v,
		img:   img,
		opts:  opts,
		log:   logging.WithOperation(v.logger, "validation.validate", opts.RequestID),
		trace: Trace{RequestID: opts.RequestID},
		start: time.Now(),
	}

	defer func() {
		if r := recover(); r != nil {
			run.log.Error("validation panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			verdict = run.reject(StageDecode, "", ReasonUnreadableImage, fmt.Sprintf("internal panic: %v", r), 0)
		}
		verdict.Trace.Elapsed = time.Since(run.start)
		v.logVerdict(opts.RequestID, verdict)
	}()

	for _, step := range []func(context.Context) (Verdict, bool){
		run.checkQuality,
		run.checkFace,
		run.checkHand,
		run.checkContent,
	} {
		if rejected, done := step(ctx); done {
			return rejected
		}
	}
	return Verdict{Accepted: true, Trace: run.trace}
}

func (v *Validator) logVerdict(requestID string, verdict Verdict) {
	log := logging.WithOperation(v.logger, "validation.verdict", requestID)
	fields := []zap.Field{
		zap.Bool("accepted", verdict.Accepted),
		zap.Duration("elapsed", verdict.Trace.Elapsed),
	}
	if !verdict.Accepted {
		fields = append(fields, zap.String("reason", string(verdict.Reason)), zap.String("detail", verdict.Detail))
	}
	log.Info("validation finished", fields...)
	if ce := log.Check(zap.DebugLevel, "validation trace"); ce != nil {
		ce.Write(zap.Any("stages", verdict.Trace.Stages), zap.Any("quality", verdict.Trace.Quality))
	}
}

func withRequestID(opts Options) Options {
	if opts.RequestID == "" {
		opts.RequestID = uuid.NewString()
	}
	return opts
}

// call carries the state of one pipeline run.
type call struct {
	v       *Validator
	img     *imaging.Image
	opts    Options
	log     *zap.Logger
	trace   Trace
	start   time.Time
	faceBox *face.Box
}

func (c *call) record(stage Stage, outcome Outcome, backend, detail string, d time.Duration) {
	c.trace.Stages = append(c.trace.Stages, StageResult{
		Stage:    stage,
		Outcome:  outcome,
		Backend:  backend,
		Detail:   detail,
		Duration: d,
	})
	logging.WithStage(c.log, string(stage)).Debug("stage finished",
		zap.String("outcome", string(outcome)),
		zap.String("backend", backend),
		zap.String("detail", detail),
		zap.Duration("duration", d))
}

func (c *call) reject(stage Stage, backend string, reason Reason, detail string, d time.Duration) Verdict {
	c.record(stage, OutcomeRejected, backend, detail, d)
	return Verdict{Reason: reason, Detail: detail, Trace: c.trace}
}

// failOpen converts a stage error into a pass and leaves an audit trail.
func (c *call) failOpen(ctx context.Context, stage Stage, backend string, err error, d time.Duration) {
	cause := causeOf(err)
	c.record(stage, OutcomeFailedOpen, backend, err.Error(), d)
	logging.WithStage(c.log, string(stage)).Warn("stage failed open",
		zap.String("backend", backend),
		zap.String("cause", string(cause)),
		zap.Error(err))

	event := audit.Event{
		RequestID: c.opts.RequestID,
		Stage:     string(stage),
		Backend:   backend,
		Cause:     cause,
		Detail:    err.Error(),
		At:        time.Now().UTC(),
	}
	if aerr := c.v.audit.Record(context.WithoutCancel(ctx), event); aerr != nil {
		c.log.Warn("failed to record audit event", zap.Error(aerr))
	}
}

func (c *call) checkQuality(context.Context) (Verdict, bool) {
	start := time.Now()
	report := c.v.quality.Analyze(c.img)
	metrics := report.Metrics
	c.trace.Quality = &metrics

	if !report.OK() {
		detail := fmt.Sprintf("%s check failed (min_side=%d sharpness=%.1f brightness=%.1f contrast=%.1f)",
			report.FailedMetric(), metrics.MinSide, metrics.Sharpness, metrics.Brightness, metrics.Contrast)
		return c.reject(StageQuality, "", ReasonLowQuality, detail, time.Since(start)), true
	}
	c.record(StageQuality, OutcomePassed, "", "", time.Since(start))
	return Verdict{}, false
}

func (c *call) checkFace(ctx context.Context) (Verdict, bool) {
	start := time.Now()
	backend := c.v.faces.Backend()

	if !backend.Available() {
		if !c.v.cfg.LenientFace {
			return c.reject(StageFace, "", ReasonNoFace, "no face backend available", 0), true
		}
		c.record(StageFace, OutcomeUnavailable, "", "no face backend available", 0)
		return Verdict{}, false
	}

	res, err := guard(func() (face.Result, error) { return c.v.faces.Locate(ctx, c.img) })
	if err != nil {
		if !c.v.cfg.LenientFace {
			logging.WithStage(c.log, string(StageFace)).Warn("face backend failed; rejecting",
				zap.String("backend", backend.Name()),
				zap.Error(err))
			return c.reject(StageFace, backend.Name(), ReasonNoFace, "face backend error: "+err.Error(), time.Since(start)), true
		}
		c.failOpen(ctx, StageFace, backend.Name(), err, time.Since(start))
		return Verdict{}, false
	}

	c.trace.FaceCount = len(res.Candidates)
	detail := fmt.Sprintf("%d candidates, %d discarded", len(res.Candidates), res.Discarded)
	switch res.Policy() {
	case face.None:
		return c.reject(StageFace, backend.Name(), ReasonNoFace, detail, time.Since(start)), true
	case face.Multiple:
		return c.reject(StageFace, backend.Name(), ReasonMultipleFaces, detail, time.Since(start)), true
	}

	best, _ := res.Best()
	c.faceBox = &best.Box
	c.record(StageFace, OutcomePassed, backend.Name(), detail, time.Since(start))
	return Verdict{}, false
}

func (c *call) checkHand(ctx context.Context) (Verdict, bool) {
	switch {
	case c.opts.SkipHand:
		c.record(StageHand, OutcomeSkipped, "", "skipped by request", 0)
		return Verdict{}, false
	case !c.v.hands.Available():
		c.record(StageHand, OutcomeUnavailable, "", "no hand backend available", 0)
		return Verdict{}, false
	case c.faceBox == nil:
		c.record(StageHand, OutcomeSkipped, c.v.hands.Name(), "no face box to test against", 0)
		return Verdict{}, false
	}

	det, _ := c.v.hands.Get()
	start := time.Now()
	finding, err := guard(func() (hand.Finding, error) { return det.Intrudes(ctx, c.img, *c.faceBox) })
	if err != nil {
		c.failOpen(ctx, StageHand, c.v.hands.Name(), err, time.Since(start))
		return Verdict{}, false
	}
	if finding.Intrudes {
		return c.reject(StageHand, c.v.hands.Name(), ReasonInappropriatePose, finding.Detail, time.Since(start)), true
	}
	c.record(StageHand, OutcomePassed, c.v.hands.Name(), finding.Detail, time.Since(start))
	return Verdict{}, false
}

func (c *call) checkContent(ctx context.Context) (Verdict, bool) {
	switch {
	case c.opts.SkipContent:
		c.record(StageContent, OutcomeSkipped, "", "skipped by request", 0)
		return Verdict{}, false
	case c.v.moderator == nil:
		c.record(StageContent, OutcomeUnavailable, "", "moderation disabled", 0)
		return Verdict{}, false
	}

	model := c.v.moderator.Model()
	start := time.Now()
	label, err := guard(func() (moderation.Label, error) {
		payload, err := moderation.Prepare(c.img, c.v.cfg.ModerationMaxSide, c.v.cfg.ModerationQuality)
		if err != nil {
			return moderation.Safe, err
		}
		return c.v.moderator.Classify(ctx, payload)
	})
	if err != nil {
		c.failOpen(ctx, StageContent, model, err, time.Since(start))
		return Verdict{}, false
	}
	if label == moderation.Unsafe {
		return c.reject(StageContent, model, ReasonUnsafeContent, "classifier returned UNSAFE", time.Since(start)), true
	}
	c.record(StageContent, OutcomePassed, model, label.String(), time.Since(start))
	return Verdict{}, false
}

// panicError carries a recovered panic value as an error.
type panicError struct {
	value any
}

func (p *panicError) Error() string { return fmt.Sprintf("panic: %v", p.value) }

func guard[T any](fn func() (T, error)) (out T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return fn()
}

func causeOf(err error) audit.Cause {
	var pe *panicError
	switch {
	case errors.As(err, &pe):
		return audit.CausePanic
	case errors.Is(err, context.DeadlineExceeded):
		return audit.CauseTimeout
	case errors.Is(err, moderation.ErrMalformedResponse):
		return audit.CauseMalformed
	case errors.Is(err, capability.ErrUnavailable):
		return audit.CauseUnavailable
	}
	return audit.CauseError
}
