package validation

import (
	"time"

	"github.com/example/photo-check/internal/quality"
)

// Reason is the closed set of rejection causes shown to users.
type Reason string

const (
	ReasonUnreadableImage   Reason = "UNREADABLE_IMAGE"
	ReasonNoFace            Reason = "NO_FACE"
	ReasonMultipleFaces     Reason = "MULTIPLE_FACES"
	ReasonLowQuality        Reason = "LOW_QUALITY"
	ReasonInappropriatePose Reason = "INAPPROPRIATE_POSE"
	ReasonUnsafeContent     Reason = "UNSAFE_CONTENT"
)

var messages = map[Reason]string{
	ReasonUnreadableImage:   "We couldn't read this image. Please upload a JPEG, PNG or WebP photo.",
	ReasonNoFace:            "Please upload a clear photo with one face visible.",
	ReasonMultipleFaces:     "Please upload a photo with only one person in it.",
	ReasonLowQuality:        "Image quality is too low. Please upload a clearer photo.",
	ReasonInappropriatePose: "Please upload a photo with a natural, front-facing pose.",
	ReasonUnsafeContent:     "This image isn't suitable for a children's book. Please choose another photo.",
}

// Message returns the fixed user-facing text for r.
func (r Reason) Message() string { return messages[r] }

// Reasons lists every rejection reason in pipeline order.
func Reasons() []Reason {
	return []Reason{
		ReasonUnreadableImage,
		ReasonLowQuality,
		ReasonNoFace,
		ReasonMultipleFaces,
		ReasonInappropriatePose,
		ReasonUnsafeContent,
	}
}

// Verdict is either Accepted or Rejected with a reason. Detail and Trace are
// diagnostics and must not be shown to end users.
type Verdict struct {
	Accepted bool
	Reason   Reason
	Detail   string
	Trace    Trace
}

// Message is the user-facing text; empty for accepted photos.
func (v Verdict) Message() string {
	if v.Accepted {
		return ""
	}
	return v.Reason.Message()
}

func (v Verdict) String() string {
	if v.Accepted {
		return "Accepted"
	}
	return "Rejected(" + string(v.Reason) + ")"
}

// Stage names a pipeline step.
type Stage string

const (
	StageDecode  Stage = "decode"
	StageQuality Stage = "quality"
	StageFace    Stage = "face"
	StageHand    Stage = "hand"
	StageContent Stage = "content"
)

// Outcome is how a stage ended.
type Outcome string

const (
	OutcomePassed      Outcome = "passed"
	OutcomeRejected    Outcome = "rejected"
	OutcomeSkipped     Outcome = "skipped"
	OutcomeUnavailable Outcome = "detector_unavailable"
	OutcomeFailedOpen  Outcome = "failed_open"
)

// StageResult records one stage of one call.
type StageResult struct {
	Stage    Stage         `json:"stage"`
	Outcome  Outcome       `json:"outcome"`
	Backend  string        `json:"backend,omitempty"`
	Detail   string        `json:"detail,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// Trace is the per-call diagnostic record.
type Trace struct {
	RequestID string           `json:"request_id"`
	Stages    []StageResult    `json:"stages"`
	Quality   *quality.Metrics `json:"quality,omitempty"`
	FaceCount int              `json:"face_count"`
	Elapsed   time.Duration    `json:"elapsed_ns"`
}

// Outcome returns the recorded outcome of stage, if it ran.
func (t Trace) Outcome(stage Stage) (Outcome, bool) {
	for _, s := range t.Stages {
		if s.Stage == stage {
			return s.Outcome, true
		}
	}
	return "", false
}
