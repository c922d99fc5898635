package review

import (
	"github.com/tonipetergugic/immusic-sub001/internal/rules"
	"github.com/tonipetergugic/immusic-sub001/internal/store"
)

// Outcome distinguishes the three ways a stage can end.
type Outcome int

const (
	// OutcomeOK lets the pipeline continue with the next stage.
	OutcomeOK Outcome = iota
	// OutcomeReject finalizes the item as rejected.
	OutcomeReject
	// OutcomeInfra returns the item to pending for a retry.
	OutcomeInfra
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeReject:
		return "reject"
	case OutcomeInfra:
		return "infra"
	default:
		return "unknown"
	}
}

// Rejection explains an audio-quality or duplicate rejection.
type Rejection struct {
	Reason  store.RejectionReason
	Reasons []rules.Reason
}

// StageResult is Ok, Reject(Rejection) or Infra(error).
type StageResult struct {
	outcome   Outcome
	rejection Rejection
	err       error
}

// Ok continues the pipeline.
func Ok() StageResult {
	return StageResult{outcome: OutcomeOK}
}

// Reject stops the pipeline with a rejection.
func Reject(rejection Rejection) StageResult {
	return StageResult{outcome: OutcomeReject, rejection: rejection}
}

// RejectTechnical rejects on hard-fail reasons.
func RejectTechnical(reasons ...rules.Reason) StageResult {
	return Reject(Rejection{Reason: store.RejectionTechnical, Reasons: reasons})
}

// RejectDuplicate rejects as duplicate audio.
func RejectDuplicate() StageResult {
	return Reject(Rejection{Reason: store.RejectionDuplicate})
}

// Infra stops the pipeline on an infrastructure failure.
func Infra(err error) StageResult {
	return StageResult{outcome: OutcomeInfra, err: err}
}

// Outcome reports which variant the result holds.
func (r StageResult) Outcome() Outcome {
	return r.outcome
}

// Rejection returns the rejection of a Reject result.
func (r StageResult) Rejection() (Rejection, bool) {
	return r.rejection, r.outcome == OutcomeReject
}

// Err returns the cause of an Infra result.
func (r StageResult) Err() error {
	if r.outcome != OutcomeInfra {
		return nil
	}
	return r.err
}
