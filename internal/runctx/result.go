package runctx

import (
	"time"

	"github.com/vk/stagerunner/internal/pipeline"
)

// UnitResult is the final status of one declared unit.
type UnitResult struct {
	ID     string          `json:"id"`
	Kind   UnitKind        `json:"kind"`
	Status pipeline.Status `json:"status"`
	Error  string          `json:"error,omitempty"`
}

// Result is the serializable run report: every declared unit exactly once,
// in declaration order, plus the full transition log.
type Result struct {
	RunID       string          `json:"runId"`
	Pipeline    string          `json:"pipeline"`
	Status      pipeline.Status `json:"status"`
	StartedAt   time.Time       `json:"startedAt"`
	FinishedAt  time.Time       `json:"finishedAt"`
	Units       []UnitResult    `json:"units"`
	Transitions []Transition    `json:"transitions"`
}

// BuildResult assembles the final run report. The overall status never
// swallows a failure: Failed if any non-Skipped unit failed (regardless of
// downstream skip cascades), else Canceled if anything was canceled, else
// Succeeded.
func (r *Recorder) BuildResult(runID, pipelineName string, started, finished time.Time) *Result {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := &Result{
		RunID:       runID,
		Pipeline:    pipelineName,
		Status:      pipeline.Succeeded,
		StartedAt:   started,
		FinishedAt:  finished,
		Units:       make([]UnitResult, 0, len(r.order)),
		Transitions: append([]Transition(nil), r.log...),
	}

	anyCanceled := false
	for _, unit := range r.order {
		status := r.status[unit]
		result.Units = append(result.Units, UnitResult{
			ID:     unit,
			Kind:   r.kinds[unit],
			Status: status,
			Error:  r.errs[unit],
		})
		switch status {
		case pipeline.Failed:
			result.Status = pipeline.Failed
		case pipeline.Canceled:
			anyCanceled = true
		}
	}
	if result.Status != pipeline.Failed && anyCanceled {
		result.Status = pipeline.Canceled
	}
	return result
}
