package runctx

import (
	"sync"
	"time"

	"github.com/vk/stagerunner/internal/pipeline"
)

// UnitKind classifies a unit in the run report.
type UnitKind string

const (
	KindStage UnitKind = "stage"
	KindJob   UnitKind = "job"
	KindStep  UnitKind = "step"
)

// Transition is one entry of the append-only status log. Seq is a monotonic
// logical clock providing a global total order for audit, independent of
// wall-clock resolution.
type Transition struct {
	Unit string          `json:"unit"`
	From pipeline.Status `json:"from"`
	To   pipeline.Status `json:"to"`
	Seq  uint64          `json:"seq"`
	Time time.Time       `json:"time"`
}

// Recorder tracks the status of every unit of a run. The current-status
// view is always consistent with the transition log. It is safe for
// concurrent use: the control loop, job goroutines, and readers such as a
// status server all go through the mutex.
type Recorder struct {
	mu     sync.RWMutex
	seq    uint64
	order  []string
	kinds  map[string]UnitKind
	status map[string]pipeline.Status
	errs   map[string]string
	log    []Transition
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		kinds:  make(map[string]UnitKind),
		status: make(map[string]pipeline.Status),
		errs:   make(map[string]string),
	}
}

// Register declares a unit, starting it at Pending. Every declared unit
// appears in the final result exactly once, even if never reached.
// Registration order is preserved.
func (r *Recorder) Register(unit string, kind UnitKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.status[unit]; ok {
		return
	}
	r.order = append(r.order, unit)
	r.kinds[unit] = kind
	r.status[unit] = pipeline.Pending
}

// Set transitions a unit to the given status and logs the transition. It
// returns false without logging if the unit is unknown, already terminal, or
// already in the requested status: terminal statuses are monotonic, so a
// late completion report for a Canceled unit is dropped here.
func (r *Recorder) Set(unit string, to pipeline.Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	from, ok := r.status[unit]
	if !ok || from.Terminal() || from == to {
		return false
	}
	r.seq++
	r.log = append(r.log, Transition{
		Unit: unit,
		From: from,
		To:   to,
		Seq:  r.seq,
		Time: time.Now(),
	})
	r.status[unit] = to
	return true
}

// SetError attaches an error message to a unit, for the run report.
func (r *Recorder) SetError(unit string, err error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs[unit] = err.Error()
}

// Status returns the current status of a unit.
func (r *Recorder) Status(unit string) (pipeline.Status, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.status[unit]
	return s, ok
}

// Snapshot returns a copy of the current-status view.
func (r *Recorder) Snapshot() map[string]pipeline.Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := make(map[string]pipeline.Status, len(r.status))
	for k, v := range r.status {
		snap[k] = v
	}
	return snap
}

// Transitions returns a copy of the transition log.
func (r *Recorder) Transitions() []Transition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Transition(nil), r.log...)
}
