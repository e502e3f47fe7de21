package engine

import (
	"errors"
	"sort"
	"sync"
	"time"

	"porsche-tracker/models"
)

// Cadence is a class of periodic cycle.
type Cadence string

const (
	CadenceDiscovery  Cadence = "discovery"
	CadencePriceCheck Cadence = "price_check"
)

var cadences = []Cadence{CadenceDiscovery, CadencePriceCheck}

// State is where a (criteria, cadence) pair is in its cycle.
type State string

const (
	StateIdle     State = "idle"
	StateScanning State = "scanning"
	StateBackoff  State = "backoff"
)

var (
	// ErrCycleInProgress is returned when a cycle for the same criteria and
	// cadence is still running. The new run is skipped, not queued.
	ErrCycleInProgress = errors.New("cycle already in progress")
	ErrUnknownCriteria = errors.New("unknown or inactive criteria")
)

// CycleStatus is the scheduling state of one (criteria, cadence) pair.
type CycleStatus struct {
	CriteriaID   string    `json:"criteria_id"`
	CriteriaName string    `json:"criteria_name,omitempty"`
	Cadence      Cadence   `json:"cadence"`
	State        State     `json:"state"`
	NextRun      time.Time `json:"next_run"`
	Failures     int       `json:"consecutive_failures"`
	LastError    string    `json:"last_error,omitempty"`
	LastStarted  time.Time `json:"last_started,omitempty"`
	LastSuccess  time.Time `json:"last_success,omitempty"`
	Degraded     bool      `json:"degraded"`
}

type slot struct {
	criteriaID string
	cadence    Cadence
}

// Registry is the process-wide table of active criteria and their cycle
// states. All transitions go through it.
type Registry struct {
	mu            sync.Mutex
	criteria      map[string]models.WatchCriteria
	states        map[slot]*CycleStatus
	degradedAfter int
}

func NewRegistry(degradedAfter int) *Registry {
	if degradedAfter < 1 {
		degradedAfter = 3
	}
	return &Registry{
		criteria:      make(map[string]models.WatchCriteria),
		states:        make(map[slot]*CycleStatus),
		degradedAfter: degradedAfter,
	}
}

// Sync replaces the active criteria set. New criteria are due immediately.
// Criteria no longer active are dropped unless a cycle is running for them.
func (r *Registry) Sync(active []models.WatchCriteria, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	keep := make(map[string]bool, len(active))
	for _, c := range active {
		if !c.Active {
			continue
		}
		keep[c.ID] = true
		r.ensureLocked(c, now)
	}
	for id := range r.criteria {
		if keep[id] || r.runningLocked(id) {
			continue
		}
		delete(r.criteria, id)
		for _, cad := range cadences {
			delete(r.states, slot{id, cad})
		}
	}
}

// Ensure registers c if it is not known yet.
func (r *Registry) Ensure(c models.WatchCriteria, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensureLocked(c, now)
}

func (r *Registry) ensureLocked(c models.WatchCriteria, now time.Time) {
	r.criteria[c.ID] = c
	for _, cad := range cadences {
		k := slot{c.ID, cad}
		if st, ok := r.states[k]; ok {
			st.CriteriaName = c.Name
			continue
		}
		r.states[k] = &CycleStatus{CriteriaID: c.ID, CriteriaName: c.Name, Cadence: cad, State: StateIdle, NextRun: now}
	}
}

func (r *Registry) runningLocked(id string) bool {
	for _, cad := range cadences {
		if st, ok := r.states[slot{id, cad}]; ok && st.State == StateScanning {
			return true
		}
	}
	return false
}

// Criteria returns the registered criteria with id.
func (r *Registry) Criteria(id string) (models.WatchCriteria, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.criteria[id]
	return c, ok
}

// TryBegin moves the pair to Scanning. A pair in Backoff may be started
// early, which is how a manual run overrides the delay.
func (r *Registry) TryBegin(id string, cadence Cadence, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[slot{id, cadence}]
	if !ok {
		return ErrUnknownCriteria
	}
	if st.State == StateScanning {
		return ErrCycleInProgress
	}
	st.State = StateScanning
	st.LastStarted = now
	return nil
}

// Due returns the pairs whose next run has come and that are not running,
// oldest first.
func (r *Registry) Due(now time.Time) []CycleStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []CycleStatus
	for _, st := range r.states {
		if st.State != StateScanning && !st.NextRun.After(now) {
			out = append(out, *st)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextRun.Equal(out[j].NextRun) {
			return out[i].NextRun.Before(out[j].NextRun)
		}
		if out[i].CriteriaID != out[j].CriteriaID {
			return out[i].CriteriaID < out[j].CriteriaID
		}
		return out[i].Cadence < out[j].Cadence
	})
	return out
}

// Succeed returns the pair to Idle and clears its failure streak.
func (r *Registry) Succeed(id string, cadence Cadence, now, next time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[slot{id, cadence}]
	if !ok {
		return
	}
	st.State = StateIdle
	st.NextRun = next
	st.Failures = 0
	st.LastError = ""
	st.LastSuccess = now
	st.Degraded = false
}

// Fail records a failed cycle. With backoff the pair enters Backoff until
// next, otherwise it waits Idle for its next regular run. It returns the
// updated status.
func (r *Registry) Fail(id string, cadence Cadence, next time.Time, err error, backoff bool) CycleStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[slot{id, cadence}]
	if !ok {
		return CycleStatus{}
	}
	st.Failures++
	st.LastError = err.Error()
	st.NextRun = next
	st.State = StateIdle
	if backoff {
		st.State = StateBackoff
	}
	st.Degraded = st.Failures >= r.degradedAfter
	return *st
}

// Abort returns a pair to its previous resting state without counting a
// run, e.g. when the cycle was cancelled or never got a worker.
func (r *Registry) Abort(id string, cadence Cadence) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[slot{id, cadence}]
	if !ok || st.State != StateScanning {
		return
	}
	st.State = StateIdle
	if st.Failures > 0 {
		st.State = StateBackoff
	}
}

// Get returns the status of one pair.
func (r *Registry) Get(id string, cadence Cadence) (CycleStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[slot{id, cadence}]
	if !ok {
		return CycleStatus{}, false
	}
	return *st, true
}

// Snapshot returns every pair, ordered by criteria and cadence.
func (r *Registry) Snapshot() []CycleStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CycleStatus, 0, len(r.states))
	for _, st := range r.states {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CriteriaID != out[j].CriteriaID {
			return out[i].CriteriaID < out[j].CriteriaID
		}
		return out[i].Cadence < out[j].Cadence
	})
	return out
}
