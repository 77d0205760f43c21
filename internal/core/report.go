package core

import (
	"encoding/json"
	"time"
)

// JobResult is the terminal result of one job and its instances.
type JobResult struct {
	Job       *Job
	State     State
	Outputs   map[string]string
	Instances []*Instance
}

func (jr *JobResult) MarshalJSON() ([]byte, error) {
	snaps := make([]InstanceSnapshot, len(jr.Instances))
	for i, inst := range jr.Instances {
		snaps[i] = inst.Snapshot()
	}
	return json.Marshal(struct {
		ID        string             `json:"id"`
		Name      string             `json:"name"`
		State     State              `json:"state"`
		Outputs   map[string]string  `json:"outputs,omitempty"`
		Instances []InstanceSnapshot `json:"instances"`
	}{jr.Job.ID, jr.Job.DisplayName(), jr.State, jr.Outputs, snaps})
}

// Report summarizes one run.
type Report struct {
	RunID     string       `json:"id"`
	Event     Event        `json:"event"`
	Triggered bool         `json:"triggered"`
	Jobs      []*JobResult `json:"jobs,omitempty"`
	Started   time.Time    `json:"started"`
	Finished  time.Time    `json:"finished,omitempty"`
}

// Success reports whether every instance that was not skipped succeeded.
// An untriggered run is successful.
func (r *Report) Success() bool {
	for _, jr := range r.Jobs {
		for _, inst := range jr.Instances {
			if st := inst.State(); st != StateSucceeded && st != StateSkipped {
				return false
			}
		}
	}
	return true
}

// Job returns the result of jobID, or nil.
func (r *Report) Job(jobID string) *JobResult {
	for _, jr := range r.Jobs {
		if jr.Job.ID == jobID {
			return jr
		}
	}
	return nil
}

// Counts tallies instances by state.
func (r *Report) Counts() map[State]int {
	out := make(map[State]int)
	for _, jr := range r.Jobs {
		for _, inst := range jr.Instances {
			out[inst.State()]++
		}
	}
	return out
}
