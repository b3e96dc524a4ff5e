// Package batch implements the job and batch state machines and the registry
// that keeps user-facing job state consistent with cluster-observed pod state.
package batch

import (
	corev1 "k8s.io/api/core/v1"
)

// State of a job. Complete and Cancelled are terminal: a job never leaves
// them.
type State string

const (
	StateCreated   State = "Created"
	StateComplete  State = "Complete"
	StateCancelled State = "Cancelled"
)

// DefaultContainer is the name of the single container every job pod runs.
const DefaultContainer = "default"

// Job is a user-submitted unit of work bound to at most one cluster pod at a
// time. All fields are guarded by the owning Service's lock.
type Job struct {
	ID         int
	BatchID    int // 0 when the job belongs to no batch
	Attributes map[string]string
	Callback   string

	// Template is the pod submitted for this job. Its generate-name and
	// labels are stamped at construction; the uuid label is refreshed on
	// every pod creation.
	Template *corev1.Pod

	// PodName is the cluster-assigned name of the currently-bound pod, empty
	// when no pod is bound.
	PodName string

	State    State
	ExitCode int32 // meaningful only when State is StateComplete
}

// Terminal reports whether the job reached Complete or Cancelled.
func (j *Job) Terminal() bool {
	return j.State == StateComplete || j.State == StateCancelled
}

// Batch is a grouping of jobs used for aggregate status reporting. Members
// are referenced by id; they may outlive the batch.
type Batch struct {
	ID         int
	Attributes map[string]string
	JobIDs     []int
}

// JobStatus is the public JSON document of a job.
type JobStatus struct {
	ID         int               `json:"id"`
	State      State             `json:"state"`
	ExitCode   *int32            `json:"exit_code,omitempty"`
	Log        string            `json:"log,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// BatchStatus is the public JSON document of a batch: per-state tallies of
// its current members.
type BatchStatus struct {
	ID         int               `json:"id"`
	Jobs       StateCounts       `json:"jobs"`
	Attributes map[string]string `json:"attributes"`
}

// StateCounts tallies batch members by state.
type StateCounts struct {
	Created   int `json:"Created"`
	Complete  int `json:"Complete"`
	Cancelled int `json:"Cancelled"`
}
