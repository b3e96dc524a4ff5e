package batch

import "fmt"

// Registry holds the in-memory job and batch arenas plus the pod-name index.
// It is the single mediator of the pod-to-job relation: no other code touches
// the maps directly. Registry performs no locking itself; every access
// happens under the owning Service's lock.
type Registry struct {
	counter int
	jobs    map[int]*Job
	batches map[int]*Batch
	pods    map[string]*Job
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		jobs:    map[int]*Job{},
		batches: map[int]*Batch{},
		pods:    map[string]*Job{},
	}
}

// NextID allocates a process-unique id. Jobs and batches share the sequence;
// ids are never reused within a process lifetime.
func (r *Registry) NextID() int {
	r.counter++
	return r.counter
}

// LastID returns the highest id allocated so far.
func (r *Registry) LastID() int {
	return r.counter
}

func (r *Registry) InsertJob(j *Job) {
	r.jobs[j.ID] = j
}

// RemoveJob unregisters the job and drops its pod binding, if any.
func (r *Registry) RemoveJob(j *Job) {
	delete(r.jobs, j.ID)
	if j.PodName != "" {
		delete(r.pods, j.PodName)
		j.PodName = ""
	}
}

func (r *Registry) JobByID(id int) *Job {
	return r.jobs[id]
}

func (r *Registry) JobByPod(podName string) *Job {
	return r.pods[podName]
}

// RebindPod moves the job's pod binding from its current pod (if any) to
// newName. An empty newName just unbinds. Both sides of the relation are
// updated together so that the pod index and Job.PodName never disagree.
func (r *Registry) RebindPod(j *Job, newName string) {
	if j.PodName != "" {
		delete(r.pods, j.PodName)
	}
	j.PodName = newName
	if newName != "" {
		if other, ok := r.pods[newName]; ok && other != j {
			panic(fmt.Sprintf("pod %s already bound to job %d", newName, other.ID))
		}
		r.pods[newName] = j
	}
}

// Jobs returns a snapshot of all registered jobs.
func (r *Registry) Jobs() []*Job {
	out := make([]*Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j)
	}
	return out
}

// PodBindings returns a snapshot of the pod index. Callers iterate the
// snapshot so that rebinding during reconciliation cannot invalidate the
// walk.
func (r *Registry) PodBindings() map[string]*Job {
	out := make(map[string]*Job, len(r.pods))
	for name, j := range r.pods {
		out[name] = j
	}
	return out
}

func (r *Registry) InsertBatch(b *Batch) {
	r.batches[b.ID] = b
}

func (r *Registry) RemoveBatch(b *Batch) {
	delete(r.batches, b.ID)
}

func (r *Registry) BatchByID(id int) *Batch {
	return r.batches[id]
}
