package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/openbatch/batch-controller/pkg/kube"
	"github.com/openbatch/batch-controller/pkg/logstore"
	"github.com/openbatch/batch-controller/pkg/metrics"
)

var blog = logrus.WithField("component", "batch.Service")

// ErrNotFound is returned when a job or batch id is unknown.
var ErrNotFound = errors.New("not found")

// ErrNoSuchBatch is returned when a job create request references a batch
// that does not exist.
var ErrNoSuchBatch = errors.New("batch does not exist")

// completionNotifier abstracts the callback dispatcher to allow dependency
// injection in tests.
type completionNotifier interface {
	Dispatch(jobID int, url string, doc interface{})
}

// Service owns the registry and drives every job state transition. A single
// mutex serializes all registry mutations and transitions: request handlers,
// the watcher and the sweeper all funnel through it, which is what keeps the
// pod index and the job fields consistent.
type Service struct {
	mu  sync.Mutex
	reg *Registry

	pods       kube.Pods
	logs       *logstore.Store
	notifier   completionNotifier
	metrics    *metrics.Metrics
	instanceID string
}

// NewService wires the state machine to its collaborators. instanceID is the
// process-scoped identifier stamped on every created pod.
func NewService(pods kube.Pods, logs *logstore.Store, notifier completionNotifier,
	m *metrics.Metrics, instanceID string) *Service {
	return &Service{
		reg:        NewRegistry(),
		pods:       pods,
		logs:       logs,
		notifier:   notifier,
		metrics:    m,
		instanceID: instanceID,
	}
}

// CreateJob allocates a job, registers it and creates its first pod. The
// returned document reflects the job right after creation.
func (s *Service) CreateJob(ctx context.Context, spec corev1.PodSpec, batchID int,
	attributes map[string]string, callbackURL string) (JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b *Batch
	if batchID != 0 {
		if b = s.reg.BatchByID(batchID); b == nil {
			return JobStatus{}, fmt.Errorf("batch_id %d: %w", batchID, ErrNoSuchBatch)
		}
	}

	job := &Job{
		ID:         s.reg.NextID(),
		BatchID:    batchID,
		Attributes: attributes,
		Callback:   callbackURL,
		State:      StateCreated,
	}
	job.Template = &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			GenerateName: fmt.Sprintf("job-%d-", job.ID),
			Labels: map[string]string{
				kube.LabelApp:      kube.AppName,
				kube.LabelInstance: s.instanceID,
			},
		},
		Spec: spec,
	}
	s.reg.InsertJob(job)
	if b != nil {
		b.JobIDs = append(b.JobIDs, job.ID)
	}
	blog.WithField("job", job.ID).Info("created job")

	if err := s.createPodLocked(ctx, job); err != nil {
		return JobStatus{}, err
	}
	return s.statusLocked(ctx, job), nil
}

// createPodLocked creates a pod for the job from its template, with a fresh
// uuid label, and binds the assigned name.
func (s *Service) createPodLocked(ctx context.Context, job *Job) error {
	if job.PodName != "" {
		panic(fmt.Sprintf("job %d already has pod %s bound", job.ID, job.PodName))
	}
	job.Template.Labels[kube.LabelUUID] = uuid.NewString()
	pod, err := s.pods.Create(ctx, job.Template)
	if err != nil {
		return err
	}
	s.reg.RebindPod(job, pod.Name)
	s.metrics.PodsCreated.Inc()
	blog.WithField("job", job.ID).Infof("created pod %s", pod.Name)
	return nil
}

// deletePodLocked deletes the bound pod, if any, and unbinds it. A pod that
// is already gone counts as deleted.
func (s *Service) deletePodLocked(ctx context.Context, job *Job) error {
	if job.PodName == "" {
		return nil
	}
	if err := s.pods.Delete(ctx, job.PodName); err != nil {
		return err
	}
	s.reg.RebindPod(job, "")
	s.metrics.PodsDeleted.Inc()
	return nil
}

func (s *Service) setStateLocked(job *Job, state State) {
	if job.State == state {
		return
	}
	if job.Terminal() {
		panic(fmt.Sprintf("job %d: transition out of terminal state %s", job.ID, job.State))
	}
	blog.WithField("job", job.ID).Infof("changed state: %s -> %s", job.State, state)
	job.State = state
}

// Cancel transitions the job to Cancelled and deletes its pod. Cancelling a
// terminal job is a no-op.
func (s *Service) Cancel(ctx context.Context, jobID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.reg.JobByID(jobID)
	if job == nil {
		return fmt.Errorf("job %d: %w", jobID, ErrNotFound)
	}
	if job.Terminal() {
		return nil
	}
	if err := s.deletePodLocked(ctx, job); err != nil {
		return err
	}
	s.setStateLocked(job, StateCancelled)
	s.metrics.JobsCancelled.Inc()
	return nil
}

// DeleteJob removes the job from the registry and its batch, and deletes its
// pod if one is bound. The job's log artifact, if any, is left in place.
func (s *Service) DeleteJob(ctx context.Context, jobID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.reg.JobByID(jobID)
	if job == nil {
		return fmt.Errorf("job %d: %w", jobID, ErrNotFound)
	}
	if err := s.deletePodLocked(ctx, job); err != nil {
		return err
	}
	s.reg.RemoveJob(job)
	if job.BatchID != 0 {
		if b := s.reg.BatchByID(job.BatchID); b != nil {
			b.JobIDs = removeID(b.JobIDs, job.ID)
		}
	}
	blog.WithField("job", job.ID).Info("deleted job")
	return nil
}

func removeID(ids []int, id int) []int {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// markUnscheduledLocked is the recovery path when a pod disappears while its
// job is still Created: drop the stale binding and create a replacement pod
// from the same template.
func (s *Service) markUnscheduledLocked(ctx context.Context, job *Job) error {
	if job.State != StateCreated {
		panic(fmt.Sprintf("job %d: mark unscheduled in state %s", job.ID, job.State))
	}
	s.reg.RebindPod(job, "")
	blog.WithField("job", job.ID).Info("pod vanished, creating replacement")
	return s.createPodLocked(ctx, job)
}

// markCompleteLocked captures the pod's exit code and log, persists the log
// artifact, transitions the job to Complete and dispatches the completion
// callback. The Created-state guard in reconcileLocked makes a repeated
// observation of the same terminated pod a no-op.
func (s *Service) markCompleteLocked(ctx context.Context, job *Job, pod *corev1.Pod) error {
	if job.State != StateCreated {
		panic(fmt.Sprintf("job %d: mark complete in state %s", job.ID, job.State))
	}
	cs := singleContainerStatus(pod)
	exitCode := cs.State.Terminated.ExitCode

	podLog, err := s.pods.Log(ctx, pod.Name)
	if err != nil {
		return err
	}
	if err := s.logs.Write(job.ID, podLog); err != nil {
		return err
	}

	s.reg.RebindPod(job, "")
	job.ExitCode = exitCode
	s.setStateLocked(job, StateComplete)
	s.metrics.JobsCompleted.Inc()
	blog.WithField("job", job.ID).Infof("complete, exit_code %d", exitCode)

	if job.Callback != "" {
		doc := JobStatus{
			ID:         job.ID,
			State:      job.State,
			ExitCode:   &exitCode,
			Log:        podLog,
			Attributes: job.Attributes,
		}
		s.notifier.Dispatch(job.ID, job.Callback, doc)
	}
	return nil
}

// singleContainerStatus enforces the single-container assumption on any
// observation consumed by the state machine.
func singleContainerStatus(pod *corev1.Pod) corev1.ContainerStatus {
	statuses := pod.Status.ContainerStatuses
	if len(statuses) != 1 {
		panic(fmt.Sprintf("pod %s: expected a single container status, got %d",
			pod.Name, len(statuses)))
	}
	if statuses[0].Name != DefaultContainer {
		panic(fmt.Sprintf("pod %s: unexpected container %q", pod.Name, statuses[0].Name))
	}
	return statuses[0]
}

// reconcileLocked updates the job to reflect the current truth of its pod.
// A nil pod means the cluster no longer has it.
func (s *Service) reconcileLocked(ctx context.Context, job *Job, pod *corev1.Pod) error {
	if job.Terminal() {
		return nil
	}
	s.metrics.Reconciles.Inc()
	if pod == nil {
		return s.markUnscheduledLocked(ctx, job)
	}
	if len(pod.Status.ContainerStatuses) == 0 {
		// pod accepted but not started yet
		return nil
	}
	cs := singleContainerStatus(pod)
	if cs.State.Terminated != nil {
		return s.markCompleteLocked(ctx, job, pod)
	}
	// still pending or running
	return nil
}

// Tracked reports whether the pod name belongs to a registered, non-terminal
// job. The watcher uses it to skip fetches for pods it does not own anymore.
func (s *Service) Tracked(podName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.reg.JobByPod(podName)
	return job != nil && !job.Terminal()
}

// ReconcilePodEvent handles one watch event: it re-reads the pod fresh from
// the cluster (event payloads may be stale across watch restarts) and applies
// the result. A 404 read means the pod vanished. The read happens outside the
// lock; the binding is re-checked afterwards so a stale observation cannot
// clobber a concurrent rebind.
func (s *Service) ReconcilePodEvent(ctx context.Context, podName string) error {
	if !s.Tracked(podName) {
		return nil
	}
	pod, err := s.pods.Get(ctx, podName)
	if err != nil {
		return err
	}
	return s.ReconcileObservation(ctx, podName, pod)
}

// ReconcileObservation applies an observation of podName (pod may be nil:
// vanished) to the job currently bound to it, if any.
func (s *Service) ReconcileObservation(ctx context.Context, podName string, pod *corev1.Pod) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.reg.JobByPod(podName)
	if job == nil || job.PodName != podName {
		return nil
	}
	return s.reconcileLocked(ctx, job, pod)
}

// BoundPods returns a snapshot of all pod names currently bound to jobs.
func (s *Service) BoundPods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	bindings := s.reg.PodBindings()
	names := make([]string, 0, len(bindings))
	for name := range bindings {
		names = append(names, name)
	}
	return names
}

// statusLocked builds the public document of a job, including its log when
// one is retrievable: the live pod log while Created (errors swallowed), the
// stored artifact once Complete.
func (s *Service) statusLocked(ctx context.Context, job *Job) JobStatus {
	st := JobStatus{
		ID:         job.ID,
		State:      job.State,
		Attributes: job.Attributes,
	}
	switch job.State {
	case StateCreated:
		if job.PodName != "" {
			if podLog, err := s.pods.Log(ctx, job.PodName); err == nil {
				st.Log = podLog
			}
		}
	case StateComplete:
		exitCode := job.ExitCode
		st.ExitCode = &exitCode
		if artifact, ok, err := s.logs.Read(job.ID); err == nil && ok {
			st.Log = artifact
		}
	}
	return st
}

// JobStatusByID returns the public document of a job.
func (s *Service) JobStatusByID(ctx context.Context, jobID int) (JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.reg.JobByID(jobID)
	if job == nil {
		return JobStatus{}, fmt.Errorf("job %d: %w", jobID, ErrNotFound)
	}
	return s.statusLocked(ctx, job), nil
}

// JobStatuses returns the documents of all registered jobs, ordered by id.
func (s *Service) JobStatuses(ctx context.Context) []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := s.reg.Jobs()
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	out := make([]JobStatus, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, s.statusLocked(ctx, job))
	}
	return out
}

// JobLog returns the log of a job. For a Created job it is the live pod log,
// for a Complete job the stored artifact. For an id whose job is gone the
// artifact is still served if it exists and the id was ever allocated.
func (s *Service) JobLog(ctx context.Context, jobID int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if jobID > s.reg.LastID() {
		return "", fmt.Errorf("job %d: %w", jobID, ErrNotFound)
	}
	job := s.reg.JobByID(jobID)
	if job == nil {
		artifact, ok, err := s.logs.Read(jobID)
		if err == nil && ok {
			return artifact, nil
		}
		return "", fmt.Errorf("job %d: %w", jobID, ErrNotFound)
	}
	switch job.State {
	case StateCreated:
		if job.PodName != "" {
			if podLog, err := s.pods.Log(ctx, job.PodName); err == nil {
				return podLog, nil
			}
		}
	case StateComplete:
		if artifact, ok, err := s.logs.Read(jobID); err == nil && ok {
			return artifact, nil
		}
	}
	return "", fmt.Errorf("no log for job %d: %w", jobID, ErrNotFound)
}

// CreateBatch allocates and registers an empty batch.
func (s *Service) CreateBatch(attributes map[string]string) BatchStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := &Batch{
		ID:         s.reg.NextID(),
		Attributes: attributes,
	}
	s.reg.InsertBatch(b)
	blog.WithField("batch", b.ID).Info("created batch")
	return s.batchStatusLocked(b)
}

// DeleteBatch unregisters the batch and orphans its members: each member's
// batch reference is cleared, the jobs themselves keep running.
func (s *Service) DeleteBatch(batchID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.reg.BatchByID(batchID)
	if b == nil {
		return fmt.Errorf("batch %d: %w", batchID, ErrNotFound)
	}
	s.reg.RemoveBatch(b)
	for _, id := range b.JobIDs {
		if job := s.reg.JobByID(id); job != nil {
			job.BatchID = 0
		}
	}
	blog.WithField("batch", b.ID).Info("deleted batch")
	return nil
}

// BatchStatusByID returns the aggregate document of a batch.
func (s *Service) BatchStatusByID(batchID int) (BatchStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.reg.BatchByID(batchID)
	if b == nil {
		return BatchStatus{}, fmt.Errorf("batch %d: %w", batchID, ErrNotFound)
	}
	return s.batchStatusLocked(b), nil
}

func (s *Service) batchStatusLocked(b *Batch) BatchStatus {
	st := BatchStatus{
		ID:         b.ID,
		Attributes: b.Attributes,
	}
	for _, id := range b.JobIDs {
		job := s.reg.JobByID(id)
		if job == nil {
			continue
		}
		switch job.State {
		case StateCreated:
			st.Jobs.Created++
		case StateComplete:
			st.Jobs.Complete++
		case StateCancelled:
			st.Jobs.Cancelled++
		}
	}
	return st
}
