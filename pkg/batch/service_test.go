package batch

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"

	"github.com/openbatch/batch-controller/pkg/kube"
	"github.com/openbatch/batch-controller/pkg/logstore"
	"github.com/openbatch/batch-controller/pkg/metrics"
	"github.com/openbatch/batch-controller/pkg/test"
)

type notification struct {
	jobID int
	url   string
	doc   JobStatus
}

type notifierFake struct {
	mu    sync.Mutex
	calls []notification
}

func (n *notifierFake) Dispatch(jobID int, url string, doc interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notification{jobID: jobID, url: url, doc: doc.(JobStatus)})
}

func (n *notifierFake) notifications() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification(nil), n.calls...)
}

func newTestService(t *testing.T) (*Service, *test.PodsFake, *notifierFake, *logstore.Store) {
	t.Helper()
	pods := test.NewPodsFake()
	logs, err := logstore.New(t.TempDir())
	require.NoError(t, err)
	notifier := &notifierFake{}
	svc := NewService(pods, logs, notifier, metrics.NewMetrics(), "test-instance")
	return svc, pods, notifier, logs
}

func busyboxSpec() corev1.PodSpec {
	return corev1.PodSpec{
		Containers: []corev1.Container{{
			Name:    DefaultContainer,
			Image:   "busybox",
			Command: []string{"true"},
		}},
		RestartPolicy: corev1.RestartPolicyNever,
	}
}

func TestCreateJobBindsPod(t *testing.T) {
	svc, pods, _, _ := newTestService(t)

	st, err := svc.CreateJob(context.Background(), busyboxSpec(), 0,
		map[string]string{"team": "genomics"}, "")
	require.NoError(t, err)
	assert.Equal(t, 1, st.ID)
	assert.Equal(t, StateCreated, st.State)
	assert.Nil(t, st.ExitCode)
	assert.Equal(t, map[string]string{"team": "genomics"}, st.Attributes)

	created := pods.Created()
	require.Len(t, created, 1)
	assert.Equal(t, "job-1-fake1", created[0])
	assert.True(t, svc.Tracked(created[0]))

	pod := pods.Pod(created[0])
	require.NotNil(t, pod)
	assert.Equal(t, kube.AppName, pod.Labels[kube.LabelApp])
	assert.Equal(t, "test-instance", pod.Labels[kube.LabelInstance])
	assert.NotEmpty(t, pod.Labels[kube.LabelUUID])
}

func TestCreateJobUnknownBatch(t *testing.T) {
	svc, pods, _, _ := newTestService(t)

	_, err := svc.CreateJob(context.Background(), busyboxSpec(), 42, nil, "")
	require.ErrorIs(t, err, ErrNoSuchBatch)
	assert.Empty(t, pods.Created())
}

func TestCancelDeletesPod(t *testing.T) {
	svc, pods, _, _ := newTestService(t)
	ctx := context.Background()

	st, err := svc.CreateJob(ctx, busyboxSpec(), 0, nil, "")
	require.NoError(t, err)
	podName := pods.Created()[0]

	require.NoError(t, svc.Cancel(ctx, st.ID))
	got, err := svc.JobStatusByID(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, got.State)
	assert.Nil(t, got.ExitCode)
	assert.Empty(t, got.Log)
	assert.Equal(t, []string{podName}, pods.Deleted())
	assert.False(t, svc.Tracked(podName))

	// cancelling a terminal job is a no-op
	require.NoError(t, svc.Cancel(ctx, st.ID))
	assert.Len(t, pods.Deleted(), 1)
}

func TestCancelUnknownJob(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	require.ErrorIs(t, svc.Cancel(context.Background(), 7), ErrNotFound)
}

func TestCompleteCapturesExitCodeAndLog(t *testing.T) {
	svc, pods, notifier, logs := newTestService(t)
	ctx := context.Background()

	st, err := svc.CreateJob(ctx, busyboxSpec(), 0, nil, "http://example.com/done")
	require.NoError(t, err)
	podName := pods.Created()[0]
	pods.Terminate(podName, 0, "hello\n")

	require.NoError(t, svc.ReconcileObservation(ctx, podName, pods.Pod(podName)))

	got, err := svc.JobStatusByID(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, got.State)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, int32(0), *got.ExitCode)
	assert.Equal(t, "hello\n", got.Log)
	assert.False(t, svc.Tracked(podName))

	data, err := os.ReadFile(logs.Path(st.ID))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))

	calls := notifier.notifications()
	require.Len(t, calls, 1)
	assert.Equal(t, st.ID, calls[0].jobID)
	assert.Equal(t, "http://example.com/done", calls[0].url)
	assert.Equal(t, StateComplete, calls[0].doc.State)
	assert.Equal(t, "hello\n", calls[0].doc.Log)
}

func TestCompleteIsAppliedOnce(t *testing.T) {
	svc, pods, notifier, _ := newTestService(t)
	ctx := context.Background()

	st, err := svc.CreateJob(ctx, busyboxSpec(), 0, nil, "http://example.com/done")
	require.NoError(t, err)
	podName := pods.Created()[0]
	pods.Terminate(podName, 3, "boom\n")
	observation := pods.Pod(podName)

	require.NoError(t, svc.ReconcileObservation(ctx, podName, observation))
	// the watcher and the sweeper may both observe the same termination
	require.NoError(t, svc.ReconcileObservation(ctx, podName, observation))

	got, err := svc.JobStatusByID(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, got.State)
	assert.Equal(t, int32(3), *got.ExitCode)
	assert.Len(t, notifier.notifications(), 1)
}

func TestVanishedPodGetsReplacement(t *testing.T) {
	svc, pods, _, _ := newTestService(t)
	ctx := context.Background()

	st, err := svc.CreateJob(ctx, busyboxSpec(), 0, nil, "")
	require.NoError(t, err)
	first := pods.Created()[0]
	firstUUID := pods.Pod(first).Labels[kube.LabelUUID]
	pods.Remove(first)

	require.NoError(t, svc.ReconcileObservation(ctx, first, nil))

	created := pods.Created()
	require.Len(t, created, 2)
	second := created[1]
	assert.Equal(t, "job-1-fake2", second)
	assert.True(t, svc.Tracked(second))
	assert.False(t, svc.Tracked(first))
	// the replacement carries a fresh uuid label
	assert.NotEqual(t, firstUUID, pods.Pod(second).Labels[kube.LabelUUID])

	got, err := svc.JobStatusByID(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCreated, got.State)
}

func TestNotStartedPodIsLeftAlone(t *testing.T) {
	svc, pods, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateJob(ctx, busyboxSpec(), 0, nil, "")
	require.NoError(t, err)
	podName := pods.Created()[0]

	// the pod exists but has no container statuses yet
	require.NoError(t, svc.ReconcileObservation(ctx, podName, pods.Pod(podName)))
	assert.True(t, svc.Tracked(podName))
	assert.Len(t, pods.Created(), 1)
}

func TestReconcilePodEventReadsFreshState(t *testing.T) {
	svc, pods, _, _ := newTestService(t)
	ctx := context.Background()

	st, err := svc.CreateJob(ctx, busyboxSpec(), 0, nil, "")
	require.NoError(t, err)
	podName := pods.Created()[0]
	pods.Terminate(podName, 0, "done\n")

	require.NoError(t, svc.ReconcilePodEvent(ctx, podName))
	got, err := svc.JobStatusByID(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, got.State)
}

func TestReconcilePodEventVanished(t *testing.T) {
	svc, pods, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateJob(ctx, busyboxSpec(), 0, nil, "")
	require.NoError(t, err)
	first := pods.Created()[0]
	pods.Remove(first)

	// the fresh read 404s, which drives the replacement path
	require.NoError(t, svc.ReconcilePodEvent(ctx, first))
	assert.Len(t, pods.Created(), 2)
}

func TestTerminalJobIgnoresObservations(t *testing.T) {
	svc, pods, _, _ := newTestService(t)
	ctx := context.Background()

	st, err := svc.CreateJob(ctx, busyboxSpec(), 0, nil, "")
	require.NoError(t, err)
	podName := pods.Created()[0]
	// observe the pod terminating before the cancel deletes it from the cluster
	pods.Terminate(podName, 0, "late\n")
	observation := pods.Pod(podName)
	require.NoError(t, svc.Cancel(ctx, st.ID))

	require.NoError(t, svc.ReconcileObservation(ctx, podName, observation))

	got, err := svc.JobStatusByID(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, got.State)
}

func TestConcurrentCancel(t *testing.T) {
	svc, pods, _, _ := newTestService(t)
	ctx := context.Background()

	st, err := svc.CreateJob(ctx, busyboxSpec(), 0, nil, "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, svc.Cancel(ctx, st.ID))
		}()
	}
	wg.Wait()

	got, err := svc.JobStatusByID(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, got.State)
	// only the first cancel reaches the cluster
	assert.Len(t, pods.Deleted(), 1)
}

func TestDeleteJobRemovesEverywhere(t *testing.T) {
	svc, pods, _, _ := newTestService(t)
	ctx := context.Background()

	b := svc.CreateBatch(nil)
	st, err := svc.CreateJob(ctx, busyboxSpec(), b.ID, nil, "")
	require.NoError(t, err)
	podName := pods.Created()[0]

	require.NoError(t, svc.DeleteJob(ctx, st.ID))
	_, err = svc.JobStatusByID(ctx, st.ID)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, pods.Deleted(), podName)

	batchSt, err := svc.BatchStatusByID(b.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCounts{}, batchSt.Jobs)
}

func TestLogSurvivesJobDeletion(t *testing.T) {
	svc, pods, _, _ := newTestService(t)
	ctx := context.Background()

	st, err := svc.CreateJob(ctx, busyboxSpec(), 0, nil, "")
	require.NoError(t, err)
	podName := pods.Created()[0]
	pods.Terminate(podName, 0, "kept\n")
	require.NoError(t, svc.ReconcileObservation(ctx, podName, pods.Pod(podName)))
	require.NoError(t, svc.DeleteJob(ctx, st.ID))

	jobLog, err := svc.JobLog(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, "kept\n", jobLog)
}

func TestJobLogByState(t *testing.T) {
	svc, pods, _, _ := newTestService(t)
	ctx := context.Background()

	st, err := svc.CreateJob(ctx, busyboxSpec(), 0, nil, "")
	require.NoError(t, err)
	podName := pods.Created()[0]
	pods.Terminate(podName, 0, "live\n")

	// Created with a bound pod: live pod log
	jobLog, err := svc.JobLog(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, "live\n", jobLog)

	// Cancelled: no log
	require.NoError(t, svc.Cancel(ctx, st.ID))
	_, err = svc.JobLog(ctx, st.ID)
	require.ErrorIs(t, err, ErrNotFound)

	// id never allocated
	_, err = svc.JobLog(ctx, 99)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBatchAggregateCounts(t *testing.T) {
	svc, pods, _, _ := newTestService(t)
	ctx := context.Background()

	b := svc.CreateBatch(map[string]string{"k": "v"})
	first, err := svc.CreateJob(ctx, busyboxSpec(), b.ID, nil, "")
	require.NoError(t, err)
	second, err := svc.CreateJob(ctx, busyboxSpec(), b.ID, nil, "")
	require.NoError(t, err)

	require.NoError(t, svc.Cancel(ctx, first.ID))
	secondPod := pods.Created()[1]
	pods.Terminate(secondPod, 0, "ok\n")
	require.NoError(t, svc.ReconcileObservation(ctx, secondPod, pods.Pod(secondPod)))

	got, err := svc.BatchStatusByID(b.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCounts{Created: 0, Complete: 1, Cancelled: 1}, got.Jobs)
	assert.Equal(t, map[string]string{"k": "v"}, got.Attributes)

	// second job is still reachable on its own
	gotSecond, err := svc.JobStatusByID(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, gotSecond.State)
}

func TestDeleteBatchOrphansMembers(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	b := svc.CreateBatch(nil)
	st, err := svc.CreateJob(ctx, busyboxSpec(), b.ID, nil, "")
	require.NoError(t, err)

	require.NoError(t, svc.DeleteBatch(b.ID))
	_, err = svc.BatchStatusByID(b.ID)
	require.ErrorIs(t, err, ErrNotFound)

	// the member keeps running and can still be deleted cleanly
	require.NoError(t, svc.DeleteJob(ctx, st.ID))

	// a new job cannot reference the deleted batch
	_, err = svc.CreateJob(ctx, busyboxSpec(), b.ID, nil, "")
	require.ErrorIs(t, err, ErrNoSuchBatch)
}
