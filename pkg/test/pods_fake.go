// Package test provides hand-rolled fakes for collaborators whose real
// implementations talk to a cluster.
package test

import (
	"context"
	"fmt"
	"sync"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/watch"
)

// PodsFake is an in-memory stand-in for the cluster's pod API. It honors the
// same contract as the production client: deletes of missing pods succeed,
// reads of missing pods return nil.
type PodsFake struct {
	mu      sync.Mutex
	counter int
	pods    map[string]*corev1.Pod
	logs    map[string]string
	watcher *watch.FakeWatcher

	deleted []string
	created []string

	// Error overrides, applied to the corresponding operation when non-nil.
	CreateErr error
	GetErr    error
	LogErr    error
	ListErr   error
	WatchErr  error
}

// NewPodsFake returns an empty fake.
func NewPodsFake() *PodsFake {
	return &PodsFake{
		pods:    map[string]*corev1.Pod{},
		logs:    map[string]string{},
		watcher: watch.NewFakeWithChanSize(16, false),
	}
}

func (f *PodsFake) Create(_ context.Context, pod *corev1.Pod) (*corev1.Pod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}
	f.counter++
	created := pod.DeepCopy()
	created.Name = fmt.Sprintf("%sfake%d", pod.GenerateName, f.counter)
	f.pods[created.Name] = created
	f.created = append(f.created, created.Name)
	return created.DeepCopy(), nil
}

func (f *PodsFake) Delete(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, name)
	delete(f.pods, name)
	return nil
}

func (f *PodsFake) Get(_ context.Context, name string) (*corev1.Pod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.GetErr != nil {
		return nil, f.GetErr
	}
	pod, ok := f.pods[name]
	if !ok {
		return nil, nil
	}
	return pod.DeepCopy(), nil
}

func (f *PodsFake) Log(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.LogErr != nil {
		return "", f.LogErr
	}
	log, ok := f.logs[name]
	if !ok {
		return "", fmt.Errorf("no log for pod %s", name)
	}
	return log, nil
}

func (f *PodsFake) List(_ context.Context) ([]corev1.Pod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	out := make([]corev1.Pod, 0, len(f.pods))
	for _, pod := range f.pods {
		out = append(out, *pod.DeepCopy())
	}
	return out, nil
}

func (f *PodsFake) Watch(_ context.Context) (watch.Interface, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.WatchErr != nil {
		return nil, f.WatchErr
	}
	return f.watcher, nil
}

// Deleted returns every delete call seen so far, in order, including deletes
// of pods that were already gone.
func (f *PodsFake) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

// Created returns the assigned names of every created pod, in order.
func (f *PodsFake) Created() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.created...)
}

// Terminate marks the pod's single container as terminated with the exit
// code and installs its final log.
func (f *PodsFake) Terminate(name string, exitCode int32, log string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pod, ok := f.pods[name]
	if !ok {
		panic(fmt.Sprintf("no pod %s to terminate", name))
	}
	pod.Status.ContainerStatuses = []corev1.ContainerStatus{{
		Name: "default",
		State: corev1.ContainerState{
			Terminated: &corev1.ContainerStateTerminated{ExitCode: exitCode},
		},
	}}
	f.logs[name] = log
}

// Remove makes the pod vanish from the cluster without a delete call.
func (f *PodsFake) Remove(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pods, name)
}

// Pod returns a copy of the stored pod, or nil.
func (f *PodsFake) Pod(name string) *corev1.Pod {
	f.mu.Lock()
	defer f.mu.Unlock()
	pod, ok := f.pods[name]
	if !ok {
		return nil
	}
	return pod.DeepCopy()
}

// Emit sends a watch event for the named pod (with its current object, which
// watchers are expected to re-read anyway).
func (f *PodsFake) Emit(eventType watch.EventType, name string) {
	f.mu.Lock()
	pod, ok := f.pods[name]
	if !ok {
		pod = &corev1.Pod{}
		pod.Name = name
	}
	obj := pod.DeepCopy()
	f.mu.Unlock()
	f.watcher.Action(eventType, obj)
}

// StopWatch ends the event stream, as an expiring server-side watch would.
func (f *PodsFake) StopWatch() {
	f.watcher.Stop()
}
