// Package reconcile keeps the job registry converging towards the
// cluster-observed pod state. The watcher is the low-latency signal; the
// periodic sweeper is the safety net against lost watch events. Neither alone
// is sufficient; together they converge.
package reconcile

import (
	"context"
	"sync"

	"github.com/netobserv/gopipes/pkg/node"
	"github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"

	"github.com/openbatch/batch-controller/pkg/kube"
)

var wlog = logrus.WithField("component", "reconcile.Watcher")

// Reconciler is the part of the job state machine the workers drive.
type Reconciler interface {
	// Tracked reports whether the pod belongs to a registered non-terminal job.
	Tracked(podName string) bool
	// ReconcilePodEvent re-reads the pod fresh from the cluster and applies it.
	ReconcilePodEvent(ctx context.Context, podName string) error
	// ReconcileObservation applies an already-read pod object (nil: vanished).
	ReconcileObservation(ctx context.Context, podName string, pod *corev1.Pod) error
	// BoundPods snapshots the pod names currently bound to jobs.
	BoundPods() []string
}

// Watcher consumes the long-lived pod event stream and funnels each event
// through the reconcile entry point.
type Watcher struct {
	pods kube.Pods
	rec  Reconciler
}

// NewWatcher returns a watcher over the instance's pods.
func NewWatcher(pods kube.Pods, rec Reconciler) *Watcher {
	return &Watcher{pods: pods, rec: rec}
}

// Run opens the event stream and processes it until the stream ends, an API
// error surfaces, or the context is cancelled. Event types are deliberately
// not distinguished: every event collapses to "re-examine current truth",
// which removes any dependence on event ordering. Errors terminate the run;
// the supervisor restarts it.
func (w *Watcher) Run(ctx context.Context) error {
	stream, err := w.pods.Watch(ctx)
	if err != nil {
		return err
	}
	defer stream.Stop()
	go func() {
		<-ctx.Done()
		stream.Stop()
	}()

	var once sync.Once
	var runErr error

	wlog.Debug("registering event forwarder")
	events := node.AsInit(func(out chan<- string) {
		for ev := range stream.ResultChan() {
			pod, ok := ev.Object.(*corev1.Pod)
			if !ok {
				wlog.WithField("type", ev.Type).Warn("event carries no pod object. Ignoring")
				continue
			}
			out <- pod.Name
		}
	})
	wlog.Debug("registering tracked-job filter")
	tracked := node.AsMiddle(func(in <-chan string, out chan<- string) {
		for name := range in {
			if w.rec.Tracked(name) {
				out <- name
			}
		}
	})
	wlog.Debug("registering reconcile stage")
	apply := node.AsTerminal(func(in <-chan string) {
		for name := range in {
			if err := w.rec.ReconcilePodEvent(ctx, name); err != nil {
				once.Do(func() {
					runErr = err
					stream.Stop()
				})
			}
		}
	})

	events.SendsTo(tracked)
	tracked.SendsTo(apply)
	events.Start()
	<-apply.Done()
	return runErr
}
