package reconcile

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openbatch/batch-controller/pkg/kube"
	"github.com/openbatch/batch-controller/pkg/metrics"
)

var plog = logrus.WithField("component", "reconcile.Sweeper")

// Sweeper periodically lists every pod carrying the instance label and
// reconciles each tracked job against it. Tracked pods missing from the
// listing are reported as vanished, which makes the state machine create a
// replacement.
type Sweeper struct {
	pods     kube.Pods
	rec      Reconciler
	interval time.Duration
	metrics  *metrics.Metrics
}

// NewSweeper returns a sweeper that runs every interval.
func NewSweeper(pods kube.Pods, rec Reconciler, interval time.Duration, m *metrics.Metrics) *Sweeper {
	return &Sweeper{pods: pods, rec: rec, interval: interval, metrics: m}
}

// Run sweeps immediately and then on every tick, until the context is
// cancelled or a sweep fails. Errors terminate the run; the supervisor
// restarts it.
func (s *Sweeper) Run(ctx context.Context) error {
	if err := s.Sweep(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				return err
			}
		}
	}
}

// Sweep performs one full-state reconciliation pass.
func (s *Sweeper) Sweep(ctx context.Context) error {
	plog.Info("started cluster state refresh")

	pods, err := s.pods.List(ctx)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(pods))
	for i := range pods {
		pod := &pods[i]
		seen[pod.Name] = true
		if err := s.rec.ReconcileObservation(ctx, pod.Name, pod); err != nil {
			return err
		}
	}

	// The binding snapshot is taken before reconciling so that replacement
	// pods bound during this loop do not extend the iteration.
	for _, name := range s.rec.BoundPods() {
		if seen[name] {
			continue
		}
		if err := s.rec.ReconcileObservation(ctx, name, nil); err != nil {
			return err
		}
	}

	s.metrics.Sweeps.Inc()
	plog.Info("cluster state refresh complete")
	return nil
}
