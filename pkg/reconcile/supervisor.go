package reconcile

import (
	"context"
	"math/rand"
	"time"

	"github.com/gavv/monotime"
	"github.com/sirupsen/logrus"
)

var rlog = logrus.WithField("component", "reconcile.Supervisor")

// expectedRetryInterval is the mean pause between worker restarts.
var expectedRetryInterval = 15 * time.Second

// RunForever runs the worker in a restart loop until the context is
// cancelled. Failures are logged and the worker is restarted after a
// randomized pause in [0, 2*expectedRetryInterval) minus the time the worker
// ran, clamped at zero. The jitter keeps workers sharing a failure mode from
// restarting in lockstep.
func RunForever(ctx context.Context, name string, worker func(context.Context) error) {
	log := rlog.WithField("worker", name)
	for ctx.Err() == nil {
		start := monotime.Now()
		log.Info("running worker")
		if err := worker(ctx); err != nil {
			log.WithError(err).Error("worker failed")
		} else {
			log.Info("worker returned")
		}
		elapsed := monotime.Now() - start

		pause := time.Duration(rand.Int63n(int64(2*expectedRetryInterval))) - elapsed
		if pause <= 0 {
			continue
		}
		log.WithField("pause", pause).Debug("sleeping before restart")
		select {
		case <-ctx.Done():
			return
		case <-time.After(pause):
		}
	}
}
