// Package agent wires the batch controller together: the job service, the
// cluster watcher, the periodic sweeper and the REST API.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/openbatch/batch-controller/pkg/batch"
	"github.com/openbatch/batch-controller/pkg/callback"
	"github.com/openbatch/batch-controller/pkg/kube"
	"github.com/openbatch/batch-controller/pkg/logstore"
	"github.com/openbatch/batch-controller/pkg/metrics"
	"github.com/openbatch/batch-controller/pkg/reconcile"
	"github.com/openbatch/batch-controller/pkg/server"
)

var alog = logrus.WithField("component", "agent.Controller")

const shutdownTimeout = 10 * time.Second

// Controller is the assembled batch control plane.
type Controller struct {
	cfg        *Config
	instanceID string
	svc        *batch.Service
	watcher    *reconcile.Watcher
	sweeper    *reconcile.Sweeper
	api        *http.Server
	metricsSrv *http.Server
}

// NewController instantiates the controller against a real cluster, given a
// configuration.
func NewController(cfg *Config) (*Controller, error) {
	alog.Info("initializing batch controller")
	client, err := kube.NewClientset(cfg.UseKubeConfig)
	if err != nil {
		return nil, err
	}
	instanceID := strings.ReplaceAll(uuid.NewString(), "-", "")
	pods := kube.NewPodClient(client, cfg.Namespace, instanceID)
	return newController(cfg, pods, instanceID)
}

// newController finishes the wiring given an already-built pod client; tests
// inject fakes here.
func newController(cfg *Config, pods kube.Pods, instanceID string) (*Controller, error) {
	alog.WithField("instance", instanceID).Info("instance id assigned")
	alog.WithField("interval", cfg.RefreshInterval()).Info("refresh interval")

	logs, err := logstore.New(cfg.LogsDir)
	if err != nil {
		return nil, err
	}
	m := metrics.NewMetrics()
	notifier := callback.New(cfg.CallbackTimeout, m.CallbackFailures.Inc)
	svc := batch.NewService(pods, logs, notifier, m, instanceID)

	c := &Controller{
		cfg:        cfg,
		instanceID: instanceID,
		svc:        svc,
		watcher:    reconcile.NewWatcher(pods, svc),
		sweeper:    reconcile.NewSweeper(pods, svc, cfg.RefreshInterval(), m),
		api: &http.Server{
			Addr:    cfg.ListenAddress,
			Handler: server.New(svc).Handler(),
		},
	}
	if cfg.MetricsEnable {
		c.metricsSrv = m.Server(cfg.MetricsPort)
	}
	return c, nil
}

// Service exposes the job service, mainly for tests.
func (c *Controller) Service() *batch.Service {
	return c.svc
}

// Run starts the supervised workers and the API server, and keeps running
// until the passed context is cancelled or the API server fails.
func (c *Controller) Run(ctx context.Context) error {
	alog.Info("starting batch controller")

	go reconcile.RunForever(ctx, "kube-watcher", c.watcher.Run)
	go reconcile.RunForever(ctx, "state-refresher", c.sweeper.Run)

	apiErr := make(chan error, 1)
	go func() {
		alog.WithField("address", c.cfg.ListenAddress).Info("serving API")
		apiErr <- c.api.ListenAndServe()
	}()
	if c.metricsSrv != nil {
		go func() {
			alog.WithField("address", c.metricsSrv.Addr).Info("serving metrics")
			if err := c.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				alog.WithError(err).Warn("metrics server failed")
			}
		}()
	}

	select {
	case err := <-apiErr:
		return fmt.Errorf("API server: %w", err)
	case <-ctx.Done():
	}

	alog.Info("stopping batch controller")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if c.metricsSrv != nil {
		c.metricsSrv.Shutdown(shutdownCtx)
	}
	if err := c.api.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	alog.Info("batch controller stopped")
	return nil
}
