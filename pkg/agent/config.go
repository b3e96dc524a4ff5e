package agent

import (
	"time"
)

type Config struct {
	// RefreshIntervalSeconds is the cadence of the periodic full-state
	// reconciliation sweep over all owned pods.
	RefreshIntervalSeconds int `env:"REFRESH_INTERVAL_IN_SECONDS" envDefault:"300"`
	// UseKubeConfig makes the controller load cluster credentials from the
	// local kubeconfig instead of the in-cluster service account. Meant for
	// development outside a cluster.
	UseKubeConfig bool `env:"BATCH_USE_KUBE_CONFIG" envDefault:"false"`
	// Namespace is the namespace all job pods are created and watched in.
	Namespace string `env:"KUBE_NAMESPACE" envDefault:"default"`
	// ListenAddress is the bind address of the REST API.
	ListenAddress string `env:"LISTEN_ADDRESS" envDefault:":5000"`
	// LogsDir is the directory where completed jobs' logs are persisted, one
	// file per job.
	LogsDir string `env:"LOGS_DIR" envDefault:"logs"`
	// CallbackTimeout bounds each completion callback POST.
	CallbackTimeout time.Duration `env:"CALLBACK_TIMEOUT" envDefault:"120s"`
	// LogLevel. From more to less verbose: trace, debug, info, warn, error,
	// fatal, panic.
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	// MetricsEnable enables the http server exposing controller metrics.
	MetricsEnable bool `env:"METRICS_ENABLE" envDefault:"false"`
	// MetricsPort is the port of the metrics server.
	MetricsPort int `env:"METRICS_SERVER_PORT" envDefault:"9090"`
}

// RefreshInterval returns the sweep cadence as a duration.
func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalSeconds) * time.Second
}
