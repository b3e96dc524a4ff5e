package kube

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

var clog = logrus.WithField("component", "kube.Config")

// clientTimeout bounds every cluster API call. Watches are bounded too; the
// supervisor reopens an expired stream.
const clientTimeout = 120 * time.Second

// NewClientset builds a clientset either from the local kubeconfig (for
// development, when useKubeConfig is set) or from the in-cluster
// service-account credentials.
func NewClientset(useKubeConfig bool) (kubernetes.Interface, error) {
	var restCfg *rest.Config
	var err error
	if useKubeConfig {
		clog.Debug("loading credentials from local kubeconfig")
		rules := clientcmd.NewDefaultClientConfigLoadingRules()
		restCfg, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
			rules, &clientcmd.ConfigOverrides{}).ClientConfig()
	} else {
		clog.Debug("loading in-cluster credentials")
		restCfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("loading cluster credentials: %w", err)
	}
	restCfg.Timeout = clientTimeout
	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("instantiating cluster client: %w", err)
	}
	return client, nil
}
