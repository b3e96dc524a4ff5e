// Package kube wraps the subset of the Kubernetes API the batch controller
// consumes: pod create/delete/get/log/list/watch scoped to a namespace and to
// the labels stamped by this process instance.
package kube

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
)

const (
	// LabelApp marks every pod owned by any batch controller process.
	LabelApp = "app"
	// LabelInstance bounds pod ownership to a single process instance.
	LabelInstance = "instance"
	// LabelUUID is a fresh value per created pod, so successive pods of the
	// same job are distinguishable.
	LabelUUID = "uuid"

	// AppName is the value of the LabelApp label.
	AppName = "batch-job"
)

// Selector returns the label selector matching all pods owned by the given
// process instance.
func Selector(instanceID string) string {
	return fmt.Sprintf("%s=%s,%s=%s", LabelApp, AppName, LabelInstance, instanceID)
}

// Pods abstracts the pod operations of the cluster API to allow dependency
// injection in tests.
type Pods interface {
	// Create submits the pod and returns it with the cluster-assigned name.
	Create(ctx context.Context, pod *corev1.Pod) (*corev1.Pod, error)
	// Delete removes the pod. A pod that is already gone is not an error.
	Delete(ctx context.Context, name string) error
	// Get returns the current pod object, or nil if the pod does not exist.
	Get(ctx context.Context, name string) (*corev1.Pod, error)
	// Log returns the pod's container log.
	Log(ctx context.Context, name string) (string, error)
	// List returns all pods carrying this instance's labels.
	List(ctx context.Context) ([]corev1.Pod, error)
	// Watch opens an event stream over the pods carrying this instance's
	// labels.
	Watch(ctx context.Context) (watch.Interface, error)
}

// PodClient implements Pods on top of a client-go clientset.
type PodClient struct {
	client    kubernetes.Interface
	namespace string
	selector  string
}

// NewPodClient returns a PodClient scoped to the namespace and instance.
func NewPodClient(client kubernetes.Interface, namespace, instanceID string) *PodClient {
	return &PodClient{
		client:    client,
		namespace: namespace,
		selector:  Selector(instanceID),
	}
}

func (c *PodClient) Create(ctx context.Context, pod *corev1.Pod) (*corev1.Pod, error) {
	created, err := c.client.CoreV1().Pods(c.namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("creating pod: %w", err)
	}
	return created, nil
}

func (c *PodClient) Delete(ctx context.Context, name string) error {
	err := c.client.CoreV1().Pods(c.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("deleting pod %s: %w", name, err)
	}
	return nil
}

func (c *PodClient) Get(ctx context.Context, name string) (*corev1.Pod, error) {
	pod, err := c.client.CoreV1().Pods(c.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading pod %s: %w", name, err)
	}
	return pod, nil
}

func (c *PodClient) Log(ctx context.Context, name string) (string, error) {
	raw, err := c.client.CoreV1().Pods(c.namespace).GetLogs(name, &corev1.PodLogOptions{}).Do(ctx).Raw()
	if err != nil {
		return "", fmt.Errorf("reading log of pod %s: %w", name, err)
	}
	return string(raw), nil
}

func (c *PodClient) List(ctx context.Context) ([]corev1.Pod, error) {
	pods, err := c.client.CoreV1().Pods(c.namespace).List(ctx, metav1.ListOptions{LabelSelector: c.selector})
	if err != nil {
		return nil, fmt.Errorf("listing pods: %w", err)
	}
	return pods.Items, nil
}

func (c *PodClient) Watch(ctx context.Context) (watch.Interface, error) {
	w, err := c.client.CoreV1().Pods(c.namespace).Watch(ctx, metav1.ListOptions{LabelSelector: c.selector})
	if err != nil {
		return nil, fmt.Errorf("watching pods: %w", err)
	}
	return w, nil
}
