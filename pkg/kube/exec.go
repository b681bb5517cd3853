package kube

import (
	"bytes"
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/remotecommand"
)

// remoteCommandExecer is the production PodExecer, attaching via
// client-go's SPDY executor and waiting for the remote process to exit.
type remoteCommandExecer struct {
	restConfig *rest.Config
	clientset  kubernetes.Interface
}

func newRemoteCommandExecer(restConfig *rest.Config, clientset kubernetes.Interface) PodExecer {
	return &remoteCommandExecer{restConfig: restConfig, clientset: clientset}
}

func (e *remoteCommandExecer) Exec(ctx context.Context, namespace, pod, container string, argv []string) error {
	req := e.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(pod).
		Namespace(namespace).
		SubResource("exec")

	req.VersionedParams(&corev1.PodExecOptions{
		Container: container,
		Command:   argv,
		Stdout:    true,
		Stderr:    true,
	}, scheme.ParameterCodec)

	executor, err := remotecommand.NewSPDYExecutor(e.restConfig, "POST", req.URL())
	if err != nil {
		return fmt.Errorf("build exec executor for %s/%s: %w", pod, container, err)
	}

	var stdout, stderr bytes.Buffer
	err = executor.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdout: &stdout,
		Stderr: &stderr,
	})
	if err != nil {
		return fmt.Errorf("exec %v in %s/%s: %w (stderr: %s)", argv, pod, container, err, stderr.String())
	}
	return nil
}
