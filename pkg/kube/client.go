// Package kube is the opaque façade over the Kubernetes API described in
// spec §4.3: it exposes only the operations the core engine needs, wrapping
// every transport/API error in a single Error kind with a causal trace.
package kube

import (
	"context"
	"encoding/json"
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
)

// FieldManager is the process-wide field-manager identity attached to every
// server-side apply / patch operation, per spec §4.3 and §6.
const FieldManager = "man10routine"

// ArgoCDNamespace is the fixed namespace holding GitOps Application objects,
// per spec §4.3 and §6.
const ArgoCDNamespace = "argocd"

// argoApplicationGVR identifies the ArgoCD Application CRD. There is no
// typed client for a third-party CRD, so it is addressed through the
// dynamic client as unstructured.Unstructured, the same approach
// GoogleContainerTools/skaffold uses for ConfigConnector resources.
var argoApplicationGVR = schema.GroupVersionResource{
	Group:    "argoproj.io",
	Version:  "v1alpha1",
	Resource: "applications",
}

// PodExecer runs argv inside a running pod's container and blocks until the
// remote process exits. Abstracted behind an interface (rather than calling
// client-go's remotecommand package directly from Client) so unit tests can
// inject a fake exec without a real API server.
type PodExecer interface {
	Exec(ctx context.Context, namespace, pod, container string, argv []string) error
}

// Client is the concrete adapter used by the rest of the engine. Construct
// with NewClient for production use, or NewClientForTest for a fake
// clientset + fake exec in unit tests.
type Client struct {
	clientset kubernetes.Interface
	dynamic   dynamic.Interface
	exec      PodExecer
}

// NewClient builds a Client wired to a real cluster via restConfig.
func NewClient(restConfig *rest.Config) (*Client, error) {
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("kube: build clientset: %w", err)
	}
	dyn, err := dynamic.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("kube: build dynamic client: %w", err)
	}
	return &Client{
		clientset: clientset,
		dynamic:   dyn,
		exec:      newRemoteCommandExecer(restConfig, clientset),
	}, nil
}

// NewClientForTest builds a Client over injected fakes, for unit tests only.
func NewClientForTest(clientset kubernetes.Interface, dyn dynamic.Interface, exec PodExecer) *Client {
	return &Client{clientset: clientset, dynamic: dyn, exec: exec}
}

// GetStatefulSet fetches the named StatefulSet. Returns ErrNotFound if absent.
func (c *Client) GetStatefulSet(ctx context.Context, namespace, name string) (*appsv1.StatefulSet, error) {
	sts, err := c.clientset.AppsV1().StatefulSets(namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("get_statefulset", err)
	}
	return sts, nil
}

// PatchStatefulSetReplicas merge-patches .spec.replicas to the given count.
func (c *Client) PatchStatefulSetReplicas(ctx context.Context, namespace, name string, replicas int32) error {
	patch := struct {
		Spec struct {
			Replicas int32 `json:"replicas"`
		} `json:"spec"`
	}{}
	patch.Spec.Replicas = replicas

	body, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("kube: marshal statefulset replica patch: %w", err)
	}

	_, err = c.clientset.AppsV1().StatefulSets(namespace).Patch(
		ctx, name, types.MergePatchType, body, metav1.PatchOptions{FieldManager: FieldManager},
	)
	if err != nil {
		return wrapErr("patch_statefulset_replicas", err)
	}
	return nil
}

// GetPod fetches the named pod. Returns ErrNotFound if absent.
func (c *Client) GetPod(ctx context.Context, namespace, name string) (*corev1.Pod, error) {
	pod, err := c.clientset.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("get_pod", err)
	}
	return pod, nil
}

// ExecInPod attaches to container in pod and waits for argv to exit.
func (c *Client) ExecInPod(ctx context.Context, namespace, pod, container string, argv []string) error {
	if err := c.exec.Exec(ctx, namespace, pod, container, argv); err != nil {
		return wrapErr("exec_in_pod", err)
	}
	return nil
}

// GetJob fetches the named Job. Returns ErrNotFound if absent.
func (c *Client) GetJob(ctx context.Context, namespace, name string) (*batchv1.Job, error) {
	job, err := c.clientset.BatchV1().Jobs(namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("get_job", err)
	}
	return job, nil
}

// CreateJob creates the given Job manifest.
func (c *Client) CreateJob(ctx context.Context, namespace string, manifest *batchv1.Job) (*batchv1.Job, error) {
	created, err := c.clientset.BatchV1().Jobs(namespace).Create(ctx, manifest, metav1.CreateOptions{FieldManager: FieldManager})
	if err != nil {
		return nil, wrapErr("create_job", err)
	}
	return created, nil
}

// GetArgoCDApp fetches the named Application from the fixed ArgoCD namespace.
func (c *Client) GetArgoCDApp(ctx context.Context, name string) (*unstructured.Unstructured, error) {
	app, err := c.dynamic.Resource(argoApplicationGVR).Namespace(ArgoCDNamespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("get_argocd_app", err)
	}
	return app, nil
}

// PauseArgoCDAutoSync removes the /spec/syncPolicy/automated subdocument via
// a JSON-Patch remove, preserving the rest of spec.syncPolicy, per spec
// §4.3(a). It is a no-op (not an error) if automated is already absent —
// JSON-Patch remove on a missing path would otherwise fail, and the teardown
// guard (§4.4) already guarantees this is called at most once per node while
// a teardown is outstanding.
func (c *Client) PauseArgoCDAutoSync(ctx context.Context, name string) error {
	app, err := c.GetArgoCDApp(ctx, name)
	if err != nil {
		return err
	}

	syncPolicy, found, err := unstructured.NestedMap(app.Object, "spec", "syncPolicy")
	if err != nil {
		return fmt.Errorf("kube: read spec.syncPolicy of %s: %w", name, err)
	}
	if !found {
		return nil
	}
	if _, hasAutomated := syncPolicy["automated"]; !hasAutomated {
		return nil
	}

	patch := []byte(`[{"op":"remove","path":"/spec/syncPolicy/automated"}]`)
	_, err = c.dynamic.Resource(argoApplicationGVR).Namespace(ArgoCDNamespace).Patch(
		ctx, name, types.JSONPatchType, patch, metav1.PatchOptions{FieldManager: FieldManager},
	)
	if err != nil {
		return wrapErr("patch_argocd_app_pause", err)
	}
	return nil
}

// RestoreArgoCDSyncPolicy server-side applies spec.syncPolicy back to the
// captured value, per spec §4.3(b). A nil syncPolicy restores an app that
// had no syncPolicy at all (applies an empty spec.syncPolicy field owned by
// our field manager, which SSA then prunes on the next real apply).
func (c *Client) RestoreArgoCDSyncPolicy(ctx context.Context, name string, syncPolicy map[string]interface{}) error {
	obj := &unstructured.Unstructured{
		Object: map[string]interface{}{
			"apiVersion": "argoproj.io/v1alpha1",
			"kind":       "Application",
			"metadata": map[string]interface{}{
				"name":      name,
				"namespace": ArgoCDNamespace,
			},
			"spec": map[string]interface{}{
				"syncPolicy": syncPolicy,
			},
		},
	}

	body, err := json.Marshal(obj.Object)
	if err != nil {
		return fmt.Errorf("kube: marshal restored syncPolicy for %s: %w", name, err)
	}

	_, err = c.dynamic.Resource(argoApplicationGVR).Namespace(ArgoCDNamespace).Patch(
		ctx, name, types.ApplyPatchType, body,
		metav1.PatchOptions{FieldManager: FieldManager, Force: boolPtr(true)},
	)
	if err != nil {
		return wrapErr("patch_argocd_app_restore", err)
	}
	return nil
}

func boolPtr(b bool) *bool { return &b }
