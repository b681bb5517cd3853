package kube

import (
	"context"
	"errors"
	"testing"

	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	"k8s.io/client-go/kubernetes/fake"
)

type fakeExecer struct {
	called  bool
	lastArg []string
	err     error
}

func (f *fakeExecer) Exec(ctx context.Context, namespace, pod, container string, argv []string) error {
	f.called = true
	f.lastArg = argv
	return f.err
}

func newDynamicFake(objects ...runtime.Object) *dynamicfake.FakeDynamicClient {
	scheme := runtime.NewScheme()
	listKinds := map[schema.GroupVersionResource]string{
		argoApplicationGVR: "ApplicationList",
	}
	return dynamicfake.NewSimpleDynamicClientWithCustomListKinds(scheme, listKinds, objects...)
}

func newApp(name string, syncPolicy map[string]interface{}) *unstructured.Unstructured {
	spec := map[string]interface{}{}
	if syncPolicy != nil {
		spec["syncPolicy"] = syncPolicy
	}
	return &unstructured.Unstructured{
		Object: map[string]interface{}{
			"apiVersion": "argoproj.io/v1alpha1",
			"kind":       "Application",
			"metadata": map[string]interface{}{
				"name":      name,
				"namespace": ArgoCDNamespace,
			},
			"spec": spec,
		},
	}
}

func TestGetStatefulSetNotFound(t *testing.T) {
	c := NewClientForTest(fake.NewSimpleClientset(), newDynamicFake(), &fakeExecer{})
	_, err := c.GetStatefulSet(context.Background(), "default", "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPatchStatefulSetReplicas(t *testing.T) {
	cs := fake.NewSimpleClientset(&appsv1.StatefulSet{
		ObjectMeta: metav1.ObjectMeta{Name: "mcproxy", Namespace: "default"},
	})
	c := NewClientForTest(cs, newDynamicFake(), &fakeExecer{})

	if err := c.PatchStatefulSetReplicas(context.Background(), "default", "mcproxy", 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sts, err := c.GetStatefulSet(context.Background(), "default", "mcproxy")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sts.Spec.Replicas == nil || *sts.Spec.Replicas != 0 {
		t.Fatalf("replicas = %v, want 0", sts.Spec.Replicas)
	}
}

func TestGetPodMissing(t *testing.T) {
	c := NewClientForTest(fake.NewSimpleClientset(), newDynamicFake(), &fakeExecer{})
	_, err := c.GetPod(context.Background(), "default", "mcproxy-0")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestExecInPodDelegatesToExecer(t *testing.T) {
	execer := &fakeExecer{}
	c := NewClientForTest(fake.NewSimpleClientset(), newDynamicFake(), execer)

	if err := c.ExecInPod(context.Background(), "default", "s1-0", "minecraft", []string{"rcon-cli", "stop"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !execer.called {
		t.Fatal("expected Exec to be called")
	}
	if len(execer.lastArg) != 2 || execer.lastArg[0] != "rcon-cli" {
		t.Fatalf("unexpected argv: %v", execer.lastArg)
	}
}

func TestExecInPodWrapsError(t *testing.T) {
	execer := &fakeExecer{err: errors.New("boom")}
	c := NewClientForTest(fake.NewSimpleClientset(), newDynamicFake(), execer)

	err := c.ExecInPod(context.Background(), "default", "s1-0", "minecraft", []string{"rcon-cli", "stop"})
	var kubeErr *Error
	if !errors.As(err, &kubeErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
}

func TestCreateAndGetJob(t *testing.T) {
	c := NewClientForTest(fake.NewSimpleClientset(), newDynamicFake(), &fakeExecer{})
	manifest := &batchv1.Job{ObjectMeta: metav1.ObjectMeta{Name: "snapshot-s1", Namespace: "default"}}

	if _, err := c.CreateJob(context.Background(), "default", manifest); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := c.GetJob(context.Background(), "default", "snapshot-s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Name != "snapshot-s1" {
		t.Fatalf("got job %q", got.Name)
	}
}

func TestPauseArgoCDAutoSyncRemovesAutomated(t *testing.T) {
	app := newApp("apps", map[string]interface{}{
		"automated":   map[string]interface{}{"prune": true},
		"syncOptions": []interface{}{"CreateNamespace=true"},
	})
	c := NewClientForTest(fake.NewSimpleClientset(), newDynamicFake(app), &fakeExecer{})

	if err := c.PauseArgoCDAutoSync(context.Background(), "apps"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := c.GetArgoCDApp(context.Background(), "apps")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	syncPolicy, _, _ := unstructured.NestedMap(got.Object, "spec", "syncPolicy")
	if _, ok := syncPolicy["automated"]; ok {
		t.Fatal("automated should have been removed")
	}
	if _, ok := syncPolicy["syncOptions"]; !ok {
		t.Fatal("syncOptions should have been preserved")
	}
}

func TestPauseArgoCDAutoSyncNoOpWhenAlreadyAbsent(t *testing.T) {
	app := newApp("apps", map[string]interface{}{
		"syncOptions": []interface{}{"CreateNamespace=true"},
	})
	c := NewClientForTest(fake.NewSimpleClientset(), newDynamicFake(app), &fakeExecer{})

	if err := c.PauseArgoCDAutoSync(context.Background(), "apps"); err != nil {
		t.Fatalf("unexpected error for already-paused app: %v", err)
	}
}

func TestRestoreArgoCDSyncPolicy(t *testing.T) {
	app := newApp("apps", nil)
	c := NewClientForTest(fake.NewSimpleClientset(), newDynamicFake(app), &fakeExecer{})

	original := map[string]interface{}{
		"automated": map[string]interface{}{"prune": true, "selfHeal": true},
	}
	if err := c.RestoreArgoCDSyncPolicy(context.Background(), "apps", original); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := c.GetArgoCDApp(context.Background(), "apps")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	syncPolicy, found, _ := unstructured.NestedMap(got.Object, "spec", "syncPolicy")
	if !found {
		t.Fatal("expected syncPolicy to be restored")
	}
	if _, ok := syncPolicy["automated"]; !ok {
		t.Fatal("expected automated to be restored")
	}
}

func TestGetArgoCDAppNotFound(t *testing.T) {
	c := NewClientForTest(fake.NewSimpleClientset(), newDynamicFake(), &fakeExecer{})
	_, err := c.GetArgoCDApp(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
