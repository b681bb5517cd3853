package chart

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/man10server/man10routine/pkg/argocd"
	"github.com/man10server/man10routine/pkg/config"
)

type fakeClient struct {
	mu        sync.Mutex
	pauses    int
	restores  int
	failPause bool
}

func (f *fakeClient) GetArgoCDApp(ctx context.Context, name string) (map[string]interface{}, bool, error) {
	return map[string]interface{}{"automated": map[string]interface{}{}}, true, nil
}

func (f *fakeClient) PauseArgoCDAutoSync(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPause {
		return errors.New("simulated pause failure")
	}
	f.pauses++
	return nil
}

func (f *fakeClient) RestoreArgoCDSyncPolicy(ctx context.Context, name string, syncPolicy map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restores++
	return nil
}

func buildChart(t *testing.T) (*config.ServerChart, *config.Forest) {
	t.Helper()
	cfg, err := config.Parse([]byte(`
namespace: default
mcproxy:
  name: mcproxy
  argocd: apps/mcproxy
  rcon_container: minecraft
mcservers:
  s1:
    argocd: apps/servers/s1
    rcon_container: minecraft
`))
	if err != nil {
		t.Fatalf("unexpected config error: %v", err)
	}
	return cfg.Servers["s1"], cfg.Forest
}

func TestArgocdTeardownMemoizesConcurrentCallers(t *testing.T) {
	serverChart, forest := buildChart(t)
	client := &fakeClient{}
	registry := argocd.NewRegistry(forest, client)
	h := NewHandle(serverChart, registry)

	var wg sync.WaitGroup
	guards := make([]*argocd.Guard, 10)
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			guards[i], errs[i] = h.ArgocdTeardown(context.Background())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: unexpected error: %v", i, err)
		}
	}
	for i := 1; i < 10; i++ {
		if guards[i] != guards[0] {
			t.Fatalf("caller %d got a different guard than caller 0", i)
		}
	}
	if client.pauses != 1 {
		t.Fatalf("expected exactly one pause call, got %d", client.pauses)
	}

	if err := h.Release(context.Background()); err != nil {
		t.Fatalf("unexpected release error: %v", err)
	}
	if client.restores != 1 {
		t.Fatalf("expected exactly one restore after release, got %d", client.restores)
	}
}

func TestReleaseNoOpWhenNeverTornDown(t *testing.T) {
	serverChart, forest := buildChart(t)
	client := &fakeClient{}
	registry := argocd.NewRegistry(forest, client)
	h := NewHandle(serverChart, registry)

	if err := h.Release(context.Background()); err != nil {
		t.Fatalf("unexpected error releasing a never-torn-down handle: %v", err)
	}
	if client.restores != 0 {
		t.Fatalf("expected no restore calls, got %d", client.restores)
	}
}

func TestReleaseNoOpOnCachedError(t *testing.T) {
	serverChart, forest := buildChart(t)
	client := &fakeClient{failPause: true}
	registry := argocd.NewRegistry(forest, client)
	h := NewHandle(serverChart, registry)

	if _, err := h.ArgocdTeardown(context.Background()); err == nil {
		t.Fatal("expected teardown error")
	}
	if err := h.Release(context.Background()); err != nil {
		t.Fatalf("release after failed teardown should be a no-op, got: %v", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	serverChart, forest := buildChart(t)
	client := &fakeClient{}
	registry := argocd.NewRegistry(forest, client)
	h := NewHandle(serverChart, registry)

	if _, err := h.ArgocdTeardown(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := h.Release(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := h.Release(context.Background()); err != nil {
		t.Fatalf("second release should be a no-op, got: %v", err)
	}
	if client.restores != 1 {
		t.Fatalf("expected exactly one restore across both releases, got %d", client.restores)
	}
}

func TestHandleLeakIsDetected(t *testing.T) {
	var gotName string
	orig := onHandleLeak
	onHandleLeak = func(name string) { gotName = name }
	defer func() { onHandleLeak = orig }()

	serverChart, forest := buildChart(t)
	client := &fakeClient{}
	registry := argocd.NewRegistry(forest, client)

	h := &Handle{chart: serverChart, registry: registry}
	guard, err := registry.Tear(context.Background(), serverChart.GitOpsKey)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h.result = &teardownResult{guard: guard}

	finalizeHandle(h)

	if gotName != serverChart.Name {
		t.Fatalf("onHandleLeak called with %q, want %q", gotName, serverChart.Name)
	}

	// Clean up the guard we tore down directly, so this test doesn't itself
	// leak one.
	if err := guard.Close(context.Background()); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
}
