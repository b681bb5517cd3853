package argocd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/man10server/man10routine/pkg/config"
)

// fakeClient records every pause/restore call in order and can be made to
// fail pausing one specific app, to drive the rollback scenario of spec §8
// scenario 4.
type fakeClient struct {
	mu     sync.Mutex
	events []string
	failOn map[string]bool
}

func newFakeClient(failOn ...string) *fakeClient {
	set := map[string]bool{}
	for _, n := range failOn {
		set[n] = true
	}
	return &fakeClient{failOn: set}
}

func (f *fakeClient) record(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, s)
}

func (f *fakeClient) GetArgoCDApp(ctx context.Context, name string) (map[string]interface{}, bool, error) {
	return map[string]interface{}{"automated": map[string]interface{}{"prune": true}}, true, nil
}

func (f *fakeClient) PauseArgoCDAutoSync(ctx context.Context, name string) error {
	if f.failOn[name] {
		f.record("attempt(pause " + name + ")")
		return fmt.Errorf("simulated failure pausing %s", name)
	}
	f.record("pause(" + name + ")")
	return nil
}

func (f *fakeClient) RestoreArgoCDSyncPolicy(ctx context.Context, name string, syncPolicy map[string]interface{}) error {
	f.record("restore(" + name + ")")
	return nil
}

// buildForest builds the 6-node forest of spec §8 scenario 1, returning the
// leaf key for servers/s1.
func buildForest(t *testing.T) (*config.Forest, string, string) {
	t.Helper()
	yamlDoc := `
namespace: default
mcproxy:
  name: mcproxy
  argocd: apps/minecraft/mcproxy
  rcon_container: minecraft
mcservers:
  s1:
    argocd: apps/minecraft/servers/s1
    rcon_container: minecraft
  s2:
    argocd: apps/minecraft/servers/s2
    rcon_container: minecraft
`
	cfg, err := config.Parse([]byte(yamlDoc))
	if err != nil {
		t.Fatalf("unexpected config error: %v", err)
	}
	return cfg.Forest, cfg.Servers["s1"].GitOpsKey, "apps/minecraft/servers"
}

func TestTearAtMostOncePausePerNode(t *testing.T) {
	forest, s1Key, _ := buildForest(t)
	client := newFakeClient()
	reg := NewRegistry(forest, client)

	g1, err := reg.Tear(context.Background(), s1Key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	g2, err := reg.Tear(context.Background(), s1Key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pauseCount := 0
	for _, e := range client.events {
		if e == "pause("+s1Key+")" {
			pauseCount++
		}
	}
	if pauseCount != 1 {
		t.Fatalf("expected exactly one pause of %s, got %d (%v)", s1Key, pauseCount, client.events)
	}

	if err := g1.Close(context.Background()); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	restoreCount := 0
	for _, e := range client.events {
		if e == "restore("+s1Key+")" {
			restoreCount++
		}
	}
	if restoreCount != 0 {
		t.Fatalf("expected no restore before last close, got %d", restoreCount)
	}

	if err := g2.Close(context.Background()); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	restoreCount = 0
	for _, e := range client.events {
		if e == "restore("+s1Key+")" {
			restoreCount++
		}
	}
	if restoreCount != 1 {
		t.Fatalf("expected exactly one restore after last close, got %d", restoreCount)
	}
}

func TestTearNestedReleaseOrderChildBeforeParent(t *testing.T) {
	forest, s1Key, _ := buildForest(t)
	client := newFakeClient()
	reg := NewRegistry(forest, client)

	g, err := reg.Tear(context.Background(), s1Key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := g.Close(context.Background()); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}

	var restores []string
	for _, e := range client.events {
		if len(e) > 8 && e[:8] == "restore(" {
			restores = append(restores, e)
		}
	}
	want := []string{
		"restore(apps/minecraft/servers/s1)",
		"restore(apps/minecraft/servers)",
		"restore(apps/minecraft)",
		"restore(apps)",
	}
	if len(restores) != len(want) {
		t.Fatalf("restores = %v, want %v", restores, want)
	}
	for i, w := range want {
		if restores[i] != w {
			t.Errorf("restore[%d] = %q, want %q", i, restores[i], w)
		}
	}
}

func TestTearCounterClearedAfterMatchedPairs(t *testing.T) {
	forest, s1Key, _ := buildForest(t)
	client := newFakeClient()
	reg := NewRegistry(forest, client)

	g, err := reg.Tear(context.Background(), s1Key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := g.Close(context.Background()); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}

	n := reg.nodeFor(s1Key)
	if n.state != nil {
		t.Fatalf("expected teardown state to be cleared, got %+v", n.state)
	}
}

func TestTearRollbackOnChildFailure(t *testing.T) {
	forest, s1Key, serversKey := buildForest(t)
	client := newFakeClient(s1Key)
	reg := NewRegistry(forest, client)

	_, err := reg.Tear(context.Background(), s1Key)
	if err == nil {
		t.Fatal("expected error tearing down s1")
	}

	want := []string{
		"pause(apps)",
		"pause(apps/minecraft)",
		"pause(" + serversKey + ")",
		"attempt(pause " + s1Key + ")",
		"restore(" + serversKey + ")",
		"restore(apps/minecraft)",
		"restore(apps)",
	}
	if len(client.events) != len(want) {
		t.Fatalf("events = %v, want %v", client.events, want)
	}
	for i, w := range want {
		if client.events[i] != w {
			t.Errorf("event[%d] = %q, want %q", i, client.events[i], w)
		}
	}

	// A later Tear of the same poisoned node fails fast with the same error.
	_, err2 := reg.Tear(context.Background(), s1Key)
	if !errors.Is(err2, err) && err2.Error() != err.Error() {
		t.Fatalf("expected repeat Tear to fail fast with the same error, got %v", err2)
	}
}

func TestDoubleCloseIsProgrammingError(t *testing.T) {
	forest, s1Key, _ := buildForest(t)
	client := newFakeClient()
	reg := NewRegistry(forest, client)

	g, err := reg.Tear(context.Background(), s1Key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := g.Close(context.Background()); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on double close")
		}
	}()
	_ = g.Close(context.Background())
}

func TestGuardLeakIsDetected(t *testing.T) {
	var gotKey string
	orig := onLeak
	onLeak = func(key string) { gotKey = key }
	defer func() { onLeak = orig }()

	g := &Guard{key: "apps/minecraft/servers/s1"}
	finalizeGuard(g)

	if gotKey != "apps/minecraft/servers/s1" {
		t.Fatalf("onLeak called with %q", gotKey)
	}
}

func TestClosedGuardDoesNotLeak(t *testing.T) {
	called := false
	orig := onLeak
	onLeak = func(key string) { called = true }
	defer func() { onLeak = orig }()

	g := &Guard{key: "apps"}
	g.closed.Store(true)
	finalizeGuard(g)

	if called {
		t.Fatal("onLeak should not fire for a closed guard")
	}
}
