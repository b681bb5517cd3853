// Package chart implements the Minecraft chart handle of spec §4.5: it
// binds one ServerChart to its bound GitOps Application node and memoises
// concurrent teardown requests onto a single underlying Guard.
package chart

import (
	"context"
	"log/slog"
	"runtime"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/man10server/man10routine/pkg/argocd"
	"github.com/man10server/man10routine/pkg/config"
)

// teardownResult caches either a successful Guard or the error that
// prevented one, so ArgocdTeardown never re-enters the registry once it
// has settled.
type teardownResult struct {
	guard *argocd.Guard
	err   error
}

// Handle binds chart to the teardown registry that owns its bound GitOps
// node. Construct one per server (and one for the proxy) at routine start.
type Handle struct {
	chart    *config.ServerChart
	registry *argocd.Registry

	group singleflight.Group

	mu       sync.Mutex
	result   *teardownResult
	released bool
}

// NewHandle builds a Handle for chart against registry.
func NewHandle(chart *config.ServerChart, registry *argocd.Registry) *Handle {
	h := &Handle{chart: chart, registry: registry}
	runtime.SetFinalizer(h, finalizeHandle)
	return h
}

// onHandleLeak is invoked instead of acting directly when a Handle holding
// a live guard is collected without Release, so tests can intercept it
// without depending on GC timing — the same seam used in pkg/argocd.
var onHandleLeak = func(name string) {
	slog.Error("chart: handle dropped with an open teardown guard", "chart", name)
}

func finalizeHandle(h *Handle) {
	h.mu.Lock()
	leaked := !h.released && h.result != nil && h.result.err == nil && h.result.guard != nil
	h.mu.Unlock()
	if leaked {
		onHandleLeak(h.chart.Name)
	}
}

// ArgocdTeardown ensures the bound GitOps node (and its ancestors) is
// suspended, memoising the result: concurrent callers collapse onto a
// single registry.Tear call, and callers after it has settled reuse the
// cached guard or error without calling the registry again.
func (h *Handle) ArgocdTeardown(ctx context.Context) (*argocd.Guard, error) {
	h.mu.Lock()
	if h.result != nil {
		r := h.result
		h.mu.Unlock()
		return r.guard, r.err
	}
	h.mu.Unlock()

	v, err, _ := h.group.Do(h.chart.GitOpsKey, func() (interface{}, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.result != nil {
			return h.result.guard, h.result.err
		}
		guard, tErr := h.registry.Tear(ctx, h.chart.GitOpsKey)
		h.result = &teardownResult{guard: guard, err: tErr}
		return guard, tErr
	})
	if err != nil {
		return nil, err
	}
	guard, _ := v.(*argocd.Guard)
	return guard, nil
}

// Release closes the held guard, if a teardown succeeded; a no-op when no
// teardown was ever attempted, or when it failed. Idempotent.
func (h *Handle) Release(ctx context.Context) error {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return nil
	}
	h.released = true
	r := h.result
	h.mu.Unlock()

	if r == nil || r.err != nil || r.guard == nil {
		return nil
	}
	return r.guard.Close(ctx)
}
