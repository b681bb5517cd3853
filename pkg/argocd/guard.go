// Package argocd implements the teardown guard of spec §4.4: it makes it
// safe for N concurrent tasks that each need a GitOps application (and
// transitively its ancestors) suspended to request that suspension
// independently, with the Nth-to-release restoring the original state.
//
// Per the re-architecture guidance of spec §9, nodes are not linked by
// parent weak-pointers; instead the Registry is an arena keyed by each
// node's stable path key (config.GitOpsApp.Key()), with a per-key mutex
// standing in for the per-object exclusive lock spec §5 requires.
package argocd

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/man10server/man10routine/pkg/config"
)

// KubeClient is the subset of *kube.Client the teardown guard needs,
// narrowed to an interface so unit tests can inject a fake without a real
// API server.
type KubeClient interface {
	GetArgoCDApp(ctx context.Context, name string) (syncPolicy map[string]interface{}, found bool, err error)
	PauseArgoCDAutoSync(ctx context.Context, name string) error
	RestoreArgoCDSyncPolicy(ctx context.Context, name string, syncPolicy map[string]interface{}) error
}

// node is one arena slot: a mutex guarding the (possibly nil) teardown
// state for a single GitOpsApp key.
type node struct {
	mu    sync.Mutex
	state *teardownState
}

// teardownState mirrors spec §3's Teardown State: an upstream guard (if
// this node has a parent), the captured original sync policy, and a
// reference count. A non-nil err poisons the node for the rest of the run.
type teardownState struct {
	upstream *Guard
	original map[string]interface{}
	counter  int
	err      error
}

// Registry owns every node's teardown state for one routine run. It is
// built once from the validated forest and shared by every task that tears
// down GitOps applications.
type Registry struct {
	forest *config.Forest
	client KubeClient

	mu    sync.Mutex
	nodes map[string]*node
}

// NewRegistry builds a Registry over forest, issuing pause/restore calls
// through client.
func NewRegistry(forest *config.Forest, client KubeClient) *Registry {
	return &Registry{forest: forest, client: client, nodes: map[string]*node{}}
}

func (r *Registry) nodeFor(key string) *node {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[key]
	if !ok {
		n = &node{}
		r.nodes[key] = n
	}
	return n
}

// Guard is a single reference-counted hold on one node's suspension. Every
// successful Tear call returns a fresh Guard; callers must call Close
// exactly once. Dropping a Guard without closing it is a programming error
// and is logged by a finalizer, matching spec §9's guard-hygiene guidance.
type Guard struct {
	registry *Registry
	key      string
	closed   atomic.Bool
}

// onLeak is invoked (instead of acting directly) when a Guard is collected
// still open, so tests can intercept it without depending on GC timing.
var onLeak = func(key string) {
	slog.Error("argocd: guard dropped without close", "app", key)
}

func finalizeGuard(g *Guard) {
	if g.closed.Load() {
		return
	}
	onLeak(g.key)
}

func (r *Registry) newGuard(key string) *Guard {
	g := &Guard{registry: r, key: key}
	runtime.SetFinalizer(g, finalizeGuard)
	return g
}

// Tear ensures app (and every ancestor) is suspended and returns a fresh
// guard, per spec §4.4's protocol. Idempotent across concurrent callers:
// a node already torn down just has its counter incremented.
func (r *Registry) Tear(ctx context.Context, key string) (*Guard, error) {
	n := r.nodeFor(key)
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state != nil {
		if n.state.err != nil {
			return nil, n.state.err
		}
		n.state.counter++
		return r.newGuard(key), nil
	}

	app, ok := r.forest.Apps[key]
	if !ok {
		// The forest is immutable and every chart's GitOpsKey is validated
		// against it at load time; an unknown key here is unreachable
		// except by a programming error, per spec §9's "treat a failed
		// upgrade as unreachable" guidance.
		panic("argocd: tear of unknown app " + key)
	}

	var upstream *Guard
	if app.ParentKey != "" {
		// The forest has no cycles, so recursing into the parent's own
		// node lock here cannot deadlock against the child lock held above.
		g, err := r.Tear(ctx, app.ParentKey)
		if err != nil {
			return nil, err
		}
		upstream = g
	}

	original, found, err := r.client.GetArgoCDApp(ctx, key)
	if err != nil {
		r.rollbackAndPoison(ctx, n, upstream, wrapErr(key, err))
		return nil, n.state.err
	}
	if !found {
		original = nil
	}

	if err := r.client.PauseArgoCDAutoSync(ctx, key); err != nil {
		r.rollbackAndPoison(ctx, n, upstream, wrapErr(key, err))
		return nil, n.state.err
	}

	n.state = &teardownState{upstream: upstream, original: original, counter: 1}
	return r.newGuard(key), nil
}

// rollbackAndPoison best-effort closes upstream (logging any rollback
// failure, never panicking) and records cause as the node's permanent
// error, per the original's tearing.rs rollback-before-poison order.
func (r *Registry) rollbackAndPoison(ctx context.Context, n *node, upstream *Guard, cause error) {
	if upstream != nil {
		if err := upstream.Close(ctx); err != nil {
			slog.Warn("argocd: rollback of upstream guard failed", "error", err)
		}
	}
	n.state = &teardownState{err: cause}
}

// Close decrements the guard's reference count; on transition to zero it
// restores the node's original sync policy and, if an upstream guard was
// held, closes it in turn — child before parent, per spec §4.4.
func (g *Guard) Close(ctx context.Context) error {
	if !g.closed.CompareAndSwap(false, true) {
		panic("argocd: guard for " + g.key + " closed more than once")
	}
	runtime.SetFinalizer(g, nil)

	n := g.registry.nodeFor(g.key)
	n.mu.Lock()
	defer n.mu.Unlock()

	state := n.state
	if state == nil || state.err != nil {
		// Poisoned node: nothing to restore, the pause was never durably
		// recorded as successful.
		return nil
	}

	state.counter--
	if state.counter > 0 {
		return nil
	}
	n.state = nil

	restoreErr := g.registry.client.RestoreArgoCDSyncPolicy(ctx, g.key, state.original)
	if restoreErr != nil {
		restoreErr = wrapErr(g.key, restoreErr)
	}

	var upstreamErr error
	if state.upstream != nil {
		upstreamErr = state.upstream.Close(ctx)
	}
	return errors.Join(restoreErr, upstreamErr)
}
