// Package routine builds the per-day task graph (spec §4.7) from a parsed
// configuration and runs it against the C6 scheduler, finishing with the
// unconditional chart-release pass (spec §4.9).
package routine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/man10server/man10routine/pkg/argocd"
	"github.com/man10server/man10routine/pkg/chart"
	"github.com/man10server/man10routine/pkg/config"
	"github.com/man10server/man10routine/pkg/kube"
	"github.com/man10server/man10routine/pkg/metrics"
	"github.com/man10server/man10routine/pkg/scheduler"
	"github.com/man10server/man10routine/pkg/shutdown"
)

const (
	taskArgocdTeardown = "argocd_teardown"
	taskShutdownProxy  = "shutdown_mcproxy"
	taskRelaunchProxy  = "relaunch_mcproxy"
)

func taskShutdownServer(key string) string  { return fmt.Sprintf("shutdown_mcserver/%s", key) }
func taskRelaunchServer(key string) string  { return fmt.Sprintf("relaunch_mcserver/%s", key) }
func taskExecuteJob(key, job string) string { return fmt.Sprintf("execute_job/after_snapshot/%s/%s", key, job) }

// Routine is a built task graph plus the chart handles it will release on
// Finalize, per C9.
type Routine struct {
	scheduler    *scheduler.Scheduler
	proxyHandle  *chart.Handle
	serverHandle map[string]*chart.Handle
}

// Build is the pure function from configuration (§4.8) to task set
// described by §4.7: it constructs no tasks after the scheduler begins, so
// the resulting DAG is frozen and validated up-front.
func Build(cfg *config.Configuration, client *kube.Client, registry *argocd.Registry, latch *shutdown.Latch) (*Routine, error) {
	proxyHandle := chart.NewHandle(cfg.Proxy, registry)
	serverHandles := make(map[string]*chart.Handle, len(cfg.Servers))
	for key, sc := range cfg.Servers {
		serverHandles[key] = chart.NewHandle(sc, registry)
	}

	specs := make([]scheduler.TaskSpec, 0, 4+3*len(cfg.Servers))

	specs = append(specs, scheduler.TaskSpec{
		Name: taskArgocdTeardown,
		Exec: instrumented(taskArgocdTeardown, tearDownArgoCD(proxyHandle, serverHandles, latch)),
	})

	specs = append(specs, scheduler.TaskSpec{
		Name: taskShutdownProxy,
		Deps: []string{taskArgocdTeardown},
		Exec: instrumented(taskShutdownProxy, shutdownProxy(client, cfg.Namespace, cfg.Proxy, latch)),
	})

	requiredToStartKeys := make([]string, 0, len(cfg.Servers))

	for key, sc := range cfg.Servers {
		key, sc := key, sc
		shutdownName := taskShutdownServer(key)
		specs = append(specs, scheduler.TaskSpec{
			Name: shutdownName,
			Deps: []string{taskShutdownProxy},
			Exec: instrumented(shutdownName, shutdownServer(client, cfg.Namespace, key, sc, latch)),
		})

		jobNames := make(map[string]string, len(sc.JobsAfterSnapshot))
		for jobKey, job := range sc.JobsAfterSnapshot {
			jobNames[jobKey] = taskExecuteJob(key, job.Name)
		}

		relaunchDeps := []string{shutdownName}
		for jobKey, job := range sc.JobsAfterSnapshot {
			jobKey, job := jobKey, job
			deps := make([]string, 0, 1+len(job.Dependencies))
			deps = append(deps, shutdownName)
			for dep := range job.Dependencies {
				depName, ok := jobNames[dep]
				if !ok {
					return nil, fmt.Errorf("routine: server %s job %s depends on unknown job %q", key, job.Name, dep)
				}
				deps = append(deps, depName)
			}

			name := jobNames[jobKey]
			specs = append(specs, scheduler.TaskSpec{
				Name: name,
				Deps: deps,
				Exec: instrumented(name, executeCustomJob(client, cfg.Namespace, key, job, latch)),
			})
			relaunchDeps = append(relaunchDeps, name)
		}

		relaunchName := taskRelaunchServer(key)
		specs = append(specs, scheduler.TaskSpec{
			Name: relaunchName,
			Deps: relaunchDeps,
			Exec: instrumented(relaunchName, relaunchServer(client, cfg.Namespace, sc, latch)),
		})

		if sc.RequiredToStart {
			requiredToStartKeys = append(requiredToStartKeys, relaunchName)
		}
	}

	relaunchProxyDeps := append([]string{taskShutdownProxy}, requiredToStartKeys...)
	specs = append(specs, scheduler.TaskSpec{
		Name: taskRelaunchProxy,
		Deps: relaunchProxyDeps,
		Exec: instrumented(taskRelaunchProxy, relaunchProxy(client, cfg.Namespace, cfg.Proxy, latch)),
	})

	sched, err := scheduler.New(specs, latch)
	if err != nil {
		return nil, fmt.Errorf("routine: build task graph: %w", err)
	}

	return &Routine{
		scheduler:    sched,
		proxyHandle:  proxyHandle,
		serverHandle: serverHandles,
	}, nil
}

// Run executes the task graph. Finalize must be called afterward
// regardless of the returned error, per §4.9.
func (r *Routine) Run(ctx context.Context) error {
	return r.scheduler.Run(ctx)
}

// Finalize implements C9: release every chart handle unconditionally,
// logging (never surfacing) any release error, since a teardown guard that
// fails to restore its sync policy must not be allowed to silently vanish
// but also must never override the routine's own result.
func (r *Routine) Finalize(ctx context.Context) {
	if err := r.proxyHandle.Release(ctx); err != nil {
		slog.Error("routine: release proxy chart handle failed", "error", err)
	}
	for key, h := range r.serverHandle {
		if err := h.Release(ctx); err != nil {
			slog.Error("routine: release server chart handle failed", "server", key, "error", err)
		}
	}
}

// instrumented wraps a task body with the TaskDuration/TaskOutcomeTotal
// metrics, keeping the scheduler itself domain-agnostic.
func instrumented(name string, fn func(context.Context) error) scheduler.TaskFunc {
	return func(ctx context.Context) error {
		start := time.Now()
		defer func() {
			if r := recover(); r != nil {
				metrics.TaskDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
				metrics.TaskOutcomeTotal.WithLabelValues(name, "panic").Inc()
				panic(r)
			}
		}()
		err := fn(ctx)
		metrics.TaskDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		metrics.TaskOutcomeTotal.WithLabelValues(name, outcomeLabel(err)).Inc()
		return err
	}
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.As(err, new(*scheduler.TaskJoinError)):
		return "panic"
	default:
		return "error"
	}
}
