package routine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/man10server/man10routine/pkg/chart"
	"github.com/man10server/man10routine/pkg/config"
	"github.com/man10server/man10routine/pkg/kube"
	"github.com/man10server/man10routine/pkg/metrics"
	"github.com/man10server/man10routine/pkg/polling"
	"github.com/man10server/man10routine/pkg/shutdown"
)

// teardownFanoutLimit bounds concurrent server teardowns in argocd_teardown,
// per spec §4.7.
const teardownFanoutLimit = 10

// relaunchMaxWait bounds the scale-to-one wait for both proxy and servers,
// per spec §4.7 ("max 15 min").
const relaunchMaxWait = 15 * time.Minute

// teardownSoak, relaunchSoak and proxyRelaunchSoak are the §4.7 soak
// durations after argocd_teardown and each relaunch. They are vars, not
// consts, so tests can shrink them the same way onLeak/onHandleLeak are
// swapped out elsewhere in this codebase, rather than actually sleeping for
// minutes per run.
var (
	teardownSoak      = 10 * time.Second
	relaunchSoak      = 3 * time.Minute
	proxyRelaunchSoak = 10 * time.Second
)

// shutdownPollingConfig and relaunchPollingConfig are vars for the same
// reason: the task bodies below call them rather than the polling package
// functions directly, so a test can substitute a fast Config.
var (
	shutdownPollingConfig = polling.ShutdownPollingConfig
	relaunchPollingConfig = func() polling.Config {
		cfg := polling.DefaultConfig()
		cfg.MaxWait = relaunchMaxWait
		return cfg
	}
)

// tearDownArgoCD tears down the proxy application, then fans out over
// every server (bounded concurrency) tearing each down in turn, finishing
// with a soak, per spec §4.7's argocd_teardown body.
func tearDownArgoCD(proxyHandle *chart.Handle, serverHandles map[string]*chart.Handle, latch *shutdown.Latch) func(context.Context) error {
	return func(ctx context.Context) error {
		if _, err := proxyHandle.ArgocdTeardown(ctx); err != nil {
			return fmt.Errorf("routine: tear down proxy gitops app: %w", err)
		}

		eg, egCtx := errgroup.WithContext(ctx)
		eg.SetLimit(teardownFanoutLimit)
		for key, h := range serverHandles {
			key, h := key, h
			eg.Go(func() error {
				if _, err := h.ArgocdTeardown(egCtx); err != nil {
					return fmt.Errorf("routine: tear down %s gitops app: %w", key, err)
				}
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return err
		}

		metrics.TeardownDepth.Set(float64(1 + len(serverHandles)))
		return polling.Sleep(ctx, latch, teardownSoak)
	}
}

// patchToReplicasIfNeeded issues the merge patch only when the StatefulSet
// isn't already at the target count, per the resolved Open Question that a
// nil .spec.replicas is "not yet at the desired count" rather than an
// error for this fast-path check.
func patchToReplicasIfNeeded(ctx context.Context, client *kube.Client, namespace, name string, replicas int32) error {
	sts, err := client.GetStatefulSet(ctx, namespace, name)
	if err != nil {
		return fmt.Errorf("routine: get statefulset %s: %w", name, err)
	}
	if sts.Spec.Replicas != nil && *sts.Spec.Replicas == replicas {
		return nil
	}
	if err := client.PatchStatefulSetReplicas(ctx, namespace, name, replicas); err != nil {
		return fmt.Errorf("routine: patch statefulset %s to %d replicas: %w", name, replicas, err)
	}
	return nil
}

// shutdownProxy patches the proxy StatefulSet to zero and waits for it to
// scale down, per spec §4.7's shutdown_mcproxy body.
func shutdownProxy(client *kube.Client, namespace string, proxy *config.ServerChart, latch *shutdown.Latch) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := patchToReplicasIfNeeded(ctx, client, namespace, proxy.Name, 0); err != nil {
			return err
		}
		_, err := waitForScale(ctx, client, latch, shutdownPollingConfig(), namespace, proxy.Name, 0)
		return err
	}
}

// shutdownServer patches a server's StatefulSet to zero, attempts a
// graceful in-game stop via rcon (logged, never fatal, per spec §9's
// resolved Open Question), then waits for the scale-down, per spec §4.7's
// shutdown_mcserver/{key} body.
func shutdownServer(client *kube.Client, namespace string, key string, server *config.ServerChart, latch *shutdown.Latch) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := patchToReplicasIfNeeded(ctx, client, namespace, server.Name, 0); err != nil {
			return err
		}

		pod := fmt.Sprintf("%s-0", server.Name)
		if err := client.ExecInPod(ctx, namespace, pod, server.RconContainer, []string{"rcon-cli", "stop"}); err != nil {
			slog.Warn("routine: rcon stop failed, proceeding with shutdown anyway", "server", key, "pod", pod, "error", err)
		}

		_, err := waitForScale(ctx, client, latch, shutdownPollingConfig(), namespace, server.Name, 0)
		return err
	}
}

// executeCustomJob creates the post-snapshot Job, waits for it to finish,
// and evaluates its status, per spec §4.7's execute_job/after_snapshot
// body.
func executeCustomJob(client *kube.Client, namespace, key string, job config.CustomJob, latch *shutdown.Latch) func(context.Context) error {
	return func(ctx context.Context) error {
		manifest := job.Manifest
		if manifest.Name == "" {
			manifest.Name = fmt.Sprintf("%s-%s", key, job.Name)
		}
		manifest.Namespace = namespace

		created, err := client.CreateJob(ctx, namespace, &manifest)
		if err != nil {
			return fmt.Errorf("routine: create job %s for server %s: %w", job.Name, key, err)
		}

		finished, err := waitForJobFinished(ctx, client, latch, job.Polling, namespace, created.Name)
		if err != nil {
			return fmt.Errorf("routine: wait for job %s (server %s): %w", job.Name, key, err)
		}

		if finished.Status.Failed > 0 {
			metrics.CustomJobFailureTotal.WithLabelValues(key, job.Name).Inc()
			failure := &CustomJobHasFailureError{Server: key, Job: job.Name, Status: finished.Status}
			if job.Required {
				return failure
			}
			slog.Warn("routine: non-required job reported failure, continuing", "error", failure)
		}
		return nil
	}
}

// relaunchServer patches a server back to one replica, waits for it to
// scale up, then soaks, per spec §4.7's relaunch_mcserver/{key} body.
func relaunchServer(client *kube.Client, namespace string, server *config.ServerChart, latch *shutdown.Latch) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := client.PatchStatefulSetReplicas(ctx, namespace, server.Name, 1); err != nil {
			return fmt.Errorf("routine: patch statefulset %s to 1 replica: %w", server.Name, err)
		}
		if _, err := waitForScale(ctx, client, latch, relaunchPollingConfig(), namespace, server.Name, 1); err != nil {
			return err
		}
		return polling.Sleep(ctx, latch, relaunchSoak)
	}
}

// relaunchProxy patches the proxy back to one replica, waits, then soaks,
// per spec §4.7's relaunch_mcproxy body.
func relaunchProxy(client *kube.Client, namespace string, proxy *config.ServerChart, latch *shutdown.Latch) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := client.PatchStatefulSetReplicas(ctx, namespace, proxy.Name, 1); err != nil {
			return fmt.Errorf("routine: patch statefulset %s to 1 replica: %w", proxy.Name, err)
		}
		if _, err := waitForScale(ctx, client, latch, relaunchPollingConfig(), namespace, proxy.Name, 1); err != nil {
			return err
		}
		return polling.Sleep(ctx, latch, proxyRelaunchSoak)
	}
}
