package routine

import (
	"context"
	"errors"

	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"

	"github.com/man10server/man10routine/pkg/kube"
	"github.com/man10server/man10routine/pkg/polling"
	"github.com/man10server/man10routine/pkg/shutdown"
)

// waitForScale implements the "StatefulSet scaled to R" specialization of
// spec §4.2: success when status.currentReplicas == R and
// status.availableReplicas == R. A missing StatefulSet is a transient
// error — unlike the pod wait, the StatefulSet itself is expected to
// exist for the lifetime of the routine.
func waitForScale(ctx context.Context, client *kube.Client, latch *shutdown.Latch, cfg polling.Config, namespace, name string, replicas int32) (*appsv1.StatefulSet, error) {
	probe := func(ctx context.Context) polling.Outcome[*appsv1.StatefulSet] {
		sts, err := client.GetStatefulSet(ctx, namespace, name)
		if err != nil {
			return polling.TransientErr[*appsv1.StatefulSet](err)
		}
		if sts.Status.CurrentReplicas == replicas && sts.Status.AvailableReplicas == replicas {
			return polling.Done(sts)
		}
		return polling.NotYet[*appsv1.StatefulSet]()
	}
	return polling.Wait(ctx, cfg, latch, probe)
}

// waitForJobFinished implements the "Job finished" specialization: success
// when status.active == 0, which Go's batchv1.JobStatus already represents
// as the unset/absent case via its int32 zero value — so "unset is
// success" (per the resolved Open Question) requires no extra handling.
func waitForJobFinished(ctx context.Context, client *kube.Client, latch *shutdown.Latch, cfg polling.Config, namespace, name string) (*batchv1.Job, error) {
	probe := func(ctx context.Context) polling.Outcome[*batchv1.Job] {
		job, err := client.GetJob(ctx, namespace, name)
		if err != nil {
			return polling.TransientErr[*batchv1.Job](err)
		}
		if job.Status.Active == 0 {
			return polling.Done(job)
		}
		return polling.NotYet[*batchv1.Job]()
	}
	return polling.Wait(ctx, cfg, latch, probe)
}

// waitForPodGone implements the "Pod terminated" specialization of spec
// §4.2: success when the probe observes the pod absent; still-present is
// NotYet. Not invoked by the default daily routine graph (shutdown
// confirmation uses waitForScale instead, matching §4.7's literal
// wording), and not called by any test.
func waitForPodGone(ctx context.Context, client *kube.Client, latch *shutdown.Latch, cfg polling.Config, namespace, name string) error {
	probe := func(ctx context.Context) polling.Outcome[struct{}] {
		_, err := client.GetPod(ctx, namespace, name)
		if err != nil {
			if errors.Is(err, kube.ErrNotFound) {
				return polling.Done(struct{}{})
			}
			return polling.TransientErr[struct{}](err)
		}
		return polling.NotYet[struct{}]()
	}
	_, err := polling.Wait(ctx, cfg, latch, probe)
	return err
}
