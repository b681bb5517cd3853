package argocd

import (
	"context"
	"errors"
	"fmt"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/man10server/man10routine/pkg/kube"
)

// ClientAdapter satisfies KubeClient over a *kube.Client, translating
// between the facade's unstructured.Unstructured return type and the plain
// map[string]interface{} syncPolicy shape the teardown guard operates on.
type ClientAdapter struct {
	Client *kube.Client
}

func (a ClientAdapter) GetArgoCDApp(ctx context.Context, name string) (map[string]interface{}, bool, error) {
	app, err := a.Client.GetArgoCDApp(ctx, name)
	if errors.Is(err, kube.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	syncPolicy, found, err := unstructured.NestedMap(app.Object, "spec", "syncPolicy")
	if err != nil {
		return nil, false, fmt.Errorf("argocd: read spec.syncPolicy of %s: %w", name, err)
	}
	return syncPolicy, found, nil
}

func (a ClientAdapter) PauseArgoCDAutoSync(ctx context.Context, name string) error {
	return a.Client.PauseArgoCDAutoSync(ctx, name)
}

func (a ClientAdapter) RestoreArgoCDSyncPolicy(ctx context.Context, name string, syncPolicy map[string]interface{}) error {
	return a.Client.RestoreArgoCDSyncPolicy(ctx, name, syncPolicy)
}
