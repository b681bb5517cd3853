package config

import (
	"os"
	"strings"

	batchv1 "k8s.io/api/batch/v1"
	"sigs.k8s.io/yaml"

	"github.com/man10server/man10routine/pkg/polling"
)

// JobManifest is the opaque Kubernetes Job spec embedded in a CustomJob.
// Decoding straight into batchv1.Job (rather than an unstructured map) means
// the manifest gets the same json tags the cluster's own API types use, per
// SPEC_FULL.md's configuration section.
type JobManifest = batchv1.Job

// rawCustomJob mirrors the on-disk CustomJob shape of spec §6.
type rawCustomJob struct {
	Dependencies []string      `json:"dependencies,omitempty"`
	Manifest     JobManifest   `json:"manifest"`
	Required     *bool         `json:"required,omitempty"`
	Polling      PollingConfig `json:"completion_polling,omitempty"`
}

// rawServerChart mirrors the on-disk mcproxy/mcservers[*] shape.
type rawServerChart struct {
	Name              string                  `json:"name,omitempty"`
	ArgoCD            string                  `json:"argocd"`
	RconContainer     string                  `json:"rcon_container"`
	JobsAfterSnapshot map[string]rawCustomJob `json:"jobs_after_snapshot,omitempty"`
	RequiredToStart   *bool                   `json:"required_to_start,omitempty"`
}

// rawConfig mirrors the on-disk document described in spec §6.
type rawConfig struct {
	Namespace string                    `json:"namespace"`
	MCProxy   rawServerChart            `json:"mcproxy"`
	MCServers map[string]rawServerChart `json:"mcservers"`
}

// Load reads path, parses it as YAML, and builds a validated Configuration.
// Any failure is a *LoadError wrapping either the underlying I/O/parse
// error or a *ParseError from forest construction.
func Load(path string) (*Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, loadErr("read_file", err)
	}
	return Parse(data)
}

// Parse builds a validated Configuration from a YAML document's bytes.
func Parse(data []byte) (*Configuration, error) {
	var raw rawConfig
	if err := yaml.UnmarshalStrict(data, &raw); err != nil {
		return nil, loadErr("deserialize", err)
	}

	cfg, err := raw.build()
	if err != nil {
		return nil, loadErr("content_invalid", err)
	}
	return cfg, nil
}

// build walks the raw document into a validated Configuration, per spec
// §4.8: each "argocd" path is split on "/" and folded into the forest one
// segment at a time, with the final segment inserted as the bound
// Application leaf.
func (r *rawConfig) build() (*Configuration, error) {
	if r.MCProxy.Name == "" {
		return nil, parseErr(ErrProxyNameMissing, "")
	}
	if r.MCProxy.RequiredToStart != nil {
		return nil, parseErr(ErrRequiredToStartForProxy, r.MCProxy.Name)
	}

	fb := newForestBuilder()

	proxyChart, err := fb.bindChart(r.MCProxy, "", true)
	if err != nil {
		return nil, err
	}

	servers := make(map[string]*ServerChart, len(r.MCServers))
	anyRequired := false
	for key, raw := range r.MCServers {
		if strings.Contains(key, "/") {
			return nil, parseErr(ErrKeyIncludesSlash, key)
		}
		if raw.Name == "" {
			raw.Name = key
		}
		chart, err := fb.bindChart(raw, key, false)
		if err != nil {
			return nil, err
		}
		servers[key] = chart
		if chart.RequiredToStart {
			anyRequired = true
		}
	}
	if !anyRequired {
		return nil, parseErr(ErrProxyRequiresNoServerToStart, "")
	}

	return &Configuration{
		Namespace: r.Namespace,
		Forest:    fb.forest,
		Proxy:     proxyChart,
		Servers:   servers,
	}, nil
}

// bindChart inserts raw's GitOps leaf into the forest and builds its
// ServerChart, including per-job validation.
func (fb *forestBuilder) bindChart(raw rawServerChart, serverKey string, isProxy bool) (*ServerChart, error) {
	appKey, err := fb.ensurePath(raw.ArgoCD, isProxy, serverKey)
	if err != nil {
		return nil, err
	}

	jobs := make(map[string]CustomJob, len(raw.JobsAfterSnapshot))
	for name, rawJob := range raw.JobsAfterSnapshot {
		if strings.Contains(name, "/") {
			return nil, parseErr(ErrJobNameIncludesSlash, name)
		}
		deps := make(map[string]struct{}, len(rawJob.Dependencies))
		for _, d := range rawJob.Dependencies {
			deps[d] = struct{}{}
		}
		required := true
		if rawJob.Required != nil {
			required = *rawJob.Required
		}
		pollCfg := rawJob.Polling
		if pollCfg == (PollingConfig{}) {
			pollCfg = polling.DefaultConfig()
		}
		jobs[name] = CustomJob{
			Name:         name,
			Dependencies: deps,
			Manifest:     rawJob.Manifest,
			Required:     required,
			Polling:      pollCfg,
		}
	}

	requiredToStart := true
	if raw.RequiredToStart != nil {
		requiredToStart = *raw.RequiredToStart
	}

	return &ServerChart{
		Name:              raw.Name,
		GitOpsKey:         appKey,
		RconContainer:     raw.RconContainer,
		JobsAfterSnapshot: jobs,
		RequiredToStart:   requiredToStart,
		IsProxy:           isProxy,
	}, nil
}

