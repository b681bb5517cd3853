// Package config builds and validates the in-memory model of the GitOps
// forest, the proxy, and the server fleet described in spec §3. Once built,
// a Configuration is immutable and shared-read by every scheduled task.
package config

import (
	"strings"

	"github.com/man10server/man10routine/pkg/polling"
)

// AppKind distinguishes an inner app-of-apps node from a leaf bound to a
// server chart, per spec §3.
type AppKind int

const (
	AppOfApps AppKind = iota
	Application
)

func (k AppKind) String() string {
	if k == AppOfApps {
		return "AppOfApps"
	}
	return "Application"
}

// GitOpsApp is one node of the GitOps application forest. Per the arena
// re-architecture in spec §9, nodes reference each other by stable string
// key (Key()) rather than by pointer, so ownership stays entirely with the
// Forest that holds them; there are no weak/strong pointer distinctions to
// maintain in Go.
type GitOpsApp struct {
	Name      string
	Path      []string // path from forest root, inclusive of Name
	ParentKey string   // "" if this is a root node
	Kind      AppKind
	Children  []string // child keys; only meaningful for AppOfApps

	// BoundProxy / BoundServerKey record which ServerChart this Application
	// leaf is bound to. Exactly one is set when Kind == Application; both
	// are zero for AppOfApps nodes.
	BoundProxy     bool
	BoundServerKey string
}

// Key returns the node's stable identifier: its path, "/"-joined. This is
// the same string used in the original "argocd:" configuration field for a
// leaf, and the arena key the teardown registry looks nodes up by.
func (n *GitOpsApp) Key() string {
	return strings.Join(n.Path, "/")
}

// Forest is the owning arena of all GitOpsApp nodes built from
// configuration. It is immutable once Parse returns.
type Forest struct {
	Apps map[string]*GitOpsApp // key -> node
	Root []string             // keys of top-level (parentless) nodes
}

// PollingConfig is an alias for polling.Config: spec §3's PollingConfig and
// §4.2's polling-loop parameterisation are the same type, so there is a
// single definition shared by configuration and the polling loop.
type PollingConfig = polling.Config

// CustomJob is a per-server post-snapshot job, per spec §3.
type CustomJob struct {
	Name         string
	Dependencies map[string]struct{} // job names, restricted to the same server
	Manifest     JobManifest
	Required     bool
	Polling      PollingConfig
}

// ServerChart binds one server (or the proxy) to its GitOps application and
// post-snapshot jobs, per spec §3.
type ServerChart struct {
	Name              string
	GitOpsKey         string // key into Forest.Apps
	RconContainer     string
	JobsAfterSnapshot map[string]CustomJob
	RequiredToStart   bool
	IsProxy           bool
}

// Configuration is the fully validated, immutable model of spec §3.
type Configuration struct {
	Namespace string
	Forest    *Forest
	Proxy     *ServerChart
	Servers   map[string]*ServerChart
}

// Chart returns the ServerChart for key, or the proxy chart if key == "".
func (c *Configuration) Chart(key string) *ServerChart {
	if key == "" {
		return c.Proxy
	}
	return c.Servers[key]
}
