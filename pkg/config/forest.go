package config

import "strings"

// forestBuilder accumulates GitOpsApp nodes while raw server charts are
// bound, mirroring the original's get_or_insert_app_of_apps recursive
// helper: a single function that walks one "/"-joined path at a time,
// reused both for inner AppOfApps segments and for inserting the final
// Application leaf.
type forestBuilder struct {
	forest *Forest
}

func newForestBuilder() *forestBuilder {
	return &forestBuilder{forest: &Forest{Apps: map[string]*GitOpsApp{}}}
}

// ensurePath walks path (split on "/"), inserting any AppOfApps segment
// that doesn't exist yet and verifying the parent of one that does, then
// binds the final segment as an Application leaf for serverKey (or the
// proxy, when isProxy is true). Returns the leaf's key.
func (fb *forestBuilder) ensurePath(path string, isProxy bool, serverKey string) (string, error) {
	segments := strings.Split(path, "/")

	var parentKey string
	var parentPath []string
	for i, name := range segments {
		isLeaf := i == len(segments)-1
		nodePath := append(append([]string{}, parentPath...), name)
		key := strings.Join(nodePath, "/")

		existing, ok := fb.forest.Apps[key]
		if !ok {
			node := &GitOpsApp{
				Name:      name,
				Path:      nodePath,
				ParentKey: parentKey,
				Kind:      AppOfApps,
			}
			fb.forest.Apps[key] = node
			if parentKey == "" {
				fb.forest.Root = append(fb.forest.Root, key)
			} else {
				parent := fb.forest.Apps[parentKey]
				parent.Children = append(parent.Children, key)
			}
			existing = node
		} else if existing.ParentKey != parentKey {
			return "", parseErr(ErrParentMismatch, key)
		}

		if !isLeaf && existing.Kind == Application {
			// A shorter path already bound this node as a leaf; treating
			// it as an inner segment of a longer path would give it
			// children, violating "Application leaves have none".
			return "", parseErr(ErrMultipleCharts, key)
		}

		if isLeaf {
			if existing.Kind == Application {
				return "", parseErr(ErrMultipleCharts, key)
			}
			if len(existing.Children) > 0 {
				// A longer path already bound this node as an inner
				// AppOfApps segment, giving it children; converting it
				// to a leaf now would violate "Application leaves have
				// none". Must error the same way regardless of which
				// chart happens to be bound first, so the result is
				// independent of map iteration order.
				return "", parseErr(ErrMultipleCharts, key)
			}
			existing.Kind = Application
			if isProxy {
				existing.BoundProxy = true
			} else {
				existing.BoundServerKey = serverKey
			}
		}

		parentKey = key
		parentPath = nodePath
	}

	return strings.Join(segments, "/"), nil
}
