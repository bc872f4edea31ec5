package discovery

import "sort"

// TreeDiff describes what changed between two permission tree versions.
// Entries are permission node paths in resource.action.field form.
type TreeDiff struct {
	FromVersion int      `json:"from_version"`
	ToVersion   int      `json:"to_version"`
	Added       []string `json:"added"`
	Removed     []string `json:"removed"`
	Changed     []string `json:"changed"`
}

// Empty reports whether the two versions are identical
func (d *TreeDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// DiffTrees compares two snapshots node by node. A node is "changed" when
// the path exists in both versions but its classification flags differ.
// Output slices are sorted so the same pair of trees always diffs the same.
func DiffTrees(before, after *PermissionTree) *TreeDiff {
	diff := &TreeDiff{}
	if before != nil {
		diff.FromVersion = before.Version
	}
	if after != nil {
		diff.ToVersion = after.Version
	}

	oldNodes := flatten(before)
	newNodes := flatten(after)

	for path, flags := range newNodes {
		oldFlags, ok := oldNodes[path]
		if !ok {
			diff.Added = append(diff.Added, path)
		} else if oldFlags != flags {
			diff.Changed = append(diff.Changed, path)
		}
	}
	for path := range oldNodes {
		if _, ok := newNodes[path]; !ok {
			diff.Removed = append(diff.Removed, path)
		}
	}

	sort.Strings(diff.Added)
	sort.Strings(diff.Removed)
	sort.Strings(diff.Changed)
	return diff
}

func flatten(tree *PermissionTree) map[string]FieldFlags {
	nodes := make(map[string]FieldFlags)
	if tree == nil {
		return nodes
	}
	for resource, r := range tree.Resources {
		for action, a := range r.Actions {
			for _, field := range a.Fields {
				if field.Category {
					// category nodes are derived from the data fields
					continue
				}
				nodes[resource+"."+action+"."+field.Path] = field.Flags
			}
		}
	}
	return nodes
}
