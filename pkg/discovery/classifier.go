package discovery

import (
	"sort"
)

// Classify turns raw endpoint descriptors into a permission tree.
//
// Duplicate (resource, action, field) entries are merged with their flags
// OR-ed together. A field named "*" is carried through as a wildcard node;
// it expands at resolution time. For every sensitivity flag present on at
// least one field of an action, a category field (e.g. "pii") is synthesized
// so roles can grant or deny at categorical granularity.
//
// Output ordering is deterministic for a given input.
func Classify(clientID string, version int, raw []RawEndpoint) *PermissionTree {
	tree := &PermissionTree{
		ClientID:  clientID,
		Version:   version,
		Resources: make(map[string]*ResourceNode),
	}

	for _, ep := range raw {
		if ep.Resource == "" || ep.Action == "" {
			continue
		}

		resource, ok := tree.Resources[ep.Resource]
		if !ok {
			resource = &ResourceNode{Actions: make(map[string]*ActionNode)}
			tree.Resources[ep.Resource] = resource
		}

		action, ok := resource.Actions[ep.Action]
		if !ok {
			action = &ActionNode{}
			resource.Actions[ep.Action] = action
		}

		merged := make(map[string]FieldFlags, len(ep.Fields))
		for _, f := range action.Fields {
			if !f.Category {
				merged[f.Path] = f.Flags
			}
		}
		for _, f := range ep.Fields {
			if f.Name == "" {
				continue
			}
			flags := FieldFlags{PII: f.PII, PHI: f.PHI, Sensitive: f.Sensitive, Financial: f.Financial}
			merged[f.Name] = merged[f.Name].merge(flags)
		}

		action.Fields = buildFields(merged)
	}

	return tree
}

// buildFields produces the sorted field list for an action, category nodes last
func buildFields(merged map[string]FieldFlags) []FieldDescriptor {
	paths := make([]string, 0, len(merged))
	for path := range merged {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	fields := make([]FieldDescriptor, 0, len(merged))
	var present FieldFlags
	for _, path := range paths {
		flags := merged[path]
		present = present.merge(flags)
		fields = append(fields, FieldDescriptor{Path: path, Flags: flags})
	}

	for _, category := range present.Categories() {
		fields = append(fields, FieldDescriptor{
			Path:     category,
			Flags:    flagsFor(category),
			Category: true,
		})
	}

	return fields
}

func flagsFor(category string) FieldFlags {
	switch category {
	case CategoryPII:
		return FieldFlags{PII: true}
	case CategoryPHI:
		return FieldFlags{PHI: true}
	case CategorySensitive:
		return FieldFlags{Sensitive: true}
	case CategoryFinancial:
		return FieldFlags{Financial: true}
	}
	return FieldFlags{}
}
