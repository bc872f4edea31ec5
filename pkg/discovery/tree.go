package discovery

import (
	"errors"
	"sort"
	"time"
)

// Sentinel errors returned by the discovery subsystem
var (
	ErrRunNotFound  = errors.New("discovery run not found")
	ErrTreeNotFound = errors.New("permission tree not found")
)

// RunStatus is the stored outcome of a discovery run
type RunStatus string

const (
	RunStatusSuccess RunStatus = "success"
	RunStatusError   RunStatus = "error"
	RunStatusSkipped RunStatus = "skipped"
)

// FailureType categorizes a crawl failure. Failures are returned as values,
// never thrown across component boundaries.
type FailureType string

const (
	FailureTimeout       FailureType = "timeout"
	FailureUnreachable   FailureType = "unreachable"
	FailureInvalidSchema FailureType = "invalid_schema"
	FailureHTTPError     FailureType = "http_error"
)

// RawField is one field descriptor as returned by an app's discovery endpoint
type RawField struct {
	Name      string `json:"name"`
	PII       bool   `json:"pii,omitempty"`
	PHI       bool   `json:"phi,omitempty"`
	Sensitive bool   `json:"sensitive,omitempty"`
	Financial bool   `json:"financial,omitempty"`
}

// RawEndpoint is one endpoint descriptor as returned by an app's discovery endpoint
type RawEndpoint struct {
	Resource string     `json:"resource"`
	Action   string     `json:"action"`
	Fields   []RawField `json:"fields"`
}

// FieldFlags carries the sensitivity flags of a permission node
type FieldFlags struct {
	PII       bool `json:"pii,omitempty"`
	PHI       bool `json:"phi,omitempty"`
	Sensitive bool `json:"sensitive,omitempty"`
	Financial bool `json:"financial,omitempty"`
}

// Categories returns the flag names set on f, in canonical order
func (f FieldFlags) Categories() []string {
	var out []string
	if f.Financial {
		out = append(out, CategoryFinancial)
	}
	if f.PHI {
		out = append(out, CategoryPHI)
	}
	if f.PII {
		out = append(out, CategoryPII)
	}
	if f.Sensitive {
		out = append(out, CategorySensitive)
	}
	return out
}

// Has reports whether the named category flag is set
func (f FieldFlags) Has(category string) bool {
	switch category {
	case CategoryPII:
		return f.PII
	case CategoryPHI:
		return f.PHI
	case CategorySensitive:
		return f.Sensitive
	case CategoryFinancial:
		return f.Financial
	}
	return false
}

func (f FieldFlags) merge(other FieldFlags) FieldFlags {
	return FieldFlags{
		PII:       f.PII || other.PII,
		PHI:       f.PHI || other.PHI,
		Sensitive: f.Sensitive || other.Sensitive,
		Financial: f.Financial || other.Financial,
	}
}

// Category permission names synthesized by the classifier
const (
	CategoryPII       = "pii"
	CategoryPHI       = "phi"
	CategorySensitive = "sensitive"
	CategoryFinancial = "financial"
)

// Wildcard is the field path meaning "all fields of this action". It expands
// at resolution time, never at storage time.
const Wildcard = "*"

// FieldDescriptor is one leaf of the permission tree
type FieldDescriptor struct {
	Path     string     `json:"path"`
	Flags    FieldFlags `json:"flags,omitempty"`
	Category bool       `json:"category,omitempty"`
}

// ActionNode groups the fields of one action
type ActionNode struct {
	Fields []FieldDescriptor `json:"fields"`
}

// DataFields returns the non-category fields of the action
func (a *ActionNode) DataFields() []FieldDescriptor {
	var out []FieldDescriptor
	for _, f := range a.Fields {
		if !f.Category {
			out = append(out, f)
		}
	}
	return out
}

// Field returns the descriptor for a path, if present
func (a *ActionNode) Field(path string) (FieldDescriptor, bool) {
	for _, f := range a.Fields {
		if f.Path == path {
			return f, true
		}
	}
	return FieldDescriptor{}, false
}

// ResourceNode groups the actions of one resource
type ResourceNode struct {
	Actions map[string]*ActionNode `json:"actions"`
}

// PermissionTree is one immutable, versioned snapshot of an app's
// resource -> action -> field permission structure.
type PermissionTree struct {
	ClientID  string                   `json:"client_id"`
	Version   int                      `json:"version"`
	Resources map[string]*ResourceNode `json:"resources"`
}

// Node returns the action node at (resource, action), if present
func (t *PermissionTree) Node(resource, action string) (*ActionNode, bool) {
	r, ok := t.Resources[resource]
	if !ok {
		return nil, false
	}
	a, ok := r.Actions[action]
	return a, ok
}

// NodeCount returns the number of field-level nodes in the tree
func (t *PermissionTree) NodeCount() int {
	n := 0
	for _, r := range t.Resources {
		for _, a := range r.Actions {
			n += len(a.Fields)
		}
	}
	return n
}

// ResourceNames returns the tree's resource names, sorted
func (t *PermissionTree) ResourceNames() []string {
	names := make([]string, 0, len(t.Resources))
	for name := range t.Resources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DiscoveryRun records one crawl attempt. Runs are immutable once stored;
// superseded runs are retained for diffing and audit.
type DiscoveryRun struct {
	ID                  int64       `json:"id"`
	ClientID            string      `json:"client_id"`
	Version             int         `json:"version"`
	FetchedAt           time.Time   `json:"fetched_at"`
	Status              RunStatus   `json:"status"`
	EndpointsDiscovered int         `json:"endpoints_discovered"`
	ContentHash         string      `json:"content_hash"`
	ErrorType           FailureType `json:"error_type,omitempty"`
	ErrorMessage        string      `json:"error_message,omitempty"`
}

// DiscoveryResult is the caller-facing outcome of RunDiscovery
type DiscoveryResult struct {
	Status               RunStatus   `json:"status"`
	Version              int         `json:"version,omitempty"`
	EndpointsDiscovered  int         `json:"endpoints_discovered"`
	EndpointsStored      int         `json:"endpoints_stored"`
	PermissionsGenerated int         `json:"permissions_generated"`
	ResponseTimeMs       int64       `json:"response_time_ms"`
	Error                string      `json:"error,omitempty"`
	ErrorType            FailureType `json:"error_type,omitempty"`
}
