// Package rbac implements roles, directory-group mappings, and the
// resolution engine that expands role permissions against an app's latest
// discovered permission tree with deny-wins semantics.
package rbac
