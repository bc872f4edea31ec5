// Package registry implements the CIDS app registry: CRUD over registered
// client apps, their secrets, and discovery configuration, with an optional
// Redis read cache carrying an explicit invalidation contract.
package registry
