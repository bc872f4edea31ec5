// Package observability provides structured logging, Prometheus metrics,
// health probes, and graceful shutdown coordination for the CIDS services.
package observability
