// Package middleware provides HTTP middleware: API key authentication for
// app-to-app endpoints, and request logging with prometheus instrumentation.
package middleware
