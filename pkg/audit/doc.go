// Package audit provides append-only audit logging for every state-changing
// operation in CIDS, plus token activity recording. Events carry a category
// (event type + status) so failures are never collapsed into a generic error.
package audit
