// Package webhooks delivers signed rotation notifications to registered
// apps. Payloads carry an HMAC-SHA256 signature header and deliveries retry
// with capped exponential backoff.
package webhooks
