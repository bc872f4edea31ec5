// Package apikeys implements the app credential lifecycle: key issuance,
// grace-aware authentication, the active/rotating/revoked state machine, and
// the scheduled rotation sweep with webhook notifications.
package apikeys
