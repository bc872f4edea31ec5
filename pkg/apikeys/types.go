package apikeys

import (
	"errors"
	"time"
)

// Sentinel errors returned by the API key subsystem
var (
	ErrKeyNotFound        = errors.New("api key not found")
	ErrKeyInvalid         = errors.New("api key is invalid or expired")
	ErrRotationInProgress = errors.New("key rotation already in progress")
	ErrPolicyNotFound     = errors.New("rotation policy not found")
)

// KeyState is the lifecycle state of an API key
type KeyState string

const (
	KeyStateActive   KeyState = "active"
	KeyStateRotating KeyState = "rotating"
	KeyStateRevoked  KeyState = "revoked"
)

// CanTransitionTo reports whether the state machine allows a transition.
// Keys move active -> rotating -> revoked; revocation is also allowed
// directly from active, and nothing leaves revoked.
func (s KeyState) CanTransitionTo(next KeyState) bool {
	switch s {
	case KeyStateActive:
		return next == KeyStateRotating || next == KeyStateRevoked
	case KeyStateRotating:
		return next == KeyStateRevoked
	}
	return false
}

// APIKey is a stored app credential. Only the sha256 hash and a short display
// prefix are persisted; the plaintext key exists once, at creation.
type APIKey struct {
	ID               int64      `json:"id"`
	KeyID            string     `json:"key_id"`
	ClientID         string     `json:"client_id"`
	KeyHash          string     `json:"-"`
	KeyPrefix        string     `json:"key_prefix"`
	State            KeyState   `json:"state"`
	ExpiresAt        time.Time  `json:"expires_at"`
	LastRotatedAt    *time.Time `json:"last_rotated_at,omitempty"`
	RotationGraceEnd *time.Time `json:"rotation_grace_end,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// InGrace reports whether a rotating key is still inside its grace window
func (k *APIKey) InGrace(now time.Time) bool {
	return k.State == KeyStateRotating && k.RotationGraceEnd != nil && now.Before(*k.RotationGraceEnd)
}

// RotationPolicy drives the scheduled rotation sweep for one app
type RotationPolicy struct {
	ClientID         string    `json:"client_id"`
	DaysBeforeExpiry int       `json:"days_before_expiry"`
	GracePeriodHours int       `json:"grace_period_hours"`
	AutoRotate       bool      `json:"auto_rotate"`
	NotifyWebhook    string    `json:"notify_webhook,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// CreateKeyResult carries the one-time plaintext key back to the caller
type CreateKeyResult struct {
	Key      *APIKey `json:"key"`
	PlainKey string  `json:"api_key"`
}

// RotationResult describes one completed rotation
type RotationResult struct {
	OldKey   *APIKey `json:"old_key"`
	NewKey   *APIKey `json:"new_key"`
	PlainKey string  `json:"api_key"`
}

// SweepResult summarizes one CheckRotations pass
type SweepResult struct {
	Checked  int      `json:"checked"`
	Rotated  int      `json:"rotated"`
	Failed   int      `json:"failed"`
	Notified int      `json:"notified"`
	Clients  []string `json:"clients,omitempty"`
}
