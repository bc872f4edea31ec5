package apikeys

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/cids-io/cids/pkg/audit"
	"github.com/cids-io/cids/pkg/auth"
	"github.com/cids-io/cids/pkg/observability"
	"github.com/cids-io/cids/pkg/registry"
	"github.com/cids-io/cids/pkg/webhooks"
)

// KeyStore is the persistence surface the service needs
type KeyStore interface {
	InsertKey(ctx context.Context, key *APIKey) error
	GetKey(ctx context.Context, clientID, keyID string) (*APIKey, error)
	ListKeys(ctx context.Context, clientID string) ([]*APIKey, error)
	FindByHash(ctx context.Context, keyHash string) (*APIKey, error)
	Rotate(ctx context.Context, clientID, keyID string, newKey *APIKey, graceEnd time.Time) (*APIKey, error)
	Revoke(ctx context.Context, clientID, keyID string) error
	ReapExpiredGrace(ctx context.Context, now time.Time) (int64, error)
	CountActive(ctx context.Context) (int, error)
	GetPolicy(ctx context.Context, clientID string) (*RotationPolicy, error)
	UpsertPolicy(ctx context.Context, p *RotationPolicy) error
	ListPolicies(ctx context.Context) ([]*RotationPolicy, error)
	RotationCandidates(ctx context.Context, now time.Time) ([]*SweepCandidate, error)
}

// AppSource looks up registered apps
type AppSource interface {
	GetApp(ctx context.Context, clientID string) (*registry.RegisteredApp, error)
}

// Notifier delivers rotation webhooks
type Notifier interface {
	Notify(ctx context.Context, url string, event *webhooks.RotationEvent) error
}

// ServiceConfig bounds key lifetimes and the rotation sweep
type ServiceConfig struct {
	KeyTTL            time.Duration
	DefaultGraceHours int
	SweepConcurrency  int
}

// DefaultServiceConfig returns the default key lifecycle bounds
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		KeyTTL:            90 * 24 * time.Hour,
		DefaultGraceHours: 24,
		SweepConcurrency:  4,
	}
}

// Service implements the API key lifecycle: issuance, grace-aware
// authentication, rotation, and the scheduled rotation sweep.
type Service struct {
	store    KeyStore
	apps     AppSource
	notifier Notifier
	auditLog audit.Logger
	metrics  *observability.Metrics
	logger   *observability.Logger
	config   ServiceConfig
}

// NewService creates a new API key service
func NewService(store KeyStore, apps AppSource, notifier Notifier, auditLog audit.Logger, metrics *observability.Metrics, logger *observability.Logger, config ServiceConfig) *Service {
	if auditLog == nil {
		auditLog = audit.NopLogger()
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, io.Discard)
	}
	if config.KeyTTL <= 0 {
		config.KeyTTL = 90 * 24 * time.Hour
	}
	if config.DefaultGraceHours <= 0 {
		config.DefaultGraceHours = 24
	}
	if config.SweepConcurrency <= 0 {
		config.SweepConcurrency = 4
	}
	return &Service{
		store:    store,
		apps:     apps,
		notifier: notifier,
		auditLog: auditLog,
		metrics:  metrics,
		logger:   logger,
		config:   config,
	}
}

// CreateKey mints a new active key for an app. The plaintext is returned
// exactly once; only its hash and display prefix are stored.
func (s *Service) CreateKey(ctx context.Context, clientID string) (*CreateKeyResult, error) {
	app, err := s.apps.GetApp(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if !app.IsActive {
		return nil, fmt.Errorf("client_id %s: %w", clientID, registry.ErrAppInactive)
	}

	key, plain, err := s.mintKey(clientID)
	if err != nil {
		return nil, err
	}
	if err := s.store.InsertKey(ctx, key); err != nil {
		s.auditLog.LogFailure(ctx, audit.EventTypeKeyCreate, clientID, audit.ResourceTypeAPIKey, key.KeyID, err)
		return nil, err
	}

	s.auditLog.LogMutation(ctx, audit.EventTypeKeyCreate, clientID, audit.ResourceTypeAPIKey, key.KeyID, audit.EventStatusSuccess, "api key created")
	return &CreateKeyResult{Key: key, PlainKey: plain}, nil
}

// Authenticate resolves a raw key to its owning app. During a rotation grace
// window both the replacement and the rotating predecessor authenticate; a
// grace-expired predecessor is lazily revoked on first sight.
func (s *Service) Authenticate(ctx context.Context, rawKey string) (*APIKey, error) {
	if err := auth.ValidateFormat(rawKey, auth.APIKeyPrefix); err != nil {
		return nil, ErrKeyInvalid
	}

	key, err := s.store.FindByHash(ctx, auth.Hash(rawKey))
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	switch key.State {
	case KeyStateActive:
		if now.After(key.ExpiresAt) {
			return nil, ErrKeyInvalid
		}
		return key, nil
	case KeyStateRotating:
		if key.InGrace(now) {
			return key, nil
		}
		if err := s.store.Revoke(ctx, key.ClientID, key.KeyID); err != nil {
			s.logger.WithError(err).WithField("key_id", key.KeyID).Warn("failed to reap grace-expired key")
		}
		return nil, ErrKeyInvalid
	}
	return nil, ErrKeyInvalid
}

// RotateKey rotates one key with the given grace window. Rotating a key that
// is already inside a grace window returns ErrRotationInProgress.
func (s *Service) RotateKey(ctx context.Context, clientID, keyID string, graceHours int) (*RotationResult, error) {
	if graceHours <= 0 {
		graceHours = s.config.DefaultGraceHours
	}

	newKey, plain, err := s.mintKey(clientID)
	if err != nil {
		return nil, err
	}

	graceEnd := time.Now().UTC().Add(time.Duration(graceHours) * time.Hour)
	old, err := s.store.Rotate(ctx, clientID, keyID, newKey, graceEnd)
	if err != nil {
		s.auditLog.LogFailure(ctx, audit.EventTypeKeyRotateFailed, clientID, audit.ResourceTypeAPIKey, keyID, err)
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.KeyRotationsTotal.WithLabelValues("manual").Inc()
	}
	s.auditLog.LogMutation(ctx, audit.EventTypeKeyRotate, clientID, audit.ResourceTypeAPIKey, keyID,
		audit.EventStatusSuccess, fmt.Sprintf("rotated to %s, grace until %s", newKey.KeyID, graceEnd.Format(time.RFC3339)))

	return &RotationResult{OldKey: old, NewKey: newKey, PlainKey: plain}, nil
}

// RevokeKey revokes a key immediately, skipping any grace window
func (s *Service) RevokeKey(ctx context.Context, clientID, keyID string) error {
	if err := s.store.Revoke(ctx, clientID, keyID); err != nil {
		s.auditLog.LogFailure(ctx, audit.EventTypeKeyRevoke, clientID, audit.ResourceTypeAPIKey, keyID, err)
		return err
	}
	s.auditLog.LogMutation(ctx, audit.EventTypeKeyRevoke, clientID, audit.ResourceTypeAPIKey, keyID, audit.EventStatusSuccess, "api key revoked")
	return nil
}

// CheckRotations runs one rotation sweep: reap grace-expired keys, then
// rotate every key covered by an auto-rotate policy that expires inside the
// policy window, notifying the policy webhook. Rotations run concurrently,
// bounded by SweepConcurrency. A fleet with nothing due produces no
// rotations and no audit events.
func (s *Service) CheckRotations(ctx context.Context) (*SweepResult, error) {
	now := time.Now().UTC()
	result := &SweepResult{}

	reaped, err := s.store.ReapExpiredGrace(ctx, now)
	if err != nil {
		return nil, err
	}
	if reaped > 0 {
		s.logger.WithField("reaped", reaped).Info("revoked grace-expired keys")
	}

	candidates, err := s.store.RotationCandidates(ctx, now)
	if err != nil {
		return nil, err
	}
	result.Checked = len(candidates)

	if s.metrics != nil {
		s.metrics.RotationSweepsTotal.Inc()
		defer s.updateActiveKeyGauge(ctx)
	}
	if len(candidates) == 0 {
		return result, nil
	}

	sem := semaphore.NewWeighted(int64(s.config.SweepConcurrency))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, candidate := range candidates {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(c *SweepCandidate) {
			defer sem.Release(1)
			defer wg.Done()

			rotated, notified, err := s.rotateCandidate(ctx, c)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed++
				return
			}
			if rotated {
				result.Rotated++
				result.Clients = append(result.Clients, c.Key.ClientID)
			}
			if notified {
				result.Notified++
			}
		}(candidate)
	}
	wg.Wait()

	s.auditLog.LogMutation(ctx, audit.EventTypeRotationSweep, "", audit.ResourceTypeAPIKey, "",
		audit.EventStatusSuccess, fmt.Sprintf("sweep rotated %d of %d candidate keys", result.Rotated, result.Checked))
	return result, nil
}

// rotateCandidate rotates one sweep candidate and reports whether a rotation
// happened and whether the policy webhook was notified.
func (s *Service) rotateCandidate(ctx context.Context, c *SweepCandidate) (rotated, notified bool, err error) {
	newKey, _, err := s.mintKey(c.Key.ClientID)
	if err != nil {
		return false, false, err
	}

	graceEnd := time.Now().UTC().Add(time.Duration(c.Policy.GracePeriodHours) * time.Hour)
	old, err := s.store.Rotate(ctx, c.Key.ClientID, c.Key.KeyID, newKey, graceEnd)
	if err != nil {
		if errors.Is(err, ErrRotationInProgress) {
			return false, false, nil
		}
		s.auditLog.LogFailure(ctx, audit.EventTypeKeyRotateFailed, c.Key.ClientID, audit.ResourceTypeAPIKey, c.Key.KeyID, err)
		return false, false, err
	}

	if s.metrics != nil {
		s.metrics.KeyRotationsTotal.WithLabelValues("auto").Inc()
	}
	s.auditLog.LogMutation(ctx, audit.EventTypeKeyRotate, c.Key.ClientID, audit.ResourceTypeAPIKey, c.Key.KeyID,
		audit.EventStatusSuccess, fmt.Sprintf("auto-rotated to %s", newKey.KeyID))

	if s.notifier == nil || c.Policy.NotifyWebhook == "" {
		return true, false, nil
	}
	event := &webhooks.RotationEvent{
		EventType:    "api_key.rotated",
		ClientID:     c.Key.ClientID,
		KeyID:        old.KeyID,
		NewKeyID:     newKey.KeyID,
		NewKeyPrefix: newKey.KeyPrefix,
		RotatedAt:    time.Now().UTC(),
		GraceEnd:     graceEnd,
	}
	if err := s.notifier.Notify(ctx, c.Policy.NotifyWebhook, event); err != nil {
		s.logger.WithError(err).WithField("client_id", c.Key.ClientID).Warn("rotation webhook delivery failed")
		return true, false, nil
	}
	return true, true, nil
}

func (s *Service) mintKey(clientID string) (*APIKey, string, error) {
	plain, hash, display, err := auth.Generate(auth.APIKeyPrefix)
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate api key: %w", err)
	}

	key := &APIKey{
		KeyID:     uuid.NewString(),
		ClientID:  clientID,
		KeyHash:   hash,
		KeyPrefix: display,
		State:     KeyStateActive,
		ExpiresAt: time.Now().UTC().Add(s.config.KeyTTL),
	}
	return key, plain, nil
}

func (s *Service) updateActiveKeyGauge(ctx context.Context) {
	count, err := s.store.CountActive(ctx)
	if err != nil {
		return
	}
	s.metrics.ActiveAPIKeys.Set(float64(count))
}
