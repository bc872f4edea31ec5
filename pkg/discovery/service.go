package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/cids-io/cids/pkg/audit"
	"github.com/cids-io/cids/pkg/observability"
	"github.com/cids-io/cids/pkg/registry"
)

// ErrDiscoveryDisabled is returned for apps that exist but do not expose a
// crawlable discovery endpoint.
var ErrDiscoveryDisabled = errors.New("discovery is not enabled for this app")

// AppSource looks up registered apps. Satisfied by both registry.Store and
// registry.Cache.
type AppSource interface {
	GetApp(ctx context.Context, clientID string) (*registry.RegisteredApp, error)
}

// RunStore persists discovery runs and tree snapshots
type RunStore interface {
	LatestRun(ctx context.Context, clientID string) (*DiscoveryRun, error)
	RecordRun(ctx context.Context, run *DiscoveryRun, tree *PermissionTree) error
	ListRuns(ctx context.Context, clientID string, limit int) ([]*DiscoveryRun, error)
	GetTree(ctx context.Context, clientID string, version int) (*PermissionTree, error)
	LatestTree(ctx context.Context, clientID string) (*PermissionTree, error)
}

// Fetcher retrieves discovery documents
type Fetcher interface {
	Fetch(ctx context.Context, endpoint string) ([]RawEndpoint, string, *CrawlFailure)
}

// Service orchestrates discovery runs: precondition checks, crawl,
// classification and snapshot storage.
type Service struct {
	apps     AppSource
	store    RunStore
	crawler  Fetcher
	auditLog audit.Logger
	metrics  *observability.Metrics
	logger   *observability.Logger

	// inflight collapses concurrent runs for the same client_id into one
	inflight singleflight.Group
}

// NewService creates a new discovery service
func NewService(apps AppSource, store RunStore, crawler Fetcher, auditLog audit.Logger, metrics *observability.Metrics, logger *observability.Logger) *Service {
	if auditLog == nil {
		auditLog = audit.NopLogger()
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, io.Discard)
	}
	return &Service{
		apps:     apps,
		store:    store,
		crawler:  crawler,
		auditLog: auditLog,
		metrics:  metrics,
		logger:   logger,
	}
}

// RunDiscovery crawls an app's discovery endpoint and stores the resulting
// permission tree as a new version. When force is false and the fetched
// document matches the hash of the latest run, the run is skipped and no new
// version is created. At most one crawl per client_id is in flight at a time;
// concurrent callers share its result.
func (s *Service) RunDiscovery(ctx context.Context, clientID string, force bool) (*DiscoveryResult, error) {
	app, err := s.apps.GetApp(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if !app.IsActive {
		return nil, fmt.Errorf("client_id %s: %w", clientID, registry.ErrAppInactive)
	}
	if !app.AllowDiscovery || app.DiscoveryEndpoint == "" {
		return nil, fmt.Errorf("client_id %s: %w", clientID, ErrDiscoveryDisabled)
	}

	v, err, _ := s.inflight.Do(clientID, func() (interface{}, error) {
		return s.run(ctx, app, force)
	})
	if err != nil {
		return nil, err
	}
	return v.(*DiscoveryResult), nil
}

func (s *Service) run(ctx context.Context, app *registry.RegisteredApp, force bool) (*DiscoveryResult, error) {
	log := s.logger.WithField("client_id", app.ClientID)
	start := time.Now()

	raw, hash, failure := s.crawler.Fetch(ctx, app.DiscoveryEndpoint)
	elapsed := time.Since(start)

	if failure != nil {
		result := &DiscoveryResult{
			Status:         RunStatusError,
			ResponseTimeMs: elapsed.Milliseconds(),
			Error:          failure.Error(),
			ErrorType:      failure.Type,
		}
		run := &DiscoveryRun{
			ClientID:     app.ClientID,
			FetchedAt:    start.UTC(),
			Status:       RunStatusError,
			ErrorType:    failure.Type,
			ErrorMessage: failure.Error(),
		}
		if err := s.store.RecordRun(ctx, run, nil); err != nil {
			log.WithError(err).Error("failed to record failed discovery run")
		} else {
			result.Version = run.Version
		}

		s.observeRun(string(RunStatusError), elapsed)
		s.auditLog.LogFailure(ctx, audit.EventTypeDiscoveryFailed, app.ClientID, audit.ResourceTypeTree, app.DiscoveryEndpoint, failure)
		log.WithField("error_type", string(failure.Type)).Warnf("discovery run failed: %v", failure)
		return result, nil
	}

	if !force {
		latest, err := s.store.LatestRun(ctx, app.ClientID)
		if err != nil && !errors.Is(err, ErrRunNotFound) {
			return nil, err
		}
		if latest != nil && latest.Status == RunStatusSuccess && latest.ContentHash == hash {
			s.observeRun(string(RunStatusSkipped), elapsed)
			s.auditLog.LogMutation(ctx, audit.EventTypeDiscoverySkipped, app.ClientID, audit.ResourceTypeTree, app.DiscoveryEndpoint,
				audit.EventStatusSuccess, fmt.Sprintf("document unchanged at version %d", latest.Version))
			log.WithField("version", latest.Version).Debug("discovery skipped, document unchanged")

			return &DiscoveryResult{
				Status:              RunStatusSkipped,
				Version:             latest.Version,
				EndpointsDiscovered: len(raw),
				ResponseTimeMs:      elapsed.Milliseconds(),
			}, nil
		}
	}

	tree := Classify(app.ClientID, 0, raw)

	run := &DiscoveryRun{
		ClientID:            app.ClientID,
		FetchedAt:           start.UTC(),
		Status:              RunStatusSuccess,
		EndpointsDiscovered: len(raw),
		ContentHash:         hash,
	}
	if err := s.store.RecordRun(ctx, run, tree); err != nil {
		return nil, fmt.Errorf("failed to store discovery run: %w", err)
	}

	stored := 0
	for _, r := range tree.Resources {
		stored += len(r.Actions)
	}

	s.observeRun(string(RunStatusSuccess), elapsed)
	if s.metrics != nil {
		s.metrics.DiscoveryEndpointCount.WithLabelValues(app.ClientID).Set(float64(stored))
	}
	s.auditLog.LogMutation(ctx, audit.EventTypeDiscoveryRun, app.ClientID, audit.ResourceTypeTree, app.DiscoveryEndpoint,
		audit.EventStatusSuccess, fmt.Sprintf("version %d, %d endpoints, %d permissions", run.Version, stored, tree.NodeCount()))
	log.WithFields(map[string]interface{}{
		"version":     run.Version,
		"endpoints":   stored,
		"permissions": tree.NodeCount(),
	}).Info("discovery run complete")

	return &DiscoveryResult{
		Status:               RunStatusSuccess,
		Version:              run.Version,
		EndpointsDiscovered:  len(raw),
		EndpointsStored:      stored,
		PermissionsGenerated: tree.NodeCount(),
		ResponseTimeMs:       elapsed.Milliseconds(),
	}, nil
}

// Diff compares two stored versions of an app's tree
func (s *Service) Diff(ctx context.Context, clientID string, fromVersion, toVersion int) (*TreeDiff, error) {
	oldTree, err := s.store.GetTree(ctx, clientID, fromVersion)
	if err != nil {
		return nil, err
	}
	newTree, err := s.store.GetTree(ctx, clientID, toVersion)
	if err != nil {
		return nil, err
	}
	return DiffTrees(oldTree, newTree), nil
}

func (s *Service) observeRun(status string, elapsed time.Duration) {
	if s.metrics != nil {
		s.metrics.ObserveDiscoveryRun(status, elapsed)
	}
}
