package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cids-io/cids/pkg/registry"
)

type fakeAppSource struct {
	apps map[string]*registry.RegisteredApp
}

func (f *fakeAppSource) GetApp(ctx context.Context, clientID string) (*registry.RegisteredApp, error) {
	app, ok := f.apps[clientID]
	if !ok {
		return nil, registry.ErrAppNotFound
	}
	return app, nil
}

type fakeRunStore struct {
	mu     sync.Mutex
	runs   []*DiscoveryRun
	trees  map[int]*PermissionTree
	nextID int64
}

func newFakeRunStore() *fakeRunStore {
	return &fakeRunStore{trees: make(map[int]*PermissionTree)}
}

func (f *fakeRunStore) LatestRun(ctx context.Context, clientID string) (*DiscoveryRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.runs) - 1; i >= 0; i-- {
		if f.runs[i].ClientID == clientID {
			return f.runs[i], nil
		}
	}
	return nil, ErrRunNotFound
}

func (f *fakeRunStore) RecordRun(ctx context.Context, run *DiscoveryRun, tree *PermissionTree) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	run.ID = f.nextID
	run.Version = len(f.runs) + 1
	f.runs = append(f.runs, run)
	if tree != nil {
		tree.Version = run.Version
		f.trees[run.Version] = tree
	}
	return nil
}

func (f *fakeRunStore) ListRuns(ctx context.Context, clientID string, limit int) ([]*DiscoveryRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*DiscoveryRun(nil), f.runs...), nil
}

func (f *fakeRunStore) GetTree(ctx context.Context, clientID string, version int) (*PermissionTree, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tree, ok := f.trees[version]
	if !ok {
		return nil, ErrTreeNotFound
	}
	return tree, nil
}

func (f *fakeRunStore) LatestTree(ctx context.Context, clientID string) (*PermissionTree, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.runs) - 1; i >= 0; i-- {
		if f.runs[i].ClientID == clientID && f.runs[i].Status == RunStatusSuccess {
			return f.trees[f.runs[i].Version], nil
		}
	}
	return nil, ErrTreeNotFound
}

type fakeFetcher struct {
	raw     []RawEndpoint
	hash    string
	failure *CrawlFailure
	calls   int
}

func (f *fakeFetcher) Fetch(ctx context.Context, endpoint string) ([]RawEndpoint, string, *CrawlFailure) {
	f.calls++
	return f.raw, f.hash, f.failure
}

func discoveryApp() *registry.RegisteredApp {
	return &registry.RegisteredApp{
		ClientID:          "cids_abc",
		Name:              "hr-portal",
		IsActive:          true,
		AllowDiscovery:    true,
		DiscoveryEndpoint: "https://hr-portal.internal/discovery",
	}
}

func newTestService(apps *fakeAppSource, store *fakeRunStore, fetcher Fetcher) *Service {
	return NewService(apps, store, fetcher, nil, nil, nil)
}

func TestRunDiscoverySuccess(t *testing.T) {
	apps := &fakeAppSource{apps: map[string]*registry.RegisteredApp{"cids_abc": discoveryApp()}}
	store := newFakeRunStore()
	fetcher := &fakeFetcher{raw: sampleEndpoints(), hash: "hash-1"}
	svc := newTestService(apps, store, fetcher)

	result, err := svc.RunDiscovery(context.Background(), "cids_abc", false)
	require.NoError(t, err)
	assert.Equal(t, RunStatusSuccess, result.Status)
	assert.Equal(t, 1, result.Version)
	assert.Equal(t, 3, result.EndpointsDiscovered)
	assert.Equal(t, 3, result.EndpointsStored)
	assert.Greater(t, result.PermissionsGenerated, 0)

	tree, err := store.LatestTree(context.Background(), "cids_abc")
	require.NoError(t, err)
	assert.Equal(t, 1, tree.Version)
}

func TestRunDiscoverySkipsUnchangedDocument(t *testing.T) {
	apps := &fakeAppSource{apps: map[string]*registry.RegisteredApp{"cids_abc": discoveryApp()}}
	store := newFakeRunStore()
	fetcher := &fakeFetcher{raw: sampleEndpoints(), hash: "hash-1"}
	svc := newTestService(apps, store, fetcher)

	first, err := svc.RunDiscovery(context.Background(), "cids_abc", false)
	require.NoError(t, err)
	require.Equal(t, RunStatusSuccess, first.Status)

	second, err := svc.RunDiscovery(context.Background(), "cids_abc", false)
	require.NoError(t, err)
	assert.Equal(t, RunStatusSkipped, second.Status)
	assert.Equal(t, first.Version, second.Version, "skipped runs must not create a version")
	assert.Len(t, store.runs, 1)
}

func TestRunDiscoveryForceBypassesHashCheck(t *testing.T) {
	apps := &fakeAppSource{apps: map[string]*registry.RegisteredApp{"cids_abc": discoveryApp()}}
	store := newFakeRunStore()
	fetcher := &fakeFetcher{raw: sampleEndpoints(), hash: "hash-1"}
	svc := newTestService(apps, store, fetcher)

	_, err := svc.RunDiscovery(context.Background(), "cids_abc", false)
	require.NoError(t, err)

	result, err := svc.RunDiscovery(context.Background(), "cids_abc", true)
	require.NoError(t, err)
	assert.Equal(t, RunStatusSuccess, result.Status)
	assert.Equal(t, 2, result.Version)
}

func TestRunDiscoveryRecordsFailures(t *testing.T) {
	apps := &fakeAppSource{apps: map[string]*registry.RegisteredApp{"cids_abc": discoveryApp()}}
	store := newFakeRunStore()
	fetcher := &fakeFetcher{failure: &CrawlFailure{Type: FailureTimeout, Err: context.DeadlineExceeded}}
	svc := newTestService(apps, store, fetcher)

	result, err := svc.RunDiscovery(context.Background(), "cids_abc", false)
	require.NoError(t, err)
	assert.Equal(t, RunStatusError, result.Status)
	assert.Equal(t, FailureTimeout, result.ErrorType)

	require.Len(t, store.runs, 1)
	assert.Equal(t, RunStatusError, store.runs[0].Status)

	_, err = store.LatestTree(context.Background(), "cids_abc")
	assert.ErrorIs(t, err, ErrTreeNotFound, "failed runs must not produce a tree")
}

func TestRunDiscoveryPreconditions(t *testing.T) {
	inactive := discoveryApp()
	inactive.IsActive = false
	noEndpoint := discoveryApp()
	noEndpoint.DiscoveryEndpoint = ""
	optedOut := discoveryApp()
	optedOut.AllowDiscovery = false

	apps := &fakeAppSource{apps: map[string]*registry.RegisteredApp{
		"cids_inactive": inactive,
		"cids_noep":     noEndpoint,
		"cids_optout":   optedOut,
	}}
	svc := newTestService(apps, newFakeRunStore(), &fakeFetcher{})

	_, err := svc.RunDiscovery(context.Background(), "cids_missing", false)
	assert.ErrorIs(t, err, registry.ErrAppNotFound)

	_, err = svc.RunDiscovery(context.Background(), "cids_inactive", false)
	assert.ErrorIs(t, err, registry.ErrAppInactive)

	_, err = svc.RunDiscovery(context.Background(), "cids_noep", false)
	assert.ErrorIs(t, err, ErrDiscoveryDisabled)

	_, err = svc.RunDiscovery(context.Background(), "cids_optout", false)
	assert.ErrorIs(t, err, ErrDiscoveryDisabled)
}

func TestRunDiscoveryErrorRunDoesNotBlockNextRun(t *testing.T) {
	apps := &fakeAppSource{apps: map[string]*registry.RegisteredApp{"cids_abc": discoveryApp()}}
	store := newFakeRunStore()
	fetcher := &fakeFetcher{failure: &CrawlFailure{Type: FailureUnreachable, Err: errors.New("dial refused")}}
	svc := newTestService(apps, store, fetcher)

	_, err := svc.RunDiscovery(context.Background(), "cids_abc", false)
	require.NoError(t, err)

	fetcher.failure = nil
	fetcher.raw = sampleEndpoints()
	fetcher.hash = "hash-1"

	result, err := svc.RunDiscovery(context.Background(), "cids_abc", false)
	require.NoError(t, err)
	assert.Equal(t, RunStatusSuccess, result.Status)
	assert.Equal(t, 2, result.Version)
}
