// Package adminapi exposes read-only introspection over the proxy's
// router, discovery feed, and prewarm activity, plus a scheduled sweep
// that evicts idle routes the same way a background timer would in
// the original proxy.
//
// Grounded on warming/cron.go's cron.NewJob + "//encore:api private"
// endpoint pattern for the sweep, and monitoring/service.go's
// GetMetrics-style read-only endpoint shape (trimmed down from that
// file's full time-series aggregator, which this proxy has no use
// for — it has no persisted metric history, only the live Stats()
// snapshots each package already exposes).
package adminapi

import (
	"context"
	"sync"

	"encore.dev/cron"

	"encore.app/balancer"
	"encore.app/discoveryfeed"
	"encore.app/prewarm"
	"encore.app/retry"
	"encore.app/router"
)

// IdleSweeper is satisfied by router.Router[T] for any T; adminapi is
// generic over the router's target type at wiring time via this
// interface, since Encore endpoints can't themselves be generic.
type IdleSweeper interface {
	CleanupIdle() int
}

// RouterStats is satisfied by router.Router[T] for any T.
type RouterStats interface {
	Stats() router.Stats
}

//encore:service
type Service struct {
	mu       sync.RWMutex
	sweeper  IdleSweeper
	stats    RouterStats
	balancer *balancer.P2C
	retry    *retry.Policy
	prewarm  *prewarm.Service
}

var (
	svc  *Service
	once sync.Once
)

func initService() (*Service, error) {
	once.Do(func() {
		svc = &Service{}
	})
	return svc, nil
}

// Configure fetches the process-wide Service instance and installs the
// live components it reports on. This is the exported entry point an
// assembly point outside this package (see proxy.Wire) calls once
// during startup, since svc itself is unexported and only reachable
// through initService's Encore-style singleton.
func Configure(sweeper IdleSweeper, stats RouterStats, bal *balancer.P2C, pol *retry.Policy, pw *prewarm.Service) error {
	s, err := initService()
	if err != nil {
		return err
	}
	s.Wire(sweeper, stats, bal, pol, pw)
	return nil
}

// Wire installs the live components this admin surface reports on.
// Called once during process startup, after the router/balancer/retry
// policy/prewarm service have been constructed. Exported so tests can
// call it directly on a Service they construct themselves; outside
// code should go through Configure.
func (s *Service) Wire(sweeper IdleSweeper, stats RouterStats, bal *balancer.P2C, pol *retry.Policy, pw *prewarm.Service) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweeper = sweeper
	s.stats = stats
	s.balancer = bal
	s.retry = pol
	s.prewarm = pw
}

// SweepIdleRoutes runs every minute, matching the idle-route
// reclamation a background timer performs in the original proxy
// (spec.md §8's idle-eviction behavior is otherwise only triggered
// on-demand by CleanupIdle's caller; this is that caller).
var _ = cron.NewJob("sweep-idle-routes", cron.JobConfig{
	Title:    "Evict idle routes",
	Schedule: "* * * * *",
	Endpoint: SweepIdleRoutes,
})

//encore:api private
func SweepIdleRoutes(ctx context.Context) error {
	if svc == nil {
		return nil
	}
	svc.mu.RLock()
	sweeper := svc.sweeper
	svc.mu.RUnlock()
	if sweeper == nil {
		return nil
	}
	sweeper.CleanupIdle()
	return nil
}

// GetRouterStatsResponse mirrors router.Stats for the wire.
type GetRouterStatsResponse struct {
	Hits               int64 `json:"hits"`
	Misses             int64 `json:"misses"`
	NotRecognizedCount int64 `json:"not_recognized_count"`
	NoCapacityCount    int64 `json:"no_capacity_count"`
	BuildErrors        int64 `json:"build_errors"`
	InnerErrors        int64 `json:"inner_errors"`
	CacheSize          int   `json:"cache_size"`
}

//encore:api public method=GET path=/admin/router-stats
func GetRouterStats(ctx context.Context) (*GetRouterStatsResponse, error) {
	if svc == nil {
		return &GetRouterStatsResponse{}, nil
	}
	svc.mu.RLock()
	stats := svc.stats
	svc.mu.RUnlock()
	if stats == nil {
		return &GetRouterStatsResponse{}, nil
	}
	s := stats.Stats()
	return &GetRouterStatsResponse{
		Hits:               s.Hits,
		Misses:             s.Misses,
		NotRecognizedCount: s.NotRecognizedCount,
		NoCapacityCount:    s.NoCapacityCount,
		BuildErrors:        s.BuildErrors,
		InnerErrors:        s.InnerErrors,
		CacheSize:          s.CacheSize,
	}, nil
}

// GetBalancerStatsResponse reports the live endpoint count behind the
// P2C balancer.
type GetBalancerStatsResponse struct {
	EndpointCount int `json:"endpoint_count"`
}

//encore:api public method=GET path=/admin/balancer-stats
func GetBalancerStats(ctx context.Context) (*GetBalancerStatsResponse, error) {
	if svc == nil {
		return &GetBalancerStatsResponse{}, nil
	}
	svc.mu.RLock()
	bal := svc.balancer
	svc.mu.RUnlock()
	if bal == nil {
		return &GetBalancerStatsResponse{}, nil
	}
	return &GetBalancerStatsResponse{EndpointCount: bal.Len()}, nil
}

// GetRetryStatsResponse mirrors retry.Stats for the wire.
type GetRetryStatsResponse struct {
	Retried        int64 `json:"retried"`
	SkippedBudget  int64 `json:"skipped_budget"`
	SkippedTimeout int64 `json:"skipped_timeout"`
}

//encore:api public method=GET path=/admin/retry-stats
func GetRetryStats(ctx context.Context) (*GetRetryStatsResponse, error) {
	if svc == nil {
		return &GetRetryStatsResponse{}, nil
	}
	svc.mu.RLock()
	pol := svc.retry
	svc.mu.RUnlock()
	if pol == nil {
		return &GetRetryStatsResponse{}, nil
	}
	s := pol.Stats()
	return &GetRetryStatsResponse{
		Retried:        s.Retried,
		SkippedBudget:  s.SkippedBudget,
		SkippedTimeout: s.SkippedTimeout,
	}, nil
}

// GetPrewarmStatsResponse mirrors prewarm.Metrics for the wire.
type GetPrewarmStatsResponse struct {
	Attempted   int64 `json:"attempted"`
	Succeeded   int64 `json:"succeeded"`
	Failed      int64 `json:"failed"`
	RateLimited int64 `json:"rate_limited"`
}

//encore:api public method=GET path=/admin/prewarm-stats
func GetPrewarmStats(ctx context.Context) (*GetPrewarmStatsResponse, error) {
	if svc == nil {
		return &GetPrewarmStatsResponse{}, nil
	}
	svc.mu.RLock()
	pw := svc.prewarm
	svc.mu.RUnlock()
	if pw == nil {
		return &GetPrewarmStatsResponse{}, nil
	}
	s := pw.Stats()
	return &GetPrewarmStatsResponse{
		Attempted:   s.Attempted.Load(),
		Succeeded:   s.Succeeded.Load(),
		Failed:      s.Failed.Load(),
		RateLimited: s.RateLimited.Load(),
	}, nil
}

// GetDiscoverySnapshot delegates to discoveryfeed's own introspection
// endpoint; kept here too so every read-only admin surface lives under
// the same /admin prefix for operators.
//
//encore:api public method=GET path=/admin/discovery-snapshot
func GetDiscoverySnapshot(ctx context.Context) (*discoveryfeed.GetSnapshotResponse, error) {
	return discoveryfeed.GetSnapshot(ctx)
}
