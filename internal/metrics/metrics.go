// Package metrics exposes pipeline and leaderboard metrics in the OpenMetrics format.
package metrics

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cam3ron2/pr-leaderboard/internal/model"
	"github.com/cam3ron2/pr-leaderboard/internal/reconcile"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pr_leaderboard"

// PoolSizer reports the credential pool size.
type PoolSizer interface {
	Size(ctx context.Context) (int, error)
}

// Registry owns every collector and implements the recorder interfaces of the
// fetcher, reconciler, aggregator and scheduler.
type Registry struct {
	registry *prometheus.Registry

	githubRequests        *prometheus.CounterVec
	rateLimitWaitSeconds  *prometheus.CounterVec
	credentialInvalidated prometheus.Counter
	repoOutcomes          *prometheus.CounterVec
	pullRequestsStored    *prometheus.CounterVec
	pullRequestsSkipped   *prometheus.CounterVec
	cycles                *prometheus.CounterVec
	cycleDuration         prometheus.Histogram
	backoffSeconds        prometheus.Gauge

	board *leaderboardCollector
}

// New creates a registry. pool may be nil, in which case no pool-size gauge is exported.
func New(pool PoolSizer) *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
		githubRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "github_requests_total",
			Help:      "GitHub API calls by endpoint and result reason.",
		}, []string{"endpoint", "result"}),
		rateLimitWaitSeconds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "github_rate_limit_wait_seconds_total",
			Help:      "Time spent waiting on GitHub rate limits.",
		}, []string{"endpoint"}),
		credentialInvalidated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credentials_invalidated_total",
			Help:      "Tokens removed from the pool after a 401.",
		}),
		repoOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "repo_reconciles_total",
			Help:      "Repository reconcile passes by status.",
		}, []string{"repo", "status"}),
		pullRequestsStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pull_requests_stored_total",
			Help:      "Pull request upserts by repository and action.",
		}, []string{"repo", "action"}),
		pullRequestsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pull_requests_skipped_total",
			Help:      "Listed pull requests that were not stored.",
		}, []string{"repo", "reason"}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingestion_cycles_total",
			Help:      "Completed ingestion cycles by result.",
		}, []string{"result"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingestion_cycle_duration_seconds",
			Help:      "Wall time of ingestion cycles.",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		}),
		backoffSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_backoff_seconds",
			Help:      "Current failure backoff; zero after a successful cycle.",
		}),
		board: &leaderboardCollector{},
	}

	r.registry.MustRegister(
		r.githubRequests,
		r.rateLimitWaitSeconds,
		r.credentialInvalidated,
		r.repoOutcomes,
		r.pullRequestsStored,
		r.pullRequestsSkipped,
		r.cycles,
		r.cycleDuration,
		r.backoffSeconds,
		r.board,
	)
	if pool != nil {
		r.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "credential_pool_size",
			Help:      "Tokens currently usable for GitHub calls.",
		}, poolSize(pool)))
	}
	return r
}

// Handler renders the registry through the Prometheus OpenMetrics encoder.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Gatherer returns the underlying gatherer for tests and embedding.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// ObserveRequest counts one GitHub call.
func (r *Registry) ObserveRequest(endpoint, result string) {
	r.githubRequests.WithLabelValues(endpoint, result).Inc()
}

// ObserveRateLimitWait accumulates rate-limit wait time.
func (r *Registry) ObserveRateLimitWait(endpoint string, wait time.Duration) {
	r.rateLimitWaitSeconds.WithLabelValues(endpoint).Add(wait.Seconds())
}

// ObserveCredentialInvalidated counts a token removal.
func (r *Registry) ObserveCredentialInvalidated() {
	r.credentialInvalidated.Inc()
}

// ObserveRepo records one repository pass.
func (r *Registry) ObserveRepo(repo string, outcome reconcile.RepoOutcome) {
	r.repoOutcomes.WithLabelValues(repo, string(outcome.Status)).Inc()
	if outcome.Inserted > 0 {
		r.pullRequestsStored.WithLabelValues(repo, "inserted").Add(float64(outcome.Inserted))
	}
	if outcome.Updated > 0 {
		r.pullRequestsStored.WithLabelValues(repo, "updated").Add(float64(outcome.Updated))
	}
	for reason, count := range outcome.Skipped {
		if count > 0 {
			r.pullRequestsSkipped.WithLabelValues(repo, string(reason)).Add(float64(count))
		}
	}
}

// ObserveLeaderboard replaces the exported leaderboard snapshot.
func (r *Registry) ObserveLeaderboard(entries []model.LeaderboardEntry) {
	r.board.set(entries)
}

// ObserveCycle records a finished cycle.
func (r *Registry) ObserveCycle(result string, duration time.Duration) {
	r.cycles.WithLabelValues(result).Inc()
	r.cycleDuration.Observe(duration.Seconds())
	if result == "success" {
		r.backoffSeconds.Set(0)
	}
}

// ObserveBackoff records the backoff chosen after a failed cycle.
func (r *Registry) ObserveBackoff(wait time.Duration) {
	r.backoffSeconds.Set(wait.Seconds())
}

func poolSize(pool PoolSizer) func() float64 {
	return func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		size, err := pool.Size(ctx)
		if err != nil {
			return 0
		}
		return float64(size)
	}
}

var (
	pointsDesc = prometheus.NewDesc(
		namespace+"_user_points",
		"Leaderboard points per registered user.",
		[]string{"login"}, nil,
	)
	prsDesc = prometheus.NewDesc(
		namespace+"_user_pull_requests",
		"Tracked pull requests per registered user.",
		[]string{"login"}, nil,
	)
	usersDesc = prometheus.NewDesc(
		namespace+"_leaderboard_users",
		"Rows in the last computed leaderboard.",
		nil, nil,
	)
)

// leaderboardCollector renders the last observed board as const gauges.
type leaderboardCollector struct {
	mu      sync.RWMutex
	entries []model.LeaderboardEntry
	loaded  bool
}

func (c *leaderboardCollector) set(entries []model.LeaderboardEntry) {
	snapshot := make([]model.LeaderboardEntry, len(entries))
	copy(snapshot, entries)
	sort.SliceStable(snapshot, func(i, j int) bool { return snapshot[i].Login < snapshot[j].Login })

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = snapshot
	c.loaded = true
}

func (c *leaderboardCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- pointsDesc
	ch <- prsDesc
	ch <- usersDesc
}

func (c *leaderboardCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.loaded {
		return
	}

	ch <- prometheus.MustNewConstMetric(usersDesc, prometheus.GaugeValue, float64(len(c.entries)))
	seen := make(map[string]struct{}, len(c.entries))
	for _, entry := range c.entries {
		login := model.NormalizeLogin(entry.Login)
		if login == "" {
			continue
		}
		if _, dup := seen[login]; dup {
			continue
		}
		seen[login] = struct{}{}
		ch <- prometheus.MustNewConstMetric(pointsDesc, prometheus.GaugeValue, float64(entry.Points), login)
		ch <- prometheus.MustNewConstMetric(prsDesc, prometheus.GaugeValue, float64(entry.TotalPRs), login)
	}
}
