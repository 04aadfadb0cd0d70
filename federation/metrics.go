package federation

import (
	"sort"
	"time"

	"github.com/sudocode-ai/sudocode/db"
)

// Health classifications.
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
	HealthCritical = "critical"
)

// Metrics aggregates federation activity over a window.
type Metrics struct {
	RequestsByStatus    map[string]int `json:"requests_by_status"`
	RequestsByType      map[string]int `json:"requests_by_type"`
	RequestsByDirection map[string]int `json:"requests_by_direction"`
	TopRepos            []RepoActivity `json:"top_repos"`
	ActiveSubscriptions int            `json:"active_subscriptions"`
	Connections         int            `json:"connections"`
}

// RepoActivity counts one peer's requests in the window.
type RepoActivity struct {
	Repo     string `json:"repo"`
	Requests int    `json:"requests"`
}

// HealthReport classifies federation health.
type HealthReport struct {
	Status             string `json:"status"`
	StalePendingCount  int    `json:"stale_pending_count"`
	RecentFailureCount int    `json:"recent_failure_count"`
	IdleSubscriptions  int64  `json:"idle_subscriptions"`
}

// CollectMetrics aggregates request counts over the window and the top-N
// peers by activity.
func (s *Service) CollectMetrics(window time.Duration, topN int) (*Metrics, error) {
	since := time.Time{}
	if window > 0 {
		since = time.Now().Add(-window)
	}
	requests, err := s.store.ListCrossRepoRequests("", "", since)
	if err != nil {
		return nil, err
	}

	m := &Metrics{
		RequestsByStatus:    make(map[string]int),
		RequestsByType:      make(map[string]int),
		RequestsByDirection: make(map[string]int),
		Connections:         s.subs.Connections().Count(),
	}
	byRepo := make(map[string]int)
	for _, r := range requests {
		m.RequestsByStatus[r.Status]++
		m.RequestsByType[r.RequestType]++
		m.RequestsByDirection[r.Direction]++
		peer := r.FromRepo
		if r.Direction == db.DirectionOutgoing {
			peer = r.ToRepo
		}
		byRepo[peer]++
	}

	for repo, n := range byRepo {
		m.TopRepos = append(m.TopRepos, RepoActivity{Repo: repo, Requests: n})
	}
	sort.Slice(m.TopRepos, func(i, j int) bool {
		if m.TopRepos[i].Requests != m.TopRepos[j].Requests {
			return m.TopRepos[i].Requests > m.TopRepos[j].Requests
		}
		return m.TopRepos[i].Repo < m.TopRepos[j].Repo
	})
	if topN > 0 && len(m.TopRepos) > topN {
		m.TopRepos = m.TopRepos[:topN]
	}

	subs, err := s.store.ListActiveSubscriptions(s.cfg.LocalRepoURL)
	if err == nil {
		m.ActiveSubscriptions = len(subs)
	}
	return m, nil
}

// Health classifies the federation layer:
//
//   - pending requests older than one hour degrade it;
//   - more than 5 failed requests in the last hour degrade it, more than 10
//     make it critical;
//   - subscriptions idle beyond 7 days degrade it.
func (s *Service) Health() (*HealthReport, error) {
	report := &HealthReport{Status: HealthHealthy}
	now := time.Now()

	pending, err := s.store.ListCrossRepoRequests(db.RequestPending, "", time.Time{})
	if err != nil {
		return nil, err
	}
	for _, r := range pending {
		if now.Sub(r.CreatedAt) > time.Hour {
			report.StalePendingCount++
		}
	}

	failed, err := s.store.ListCrossRepoRequests(db.RequestFailed, "", now.Add(-time.Hour))
	if err != nil {
		return nil, err
	}
	report.RecentFailureCount = len(failed)

	idle, err := s.store.CountStaleSubscriptions(now.Add(-7 * 24 * time.Hour))
	if err != nil {
		return nil, err
	}
	report.IdleSubscriptions = idle

	switch {
	case report.RecentFailureCount > 10:
		report.Status = HealthCritical
	case report.RecentFailureCount > 5,
		report.StalePendingCount > 0,
		report.IdleSubscriptions > 0:
		report.Status = HealthDegraded
	}
	return report, nil
}
