package db

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// UpsertRemoteRepo creates or updates a peer record keyed by URL.
func (s *Service) UpsertRemoteRepo(repo *RemoteRepo) error {
	if !ValidTrustLevel(repo.TrustLevel) {
		return fmt.Errorf("invalid trust level %q", repo.TrustLevel)
	}
	if repo.SyncStatus == "" {
		repo.SyncStatus = SyncUnknown
	}
	if err := s.db.Save(repo).Error; err != nil {
		return fmt.Errorf("saving remote repo %s: %w", repo.URL, err)
	}
	return nil
}

// GetRemoteRepo fetches a peer by URL; returns nil when absent.
func (s *Service) GetRemoteRepo(url string) (*RemoteRepo, error) {
	var repo RemoteRepo
	err := s.db.First(&repo, "url = ?", url).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching remote repo %s: %w", url, err)
	}
	return &repo, nil
}

// ListRemoteRepos returns all registered peers.
func (s *Service) ListRemoteRepos() ([]RemoteRepo, error) {
	var repos []RemoteRepo
	if err := s.db.Order("url ASC").Find(&repos).Error; err != nil {
		return nil, fmt.Errorf("listing remote repos: %w", err)
	}
	return repos, nil
}

// DeleteRemoteRepo removes a peer registration.
func (s *Service) DeleteRemoteRepo(url string) error {
	return s.db.Delete(&RemoteRepo{}, "url = ?", url).Error
}

// CreateCrossRepoRequest inserts a new federation request.
func (s *Service) CreateCrossRepoRequest(req *CrossRepoRequest) error {
	if req.Status == "" {
		req.Status = RequestPending
	}
	if err := s.db.Create(req).Error; err != nil {
		return fmt.Errorf("creating request %s: %w", req.RequestID, err)
	}
	return nil
}

// GetCrossRepoRequest fetches a request by id; returns nil when absent.
func (s *Service) GetCrossRepoRequest(id string) (*CrossRepoRequest, error) {
	var req CrossRepoRequest
	err := s.db.First(&req, "request_id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching request %s: %w", id, err)
	}
	return &req, nil
}

// ListCrossRepoRequests filters requests by status and/or direction.
func (s *Service) ListCrossRepoRequests(status, direction string, since time.Time) ([]CrossRepoRequest, error) {
	q := s.db.Order("created_at DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if direction != "" {
		q = q.Where("direction = ?", direction)
	}
	if !since.IsZero() {
		q = q.Where("created_at >= ?", since)
	}
	var reqs []CrossRepoRequest
	if err := q.Find(&reqs).Error; err != nil {
		return nil, fmt.Errorf("listing requests: %w", err)
	}
	return reqs, nil
}

// TransitionCrossRepoRequest moves a request to a new status. Terminal
// records are immutable; transitioning one fails.
func (s *Service) TransitionCrossRepoRequest(id string, updates map[string]interface{}) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var req CrossRepoRequest
		if err := tx.First(&req, "request_id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("request %s not found", id)
			}
			return err
		}
		if TerminalRequestStatus(req.Status) {
			return fmt.Errorf("request %s is %s and cannot change", id, req.Status)
		}
		return tx.Model(&CrossRepoRequest{}).
			Where("request_id = ?", id).
			Updates(updates).Error
	})
}

// CreateSubscription inserts a federation subscription.
func (s *Service) CreateSubscription(sub *Subscription) error {
	if err := s.db.Create(sub).Error; err != nil {
		return fmt.Errorf("creating subscription %s: %w", sub.SubscriptionID, err)
	}
	return nil
}

// GetSubscription fetches a subscription; returns nil when absent.
func (s *Service) GetSubscription(id string) (*Subscription, error) {
	var sub Subscription
	err := s.db.First(&sub, "subscription_id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching subscription %s: %w", id, err)
	}
	return &sub, nil
}

// ListActiveSubscriptions returns the active subscriptions of a local repo.
func (s *Service) ListActiveSubscriptions(localRepo string) ([]Subscription, error) {
	var subs []Subscription
	err := s.db.
		Where("local_repo = ? AND active = ?", localRepo, true).
		Order("created_at ASC").
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("listing subscriptions for %s: %w", localRepo, err)
	}
	return subs, nil
}

// TouchSubscription stamps last_event_at after a delivery.
func (s *Service) TouchSubscription(id string) error {
	now := time.Now().UTC()
	return s.db.Model(&Subscription{}).
		Where("subscription_id = ?", id).
		Update("last_event_at", &now).Error
}

// DeleteSubscription removes a subscription. Returns whether a row existed.
func (s *Service) DeleteSubscription(id string) (bool, error) {
	res := s.db.Delete(&Subscription{}, "subscription_id = ?", id)
	if res.Error != nil {
		return false, fmt.Errorf("deleting subscription %s: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// DeleteSubscriptionsForConnection removes every subscription owned by a
// WebSocket connection and returns how many were deleted.
func (s *Service) DeleteSubscriptionsForConnection(connectionID string) (int64, error) {
	res := s.db.Delete(&Subscription{}, "ws_connection_id = ?", connectionID)
	if res.Error != nil {
		return 0, fmt.Errorf("deleting subscriptions for %s: %w", connectionID, res.Error)
	}
	return res.RowsAffected, nil
}

// AppendAuditLog records one federation operation.
func (s *Service) AppendAuditLog(entry *AuditLogEntry) error {
	if err := s.db.Create(entry).Error; err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}
	return nil
}

// ListAuditLog returns audit entries newest first, bounded by limit.
func (s *Service) ListAuditLog(limit int, since time.Time) ([]AuditLogEntry, error) {
	q := s.db.Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if !since.IsZero() {
		q = q.Where("created_at >= ?", since)
	}
	var entries []AuditLogEntry
	if err := q.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("listing audit log: %w", err)
	}
	return entries, nil
}

// CountStaleSubscriptions counts active subscriptions idle since before cutoff.
func (s *Service) CountStaleSubscriptions(cutoff time.Time) (int64, error) {
	var n int64
	err := s.db.Model(&Subscription{}).
		Where("active = ? AND (last_event_at IS NULL AND created_at < ? OR last_event_at < ?)",
			true, cutoff, cutoff).
		Count(&n).Error
	return n, err
}
