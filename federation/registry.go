package federation

import (
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/sudocode-ai/sudocode/common"
	"github.com/sudocode-ai/sudocode/db"
)

// RegisterRepo validates and stores a peer descriptor.
func (s *Service) RegisterRepo(repo *db.RemoteRepo) error {
	if repo.URL == "" {
		return common.NewError(common.KindNotFound, "MISSING_URL", "remote repo needs a URL")
	}
	if repo.TrustLevel == "" {
		repo.TrustLevel = db.TrustUntrusted
	}
	if !db.ValidTrustLevel(repo.TrustLevel) {
		return common.NewError(common.KindInternal, "BAD_TRUST_LEVEL",
			fmt.Sprintf("invalid trust level %q", repo.TrustLevel))
	}
	if err := s.store.UpsertRemoteRepo(repo); err != nil {
		return err
	}
	s.logger.WithField("remote_repo", repo.URL).
		WithField("trust", repo.TrustLevel).Info("Remote repo registered")
	return nil
}

// GetRepo fetches one peer.
func (s *Service) GetRepo(url string) (*db.RemoteRepo, error) {
	repo, err := s.store.GetRemoteRepo(url)
	if err != nil {
		return nil, err
	}
	if repo == nil {
		return nil, notFound("REPO_NOT_FOUND", fmt.Sprintf("remote repo %s not registered", url))
	}
	return repo, nil
}

// ListRepos returns every registered peer.
func (s *Service) ListRepos() ([]db.RemoteRepo, error) {
	return s.store.ListRemoteRepos()
}

// RemoveRepo deletes a peer registration.
func (s *Service) RemoveRepo(url string) error {
	return s.store.DeleteRemoteRepo(url)
}

// Discover fetches the peer's /federation/info, stores the capability
// snapshot, and updates the sync status. Network failure marks the peer
// unreachable.
func (s *Service) Discover(url string) (*db.RemoteRepo, error) {
	repo, err := s.GetRepo(url)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	caps, err := s.client.FetchInfo(repo)
	now := time.Now().UTC()
	if err != nil {
		s.store.UpsertRemoteRepo(withSync(repo, db.SyncUnreachable, nil))
		s.audit("discover", db.DirectionOutgoing, s.cfg.LocalRepoURL, url,
			"failed", started, err)
		return nil, err
	}

	repo.CapabilitiesJSON = marshalPayload(caps)
	updated := withSync(repo, db.SyncSynced, &now)
	if err := s.store.UpsertRemoteRepo(updated); err != nil {
		return nil, err
	}
	s.audit("discover", db.DirectionOutgoing, s.cfg.LocalRepoURL, url,
		"completed", started, nil)
	return updated, nil
}

// SetPeerToken stores a bcrypt hash of the peer's access token. The token
// itself is handed to the peer out of band and never persisted.
func (s *Service) SetPeerToken(url, token string) error {
	repo, err := s.GetRepo(url)
	if err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing peer token: %w", err)
	}
	repo.TokenHash = string(hash)
	return s.store.UpsertRemoteRepo(repo)
}

// VerifyPeerToken checks a presented token against the stored hash.
func (s *Service) VerifyPeerToken(url, token string) bool {
	repo, err := s.store.GetRemoteRepo(url)
	if err != nil || repo == nil || repo.TokenHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(repo.TokenHash), []byte(token)) == nil
}

func withSync(repo *db.RemoteRepo, status string, syncedAt *time.Time) *db.RemoteRepo {
	out := *repo
	out.SyncStatus = status
	if syncedAt != nil {
		out.LastSyncedAt = syncedAt
	}
	return &out
}
