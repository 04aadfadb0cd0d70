package federation

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudocode-ai/sudocode/config"
	"github.com/sudocode-ai/sudocode/db"
	"github.com/sudocode-ai/sudocode/jsonl"
)

const localURL = "https://local.example"

func newService(t *testing.T) (*Service, *db.Service) {
	t.Helper()
	store, err := db.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	svc := NewService(nil, store, config.FederationConfig{
		LocalRepoURL:   localURL,
		RequestTimeout: 2 * time.Second,
		MaxRetries:     1,
		RetryBaseDelay: time.Millisecond,
		WSMaxIdle:      50 * time.Millisecond,
	})
	return svc, store
}

func registerPeer(t *testing.T, svc *Service, url, trust string) {
	t.Helper()
	require.NoError(t, svc.RegisterRepo(&db.RemoteRepo{
		URL:        url,
		Name:       "peer",
		TrustLevel: trust,
	}))
}

func TestShouldAutoApprove_TrustMatrix(t *testing.T) {
	tests := []struct {
		trust       string
		requestType string
		expect      bool
	}{
		{db.TrustTrusted, OpQuery, true},
		{db.TrustTrusted, OpCreateIssue, true},
		{db.TrustVerified, OpQuery, true},
		{db.TrustVerified, OpCreateIssue, false},
		{db.TrustUntrusted, OpQuery, false},
		{db.TrustUntrusted, OpCreateIssue, false},
	}
	for _, tt := range tests {
		t.Run(tt.trust+"/"+tt.requestType, func(t *testing.T) {
			assert.Equal(t, tt.expect, ShouldAutoApprove(tt.trust, tt.requestType))
		})
	}
}

func TestReceiveMutation_UntrustedNeedsApproval(t *testing.T) {
	// Seed scenario E6: untrusted peer POSTs create_issue.
	svc, store := newService(t)
	registerPeer(t, svc, "https://peer.example", db.TrustUntrusted)

	envelope := &MutateEnvelope{
		Type:      "mutate",
		From:      "https://peer.example",
		To:        localURL,
		Operation: OpCreateIssue,
		Data:      map[string]interface{}{"title": "from afar"},
	}
	reply, err := svc.ReceiveMutation(envelope)
	require.NoError(t, err)
	assert.Equal(t, ReplyPendingApproval, reply.Status)

	reqs, err := store.ListCrossRepoRequests(db.RequestPending, db.DirectionIncoming, time.Time{})
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.True(t, reqs[0].RequiresApproval)

	// Approve executes the mutation.
	approved, err := svc.Approve(reqs[0].RequestID, "alice")
	require.NoError(t, err)
	assert.Equal(t, db.RequestCompleted, approved.Status)
	assert.Equal(t, "alice", approved.ApprovedBy)
	require.NotNil(t, approved.ApprovedAt)

	issues, err := store.ListEntities("issue")
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, "from afar", issues[0].Title)
	assert.NotEmpty(t, issues[0].UUID)

	// Audit carries the receive and the approve.
	audit, err := store.ListAuditLog(0, time.Time{})
	require.NoError(t, err)
	require.Len(t, audit, 2)

	// Terminal request is immutable.
	_, err = svc.Approve(reqs[0].RequestID, "bob")
	require.Error(t, err)
}

func TestReceiveMutation_TrustedAutoExecutes(t *testing.T) {
	svc, store := newService(t)
	registerPeer(t, svc, "https://peer.example", db.TrustTrusted)

	reply, err := svc.ReceiveMutation(&MutateEnvelope{
		From:      "https://peer.example",
		Operation: OpCreateIssue,
		Data:      map[string]interface{}{"title": "auto"},
	})
	require.NoError(t, err)
	assert.Equal(t, ReplyCompleted, reply.Status)

	issues, _ := store.ListEntities("issue")
	require.Len(t, issues, 1)

	reqs, _ := store.ListCrossRepoRequests("", "", time.Time{})
	require.Len(t, reqs, 1)
	assert.Equal(t, db.RequestCompleted, reqs[0].Status)
}

func TestReject_MarksRejected(t *testing.T) {
	svc, store := newService(t)
	registerPeer(t, svc, "https://peer.example", db.TrustUntrusted)

	_, err := svc.ReceiveMutation(&MutateEnvelope{
		From:      "https://peer.example",
		Operation: OpCreateIssue,
		Data:      map[string]interface{}{"title": "nope"},
	})
	require.NoError(t, err)

	reqs, _ := store.ListCrossRepoRequests(db.RequestPending, "", time.Time{})
	require.Len(t, reqs, 1)

	rejected, err := svc.Reject(reqs[0].RequestID, "policy")
	require.NoError(t, err)
	assert.Equal(t, db.RequestRejected, rejected.Status)
	assert.Equal(t, "policy", rejected.RejectionReason)

	issues, _ := store.ListEntities("issue")
	assert.Empty(t, issues)
}

func TestDiscover_StoresCapabilities(t *testing.T) {
	svc, _ := newService(t)

	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/federation/info", r.URL.Path)
		json.NewEncoder(w).Encode(LocalCapabilities())
	}))
	defer peer.Close()

	require.NoError(t, svc.RegisterRepo(&db.RemoteRepo{
		URL: peer.URL, TrustLevel: db.TrustVerified,
	}))

	repo, err := svc.Discover(peer.URL)
	require.NoError(t, err)
	assert.Equal(t, db.SyncSynced, repo.SyncStatus)
	assert.NotNil(t, repo.LastSyncedAt)
	assert.Contains(t, repo.CapabilitiesJSON, "websocket")
}

func TestDiscover_UnreachableMarksPeer(t *testing.T) {
	svc, store := newService(t)
	require.NoError(t, svc.RegisterRepo(&db.RemoteRepo{
		URL: "http://127.0.0.1:1", TrustLevel: db.TrustVerified,
	}))

	_, err := svc.Discover("http://127.0.0.1:1")
	require.Error(t, err)

	repo, err := store.GetRemoteRepo("http://127.0.0.1:1")
	require.NoError(t, err)
	assert.Equal(t, db.SyncUnreachable, repo.SyncStatus)
}

func TestSendMutation_RecordsPeerReply(t *testing.T) {
	svc, store := newService(t)

	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/federation/mutate", r.URL.Path)
		var envelope MutateEnvelope
		require.NoError(t, json.NewDecoder(r.Body).Decode(&envelope))
		assert.Equal(t, "mutate", envelope.Type)
		assert.Equal(t, localURL, envelope.From)
		json.NewEncoder(w).Encode(MutateReply{Status: ReplyPendingApproval})
	}))
	defer peer.Close()

	require.NoError(t, svc.RegisterRepo(&db.RemoteRepo{
		URL: peer.URL, TrustLevel: db.TrustVerified,
	}))

	req, err := svc.SendMutation(peer.URL, OpCreateIssue,
		map[string]interface{}{"title": "outgoing"})
	require.NoError(t, err)
	assert.Equal(t, db.DirectionOutgoing, req.Direction)
	// Peer parked it for approval, so our record stays pending.
	assert.Equal(t, db.RequestPending, req.Status)

	audit, _ := store.ListAuditLog(0, time.Time{})
	require.Len(t, audit, 1)
	assert.Equal(t, "completed", audit[0].Status)
}

// fakeSender records messages and can fail on demand.
type fakeSender struct {
	mu       sync.Mutex
	messages []interface{}
	fail     bool
	closed   bool
}

func (f *fakeSender) SendJSON(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return fmt.Errorf("send failed")
	}
	f.messages = append(f.messages, v)
	return nil
}
func (f *fakeSender) Ping() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return fmt.Errorf("ping failed")
	}
	return nil
}
func (f *fakeSender) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

func testIssue(id string) *jsonl.Entity {
	return &jsonl.Entity{
		UUID: "uuid-" + id, ID: id, Type: jsonl.TypeIssue,
		CreatedAt: "2024-01-01T00:00:00Z", UpdatedAt: "2024-01-01T00:00:00Z",
	}
}

func TestPublishEvent_FilterChain(t *testing.T) {
	svc, _ := newService(t)
	bus := svc.Subscriptions()

	sender := &fakeSender{}
	connID := bus.Connections().Register(sender, "")

	// Matching subscription: issue + created.
	_, err := bus.Subscribe(localURL, "", "issue", "", []string{EventCreated}, "", connID)
	require.NoError(t, err)
	// Wrong entity type.
	_, err = bus.Subscribe(localURL, "", "spec", "", []string{EventWildcard}, "", connID)
	require.NoError(t, err)
	// Wrong event list.
	_, err = bus.Subscribe(localURL, "", "issue", "", []string{EventClosed}, "", connID)
	require.NoError(t, err)
	// Entity id pinned to another issue.
	_, err = bus.Subscribe(localURL, "", "issue", "i-other", []string{EventWildcard}, "", connID)
	require.NoError(t, err)

	delivered := bus.PublishEvent(testIssue("i-1"), EventCreated, nil, localURL)
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 1, sender.count())

	msg := sender.messages[0].(*SubscriptionEvent)
	assert.Equal(t, "event", msg.Type)
	assert.Equal(t, "i-1", msg.EntityID)
	assert.Equal(t, EventCreated, msg.EventType)
}

func TestPublishEvent_WildcardMatchesEverything(t *testing.T) {
	svc, _ := newService(t)
	bus := svc.Subscriptions()
	sender := &fakeSender{}
	connID := bus.Connections().Register(sender, "")

	_, err := bus.Subscribe(localURL, "", EventWildcard, "", []string{EventWildcard}, "", connID)
	require.NoError(t, err)

	assert.Equal(t, 1, bus.PublishEvent(testIssue("i-1"), EventCreated, nil, localURL))
	assert.Equal(t, 1, bus.PublishEvent(testIssue("i-2"), EventUpdated, nil, localURL))
}

func TestPublishEvent_FailedSendKeepsSubscription(t *testing.T) {
	svc, store := newService(t)
	bus := svc.Subscriptions()
	sender := &fakeSender{fail: true}
	connID := bus.Connections().Register(sender, "")

	sub, err := bus.Subscribe(localURL, "", "issue", "", []string{EventWildcard}, "", connID)
	require.NoError(t, err)

	assert.Equal(t, 0, bus.PublishEvent(testIssue("i-1"), EventCreated, nil, localURL))

	// Subscription survives the failed write.
	got, err := store.GetSubscription(sub.SubscriptionID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Active)

	// The stale sweep tears the connection down and deletes its
	// subscriptions.
	time.Sleep(60 * time.Millisecond)
	closed := bus.Connections().SweepStale()
	assert.Equal(t, 1, closed)

	got, err = store.GetSubscription(sub.SubscriptionID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestConnManager_CloseDeletesOwnedSubscriptions(t *testing.T) {
	svc, store := newService(t)
	bus := svc.Subscriptions()
	sender := &fakeSender{}
	connID := bus.Connections().Register(sender, "")

	sub1, _ := bus.Subscribe(localURL, "", "issue", "", nil, "", connID)
	sub2, _ := bus.Subscribe(localURL, "", "spec", "", nil, "", connID)

	bus.Connections().Close(connID)
	assert.True(t, sender.closed)

	for _, id := range []string{sub1.SubscriptionID, sub2.SubscriptionID} {
		got, err := store.GetSubscription(id)
		require.NoError(t, err)
		assert.Nil(t, got)
	}
}

func TestPeerTokens(t *testing.T) {
	svc, _ := newService(t)
	registerPeer(t, svc, "https://peer.example", db.TrustVerified)

	require.NoError(t, svc.SetPeerToken("https://peer.example", "s3cret"))
	assert.True(t, svc.VerifyPeerToken("https://peer.example", "s3cret"))
	assert.False(t, svc.VerifyPeerToken("https://peer.example", "wrong"))
	assert.False(t, svc.VerifyPeerToken("https://unknown.example", "s3cret"))
}

func TestHealth_Classifier(t *testing.T) {
	svc, store := newService(t)

	report, err := svc.Health()
	require.NoError(t, err)
	assert.Equal(t, HealthHealthy, report.Status)

	// More than 10 recent failures is critical.
	for i := 0; i < 11; i++ {
		require.NoError(t, store.CreateCrossRepoRequest(&db.CrossRepoRequest{
			RequestID: fmt.Sprintf("req-f%d", i),
			Direction: db.DirectionOutgoing,
			Status:    db.RequestFailed,
		}))
	}
	report, err = svc.Health()
	require.NoError(t, err)
	assert.Equal(t, HealthCritical, report.Status)
	assert.Equal(t, 11, report.RecentFailureCount)
}

func TestCollectMetrics(t *testing.T) {
	svc, store := newService(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, store.CreateCrossRepoRequest(&db.CrossRepoRequest{
			RequestID:   fmt.Sprintf("req-%d", i),
			Direction:   db.DirectionIncoming,
			FromRepo:    "https://busy.example",
			RequestType: OpCreateIssue,
			Status:      db.RequestCompleted,
		}))
	}
	require.NoError(t, store.CreateCrossRepoRequest(&db.CrossRepoRequest{
		RequestID:   "req-x",
		Direction:   db.DirectionOutgoing,
		ToRepo:      "https://quiet.example",
		RequestType: OpQuery,
		Status:      db.RequestPending,
	}))

	m, err := svc.CollectMetrics(time.Hour, 5)
	require.NoError(t, err)
	assert.Equal(t, 3, m.RequestsByStatus[db.RequestCompleted])
	assert.Equal(t, 1, m.RequestsByStatus[db.RequestPending])
	assert.Equal(t, 3, m.RequestsByDirection[db.DirectionIncoming])
	require.NotEmpty(t, m.TopRepos)
	assert.Equal(t, "https://busy.example", m.TopRepos[0].Repo)
	assert.Equal(t, 3, m.TopRepos[0].Requests)
}
