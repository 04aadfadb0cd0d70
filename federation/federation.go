// Package federation implements the cross-repository layer: the remote
// peer registry, the approval-gated request state machine, the
// subscription bus with its WebSocket manager, the audit log, and the
// health metrics. Discovery, peer queries and every mutation request
// transition are audited; registry, peer-token and subscription changes are
// not.
package federation

import (
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sudocode-ai/sudocode/common"
	"github.com/sudocode-ai/sudocode/config"
	"github.com/sudocode-ai/sudocode/db"
)

// Capabilities is the snapshot returned by a peer's /federation/info.
type Capabilities struct {
	Protocols   []string `json:"protocols"`
	Operations  []string `json:"operations"`
	EntityTypes []string `json:"entity_types"`
}

// LocalCapabilities describes what this repository offers to peers.
func LocalCapabilities() Capabilities {
	return Capabilities{
		Protocols:   []string{"rest", "websocket"},
		Operations:  []string{"query", "create_issue", "create_spec", "update_issue", "subscribe"},
		EntityTypes: []string{"issue", "spec"},
	}
}

// QueryEnvelope is the body of POST /federation/query.
type QueryEnvelope struct {
	Type      string `json:"type"` // "query"
	From      string `json:"from"`
	To        string `json:"to"`
	Timestamp int64  `json:"timestamp"`
	Query     struct {
		Entity  string                 `json:"entity"`
		Filters map[string]interface{} `json:"filters,omitempty"`
		Limit   int                    `json:"limit,omitempty"`
	} `json:"query"`
}

// MutateEnvelope is the body of POST /federation/mutate.
type MutateEnvelope struct {
	Type      string                 `json:"type"` // "mutate"
	From      string                 `json:"from"`
	To        string                 `json:"to"`
	Timestamp int64                  `json:"timestamp"`
	Operation string                 `json:"operation"`
	Data      map[string]interface{} `json:"data"`
	Metadata  struct {
		RequestID string `json:"request_id"`
		Requester string `json:"requester"`
	} `json:"metadata"`
}

// MutateReply is the peer's answer to a mutation.
type MutateReply struct {
	Status  string `json:"status"` // pending_approval | rejected | completed
	Message string `json:"message,omitempty"`
	Result  any    `json:"result,omitempty"`
}

// Mutation reply statuses on the wire.
const (
	ReplyPendingApproval = "pending_approval"
	ReplyRejected        = "rejected"
	ReplyCompleted       = "completed"
)

// Service is the federation facade shared by the HTTP layer and the CLI.
type Service struct {
	logger *logrus.Entry
	store  *db.Service
	cfg    config.FederationConfig

	client *Client
	subs   *SubscriptionBus
}

// NewService wires the federation layer.
func NewService(logger *logrus.Entry, store *db.Service, cfg config.FederationConfig) *Service {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	entry := logger.WithField("component", "federation")
	svc := &Service{
		logger: entry,
		store:  store,
		cfg:    cfg,
	}
	svc.client = NewClient(entry, cfg)
	svc.subs = NewSubscriptionBus(entry, store, cfg)
	return svc
}

// LocalRepoURL returns the URL this repository is known under.
func (s *Service) LocalRepoURL() string {
	return s.cfg.LocalRepoURL
}

// Subscriptions exposes the subscription bus.
func (s *Service) Subscriptions() *SubscriptionBus {
	return s.subs
}

// audit records one federation operation with its duration.
func (s *Service) audit(operation, direction, fromRepo, toRepo, status string, started time.Time, opErr error) {
	entry := &db.AuditLogEntry{
		Operation:  operation,
		Direction:  direction,
		FromRepo:   fromRepo,
		ToRepo:     toRepo,
		Status:     status,
		DurationMs: time.Since(started).Milliseconds(),
	}
	if opErr != nil {
		entry.ErrorMessage = opErr.Error()
	}
	if err := s.store.AppendAuditLog(entry); err != nil {
		s.logger.WithError(err).Error("Appending audit entry failed")
	}
}

// marshalPayload serializes request payloads for persistence.
func marshalPayload(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// notFound builds the shared typed error for unknown resources.
func notFound(code, message string) error {
	return common.NewError(common.KindNotFound, code, message)
}
