package federation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sudocode-ai/sudocode/common"
	"github.com/sudocode-ai/sudocode/db"
	"github.com/sudocode-ai/sudocode/jsonl"
)

// Query operations a peer may request.
const (
	OpQuery       = "query"
	OpCreateIssue = "create_issue"
	OpCreateSpec  = "create_spec"
	OpUpdateIssue = "update_issue"
)

// ShouldAutoApprove implements the default trust matrix: trusted peers
// auto-approve everything, verified peers auto-approve read queries only,
// untrusted peers require a human for everything.
func ShouldAutoApprove(trustLevel, requestType string) bool {
	switch trustLevel {
	case db.TrustTrusted:
		return true
	case db.TrustVerified:
		return requestType == OpQuery
	default:
		return false
	}
}

// SendMutation wraps an outgoing mutation in a request record, POSTs it to
// the peer, and stores the peer's reply status.
func (s *Service) SendMutation(peerURL, operation string, data map[string]interface{}) (*db.CrossRepoRequest, error) {
	repo, err := s.GetRepo(peerURL)
	if err != nil {
		return nil, err
	}

	req := &db.CrossRepoRequest{
		RequestID:   fmt.Sprintf("req-%s", uuid.New().String()[:8]),
		Direction:   db.DirectionOutgoing,
		FromRepo:    s.cfg.LocalRepoURL,
		ToRepo:      peerURL,
		RequestType: operation,
		PayloadJSON: marshalPayload(data),
		Status:      db.RequestPending,
	}
	if err := s.store.CreateCrossRepoRequest(req); err != nil {
		return nil, err
	}

	envelope := &MutateEnvelope{
		Type:      "mutate",
		From:      s.cfg.LocalRepoURL,
		To:        peerURL,
		Timestamp: time.Now().UnixMilli(),
		Operation: operation,
		Data:      data,
	}
	envelope.Metadata.RequestID = req.RequestID
	envelope.Metadata.Requester = s.cfg.LocalRepoURL

	started := time.Now()
	reply, err := s.client.Mutate(repo, envelope)
	if err != nil {
		s.store.TransitionCrossRepoRequest(req.RequestID, map[string]interface{}{
			"status": db.RequestFailed,
		})
		s.audit(operation, db.DirectionOutgoing, s.cfg.LocalRepoURL, peerURL,
			"failed", started, err)
		return s.store.GetCrossRepoRequest(req.RequestID)
	}

	updates := map[string]interface{}{"result_json": marshalPayload(reply)}
	switch reply.Status {
	case ReplyCompleted:
		updates["status"] = db.RequestCompleted
	case ReplyRejected:
		updates["status"] = db.RequestRejected
		updates["rejection_reason"] = reply.Message
	default:
		// pending_approval: the peer holds it; our record stays pending.
	}
	if err := s.store.TransitionCrossRepoRequest(req.RequestID, updates); err != nil {
		s.logger.WithError(err).Warn("Recording peer reply failed")
	}
	s.audit(operation, db.DirectionOutgoing, s.cfg.LocalRepoURL, peerURL,
		"completed", started, nil)
	return s.store.GetCrossRepoRequest(req.RequestID)
}

// ReceiveMutation handles an incoming peer mutation. Depending on the
// peer's trust level the mutation executes immediately or is parked for
// operator approval.
func (s *Service) ReceiveMutation(envelope *MutateEnvelope) (*MutateReply, error) {
	started := time.Now()
	repo, err := s.store.GetRemoteRepo(envelope.From)
	if err != nil {
		return nil, err
	}
	trust := db.TrustUntrusted
	if repo != nil {
		trust = repo.TrustLevel
	}

	requestID := envelope.Metadata.RequestID
	if requestID == "" {
		requestID = fmt.Sprintf("req-%s", uuid.New().String()[:8])
	}
	req := &db.CrossRepoRequest{
		RequestID:   requestID,
		Direction:   db.DirectionIncoming,
		FromRepo:    envelope.From,
		ToRepo:      s.cfg.LocalRepoURL,
		RequestType: envelope.Operation,
		PayloadJSON: marshalPayload(envelope.Data),
		Status:      db.RequestPending,
	}

	if !ShouldAutoApprove(trust, envelope.Operation) {
		req.RequiresApproval = true
		if err := s.store.CreateCrossRepoRequest(req); err != nil {
			return nil, err
		}
		s.audit(envelope.Operation, db.DirectionIncoming, envelope.From,
			s.cfg.LocalRepoURL, "pending", started, nil)
		return &MutateReply{
			Status:  ReplyPendingApproval,
			Message: fmt.Sprintf("request %s awaits operator approval", requestID),
		}, nil
	}

	if err := s.store.CreateCrossRepoRequest(req); err != nil {
		return nil, err
	}
	result, execErr := s.executeMutation(envelope.Operation, envelope.Data)
	if execErr != nil {
		s.store.TransitionCrossRepoRequest(requestID, map[string]interface{}{
			"status": db.RequestFailed,
		})
		s.audit(envelope.Operation, db.DirectionIncoming, envelope.From,
			s.cfg.LocalRepoURL, "failed", started, execErr)
		return &MutateReply{Status: ReplyRejected, Message: execErr.Error()}, nil
	}
	s.store.TransitionCrossRepoRequest(requestID, map[string]interface{}{
		"status":      db.RequestCompleted,
		"result_json": marshalPayload(result),
	})
	s.audit(envelope.Operation, db.DirectionIncoming, envelope.From,
		s.cfg.LocalRepoURL, "completed", started, nil)
	return &MutateReply{Status: ReplyCompleted, Result: result}, nil
}

// Approve executes a parked request and completes it.
func (s *Service) Approve(requestID, approver string) (*db.CrossRepoRequest, error) {
	req, err := s.requirePendingRequest(requestID)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	var data map[string]interface{}
	if err := json.Unmarshal([]byte(req.PayloadJSON), &data); err != nil {
		return nil, fmt.Errorf("decoding request payload: %w", err)
	}

	now := time.Now().UTC()
	result, execErr := s.executeMutation(req.RequestType, data)
	if execErr != nil {
		s.store.TransitionCrossRepoRequest(requestID, map[string]interface{}{
			"status":      db.RequestFailed,
			"approved_by": approver,
			"approved_at": &now,
		})
		s.audit("approve:"+req.RequestType, req.Direction, req.FromRepo,
			req.ToRepo, "failed", started, execErr)
		return s.store.GetCrossRepoRequest(requestID)
	}

	if err := s.store.TransitionCrossRepoRequest(requestID, map[string]interface{}{
		"status":      db.RequestCompleted,
		"approved_by": approver,
		"approved_at": &now,
		"result_json": marshalPayload(result),
	}); err != nil {
		return nil, err
	}
	s.audit("approve:"+req.RequestType, req.Direction, req.FromRepo,
		req.ToRepo, "completed", started, nil)
	return s.store.GetCrossRepoRequest(requestID)
}

// Reject marks a parked request rejected.
func (s *Service) Reject(requestID, reason string) (*db.CrossRepoRequest, error) {
	req, err := s.requirePendingRequest(requestID)
	if err != nil {
		return nil, err
	}
	started := time.Now()
	if err := s.store.TransitionCrossRepoRequest(requestID, map[string]interface{}{
		"status":           db.RequestRejected,
		"rejection_reason": reason,
	}); err != nil {
		return nil, err
	}
	s.audit("reject:"+req.RequestType, req.Direction, req.FromRepo,
		req.ToRepo, "rejected", started, nil)
	return s.store.GetCrossRepoRequest(requestID)
}

func (s *Service) requirePendingRequest(requestID string) (*db.CrossRepoRequest, error) {
	req, err := s.store.GetCrossRepoRequest(requestID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, notFound("REQUEST_NOT_FOUND",
			fmt.Sprintf("request %s not found", requestID))
	}
	if req.Status != db.RequestPending {
		return nil, common.NewError(common.KindWorkflowState, "REQUEST_NOT_PENDING",
			fmt.Sprintf("request %s is %s", requestID, req.Status))
	}
	return req, nil
}

// executeMutation applies an approved mutation to the local entity store
// and re-exports nothing (the API layer owns export timing).
func (s *Service) executeMutation(operation string, data map[string]interface{}) (map[string]interface{}, error) {
	switch operation {
	case OpCreateIssue:
		return s.createEntity(jsonl.TypeIssue, "i", data)
	case OpCreateSpec:
		return s.createEntity(jsonl.TypeSpec, "s", data)
	case OpUpdateIssue:
		return s.updateIssue(data)
	default:
		return nil, common.NewError(common.KindNotFound, "UNKNOWN_OPERATION",
			fmt.Sprintf("unsupported mutation %q", operation))
	}
}

func (s *Service) createEntity(entityType jsonl.EntityType, prefix string, data map[string]interface{}) (map[string]interface{}, error) {
	id, entityUUID := common.NewHashID(prefix)
	now := time.Now().UTC().Format(time.RFC3339)
	entity := &jsonl.Entity{
		UUID:      entityUUID,
		ID:        id,
		Type:      entityType,
		Title:     stringField(data, "title"),
		Content:   stringField(data, "content"),
		Priority:  stringField(data, "priority"),
		Status:    "open",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if entity.Title == "" {
		return nil, fmt.Errorf("mutation payload is missing title")
	}
	if err := s.store.SaveEntity(entity); err != nil {
		return nil, err
	}
	return map[string]interface{}{"id": id, "uuid": entityUUID}, nil
}

func (s *Service) updateIssue(data map[string]interface{}) (map[string]interface{}, error) {
	id := stringField(data, "id")
	issue, err := s.store.GetEntityByID(string(jsonl.TypeIssue), id)
	if err != nil {
		return nil, err
	}
	if issue == nil {
		return nil, notFound("ISSUE_NOT_FOUND", fmt.Sprintf("issue %s not found", id))
	}
	updated := issue.Clone()
	if v := stringField(data, "title"); v != "" {
		updated.Title = v
	}
	if v := stringField(data, "content"); v != "" {
		updated.Content = v
	}
	if v := stringField(data, "status"); v != "" {
		updated.Status = v
	}
	updated.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	if err := s.store.SaveEntity(updated); err != nil {
		return nil, err
	}
	return map[string]interface{}{"id": updated.ID, "uuid": updated.UUID}, nil
}

func stringField(data map[string]interface{}, key string) string {
	v, _ := data[key].(string)
	return v
}

// QueryEntities answers a peer query against the local entity cache.
func (s *Service) QueryEntities(envelope *QueryEnvelope) ([]map[string]interface{}, error) {
	started := time.Now()
	entities, err := s.store.ListEntities(envelope.Query.Entity)
	if err != nil {
		s.audit(OpQuery, db.DirectionIncoming, envelope.From, s.cfg.LocalRepoURL,
			"failed", started, err)
		return nil, err
	}

	limit := envelope.Query.Limit
	var results []map[string]interface{}
	for _, e := range entities {
		if !matchesFilters(e, envelope.Query.Filters) {
			continue
		}
		raw, err := e.MarshalJSON()
		if err != nil {
			continue
		}
		var m map[string]interface{}
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		results = append(results, m)
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	s.audit(OpQuery, db.DirectionIncoming, envelope.From, s.cfg.LocalRepoURL,
		"completed", started, nil)
	return results, nil
}

func matchesFilters(e *jsonl.Entity, filters map[string]interface{}) bool {
	for key, want := range filters {
		var got string
		switch key {
		case "status":
			got = e.Status
		case "priority":
			got = e.Priority
		case "assignee":
			got = e.Assignee
		case "id":
			got = e.ID
		default:
			continue
		}
		if s, ok := want.(string); ok && s != got {
			return false
		}
	}
	return true
}
