package db

import (
	"time"
)

// Execution statuses. An execution is one attempt of one task.
const (
	ExecutionPending   = "pending"
	ExecutionRunning   = "running"
	ExecutionCompleted = "completed"
	ExecutionFailed    = "failed"
	ExecutionStopped   = "stopped"
	ExecutionCancelled = "cancelled"
)

// TerminalExecutionStatus reports whether an execution status is final.
func TerminalExecutionStatus(status string) bool {
	switch status {
	case ExecutionCompleted, ExecutionFailed, ExecutionStopped, ExecutionCancelled:
		return true
	}
	return false
}

// Execution is one attempt of one task (issue or workflow step).
type Execution struct {
	ID            string `gorm:"primaryKey"`
	IssueID       string `gorm:"index"`
	Status        string `gorm:"index"`
	WorkspacePath string
	WorktreePath  string
	BaseCommit    string
	AfterCommit   string
	ErrorMessage  string
	ConfigJSON    string // serialized agent task (agent.Task.ConfigJSON)
	StartedAt     *time.Time
	CompletedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ExecutionLog is one persisted NormalizedEntry. EntryIndex is monotonically
// increasing and gap-free within an execution; rows are immutable once
// appended.
type ExecutionLog struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	ExecutionID string `gorm:"index:idx_exec_entry,priority:1"`
	EntryIndex  int    `gorm:"index:idx_exec_entry,priority:2"`
	Kind        string
	Payload     string // serialized entry content
	Timestamp   time.Time
}

// Workflow statuses.
const (
	WorkflowPending   = "pending"
	WorkflowRunning   = "running"
	WorkflowPaused    = "paused"
	WorkflowCompleted = "completed"
	WorkflowFailed    = "failed"
	WorkflowCancelled = "cancelled"
)

// TerminalWorkflowStatus reports whether a workflow status is final.
func TerminalWorkflowStatus(status string) bool {
	switch status {
	case WorkflowCompleted, WorkflowFailed, WorkflowCancelled:
		return true
	}
	return false
}

// Workflow is a persisted DAG of steps.
type Workflow struct {
	ID               string `gorm:"primaryKey"`
	Title            string
	SourceType       string // spec | issues | root_issue | goal
	SourceRef        string // spec id, root issue id, or comma-joined issue ids
	BaseBranch       string
	WorktreePath     string
	Status           string `gorm:"index"`
	ConfigJSON       string // serialized workflow config
	CurrentStepIndex int
	ErrorMessage     string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	CompletedAt      *time.Time
}

// Workflow step statuses.
const (
	StepPending   = "pending"
	StepReady     = "ready"
	StepRunning   = "running"
	StepCompleted = "completed"
	StepFailed    = "failed"
	StepSkipped   = "skipped"
	StepBlocked   = "blocked"
)

// TerminalStepStatus reports whether a step status is final for scheduling
// purposes.
func TerminalStepStatus(status string) bool {
	switch status {
	case StepCompleted, StepFailed, StepSkipped, StepBlocked:
		return true
	}
	return false
}

// WorkflowStep is one node of a workflow DAG.
type WorkflowStep struct {
	ID          string `gorm:"primaryKey"`
	WorkflowID  string `gorm:"index"`
	IssueID     string
	StepIndex   int
	DependsJSON string // JSON array of step ids
	Status      string
	ExecutionID string
	Error       string
	CommitSHA   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// EntityRecord caches one JSONL entity (issue or spec) for querying. The
// raw line is retained so exports and federation payloads never lose
// foreign fields.
type EntityRecord struct {
	UUID      string `gorm:"primaryKey"`
	EntityID  string `gorm:"index"`
	Type      string `gorm:"index"` // issue | spec
	Title     string
	Status    string
	Priority  string
	Archived  bool
	Raw       string // the full JSONL line
	CreatedAt string // RFC3339 as persisted in the JSONL
	UpdatedAt string
}

// Trust levels for federation peers.
const (
	TrustTrusted   = "trusted"
	TrustVerified  = "verified"
	TrustUntrusted = "untrusted"
)

// ValidTrustLevel reports whether level is one of the known trust levels.
func ValidTrustLevel(level string) bool {
	switch level {
	case TrustTrusted, TrustVerified, TrustUntrusted:
		return true
	}
	return false
}

// Sync statuses for federation peers.
const (
	SyncSynced      = "synced"
	SyncStale       = "stale"
	SyncUnreachable = "unreachable"
	SyncUnknown     = "unknown"
)

// RemoteRepo describes a federation peer. URL is the primary key.
type RemoteRepo struct {
	URL                 string `gorm:"primaryKey"`
	Name                string
	TrustLevel          string
	RestEndpoint        string
	WSEndpoint          string
	GitURL              string
	AutoSync            bool
	SyncIntervalMinutes int
	SyncStatus          string
	LastSyncedAt        *time.Time
	CapabilitiesJSON    string
	TokenHash           string // bcrypt hash of the peer's access token
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Endpoint returns the base URL for REST calls to this peer.
func (r *RemoteRepo) Endpoint() string {
	if r.RestEndpoint != "" {
		return r.RestEndpoint
	}
	return r.URL
}

// Cross-repo request statuses and directions.
const (
	RequestPending   = "pending"
	RequestApproved  = "approved"
	RequestRejected  = "rejected"
	RequestCompleted = "completed"
	RequestFailed    = "failed"

	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"
)

// TerminalRequestStatus reports whether a request status is immutable.
func TerminalRequestStatus(status string) bool {
	switch status {
	case RequestRejected, RequestCompleted, RequestFailed:
		return true
	}
	return false
}

// CrossRepoRequest is a federation mutation in flight.
type CrossRepoRequest struct {
	RequestID        string `gorm:"primaryKey"`
	Direction        string `gorm:"index"`
	FromRepo         string
	ToRepo           string
	RequestType      string `gorm:"index"`
	PayloadJSON      string
	Status           string `gorm:"index"`
	RequiresApproval bool
	ApprovedBy       string
	ApprovedAt       *time.Time
	RejectionReason  string
	ResultJSON       string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Subscription is a long-lived federation watch.
type Subscription struct {
	SubscriptionID string `gorm:"primaryKey"`
	LocalRepo      string `gorm:"index"`
	RemoteRepo     string
	EntityType     string // issue | spec | *
	EntityID       string
	EventsJSON     string // JSON array; subset of created/updated/closed/*
	WebhookURL     string
	WSConnectionID string `gorm:"index"`
	Active         bool   `gorm:"index"`
	LastEventAt    *time.Time
	CreatedAt      time.Time
}

// AuditLogEntry records one federation operation.
type AuditLogEntry struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	Operation    string `gorm:"index"`
	Direction    string
	FromRepo     string
	ToRepo       string
	Status       string `gorm:"index"`
	DurationMs   int64
	ErrorMessage string
	CreatedAt    time.Time
}
