package ast

import (
	"context"
	"time"

	"pkt.systems/tngate/schema"
)

// ExecutionRecord is the header persisted when a run starts.
type ExecutionRecord struct {
	SessionID   schema.SessionID
	ExecutionID schema.ExecutionID
	ASTName     schema.ASTName
	UserID      string
	HostUser    string
	ItemCount   int
	Status      schema.ASTStatus
	StartedAt   time.Time
}

// ExecutionUpdate carries the final status of a run. Counts are only
// meaningful when Error is empty.
type ExecutionUpdate struct {
	Status       schema.ASTStatus
	Message      string
	Error        string
	CompletedAt  time.Time
	SuccessCount int
	FailedCount  int
	SkippedCount int
}

// Recorder persists execution history. The engine treats persistence as best
// effort: recorder failures are logged and never fail a run.
type Recorder interface {
	CreateExecution(ctx context.Context, rec ExecutionRecord) error
	UpdateExecution(ctx context.Context, sessionID schema.SessionID, id schema.ExecutionID, upd ExecutionUpdate) error
	PutItemResult(ctx context.Context, id schema.ExecutionID, item ItemResult) error
}
