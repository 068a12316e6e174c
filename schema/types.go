package schema

// SessionID identifies a terminal session.
type SessionID string

// ExecutionID identifies a single AST run.
type ExecutionID string

// ASTName identifies a registered AST workflow.
type ASTName string

// ASTStatus is the overall status of an AST execution.
type ASTStatus string

const (
	// ASTPending means the execution has not started yet.
	ASTPending ASTStatus = "pending"
	// ASTRunning means the execution is in progress.
	ASTRunning ASTStatus = "running"
	// ASTSuccess means the execution finished without a run-level error.
	ASTSuccess ASTStatus = "success"
	// ASTFailed means the execution failed at the run level.
	ASTFailed ASTStatus = "failed"
	// ASTPaused means the execution is paused between items.
	ASTPaused ASTStatus = "paused"
	// ASTCancelled means the execution was cancelled by the user.
	ASTCancelled ASTStatus = "cancelled"
	// ASTTimeout means the execution ran out of time.
	ASTTimeout ASTStatus = "timeout"
)

// ItemStatus is the status of a single processed item.
type ItemStatus string

const (
	// ItemSuccess means the item completed its full cycle.
	ItemSuccess ItemStatus = "success"
	// ItemFailed means a step of the item cycle failed.
	ItemFailed ItemStatus = "failed"
	// ItemSkipped means the item was rejected by validation.
	ItemSkipped ItemStatus = "skipped"
)

// ControlAction is an AST control command.
type ControlAction string

const (
	// ControlPause requests the AST to pause before the next item.
	ControlPause ControlAction = "pause"
	// ControlResume releases a paused AST.
	ControlResume ControlAction = "resume"
	// ControlCancel cancels the AST, unblocking any pause wait.
	ControlCancel ControlAction = "cancel"
)
