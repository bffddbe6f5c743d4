package core

import "fmt"

// Protocol error codes surfaced verbatim to callers (code + message).
const (
	CodeAccessCodeRequired = "ACCESS_CODE_REQUIRED"
	CodeAccessCodeInvalid  = "ACCESS_CODE_INVALID"
	CodeMaintenance        = "MAINTENANCE"
	CodeWorkerBanned       = "WORKER_BANNED"
)

// TaskValidationError reports an illegal state transition attempt. The record
// under validation is never mutated when this error is returned.
type TaskValidationError struct {
	TaskID string
	From   EventType
	To     EventType
}

func (e *TaskValidationError) Error() string {
	return fmt.Sprintf("task %s: illegal transition %s -> %s", e.TaskID, e.From, e.To)
}

// TaskExpiredError reports that an acceptance or completion window has
// elapsed for a task.
type TaskExpiredError struct {
	TaskID string
	Reason string
}

func (e *TaskExpiredError) Error() string {
	return fmt.Sprintf("task %s expired: %s", e.TaskID, e.Reason)
}

// ProtocolError is a peer-visible failure. Code is a stable machine-readable
// identifier for access-control and maintenance conditions; it may be empty
// for plain protocol violations.
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
