package core

import "time"

// AcceptanceWindow is how long a worker has to accept an assignment before
// the manager treats it as rejected and reassigns. Canonical across both
// sides of the protocol.
const AcceptanceWindow = 600 * time.Second

// MaxOutstandingTasks is the number of unresolved assignments a worker may
// hold before it becomes ineligible for new work.
const MaxOutstandingTasks = 3

// EventType tags a TaskEvent variant.
type EventType string

const (
	EventCreate     EventType = "create"
	EventAssign     EventType = "assign"
	EventAccept     EventType = "accept"
	EventReject     EventType = "reject"
	EventComplete   EventType = "complete"
	EventSubmission EventType = "submission"
	EventPayout     EventType = "payout"
	EventExpire     EventType = "expire"
)

// Task describes a unit of work. Immutable once created.
type Task struct {
	ID               string            `json:"id"`
	Title            string            `json:"title"`
	Reward           Uint              `json:"reward"`
	TimeLimitSeconds int64             `json:"timeLimitSeconds"`
	TemplateID       string            `json:"templateId,omitempty"`
	TemplateData     map[string]string `json:"templateData,omitempty"`
	Capability       string            `json:"capability,omitempty"`
}

// TaskEvent is one entry in a task's append-only event log. Type selects the
// variant; only the fields belonging to that variant are populated.
// Timestamp is unix milliseconds.
type TaskEvent struct {
	Type       EventType `json:"type"`
	Timestamp  int64     `json:"timestamp"`
	ProviderID string    `json:"providerId,omitempty"`
	WorkerID   string    `json:"workerId,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Result     string    `json:"result,omitempty"`
	Payment    *Payment  `json:"payment,omitempty"`
}

// TaskRecord is the append-only source of truth for one task. A task's
// current status is derived solely from the type of its last event; there is
// no separate mutable status field.
type TaskRecord struct {
	State  Task        `json:"state"`
	Events []TaskEvent `json:"events"`
}

// LastEvent returns the most recent event, or nil for an empty record.
func (r *TaskRecord) LastEvent() *TaskEvent {
	if len(r.Events) == 0 {
		return nil
	}
	return &r.Events[len(r.Events)-1]
}

// Status returns the record's logical state, i.e. the last event type.
func (r *TaskRecord) Status() EventType {
	if last := r.LastEvent(); last != nil {
		return last.Type
	}
	return ""
}

// Terminal reports whether the record can accept no further events.
func (r *TaskRecord) Terminal() bool {
	switch r.Status() {
	case EventPayout, EventExpire, EventComplete:
		return true
	}
	return false
}

// Append validates ev against the current last event and appends it. On
// failure the record is left untouched and the error is a
// *TaskValidationError or, for elapsed windows, a *TaskExpiredError.
//
// Transition table:
//
//	create               only on an empty record
//	assign               after create or reject, or after an accept whose
//	                     time limit elapsed (timeout reassignment)
//	accept               after assign, within AcceptanceWindow
//	reject               after assign
//	complete/submission  after accept, within State.TimeLimitSeconds
//	payout               after submission (complete on the worker side)
//	expire               any non-empty, non-terminal state
func (r *TaskRecord) Append(ev TaskEvent) error {
	last := r.LastEvent()
	fail := func() error {
		from := EventType("")
		if last != nil {
			from = last.Type
		}
		return &TaskValidationError{TaskID: r.State.ID, From: from, To: ev.Type}
	}

	switch ev.Type {
	case EventCreate:
		if last != nil {
			return fail()
		}
	case EventAssign:
		if last == nil {
			return fail()
		}
		switch last.Type {
		case EventCreate, EventReject:
		case EventAccept:
			// Reassignment over a stalled acceptance carries no explicit
			// reject event; it is legal only once the time limit elapsed.
			if ev.Timestamp-last.Timestamp < r.State.TimeLimitSeconds*1000 {
				return fail()
			}
		default:
			return fail()
		}
	case EventAccept:
		if last == nil || last.Type != EventAssign {
			return fail()
		}
		if ev.Timestamp-last.Timestamp >= AcceptanceWindow.Milliseconds() {
			return &TaskExpiredError{TaskID: r.State.ID, Reason: "acceptance window elapsed"}
		}
	case EventReject:
		if last == nil || last.Type != EventAssign {
			return fail()
		}
	case EventComplete, EventSubmission:
		if last == nil || last.Type != EventAccept {
			return fail()
		}
		if ev.Timestamp-last.Timestamp >= r.State.TimeLimitSeconds*1000 {
			return &TaskExpiredError{TaskID: r.State.ID, Reason: "time limit elapsed"}
		}
	case EventPayout:
		if last == nil || (last.Type != EventSubmission && last.Type != EventComplete) {
			return fail()
		}
	case EventExpire:
		if last == nil || r.Terminal() {
			return fail()
		}
	default:
		return fail()
	}

	r.Events = append(r.Events, ev)
	return nil
}

// AssignedWorker returns the worker id of the most recent assign event, or ""
// if the task was never assigned.
func (r *TaskRecord) AssignedWorker() string {
	for i := len(r.Events) - 1; i >= 0; i-- {
		if r.Events[i].Type == EventAssign {
			return r.Events[i].WorkerID
		}
	}
	return ""
}

// Unresolved reports whether the record currently counts against a worker's
// outstanding-task cap (last event is assign or accept).
func (r *TaskRecord) Unresolved() bool {
	s := r.Status()
	return s == EventAssign || s == EventAccept
}

// WorkerRecord is the manager's view of one worker identity. Created on
// first connect, mutated on every lifecycle transition, never deleted;
// banning is a flag, not removal.
type WorkerRecord struct {
	PeerID             string   `json:"peerId"`
	RecipientAddress   string   `json:"recipientAddress"`
	Nonce              Uint     `json:"nonce"`
	Capabilities       []string `json:"capabilities,omitempty"`
	Banned             bool     `json:"banned"`
	IsAdmin            bool     `json:"isAdmin"`
	AccessCodeRedeemed string   `json:"accessCodeRedeemed,omitempty"`
	TasksAccepted      int64    `json:"tasksAccepted"`
	TasksCompleted     int64    `json:"tasksCompleted"`
	TasksRejected      int64    `json:"tasksRejected"`
	TotalTasks         int64    `json:"totalTasks"`
	TotalEarned        Uint     `json:"totalEarned"`
	LastActivity       int64    `json:"lastActivity"`
	LastPayout         int64    `json:"lastPayout"`
}

// HasCapability reports whether the worker advertises cap.
func (w *WorkerRecord) HasCapability(cap string) bool {
	for _, c := range w.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Signature is an EdDSA signature over a Poseidon hash: curve point R8 and
// scalar S.
type Signature struct {
	R8x Uint `json:"r8x"`
	R8y Uint `json:"r8y"`
	S   Uint `json:"s"`
}

// Payment is a signed IOU from a manager to a worker's recipient address.
// Signed once, immutable thereafter. TaskID records which task the payment
// settled; it is bookkeeping for issuance idempotence and is not part of the
// signed digest.
type Payment struct {
	ID             string     `json:"id"`
	TaskID         string     `json:"taskId,omitempty"`
	Nonce          Uint       `json:"nonce"`
	Recipient      string     `json:"recipient"`
	PaymentAccount string     `json:"paymentAccount"`
	Amount         Uint       `json:"amount"`
	Signature      *Signature `json:"signature,omitempty"`
}

// AccessCode gates worker onboarding when the manager requires one.
type AccessCode struct {
	Code       string `json:"code"`
	RedeemedBy string `json:"redeemedBy,omitempty"`
	RedeemedAt int64  `json:"redeemedAt,omitempty"`
}
