// Package transport carries typed, peer-addressed request/response messages
// between manager and worker nodes. Peer discovery and connection security
// live below this layer; implementations here only route envelopes.
package transport

import "taskmesh-backend/core"

// Message types carried by an Envelope.
const (
	MsgTask             = "task"
	MsgTaskAccepted     = "taskAccepted"
	MsgTaskCompleted    = "taskCompleted"
	MsgPayment          = "payment"
	MsgProofRequest     = "proofRequest"
	MsgProofResponse    = "proofResponse"
	MsgPayoutRequest    = "payoutRequest"
	MsgRequestToWork    = "requestToWork"
	MsgIdentifyRequest  = "identifyRequest"
	MsgIdentifyResponse = "identifyResponse"
	MsgError            = "error"
)

// TaskOffer hands an assignment to a worker. AssignedAt is the manager-side
// assignment timestamp in unix milliseconds; the worker validates its
// acceptance window against it, so a delivery delayed past the window is
// refused locally instead of accepted with a fresh clock.
type TaskOffer struct {
	Task       core.Task `json:"task"`
	AssignedAt int64     `json:"assignedAt"`
}

// TaskAccepted notifies the manager that a worker accepted an assignment.
type TaskAccepted struct {
	TaskID    string `json:"taskId"`
	Worker    string `json:"worker"`
	Timestamp int64  `json:"timestamp"`
}

// TaskCompleted carries a worker's result for an accepted task.
type TaskCompleted struct {
	TaskID string `json:"taskId"`
	Worker string `json:"worker"`
	Result string `json:"result"`
}

// ProofRequest asks the manager to batch-prove a set of signed payments for
// one (recipient, paymentAccount) pair.
type ProofRequest struct {
	Recipient      string         `json:"recipient"`
	PaymentAccount string         `json:"paymentAccount"`
	PublicKey      string         `json:"publicKey"`
	Payments       []core.Payment `json:"payments"`
}

// ProofSignals are the public signals the settlement verifier checks.
type ProofSignals struct {
	MinNonce       core.Uint `json:"minNonce"`
	MaxNonce       core.Uint `json:"maxNonce"`
	Amount         core.Uint `json:"amount"`
	Recipient      string    `json:"recipient"`
	PaymentAccount string    `json:"paymentAccount"`
}

// ProofResponse returns a settlement proof plus its public signals.
type ProofResponse struct {
	PubX     core.Uint    `json:"pubX"`
	PubY     core.Uint    `json:"pubY"`
	Signals  ProofSignals `json:"signals"`
	PiA      []string     `json:"piA"`
	PiB      [][]string   `json:"piB"`
	PiC      []string     `json:"piC"`
	Protocol string       `json:"protocol"`
	Curve    string       `json:"curve"`
}

// PayoutRequest asks the manager to settle a worker's outstanding payments.
type PayoutRequest struct {
	PeerID string `json:"peerId"`
}

// RequestToWork announces a worker to a manager.
type RequestToWork struct {
	Timestamp    int64     `json:"timestamp"`
	Recipient    string    `json:"recipient"`
	Nonce        core.Uint `json:"nonce"`
	Capabilities []string  `json:"capabilities,omitempty"`
	AccessCode   string    `json:"accessCode,omitempty"`
}

// IdentifyRequest asks a peer who it is.
type IdentifyRequest struct {
	Timestamp int64 `json:"timestamp"`
}

// IdentifyResponse describes a node to its peer.
type IdentifyResponse struct {
	PeerID      string `json:"peerId"`
	Role        string `json:"role"`
	PublicKey   string `json:"publicKey,omitempty"`
	Maintenance bool   `json:"maintenance,omitempty"`
}

// ErrorPayload surfaces the error taxonomy verbatim across the wire.
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Envelope is the one-of wire message. Type selects which payload pointer is
// populated.
type Envelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	From string `json:"from,omitempty"`

	TaskOffer        *TaskOffer        `json:"taskOffer,omitempty"`
	TaskAccepted     *TaskAccepted     `json:"taskAccepted,omitempty"`
	TaskCompleted    *TaskCompleted    `json:"taskCompleted,omitempty"`
	Payment          *core.Payment     `json:"payment,omitempty"`
	ProofRequest     *ProofRequest     `json:"proofRequest,omitempty"`
	ProofResponse    *ProofResponse    `json:"proofResponse,omitempty"`
	PayoutRequest    *PayoutRequest    `json:"payoutRequest,omitempty"`
	RequestToWork    *RequestToWork    `json:"requestToWork,omitempty"`
	IdentifyRequest  *IdentifyRequest  `json:"identifyRequest,omitempty"`
	IdentifyResponse *IdentifyResponse `json:"identifyResponse,omitempty"`
	Error            *ErrorPayload     `json:"error,omitempty"`
}
