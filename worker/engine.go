// Package worker drives the worker side of the task lifecycle: a mirrored
// record per task, validated locally before the manager is ever notified.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"taskmesh-backend/core"
	"taskmesh-backend/storage"
	"taskmesh-backend/transport"
)

// Executor runs one task and returns its result.
type Executor func(ctx context.Context, task core.Task) (string, error)

// Config carries the static worker settings.
type Config struct {
	PeerID       string
	Recipient    string
	Capabilities []string
	AccessCode   string
	// SynchronousExec runs the executor inline with task delivery instead
	// of on a goroutine. Used by tests and single-task demos.
	SynchronousExec bool
}

// Engine is the worker-side lifecycle engine. It keeps its own mirrored
// task records plus its payment log; manager and worker never share mutable
// state, only event payloads over the transport.
type Engine struct {
	cfg       Config
	store     *storage.EntityStore
	transport transport.Transport
	executor  Executor
	now       func() time.Time

	mu         sync.Mutex
	managerID  string
	managerKey string
	onProof    func(transport.ProofResponse)
}

// New wires an Engine and registers its transport handlers.
func New(cfg Config, store *storage.EntityStore, tr transport.Transport, exec Executor) *Engine {
	e := &Engine{
		cfg:       cfg,
		store:     store,
		transport: tr,
		executor:  exec,
		now:       time.Now,
	}
	tr.Handle(transport.MsgTask, e.handleTask)
	tr.Handle(transport.MsgPayment, e.handlePayment)
	tr.Handle(transport.MsgProofResponse, e.handleProofResponse)
	tr.Handle(transport.MsgError, e.handleError)
	return e
}

// SetClock overrides the engine clock. Test hook.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// SetProofHandler installs a callback for settlement proofs delivered by
// the manager.
func (e *Engine) SetProofHandler(fn func(transport.ProofResponse)) {
	e.mu.Lock()
	e.onProof = fn
	e.mu.Unlock()
}

// Connect announces this worker to a manager and records the manager's
// signing key from the reply. A coded error reply (banned, access code,
// maintenance) is surfaced verbatim as a *core.ProtocolError.
func (e *Engine) Connect(ctx context.Context, managerID string) error {
	reply, err := e.transport.Request(ctx, managerID, transport.Envelope{
		Type: transport.MsgRequestToWork,
		RequestToWork: &transport.RequestToWork{
			Timestamp:    e.now().UnixMilli(),
			Recipient:    e.cfg.Recipient,
			Capabilities: e.cfg.Capabilities,
			AccessCode:   e.cfg.AccessCode,
		},
	})
	if err != nil {
		return fmt.Errorf("request to work: %w", err)
	}
	if reply.Error != nil {
		return &core.ProtocolError{Code: reply.Error.Code, Message: reply.Error.Message}
	}
	if reply.IdentifyResponse == nil {
		return &core.ProtocolError{Message: "manager reply missing identity"}
	}
	e.mu.Lock()
	e.managerID = managerID
	e.managerKey = reply.IdentifyResponse.PublicKey
	e.mu.Unlock()
	return nil
}

func (e *Engine) manager() (string, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.managerID, e.managerKey
}

// handleTask mirrors a new assignment locally, accepts it if the acceptance
// window still holds, and runs the executor. The mirrored assign is stamped
// with the manager's assignment timestamp, so a delivery delayed past the
// acceptance window fails local validation and is refused. The manager is
// notified only after each local transition succeeds, so an expired
// assignment can never be claimed for completion credit.
func (e *Engine) handleTask(ctx context.Context, from string, env transport.Envelope) (*transport.Envelope, error) {
	offer := env.TaskOffer
	if offer == nil {
		return nil, &core.ProtocolError{Message: "task offer payload missing"}
	}
	task := offer.Task
	assignedAt := offer.AssignedAt
	if assignedAt == 0 {
		assignedAt = e.now().UnixMilli()
	}

	existing, err := e.store.GetTask(ctx, task.ID)
	if err == nil && existing.Unresolved() {
		log.Printf("worker %s: task %s already in flight, ignoring duplicate", e.cfg.PeerID, task.ID)
		return nil, nil
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	rec := &core.TaskRecord{State: task}
	if err := rec.Append(core.TaskEvent{Type: core.EventCreate, Timestamp: assignedAt, ProviderID: from}); err != nil {
		return nil, err
	}
	if err := rec.Append(core.TaskEvent{Type: core.EventAssign, Timestamp: assignedAt, WorkerID: e.cfg.PeerID}); err != nil {
		return nil, err
	}
	if err := e.store.PutTask(ctx, rec); err != nil {
		return nil, err
	}

	if err := e.accept(ctx, from, task.ID); err != nil {
		log.Printf("worker %s: not accepting task %s: %v", e.cfg.PeerID, task.ID, err)
		// Drop the refused mirror so a future redelivery is not mistaken
		// for an assignment already in flight.
		if derr := e.store.DeleteTask(ctx, task.ID); derr != nil {
			log.Printf("worker %s: drop refused task %s: %v", e.cfg.PeerID, task.ID, derr)
		}
		return nil, nil
	}

	if e.cfg.SynchronousExec {
		e.execute(ctx, from, task)
		return nil, nil
	}
	go e.execute(context.Background(), from, task)
	return nil, nil
}

// accept appends the local accept event and notifies the manager.
func (e *Engine) accept(ctx context.Context, managerID, taskID string) error {
	nowMs := e.now().UnixMilli()
	if err := e.store.UpdateTask(ctx, taskID, func(r *core.TaskRecord) error {
		return r.Append(core.TaskEvent{Type: core.EventAccept, Timestamp: nowMs, WorkerID: e.cfg.PeerID})
	}); err != nil {
		return err
	}
	if err := e.transport.Send(ctx, managerID, transport.Envelope{
		Type: transport.MsgTaskAccepted,
		TaskAccepted: &transport.TaskAccepted{
			TaskID:    taskID,
			Worker:    e.cfg.PeerID,
			Timestamp: nowMs,
		},
	}); err != nil {
		log.Printf("worker %s: send accept for %s: %v", e.cfg.PeerID, taskID, err)
	}
	return nil
}

// execute runs the task and, when the local time-limit validation passes,
// appends complete and reports the result.
func (e *Engine) execute(ctx context.Context, managerID string, task core.Task) {
	result, err := e.executor(ctx, task)
	if err != nil {
		log.Printf("worker %s: task %s failed: %v", e.cfg.PeerID, task.ID, err)
		return
	}

	nowMs := e.now().UnixMilli()
	if err := e.store.UpdateTask(ctx, task.ID, func(r *core.TaskRecord) error {
		return r.Append(core.TaskEvent{
			Type:      core.EventComplete,
			Timestamp: nowMs,
			WorkerID:  e.cfg.PeerID,
			Result:    result,
		})
	}); err != nil {
		// Local window validation failed; the manager will have timed the
		// assignment out on its own. Do not claim credit.
		log.Printf("worker %s: dropping completion of %s: %v", e.cfg.PeerID, task.ID, err)
		return
	}

	if err := e.transport.Send(ctx, managerID, transport.Envelope{
		Type: transport.MsgTaskCompleted,
		TaskCompleted: &transport.TaskCompleted{
			TaskID: task.ID,
			Worker: e.cfg.PeerID,
			Result: result,
		},
	}); err != nil {
		log.Printf("worker %s: send completion for %s: %v", e.cfg.PeerID, task.ID, err)
	}
}

// handlePayment stores an inbound signed payment in the local payment log.
func (e *Engine) handlePayment(ctx context.Context, from string, env transport.Envelope) (*transport.Envelope, error) {
	p := env.Payment
	if p == nil {
		return nil, &core.ProtocolError{Message: "payment payload missing"}
	}
	if p.Recipient != e.cfg.Recipient {
		log.Printf("worker %s: payment %s for foreign recipient %s ignored", e.cfg.PeerID, p.ID, p.Recipient)
		return nil, nil
	}
	_, key := e.manager()
	if key == "" {
		key = from
	}
	if err := e.store.PutPayment(ctx, e.cfg.PeerID, key, p); err != nil {
		return nil, err
	}
	log.Printf("worker %s: stored payment nonce %s amount %s", e.cfg.PeerID, p.Nonce.String(), p.Amount.String())
	return nil, nil
}

func (e *Engine) handleProofResponse(ctx context.Context, from string, env transport.Envelope) (*transport.Envelope, error) {
	if env.ProofResponse == nil {
		return nil, &core.ProtocolError{Message: "proofResponse payload missing"}
	}
	e.mu.Lock()
	fn := e.onProof
	e.mu.Unlock()
	if fn != nil {
		fn(*env.ProofResponse)
	}
	return nil, nil
}

func (e *Engine) handleError(ctx context.Context, from string, env transport.Envelope) (*transport.Envelope, error) {
	if env.Error != nil {
		log.Printf("worker %s: peer %s error %s: %s", e.cfg.PeerID, from, env.Error.Code, env.Error.Message)
	}
	return nil, nil
}

// RequestPayout asks the connected manager to settle this worker's stored
// payments with a batched proof.
func (e *Engine) RequestPayout(ctx context.Context) error {
	managerID, _ := e.manager()
	if managerID == "" {
		return &core.ProtocolError{Message: "not connected to a manager"}
	}
	return e.transport.Send(ctx, managerID, transport.Envelope{
		Type:          transport.MsgPayoutRequest,
		PayoutRequest: &transport.PayoutRequest{PeerID: e.cfg.PeerID},
	})
}

// Payments returns this worker's stored payments with nonce >= fromNonce.
func (e *Engine) Payments(ctx context.Context, fromNonce core.Uint) ([]core.Payment, error) {
	_, key := e.manager()
	return e.store.Payments(ctx, e.cfg.PeerID, key, e.cfg.Recipient, fromNonce, 0)
}
