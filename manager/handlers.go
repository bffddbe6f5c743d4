package manager

import (
	"context"
	"errors"
	"log"

	"taskmesh-backend/core"
	"taskmesh-backend/storage"
	"taskmesh-backend/transport"
)

func (e *Engine) registerHandlers() {
	e.transport.Handle(transport.MsgRequestToWork, e.handleRequestToWork)
	e.transport.Handle(transport.MsgTaskAccepted, e.handleTaskAccepted)
	e.transport.Handle(transport.MsgTaskCompleted, e.handleTaskCompleted)
	e.transport.Handle(transport.MsgPayoutRequest, e.handlePayoutRequest)
	e.transport.Handle(transport.MsgProofRequest, e.handleProofRequest)
	e.transport.Handle(transport.MsgIdentifyRequest, e.handleIdentifyRequest)
}

func errEnvelope(err *core.ProtocolError) *transport.Envelope {
	return &transport.Envelope{
		Type:  transport.MsgError,
		Error: &transport.ErrorPayload{Code: err.Code, Message: err.Message},
	}
}

// handleRequestToWork onboards or refreshes a worker and enqueues it for
// assignment. The refresh mutates only its own fields inside UpdateWorker:
// a whole-record write here could race payment issuance and roll the nonce
// back to an already-issued value.
func (e *Engine) handleRequestToWork(ctx context.Context, from string, env transport.Envelope) (*transport.Envelope, error) {
	msg := env.RequestToWork
	if msg == nil {
		return nil, &core.ProtocolError{Message: "requestToWork payload missing"}
	}
	if e.maintenance.Load() {
		return errEnvelope(&core.ProtocolError{Code: core.CodeMaintenance, Message: "manager is in maintenance mode"}), nil
	}

	nowMs := e.now().UnixMilli()
	rec, err := e.store.GetWorker(ctx, from)
	if errors.Is(err, storage.ErrNotFound) {
		rec = &core.WorkerRecord{PeerID: from}
		if err := e.store.PutWorker(ctx, rec); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	if rec.Banned {
		return errEnvelope(&core.ProtocolError{Code: core.CodeWorkerBanned, Message: "worker is banned"}), nil
	}

	redeemed := ""
	if e.cfg.RequireAccessCode && rec.AccessCodeRedeemed == "" {
		if msg.AccessCode == "" {
			return errEnvelope(&core.ProtocolError{Code: core.CodeAccessCodeRequired, Message: "access code required"}), nil
		}
		if err := e.store.RedeemAccessCode(ctx, msg.AccessCode, from, nowMs); err != nil {
			return errEnvelope(&core.ProtocolError{Code: core.CodeAccessCodeInvalid, Message: "access code invalid"}), nil
		}
		redeemed = msg.AccessCode
	}

	err = e.store.UpdateWorker(ctx, from, func(w *core.WorkerRecord) error {
		if w.Banned {
			return &core.ProtocolError{Code: core.CodeWorkerBanned, Message: "worker is banned"}
		}
		w.RecipientAddress = msg.Recipient
		w.Capabilities = msg.Capabilities
		w.LastActivity = nowMs
		if redeemed != "" {
			w.AccessCodeRedeemed = redeemed
		}
		return nil
	})
	var perr *core.ProtocolError
	if errors.As(err, &perr) {
		return errEnvelope(perr), nil
	}
	if err != nil {
		return nil, err
	}

	e.queue.Enqueue(from)
	e.requestSweep()

	return &transport.Envelope{
		Type: transport.MsgIdentifyResponse,
		IdentifyResponse: &transport.IdentifyResponse{
			PeerID:    e.cfg.PeerID,
			Role:      "manager",
			PublicKey: e.ledger.Signer().PublicHex(),
		},
	}, nil
}

// handleTaskAccepted appends the accept event for a worker's assignment.
// Acceptance attribution is validated against the current assignment: an
// accept from a worker that no longer holds the task is ignored.
func (e *Engine) handleTaskAccepted(ctx context.Context, from string, env transport.Envelope) (*transport.Envelope, error) {
	msg := env.TaskAccepted
	if msg == nil {
		return nil, &core.ProtocolError{Message: "taskAccepted payload missing"}
	}
	nowMs := e.now().UnixMilli()
	err := e.store.UpdateTask(ctx, msg.TaskID, func(r *core.TaskRecord) error {
		if r.AssignedWorker() != msg.Worker {
			return &core.TaskValidationError{TaskID: msg.TaskID, From: r.Status(), To: core.EventAccept}
		}
		return r.Append(core.TaskEvent{Type: core.EventAccept, Timestamp: nowMs, WorkerID: msg.Worker})
	})
	if err != nil {
		log.Printf("manager: accept for task %s from %s ignored: %v", msg.TaskID, msg.Worker, err)
		return nil, nil
	}
	if err := e.store.UpdateWorker(ctx, msg.Worker, func(w *core.WorkerRecord) error {
		w.TasksAccepted++
		w.LastActivity = nowMs
		return nil
	}); err != nil {
		log.Printf("manager: update worker %s stats: %v", msg.Worker, err)
	}
	e.metrics.TasksAccepted.Inc()
	e.requestSweep()
	return nil, nil
}

// handleTaskCompleted appends the submission event for a completed task. A
// stale completion, e.g. from a worker whose assignment already timed out
// and was handed to someone else, fails validation and is logged and
// ignored; it can never cause a double payout.
func (e *Engine) handleTaskCompleted(ctx context.Context, from string, env transport.Envelope) (*transport.Envelope, error) {
	msg := env.TaskCompleted
	if msg == nil {
		return nil, &core.ProtocolError{Message: "taskCompleted payload missing"}
	}
	nowMs := e.now().UnixMilli()
	err := e.store.UpdateTask(ctx, msg.TaskID, func(r *core.TaskRecord) error {
		if r.AssignedWorker() != msg.Worker {
			return &core.TaskValidationError{TaskID: msg.TaskID, From: r.Status(), To: core.EventSubmission}
		}
		return r.Append(core.TaskEvent{
			Type:      core.EventSubmission,
			Timestamp: nowMs,
			WorkerID:  msg.Worker,
			Result:    msg.Result,
		})
	})
	if err != nil {
		log.Printf("manager: completion for task %s from %s ignored: %v", msg.TaskID, msg.Worker, err)
		return nil, nil
	}
	e.requestSweep()
	return nil, nil
}

// handlePayoutRequest kicks off proof batching for the requesting worker's
// stored payments. Proving is CPU-bound and runs off the control loop; the
// proof is delivered back asynchronously.
func (e *Engine) handlePayoutRequest(ctx context.Context, from string, env transport.Envelope) (*transport.Envelope, error) {
	peer := from
	if env.PayoutRequest != nil && env.PayoutRequest.PeerID != "" {
		peer = env.PayoutRequest.PeerID
	}
	payments, err := e.ledger.Payments(ctx, peer, core.NewUint(0), 0)
	if err != nil {
		return nil, err
	}
	if len(payments) == 0 {
		return errEnvelope(&core.ProtocolError{Message: "no payments to settle"}), nil
	}
	// Newest window first; the on-chain nonce floor makes older, already
	// settled payments unredeemable anyway.
	if len(payments) > e.batchLimit() {
		payments = payments[len(payments)-e.batchLimit():]
	}
	e.proveAndDeliver(peer, payments)
	return nil, nil
}

// handleProofRequest proves the batch of payments supplied by the peer.
func (e *Engine) handleProofRequest(ctx context.Context, from string, env transport.Envelope) (*transport.Envelope, error) {
	msg := env.ProofRequest
	if msg == nil || len(msg.Payments) == 0 {
		return nil, &core.ProtocolError{Message: "proofRequest payload missing"}
	}
	e.proveAndDeliver(from, msg.Payments)
	return nil, nil
}

func (e *Engine) handleIdentifyRequest(ctx context.Context, from string, env transport.Envelope) (*transport.Envelope, error) {
	return &transport.Envelope{
		Type: transport.MsgIdentifyResponse,
		IdentifyResponse: &transport.IdentifyResponse{
			PeerID:      e.cfg.PeerID,
			Role:        "manager",
			PublicKey:   e.ledger.Signer().PublicHex(),
			Maintenance: e.maintenance.Load(),
		},
	}, nil
}

// proveAndDeliver runs a proving job in the background and sends the
// resulting proof to peer when it lands.
func (e *Engine) proveAndDeliver(peer string, payments []core.Payment) {
	results := e.batcher.ProveAsync(context.Background(), payments)
	go func() {
		res := <-results
		if res.Err != nil {
			e.metrics.ProofFailures.Inc()
			log.Printf("manager: proof batch for %s rejected: %v", peer, res.Err)
			if err := e.transport.Send(context.Background(), peer, *errEnvelope(&core.ProtocolError{Message: res.Err.Error()})); err != nil {
				log.Printf("manager: send proof error to %s: %v", peer, err)
			}
			return
		}
		e.metrics.ProofsProven.Inc()
		sig := res.Result.Signals
		resp := transport.Envelope{
			Type: transport.MsgProofResponse,
			ProofResponse: &transport.ProofResponse{
				PubX: sig.PubX,
				PubY: sig.PubY,
				Signals: transport.ProofSignals{
					MinNonce:       sig.MinNonce,
					MaxNonce:       sig.MaxNonce,
					Amount:         sig.Amount,
					Recipient:      sig.Recipient,
					PaymentAccount: sig.PaymentAccount,
				},
				PiA:      res.Result.Proof.PiA,
				PiB:      res.Result.Proof.PiB,
				PiC:      res.Result.Proof.PiC,
				Protocol: res.Result.Proof.Protocol,
				Curve:    res.Result.Proof.Curve,
			},
		}
		if err := e.transport.Send(context.Background(), peer, resp); err != nil {
			log.Printf("manager: send proof to %s: %v", peer, err)
		}
	}()
}

func (e *Engine) batchLimit() int {
	return e.batcher.Size()
}
