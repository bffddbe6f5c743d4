// Package manager drives the authoritative side of the task lifecycle:
// assignment, timeout reassignment, payout, and worker onboarding.
package manager

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"taskmesh-backend/core"
	"taskmesh-backend/ledger"
	"taskmesh-backend/metrics"
	"taskmesh-backend/proofs"
	"taskmesh-backend/queue"
	"taskmesh-backend/storage"
	"taskmesh-backend/transport"
)

// Config carries the static manager settings.
type Config struct {
	PeerID            string
	PaymentAccount    string
	RequireAccessCode bool
	Maintenance       bool
	SweepInterval     time.Duration
	// AntiCapabilities maps a required capability to a capability that must
	// be absent for a worker to qualify for tasks requiring it.
	AntiCapabilities map[string]string
}

// Engine is the manager-side lifecycle engine. One Engine is constructed at
// startup and owns all manager-side state; handlers receive it by reference.
type Engine struct {
	cfg       Config
	store     *storage.EntityStore
	queue     *queue.WorkerQueue
	transport transport.Transport
	ledger    *ledger.PaymentLedger
	batcher   *proofs.Batcher
	metrics   *metrics.Metrics

	now         func() time.Time
	sweepMu     sync.Mutex
	kick        chan struct{}
	maintenance atomic.Bool
}

// New wires an Engine and registers its transport handlers.
func New(cfg Config, store *storage.EntityStore, q *queue.WorkerQueue, tr transport.Transport, led *ledger.PaymentLedger, batcher *proofs.Batcher, m *metrics.Metrics) *Engine {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Second
	}
	e := &Engine{
		cfg:       cfg,
		store:     store,
		queue:     q,
		transport: tr,
		ledger:    led,
		batcher:   batcher,
		metrics:   m,
		now:       time.Now,
		kick:      make(chan struct{}, 1),
	}
	e.maintenance.Store(cfg.Maintenance)
	e.registerHandlers()
	return e
}

// SetClock overrides the engine clock. Test hook.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// SetMaintenance toggles maintenance mode; while set, requestToWork is
// rejected with a coded error.
func (e *Engine) SetMaintenance(on bool) { e.maintenance.Store(on) }

// Run drives the periodic sweep until ctx is cancelled. Inbound events
// request prompt sweeps through the kick channel instead of sweeping inline,
// which keeps transport handlers reentrancy-free.
func (e *Engine) Run(ctx context.Context) {
	t := time.NewTicker(e.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		case <-e.kick:
		}
		if err := e.Sweep(ctx); err != nil {
			log.Printf("manager: sweep: %v", err)
		}
	}
}

func (e *Engine) requestSweep() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// CreateTask adds a task to the pool and requests a sweep to assign it.
func (e *Engine) CreateTask(ctx context.Context, task core.Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	rec := &core.TaskRecord{State: task}
	if err := rec.Append(core.TaskEvent{
		Type:       core.EventCreate,
		Timestamp:  e.now().UnixMilli(),
		ProviderID: e.cfg.PeerID,
	}); err != nil {
		return err
	}
	if err := e.store.PutTask(ctx, rec); err != nil {
		return err
	}
	e.metrics.TasksCreated.Inc()
	e.requestSweep()
	return nil
}

// Sweep iterates all non-terminal task records and applies the handler for
// each record's last event type. A bad record is logged and skipped; the
// sweep never aborts because one task is in a bad state. Sweeps are
// serialized and idempotent, so lost messages are recovered simply by the
// next pass.
func (e *Engine) Sweep(ctx context.Context) error {
	e.sweepMu.Lock()
	defer e.sweepMu.Unlock()
	start := e.now()

	records, err := e.store.ListTasks(ctx, 0, 0)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	// Unresolved assignments per worker, for the busy predicate.
	outstanding := make(map[string]int)
	for i := range records {
		if records[i].Unresolved() {
			outstanding[records[i].AssignedWorker()]++
		}
	}

	for i := range records {
		rec := &records[i]
		if rec.Terminal() {
			continue
		}
		if err := e.step(ctx, rec, outstanding); err != nil {
			log.Printf("manager: task %s (%s): %v", rec.State.ID, rec.Status(), err)
		}
	}

	e.metrics.SweepDuration.Observe(time.Since(start).Seconds())
	e.metrics.WorkersQueued.Set(float64(e.queue.Len()))
	return nil
}

// step advances one task record according to its last event.
func (e *Engine) step(ctx context.Context, rec *core.TaskRecord, outstanding map[string]int) error {
	last := rec.LastEvent()
	nowMs := e.now().UnixMilli()

	switch rec.Status() {
	case core.EventCreate:
		return e.assign(ctx, rec, "", outstanding)

	case core.EventAssign:
		if nowMs-last.Timestamp < core.AcceptanceWindow.Milliseconds() {
			return nil
		}
		stalled := last.WorkerID
		if err := e.store.UpdateTask(ctx, rec.State.ID, func(r *core.TaskRecord) error {
			return r.Append(core.TaskEvent{
				Type:      core.EventReject,
				Timestamp: nowMs,
				WorkerID:  stalled,
				Reason:    "acceptance timeout",
			})
		}); err != nil {
			return err
		}
		e.metrics.TasksRejected.Inc()
		e.noteRejection(ctx, stalled)
		outstanding[stalled]--
		return e.assign(ctx, rec, stalled, outstanding)

	case core.EventAccept:
		if nowMs-last.Timestamp < rec.State.TimeLimitSeconds*1000 {
			return nil
		}
		// Implicit timeout: reassignment without an explicit reject event.
		stalled := rec.AssignedWorker()
		outstanding[stalled]--
		return e.assign(ctx, rec, stalled, outstanding)

	case core.EventReject:
		return e.assign(ctx, rec, last.WorkerID, outstanding)

	case core.EventSubmission:
		return e.payout(ctx, rec)

	case core.EventPayout:
		return nil

	default:
		// Fail closed: never append an event for a state we do not know.
		return fmt.Errorf("unrecognized last event %q, taking no action", rec.Status())
	}
}

// assign selects an eligible idle worker and hands it the task. When no
// worker qualifies the task simply stays pending; the next sweep retries.
// exclude names the worker whose rejection or timeout triggered this
// reassignment; it is never reselected in the same pass.
func (e *Engine) assign(ctx context.Context, rec *core.TaskRecord, exclude string, outstanding map[string]int) error {
	task := rec.State
	pred := func(id string) bool {
		if id == exclude {
			return false
		}
		if outstanding[id] >= core.MaxOutstandingTasks {
			return false
		}
		w, err := e.store.GetWorker(ctx, id)
		if err != nil || w.Banned {
			return false
		}
		if task.Capability != "" {
			if !w.HasCapability(task.Capability) {
				return false
			}
			if anti := e.cfg.AntiCapabilities[task.Capability]; anti != "" && w.HasCapability(anti) {
				return false
			}
		}
		return true
	}

	workerID, ok := e.queue.Dequeue(pred)
	if !ok {
		return nil
	}

	nowMs := e.now().UnixMilli()
	if err := e.store.UpdateTask(ctx, task.ID, func(r *core.TaskRecord) error {
		return r.Append(core.TaskEvent{Type: core.EventAssign, Timestamp: nowMs, WorkerID: workerID})
	}); err != nil {
		e.queue.Enqueue(workerID)
		return err
	}
	outstanding[workerID]++
	// Dequeue removed the worker; re-enqueue at the back so assignment
	// rotates while the busy predicate enforces capacity.
	e.queue.Enqueue(workerID)

	if err := e.store.UpdateWorker(ctx, workerID, func(w *core.WorkerRecord) error {
		w.TotalTasks++
		w.LastActivity = nowMs
		return nil
	}); err != nil {
		log.Printf("manager: update worker %s stats: %v", workerID, err)
	}

	e.metrics.TasksAssigned.Inc()
	offer := transport.TaskOffer{Task: task, AssignedAt: nowMs}
	if err := e.transport.Send(ctx, workerID, transport.Envelope{Type: transport.MsgTask, TaskOffer: &offer}); err != nil {
		// Fire-and-forget: the acceptance window turns a lost send into a
		// timeout reassignment.
		log.Printf("manager: send task %s to %s: %v", task.ID, workerID, err)
	}
	return nil
}

// payout settles one submitted task: generate a signed payment for the
// submitting worker, append the terminal payout event, and notify the
// worker. A ledger failure leaves the record in submission state so the
// next sweep retries instead of dropping the reward. Issuance is idempotent
// per task: a retry after a failed payout append finds the already-issued
// payment in the ledger and reuses it rather than consuming a second nonce.
func (e *Engine) payout(ctx context.Context, rec *core.TaskRecord) error {
	last := rec.LastEvent()
	workerID := last.WorkerID

	payment, err := e.ledger.IssuedForTask(ctx, workerID, rec.State.ID)
	if err != nil {
		return fmt.Errorf("payout deferred: %w", err)
	}
	if payment != nil {
		log.Printf("manager: task %s already has payment %s (nonce %s), retrying payout event only", rec.State.ID, payment.ID, payment.Nonce.String())
	} else {
		payment, err = e.ledger.GeneratePayment(ctx, workerID, rec.State.ID, rec.State.Reward, e.cfg.PaymentAccount)
		if err != nil {
			return fmt.Errorf("payout deferred: %w", err)
		}
		e.metrics.PaymentsIssued.Inc()
	}

	nowMs := e.now().UnixMilli()
	if err := e.store.UpdateTask(ctx, rec.State.ID, func(r *core.TaskRecord) error {
		return r.Append(core.TaskEvent{Type: core.EventPayout, Timestamp: nowMs, Payment: payment})
	}); err != nil {
		return fmt.Errorf("payment %s issued but payout event append failed: %w", payment.ID, err)
	}

	if err := e.store.UpdateWorker(ctx, workerID, func(w *core.WorkerRecord) error {
		w.TasksCompleted++
		w.LastActivity = nowMs
		return nil
	}); err != nil {
		log.Printf("manager: update worker %s stats: %v", workerID, err)
	}

	if err := e.transport.Send(ctx, workerID, transport.Envelope{Type: transport.MsgPayment, Payment: payment}); err != nil {
		log.Printf("manager: send payment %s to %s: %v", payment.ID, workerID, err)
	}

	e.metrics.TasksCompleted.Inc()
	log.Printf("manager: task %s completed by %s, payment nonce %s amount %s", rec.State.ID, workerID, payment.Nonce.String(), payment.Amount.String())
	return nil
}

func (e *Engine) noteRejection(ctx context.Context, workerID string) {
	if workerID == "" {
		return
	}
	if err := e.store.UpdateWorker(ctx, workerID, func(w *core.WorkerRecord) error {
		w.TasksRejected++
		return nil
	}); err != nil {
		log.Printf("manager: update worker %s stats: %v", workerID, err)
	}
}
