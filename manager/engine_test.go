package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"taskmesh-backend/core"
	"taskmesh-backend/ledger"
	"taskmesh-backend/metrics"
	"taskmesh-backend/proofs"
	"taskmesh-backend/queue"
	"taskmesh-backend/storage"
	"taskmesh-backend/transport"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Now()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type stubProver struct{}

func (stubProver) Prove(ctx context.Context, in *proofs.CircuitInput) (*proofs.Proof, error) {
	return &proofs.Proof{Protocol: "groth16", Curve: "bn128"}, nil
}

type fixture struct {
	engine *Engine
	store  *storage.EntityStore
	queue  *queue.WorkerQueue
	router *transport.LoopbackRouter
	clock  *fakeClock
	signer *ledger.Signer
	ledger *ledger.PaymentLedger
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	return newFixtureKV(t, cfg, storage.NewMemoryStore())
}

func newFixtureKV(t *testing.T, cfg Config, kv storage.KV) *fixture {
	t.Helper()
	if cfg.PeerID == "" {
		cfg.PeerID = "mgr"
	}
	if cfg.PaymentAccount == "" {
		cfg.PaymentAccount = "pool"
	}
	store := storage.NewEntityStore(kv)
	q := queue.NewWorkerQueue()
	router := transport.NewLoopbackRouter()
	tr := router.Attach(cfg.PeerID)
	clock := newFakeClock()
	signer := ledger.NewRandomSigner()
	led := ledger.NewPaymentLedger(store, signer)
	led.SetClock(clock.Now)
	batcher := proofs.NewBatcher(signer, stubProver{})

	e := New(cfg, store, q, tr, led, batcher, metrics.New("test"))
	e.SetClock(clock.Now)
	return &fixture{engine: e, store: store, queue: q, router: router, clock: clock, signer: signer, ledger: led}
}

// addWorker registers a worker record, enqueues it, and attaches a loopback
// peer that records delivered tasks.
func (f *fixture) addWorker(t *testing.T, id string, caps ...string) *taskSink {
	t.Helper()
	if err := f.store.PutWorker(context.Background(), &core.WorkerRecord{
		PeerID:           id,
		RecipientAddress: "addr-" + id,
		Capabilities:     caps,
	}); err != nil {
		t.Fatalf("put worker %s: %v", id, err)
	}
	f.queue.Enqueue(id)
	sink := &taskSink{}
	tr := f.router.Attach(id)
	tr.Handle(transport.MsgTask, func(ctx context.Context, from string, env transport.Envelope) (*transport.Envelope, error) {
		sink.add(env.TaskOffer.Task.ID)
		return nil, nil
	})
	tr.Handle(transport.MsgPayment, func(ctx context.Context, from string, env transport.Envelope) (*transport.Envelope, error) {
		return nil, nil
	})
	sink.transport = tr
	return sink
}

type taskSink struct {
	mu        sync.Mutex
	tasks     []string
	transport *transport.LoopbackTransport
}

func (s *taskSink) add(id string) {
	s.mu.Lock()
	s.tasks = append(s.tasks, id)
	s.mu.Unlock()
}

func (s *taskSink) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.tasks))
	copy(out, s.tasks)
	return out
}

func (f *fixture) createTask(t *testing.T, id string, rewardAmt uint64, limitSeconds int64) {
	t.Helper()
	err := f.engine.CreateTask(context.Background(), core.Task{
		ID:               id,
		Title:            "task " + id,
		Reward:           core.NewUint(rewardAmt),
		TimeLimitSeconds: limitSeconds,
	})
	if err != nil {
		t.Fatalf("create task %s: %v", id, err)
	}
}

func (f *fixture) record(t *testing.T, id string) *core.TaskRecord {
	t.Helper()
	rec, err := f.store.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("get task %s: %v", id, err)
	}
	return rec
}

func (f *fixture) sweep(t *testing.T) {
	t.Helper()
	if err := f.engine.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
}

func eventTypes(rec *core.TaskRecord) []core.EventType {
	out := make([]core.EventType, len(rec.Events))
	for i, ev := range rec.Events {
		out[i] = ev.Type
	}
	return out
}

func TestSweepAssignsPendingTask(t *testing.T) {
	f := newFixture(t, Config{})
	sink := f.addWorker(t, "w1")
	f.createTask(t, "t1", 100, 60)

	f.sweep(t)

	rec := f.record(t, "t1")
	if rec.Status() != core.EventAssign {
		t.Fatalf("expected status assign, got %s", rec.Status())
	}
	if rec.AssignedWorker() != "w1" {
		t.Fatalf("expected assignment to w1, got %s", rec.AssignedWorker())
	}
	got := sink.received()
	if len(got) != 1 || got[0] != "t1" {
		t.Fatalf("expected w1 to receive t1, got %v", got)
	}
}

func TestSweepIdempotentWithinWindow(t *testing.T) {
	f := newFixture(t, Config{})
	sink := f.addWorker(t, "w1")
	f.createTask(t, "t1", 100, 60)

	f.sweep(t)
	f.sweep(t)
	f.sweep(t)

	if got := sink.received(); len(got) != 1 {
		t.Fatalf("expected exactly one delivery, got %v", got)
	}
}

func TestAcceptanceTimeoutReassignsToOtherWorker(t *testing.T) {
	f := newFixture(t, Config{})
	f.addWorker(t, "w1")
	f.addWorker(t, "w2")
	f.createTask(t, "t1", 100, 60)

	f.sweep(t)
	first := f.record(t, "t1").AssignedWorker()

	f.clock.Advance(core.AcceptanceWindow + time.Second)
	f.sweep(t)

	rec := f.record(t, "t1")
	if rec.Status() != core.EventAssign {
		t.Fatalf("expected reassignment, got status %s", rec.Status())
	}
	second := rec.AssignedWorker()
	if second == first {
		t.Fatalf("task must not return to the stalled worker %s", first)
	}
	want := []core.EventType{core.EventCreate, core.EventAssign, core.EventReject, core.EventAssign}
	got := eventTypes(rec)
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	w1, err := f.store.GetWorker(context.Background(), first)
	if err != nil {
		t.Fatalf("get worker: %v", err)
	}
	if w1.TasksRejected != 1 {
		t.Fatalf("expected one rejection recorded for %s, got %d", first, w1.TasksRejected)
	}
}

func TestTimeoutWithSingleWorkerLeavesTaskPending(t *testing.T) {
	f := newFixture(t, Config{})
	f.addWorker(t, "w1")
	f.createTask(t, "t1", 100, 60)

	f.sweep(t)
	f.clock.Advance(core.AcceptanceWindow + time.Second)
	f.sweep(t)

	rec := f.record(t, "t1")
	if rec.Status() != core.EventReject {
		t.Fatalf("with no alternative worker the task stays rejected, got %s", rec.Status())
	}
}

func TestExecutionTimeoutReassigns(t *testing.T) {
	f := newFixture(t, Config{})
	f.addWorker(t, "w1")
	f.addWorker(t, "w2")
	f.createTask(t, "t1", 100, 30)

	f.sweep(t)
	first := f.record(t, "t1").AssignedWorker()

	// Worker accepts in time, then goes silent past the task's time limit.
	nowMs := f.clock.Now().UnixMilli()
	err := f.store.UpdateTask(context.Background(), "t1", func(r *core.TaskRecord) error {
		return r.Append(core.TaskEvent{Type: core.EventAccept, Timestamp: nowMs, WorkerID: first})
	})
	if err != nil {
		t.Fatalf("append accept: %v", err)
	}

	f.clock.Advance(31 * time.Second)
	f.sweep(t)

	rec := f.record(t, "t1")
	if rec.Status() != core.EventAssign {
		t.Fatalf("expected reassignment after execution timeout, got %s", rec.Status())
	}
	if rec.AssignedWorker() == first {
		t.Fatalf("task must not return to the silent worker %s", first)
	}
}

func TestBusyWorkerNotAssignedBeyondCap(t *testing.T) {
	f := newFixture(t, Config{})
	f.addWorker(t, "w1")
	for i := 0; i < core.MaxOutstandingTasks+1; i++ {
		f.createTask(t, fmt.Sprintf("t%d", i+1), 10, 60)
	}

	f.sweep(t)

	assigned := 0
	pending := 0
	recs, err := f.store.ListTasks(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	for i := range recs {
		switch recs[i].Status() {
		case core.EventAssign:
			assigned++
		case core.EventCreate:
			pending++
		}
	}
	if assigned != core.MaxOutstandingTasks {
		t.Fatalf("expected %d assignments, got %d", core.MaxOutstandingTasks, assigned)
	}
	if pending != 1 {
		t.Fatalf("expected one task held back, got %d", pending)
	}

	// A fresh worker picks up the held-back task.
	f.addWorker(t, "w2")
	f.sweep(t)
	recs, _ = f.store.ListTasks(context.Background(), 0, 0)
	for i := range recs {
		if recs[i].Status() == core.EventCreate {
			t.Fatalf("task %s still unassigned with idle worker available", recs[i].State.ID)
		}
	}
}

func TestBannedWorkerNotAssigned(t *testing.T) {
	f := newFixture(t, Config{})
	f.addWorker(t, "w1")
	if err := f.engine.BanWorker(context.Background(), "w1"); err != nil {
		t.Fatalf("ban: %v", err)
	}
	f.createTask(t, "t1", 10, 60)

	f.sweep(t)

	if got := f.record(t, "t1").Status(); got != core.EventCreate {
		t.Fatalf("banned worker must not receive tasks, status %s", got)
	}
}

func TestCapabilityFiltering(t *testing.T) {
	f := newFixture(t, Config{AntiCapabilities: map[string]string{"gpu": "metered"}})
	f.addWorker(t, "plain")
	f.addWorker(t, "metered-gpu", "gpu", "metered")
	sink := f.addWorker(t, "gpu-only", "gpu")

	err := f.engine.CreateTask(context.Background(), core.Task{
		ID:               "t1",
		Reward:           core.NewUint(10),
		TimeLimitSeconds: 60,
		Capability:       "gpu",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	f.sweep(t)

	rec := f.record(t, "t1")
	if rec.AssignedWorker() != "gpu-only" {
		t.Fatalf("expected gpu-only to win the assignment, got %q", rec.AssignedWorker())
	}
	if got := sink.received(); len(got) != 1 {
		t.Fatalf("expected one delivery to gpu-only, got %v", got)
	}
}

func TestPayoutIssuesSequentialNonces(t *testing.T) {
	f := newFixture(t, Config{})
	f.addWorker(t, "w1")
	ctx := context.Background()

	for i, id := range []string{"t1", "t2"} {
		f.createTask(t, id, 50, 60)
		f.sweep(t)

		nowMs := f.clock.Now().UnixMilli()
		err := f.store.UpdateTask(ctx, id, func(r *core.TaskRecord) error {
			if err := r.Append(core.TaskEvent{Type: core.EventAccept, Timestamp: nowMs, WorkerID: "w1"}); err != nil {
				return err
			}
			return r.Append(core.TaskEvent{Type: core.EventSubmission, Timestamp: nowMs, WorkerID: "w1", Result: "done"})
		})
		if err != nil {
			t.Fatalf("drive task %s to submission: %v", id, err)
		}

		f.sweep(t)

		rec := f.record(t, id)
		if rec.Status() != core.EventPayout {
			t.Fatalf("task %s: expected payout, got %s", id, rec.Status())
		}
		payment := rec.LastEvent().Payment
		if payment == nil {
			t.Fatalf("task %s: payout event missing payment", id)
		}
		if payment.Nonce.Uint64() != uint64(i) {
			t.Fatalf("task %s: expected nonce %d, got %s", id, i, payment.Nonce.String())
		}
		if !ledger.VerifyPayment(f.signer.Public(), payment) {
			t.Fatalf("task %s: payment signature invalid", id)
		}
	}

	w, err := f.store.GetWorker(ctx, "w1")
	if err != nil {
		t.Fatalf("get worker: %v", err)
	}
	if w.Nonce.Uint64() != 2 {
		t.Fatalf("expected worker nonce 2, got %s", w.Nonce.String())
	}
	if w.TotalEarned.Uint64() != 100 {
		t.Fatalf("expected total earned 100, got %s", w.TotalEarned.String())
	}
}

func TestPayoutRepeatedSweepsIssueOnePayment(t *testing.T) {
	f := newFixture(t, Config{})
	f.addWorker(t, "w1")
	ctx := context.Background()

	f.createTask(t, "t1", 50, 60)
	f.sweep(t)
	nowMs := f.clock.Now().UnixMilli()
	err := f.store.UpdateTask(ctx, "t1", func(r *core.TaskRecord) error {
		if err := r.Append(core.TaskEvent{Type: core.EventAccept, Timestamp: nowMs, WorkerID: "w1"}); err != nil {
			return err
		}
		return r.Append(core.TaskEvent{Type: core.EventSubmission, Timestamp: nowMs, WorkerID: "w1", Result: "done"})
	})
	if err != nil {
		t.Fatalf("drive to submission: %v", err)
	}

	f.sweep(t)
	f.sweep(t)
	f.sweep(t)

	payments, err := f.engine.ledger.Payments(ctx, "w1", core.NewUint(0), 0)
	if err != nil {
		t.Fatalf("payments: %v", err)
	}
	if len(payments) != 1 {
		t.Fatalf("expected one payment for one task, got %d", len(payments))
	}
}

// flakyKV fails a bounded number of Puts on keys under failPrefix, then
// behaves normally.
type flakyKV struct {
	storage.KV
	mu         sync.Mutex
	failPrefix string
	failures   int
}

func (k *flakyKV) failPuts(prefix string, n int) {
	k.mu.Lock()
	k.failPrefix = prefix
	k.failures = n
	k.mu.Unlock()
}

func (k *flakyKV) Put(ctx context.Context, key string, value []byte) error {
	k.mu.Lock()
	if k.failures > 0 && strings.HasPrefix(key, k.failPrefix) {
		k.failures--
		k.mu.Unlock()
		return errors.New("write failed")
	}
	k.mu.Unlock()
	return k.KV.Put(ctx, key, value)
}

func TestPayoutRetryAfterAppendFailureIssuesOnePayment(t *testing.T) {
	kv := &flakyKV{KV: storage.NewMemoryStore()}
	f := newFixtureKV(t, Config{}, kv)
	f.addWorker(t, "w1")
	ctx := context.Background()

	f.createTask(t, "t1", 50, 60)
	f.sweep(t)
	nowMs := f.clock.Now().UnixMilli()
	err := f.store.UpdateTask(ctx, "t1", func(r *core.TaskRecord) error {
		if err := r.Append(core.TaskEvent{Type: core.EventAccept, Timestamp: nowMs, WorkerID: "w1"}); err != nil {
			return err
		}
		return r.Append(core.TaskEvent{Type: core.EventSubmission, Timestamp: nowMs, WorkerID: "w1", Result: "done"})
	})
	if err != nil {
		t.Fatalf("drive to submission: %v", err)
	}

	// The payment persists but appending the payout event fails.
	kv.failPuts(storage.TaskKey("t1"), 1)
	f.sweep(t)

	rec := f.record(t, "t1")
	if rec.Status() != core.EventSubmission {
		t.Fatalf("failed append must leave the record in submission, got %s", rec.Status())
	}

	// The retry reuses the already-issued payment instead of minting another.
	f.sweep(t)

	rec = f.record(t, "t1")
	if rec.Status() != core.EventPayout {
		t.Fatalf("expected payout after retry, got %s", rec.Status())
	}
	payments, err := f.ledger.Payments(ctx, "w1", core.NewUint(0), 0)
	if err != nil {
		t.Fatalf("payments: %v", err)
	}
	if len(payments) != 1 {
		t.Fatalf("expected exactly one payment for the task, got %d", len(payments))
	}
	if payments[0].Nonce.Uint64() != 0 {
		t.Fatalf("expected nonce 0, got %s", payments[0].Nonce.String())
	}
	attached := rec.LastEvent().Payment
	if attached == nil || attached.Nonce.Uint64() != 0 {
		t.Fatalf("payout event must carry the original payment, got %+v", attached)
	}
}

func TestStaleCompletionIgnored(t *testing.T) {
	f := newFixture(t, Config{})
	w1 := f.addWorker(t, "w1")
	f.addWorker(t, "w2")
	f.createTask(t, "t1", 50, 60)

	f.sweep(t)
	first := f.record(t, "t1").AssignedWorker()

	f.clock.Advance(core.AcceptanceWindow + time.Second)
	f.sweep(t)

	rec := f.record(t, "t1")
	second := rec.AssignedWorker()
	if second == first {
		t.Fatalf("setup: reassignment did not move the task")
	}

	// The stalled worker reports a completion for an assignment it no
	// longer holds.
	err := w1.transport.Send(context.Background(), "mgr", transport.Envelope{
		Type:          transport.MsgTaskCompleted,
		TaskCompleted: &transport.TaskCompleted{TaskID: "t1", Worker: first, Result: "late"},
	})
	if err != nil {
		t.Fatalf("send stale completion: %v", err)
	}

	rec = f.record(t, "t1")
	if rec.Status() != core.EventAssign || rec.AssignedWorker() != second {
		t.Fatalf("stale completion must not change the record, status %s worker %s", rec.Status(), rec.AssignedWorker())
	}
}

func TestUnknownLastEventTakesNoAction(t *testing.T) {
	f := newFixture(t, Config{})
	f.addWorker(t, "w1")

	rec := &core.TaskRecord{
		State:  core.Task{ID: "t1", Reward: core.NewUint(10), TimeLimitSeconds: 60},
		Events: []core.TaskEvent{{Type: "mystery", Timestamp: f.clock.Now().UnixMilli()}},
	}
	if err := f.store.PutTask(context.Background(), rec); err != nil {
		t.Fatalf("put task: %v", err)
	}

	f.sweep(t)

	got := f.record(t, "t1")
	if len(got.Events) != 1 {
		t.Fatalf("no event may be appended for an unrecognized state, got %v", eventTypes(got))
	}
}

func TestExpireTaskIsTerminalAndSkippedBySweep(t *testing.T) {
	f := newFixture(t, Config{})
	sink := f.addWorker(t, "w1")
	ctx := context.Background()

	f.createTask(t, "t1", 50, 60)
	if err := f.engine.ExpireTask(ctx, "t1", "cancelled by operator"); err != nil {
		t.Fatalf("expire: %v", err)
	}

	rec := f.record(t, "t1")
	if rec.Status() != core.EventExpire {
		t.Fatalf("expected expire, got %s", rec.Status())
	}
	if !rec.Terminal() {
		t.Fatalf("expired task must be terminal")
	}

	f.sweep(t)
	if got := sink.received(); len(got) != 0 {
		t.Fatalf("expired task must never be assigned, got %v", got)
	}

	// A settled task cannot be expired.
	if err := f.engine.ExpireTask(ctx, "t1", "again"); err == nil {
		t.Fatalf("expiring a terminal task must fail")
	}
}
