package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"taskmesh-backend/core"
)

// Key prefixes for the entity namespaces.
const (
	PrefixTasks       = "/tasks/"
	PrefixPayments    = "/payments/"
	PrefixWorkers     = "/workers/"
	PrefixAccessCodes = "/access-codes/"
)

// nonceKeyWidth pads nonces in payment keys so lexicographic key order
// matches numeric nonce order for range scans.
const nonceKeyWidth = 24

// EntityStore is the typed, append-only event-log layer over an ordered KV.
// All read-modify-write access to one entity id goes through a per-id mutex:
// the underlying KV has no compare-and-swap, so concurrent handlers racing
// on the same entity must serialize here.
type EntityStore struct {
	kv KV

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEntityStore wraps kv.
func NewEntityStore(kv KV) *EntityStore {
	return &EntityStore{kv: kv, locks: make(map[string]*sync.Mutex)}
}

func (s *EntityStore) lock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// TaskKey returns the KV key for a task id.
func TaskKey(id string) string { return PrefixTasks + id }

// WorkerKey returns the KV key for a worker peer id.
func WorkerKey(peerID string) string { return PrefixWorkers + peerID }

// AccessCodeKey returns the KV key for an access code.
func AccessCodeKey(code string) string { return PrefixAccessCodes + code }

// PaymentKey returns the composite KV key for a payment. The nonce component
// is zero-padded so key order equals nonce order.
func PaymentKey(peerID, signerPublicKey, recipient string, nonce core.Uint) string {
	return fmt.Sprintf("%s%s/%s/%s/%0*s", PrefixPayments, peerID, signerPublicKey, recipient, nonceKeyWidth, nonce.String())
}

func (s *EntityStore) getJSON(ctx context.Context, key string, out interface{}) error {
	raw, err := s.kv.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (s *EntityStore) putJSON(ctx context.Context, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.kv.Put(ctx, key, raw)
}

// GetTask returns the task record for id, or ErrNotFound.
func (s *EntityStore) GetTask(ctx context.Context, id string) (*core.TaskRecord, error) {
	var rec core.TaskRecord
	if err := s.getJSON(ctx, TaskKey(id), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// PutTask persists a task record under the task-id lock.
func (s *EntityStore) PutTask(ctx context.Context, rec *core.TaskRecord) error {
	l := s.lock(TaskKey(rec.State.ID))
	l.Lock()
	defer l.Unlock()
	return s.putJSON(ctx, TaskKey(rec.State.ID), rec)
}

// UpdateTask re-reads the latest record, applies fn, and writes the result,
// all under the task-id lock. If fn returns an error nothing is written.
func (s *EntityStore) UpdateTask(ctx context.Context, id string, fn func(*core.TaskRecord) error) error {
	l := s.lock(TaskKey(id))
	l.Lock()
	defer l.Unlock()

	var rec core.TaskRecord
	if err := s.getJSON(ctx, TaskKey(id), &rec); err != nil {
		return err
	}
	if err := fn(&rec); err != nil {
		return err
	}
	return s.putJSON(ctx, TaskKey(id), &rec)
}

// DeleteTask removes a task record.
func (s *EntityStore) DeleteTask(ctx context.Context, id string) error {
	l := s.lock(TaskKey(id))
	l.Lock()
	defer l.Unlock()
	return s.kv.Delete(ctx, TaskKey(id))
}

// ListTasks returns task records ordered by id with pagination.
func (s *EntityStore) ListTasks(ctx context.Context, offset, limit int) ([]core.TaskRecord, error) {
	entries, err := s.kv.Query(ctx, PrefixTasks, offset, limit)
	if err != nil {
		return nil, err
	}
	out := make([]core.TaskRecord, 0, len(entries))
	for _, e := range entries {
		var rec core.TaskRecord
		if err := json.Unmarshal(e.Value, &rec); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.Key, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// GetWorker returns the worker record for peerID, or ErrNotFound.
func (s *EntityStore) GetWorker(ctx context.Context, peerID string) (*core.WorkerRecord, error) {
	var rec core.WorkerRecord
	if err := s.getJSON(ctx, WorkerKey(peerID), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// PutWorker persists a worker record under the worker-id lock.
func (s *EntityStore) PutWorker(ctx context.Context, rec *core.WorkerRecord) error {
	l := s.lock(WorkerKey(rec.PeerID))
	l.Lock()
	defer l.Unlock()
	return s.putJSON(ctx, WorkerKey(rec.PeerID), rec)
}

// UpdateWorker re-reads the latest worker record, applies fn, and writes the
// result under the worker-id lock. Payment issuance rides on this lock: the
// ledger persists the signed payment and advances the nonce inside one fn,
// so no concurrent caller can observe the pre-increment nonce.
func (s *EntityStore) UpdateWorker(ctx context.Context, peerID string, fn func(*core.WorkerRecord) error) error {
	l := s.lock(WorkerKey(peerID))
	l.Lock()
	defer l.Unlock()

	var rec core.WorkerRecord
	if err := s.getJSON(ctx, WorkerKey(peerID), &rec); err != nil {
		return err
	}
	if err := fn(&rec); err != nil {
		return err
	}
	return s.putJSON(ctx, WorkerKey(peerID), &rec)
}

// ListWorkers returns all worker records ordered by peer id.
func (s *EntityStore) ListWorkers(ctx context.Context, offset, limit int) ([]core.WorkerRecord, error) {
	entries, err := s.kv.Query(ctx, PrefixWorkers, offset, limit)
	if err != nil {
		return nil, err
	}
	out := make([]core.WorkerRecord, 0, len(entries))
	for _, e := range entries {
		var rec core.WorkerRecord
		if err := json.Unmarshal(e.Value, &rec); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.Key, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// PutPayment persists a signed payment under its composite key.
func (s *EntityStore) PutPayment(ctx context.Context, peerID, signerPublicKey string, p *core.Payment) error {
	return s.putJSON(ctx, PaymentKey(peerID, signerPublicKey, p.Recipient, p.Nonce), p)
}

// Payments returns payments for (peerID, signerPublicKey, recipient) with
// nonce >= fromNonce, in nonce order. limit 0 means no limit.
func (s *EntityStore) Payments(ctx context.Context, peerID, signerPublicKey, recipient string, fromNonce core.Uint, limit int) ([]core.Payment, error) {
	prefix := fmt.Sprintf("%s%s/%s/%s/", PrefixPayments, peerID, signerPublicKey, recipient)
	entries, err := s.kv.Query(ctx, prefix, 0, 0)
	if err != nil {
		return nil, err
	}
	out := make([]core.Payment, 0, len(entries))
	for _, e := range entries {
		var p core.Payment
		if err := json.Unmarshal(e.Value, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.Key, err)
		}
		if p.Nonce.Cmp(fromNonce) < 0 {
			continue
		}
		out = append(out, p)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// GetAccessCode returns an access code record, or ErrNotFound.
func (s *EntityStore) GetAccessCode(ctx context.Context, code string) (*core.AccessCode, error) {
	var rec core.AccessCode
	if err := s.getJSON(ctx, AccessCodeKey(code), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// PutAccessCode persists an access code record.
func (s *EntityStore) PutAccessCode(ctx context.Context, rec *core.AccessCode) error {
	if strings.TrimSpace(rec.Code) == "" {
		return ErrInvalidKey
	}
	l := s.lock(AccessCodeKey(rec.Code))
	l.Lock()
	defer l.Unlock()
	return s.putJSON(ctx, AccessCodeKey(rec.Code), rec)
}

// RedeemAccessCode marks a code as redeemed by peerID. Redeeming the same
// code again from the same peer is idempotent; from another peer it fails.
func (s *EntityStore) RedeemAccessCode(ctx context.Context, code, peerID string, now int64) error {
	l := s.lock(AccessCodeKey(code))
	l.Lock()
	defer l.Unlock()

	var rec core.AccessCode
	if err := s.getJSON(ctx, AccessCodeKey(code), &rec); err != nil {
		return err
	}
	if rec.RedeemedBy != "" && rec.RedeemedBy != peerID {
		return ErrCodeRedeemed
	}
	rec.RedeemedBy = peerID
	rec.RedeemedAt = now
	return s.putJSON(ctx, AccessCodeKey(code), &rec)
}

// Close closes the underlying KV.
func (s *EntityStore) Close() { s.kv.Close() }
