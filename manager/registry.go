package manager

import (
	"context"

	"taskmesh-backend/core"
)

// Workers returns all known worker records.
func (e *Engine) Workers(ctx context.Context) ([]core.WorkerRecord, error) {
	return e.store.ListWorkers(ctx, 0, 0)
}

// BanWorker flags a worker as banned and removes it from the queue. The
// record itself is never deleted.
func (e *Engine) BanWorker(ctx context.Context, peerID string) error {
	if err := e.store.UpdateWorker(ctx, peerID, func(w *core.WorkerRecord) error {
		w.Banned = true
		return nil
	}); err != nil {
		return err
	}
	e.queue.Remove(peerID)
	return nil
}

// UnbanWorker clears the banned flag. The worker re-enters the queue on its
// next requestToWork.
func (e *Engine) UnbanWorker(ctx context.Context, peerID string) error {
	return e.store.UpdateWorker(ctx, peerID, func(w *core.WorkerRecord) error {
		w.Banned = false
		return nil
	})
}

// DisconnectWorker drops a worker from the assignment queue, e.g. when the
// transport reports the peer gone. Unresolved assignments recover through
// the timeout path.
func (e *Engine) DisconnectWorker(peerID string) {
	e.queue.Remove(peerID)
}

// AddAccessCode registers an access code workers may redeem when onboarding
// requires one.
func (e *Engine) AddAccessCode(ctx context.Context, code string) error {
	return e.store.PutAccessCode(ctx, &core.AccessCode{Code: code})
}

// ExpireTask terminally cancels a task that has not reached payout. The
// record is kept with an expire event; subsequent sweeps skip it.
func (e *Engine) ExpireTask(ctx context.Context, taskID, reason string) error {
	return e.store.UpdateTask(ctx, taskID, func(r *core.TaskRecord) error {
		return r.Append(core.TaskEvent{
			Type:      core.EventExpire,
			Timestamp: e.now().UnixMilli(),
			Reason:    reason,
		})
	})
}
