package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"taskmesh-backend/core"
	"taskmesh-backend/storage"
)

// PaymentLedger issues payments with strictly increasing nonces per
// (worker, signing key, recipient) triple. Issuance is exactly-once: the
// signed payment is persisted and the worker's nonce advanced inside one
// critical section, so no caller can observe or reuse a pre-increment nonce.
type PaymentLedger struct {
	store  *storage.EntityStore
	signer *Signer
	now    func() time.Time
}

// NewPaymentLedger wires a ledger over the entity store and signing key.
func NewPaymentLedger(store *storage.EntityStore, signer *Signer) *PaymentLedger {
	return &PaymentLedger{store: store, signer: signer, now: time.Now}
}

// SetClock overrides the ledger clock. Test hook.
func (l *PaymentLedger) SetClock(now func() time.Time) { l.now = now }

// Signer returns the ledger's signing key handle.
func (l *PaymentLedger) Signer() *Signer { return l.signer }

// GeneratePayment issues one signed payment of amount to workerID's
// recipient address, settling taskID. Fails with storage.ErrNotFound when
// the worker record is absent; callers treat any failure as retryable and
// the task stays in its pre-payout state.
func (l *PaymentLedger) GeneratePayment(ctx context.Context, workerID, taskID string, amount core.Uint, paymentAccount string) (*core.Payment, error) {
	var issued *core.Payment
	err := l.store.UpdateWorker(ctx, workerID, func(w *core.WorkerRecord) error {
		if w.RecipientAddress == "" {
			return fmt.Errorf("worker %s has no recipient address", workerID)
		}
		p := &core.Payment{
			ID:             uuid.NewString(),
			TaskID:         taskID,
			Nonce:          w.Nonce,
			Recipient:      w.RecipientAddress,
			PaymentAccount: paymentAccount,
			Amount:         amount,
		}
		sig, err := l.signer.SignPayment(p)
		if err != nil {
			return fmt.Errorf("sign payment: %w", err)
		}
		p.Signature = sig

		if err := l.store.PutPayment(ctx, workerID, l.signer.PublicHex(), p); err != nil {
			return fmt.Errorf("persist payment: %w", err)
		}

		w.Nonce = w.Nonce.Add(1)
		w.TotalEarned = w.TotalEarned.Plus(amount)
		w.LastPayout = l.now().UnixMilli()
		issued = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return issued, nil
}

// IssuedForTask returns the payment already issued to settle taskID, or nil.
// Payout handlers consult this before generating so a retry after a partial
// failure reuses the issued payment instead of consuming a second nonce.
func (l *PaymentLedger) IssuedForTask(ctx context.Context, workerID, taskID string) (*core.Payment, error) {
	payments, err := l.Payments(ctx, workerID, core.NewUint(0), 0)
	if err != nil {
		return nil, err
	}
	for i := len(payments) - 1; i >= 0; i-- {
		if payments[i].TaskID == taskID {
			return &payments[i], nil
		}
	}
	return nil, nil
}

// Payments returns the stored payments for workerID to its recipient with
// nonce >= fromNonce, in nonce order.
func (l *PaymentLedger) Payments(ctx context.Context, workerID string, fromNonce core.Uint, limit int) ([]core.Payment, error) {
	w, err := l.store.GetWorker(ctx, workerID)
	if err != nil {
		return nil, err
	}
	return l.store.Payments(ctx, workerID, l.signer.PublicHex(), w.RecipientAddress, fromNonce, limit)
}
