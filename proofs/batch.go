package proofs

import (
	"context"
	"fmt"
	"sort"

	"taskmesh-backend/core"
	"taskmesh-backend/ledger"
)

// Err is a simple string error helper.
type Err string

func (e Err) Error() string { return string(e) }

var (
	ErrEmptyBatch      = Err("batch is empty")
	ErrBatchTooLarge   = Err("batch exceeds circuit arity")
	ErrMixedRecipients = Err("batch mixes recipients or payment accounts")
	ErrDuplicateNonce  = Err("batch contains duplicate nonces")
	ErrUnsignedPayment = Err("batch contains unsigned payment")
	ErrBadSignature    = Err("batch contains payment with invalid signature")
)

// Batcher validates a window of signed payments and lowers it to the
// fixed-arity circuit input. All violations reject the batch before the
// prover is invoked: local checks are cheap, proving is not.
type Batcher struct {
	signer *ledger.Signer
	prover Prover
	size   int
}

// NewBatcher wires a batcher for the given signing key and prover.
func NewBatcher(signer *ledger.Signer, prover Prover) *Batcher {
	return &Batcher{signer: signer, prover: prover, size: BatchSize}
}

// Size returns the circuit arity this batcher packs to.
func (b *Batcher) Size() int { return b.size }

// validate sorts payments ascending by nonce and checks batch-wide
// invariants. Returns the sorted copy.
func (b *Batcher) validate(payments []core.Payment) ([]core.Payment, error) {
	if len(payments) == 0 {
		return nil, ErrEmptyBatch
	}
	if len(payments) > b.size {
		return nil, ErrBatchTooLarge
	}

	sorted := make([]core.Payment, len(payments))
	copy(sorted, payments)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Nonce.Cmp(sorted[j].Nonce) < 0
	})

	recipient := sorted[0].Recipient
	account := sorted[0].PaymentAccount
	pub := b.signer.Public()
	for i := range sorted {
		p := &sorted[i]
		if p.Recipient != recipient || p.PaymentAccount != account {
			return nil, ErrMixedRecipients
		}
		if i > 0 && p.Nonce.Cmp(sorted[i-1].Nonce) == 0 {
			return nil, ErrDuplicateNonce
		}
		if p.Signature == nil {
			return nil, ErrUnsignedPayment
		}
		if !ledger.VerifyPayment(pub, p) {
			return nil, ErrBadSignature
		}
	}
	return sorted, nil
}

// BuildInput validates payments and produces the padded circuit input plus
// the public signals the resulting proof will expose. Padding slots carry
// the max nonce, zero amount, zero signature components and Enabled=0, so
// the input shape is identical regardless of how full the batch is.
func (b *Batcher) BuildInput(payments []core.Payment) (*CircuitInput, *PublicSignals, error) {
	sorted, err := b.validate(payments)
	if err != nil {
		return nil, nil, err
	}

	recipient := sorted[0].Recipient
	account := sorted[0].PaymentAccount
	recipientScalar, err := ledger.AddressScalar(recipient)
	if err != nil {
		return nil, nil, fmt.Errorf("recipient scalar: %w", err)
	}
	accountScalar, err := ledger.AddressScalar(account)
	if err != nil {
		return nil, nil, fmt.Errorf("payment account scalar: %w", err)
	}

	minNonce := sorted[0].Nonce
	maxNonce := sorted[len(sorted)-1].Nonce
	total := core.NewUint(0)

	pubX, pubY := b.signer.PublicXY()
	in := &CircuitInput{
		PubX:           pubX.String(),
		PubY:           pubY.String(),
		Receiver:       recipientScalar.String(),
		PaymentAccount: accountScalar.String(),
		Nonce:          make([]string, b.size),
		Enabled:        make([]string, b.size),
		PayAmount:      make([]string, b.size),
		R8x:            make([]string, b.size),
		R8y:            make([]string, b.size),
		S:              make([]string, b.size),
	}

	for i := 0; i < b.size; i++ {
		if i < len(sorted) {
			p := sorted[i]
			total = total.Plus(p.Amount)
			in.Nonce[i] = p.Nonce.String()
			in.Enabled[i] = "1"
			in.PayAmount[i] = p.Amount.String()
			in.R8x[i] = p.Signature.R8x.String()
			in.R8y[i] = p.Signature.R8y.String()
			in.S[i] = p.Signature.S.String()
			continue
		}
		in.Nonce[i] = maxNonce.String()
		in.Enabled[i] = "0"
		in.PayAmount[i] = "0"
		in.R8x[i] = "0"
		in.R8y[i] = "0"
		in.S[i] = "0"
	}

	signals := &PublicSignals{
		MinNonce:       minNonce,
		MaxNonce:       maxNonce,
		Amount:         total,
		Recipient:      recipient,
		PaymentAccount: account,
		PubX:           pubX,
		PubY:           pubY,
	}
	return in, signals, nil
}

// Prove validates, packs and proves one batch synchronously.
func (b *Batcher) Prove(ctx context.Context, payments []core.Payment) (*Result, error) {
	input, signals, err := b.BuildInput(payments)
	if err != nil {
		return nil, err
	}
	proof, err := b.prover.Prove(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("prove batch: %w", err)
	}
	return &Result{Proof: proof, Signals: signals}, nil
}

// ProveAsync runs Prove off the caller's loop and delivers the outcome on
// the returned channel. Proof generation must not block lifecycle sweeps or
// transport handling.
func (b *Batcher) ProveAsync(ctx context.Context, payments []core.Payment) <-chan AsyncResult {
	out := make(chan AsyncResult, 1)
	go func() {
		defer close(out)
		res, err := b.Prove(ctx, payments)
		out <- AsyncResult{Result: res, Err: err}
	}()
	return out
}

// AsyncResult is the outcome of a background proving job.
type AsyncResult struct {
	Result *Result
	Err    error
}
