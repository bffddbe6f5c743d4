// Package proofs packs windows of signed payments into the fixed-shape
// input of a zero-knowledge settlement circuit.
package proofs

import (
	"context"

	"taskmesh-backend/core"
)

// BatchSize is the circuit arity: every proof covers exactly this many
// payment slots, real or padded.
const BatchSize = 10

// CircuitInput is the fixed-shape numeric input handed to the prover. All
// values are decimal strings, the convention of circom-style provers. Array
// fields always have length BatchSize; slots beyond the real batch carry
// padding and Enabled=0.
type CircuitInput struct {
	PubX           string   `json:"pubX"`
	PubY           string   `json:"pubY"`
	Receiver       string   `json:"receiver"`
	PaymentAccount string   `json:"paymentAccount"`
	Nonce          []string `json:"nonce"`
	Enabled        []string `json:"enabled"`
	PayAmount      []string `json:"payAmount"`
	R8x            []string `json:"R8x"`
	R8y            []string `json:"R8y"`
	S              []string `json:"S"`
}

// Proof is the succinct settlement proof in groth16 shape.
type Proof struct {
	PiA      []string   `json:"pi_a"`
	PiB      [][]string `json:"pi_b"`
	PiC      []string   `json:"pi_c"`
	Protocol string     `json:"protocol"`
	Curve    string     `json:"curve"`
}

// PublicSignals are the non-secret proof outputs the on-chain verifier
// checks: it confirms every signature in the nonce range, sums the amounts,
// and releases Amount to Recipient while advancing its nonce floor past
// MaxNonce.
type PublicSignals struct {
	MinNonce       core.Uint `json:"minNonce"`
	MaxNonce       core.Uint `json:"maxNonce"`
	Amount         core.Uint `json:"amount"`
	Recipient      string    `json:"recipient"`
	PaymentAccount string    `json:"paymentAccount"`
	PubX           core.Uint `json:"pubX"`
	PubY           core.Uint `json:"pubY"`
}

// Prover is the external zero-knowledge prover: a black box taking the
// fixed-shape input and returning a proof. Proving is CPU-bound and may take
// seconds; callers run it off the control loop.
type Prover interface {
	Prove(ctx context.Context, input *CircuitInput) (*Proof, error)
}

// Result pairs a proof with its public signals.
type Result struct {
	Proof   *Proof
	Signals *PublicSignals
}
