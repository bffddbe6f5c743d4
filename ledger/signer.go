// Package ledger issues strictly-increasing, signed payments per worker.
package ledger

import (
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/iden3/go-iden3-crypto/babyjub"
	"github.com/iden3/go-iden3-crypto/poseidon"

	"taskmesh-backend/core"
)

// Signer holds the manager's BabyJubJub private key and produces EdDSA
// signatures over Poseidon digests of payments.
type Signer struct {
	priv babyjub.PrivateKey
}

// NewSigner builds a Signer from a 32-byte seed.
func NewSigner(seed []byte) (*Signer, error) {
	if len(seed) != 32 {
		return nil, fmt.Errorf("signer seed must be 32 bytes, got %d", len(seed))
	}
	var priv babyjub.PrivateKey
	copy(priv[:], seed)
	return &Signer{priv: priv}, nil
}

// NewSignerFromHex builds a Signer from a hex-encoded 32-byte seed.
func NewSignerFromHex(s string) (*Signer, error) {
	seed, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode signer seed: %w", err)
	}
	return NewSigner(seed)
}

// NewRandomSigner generates a fresh key. Intended for tests and demos; a
// production manager loads its key from configuration.
func NewRandomSigner() *Signer {
	return &Signer{priv: babyjub.NewRandPrivKey()}
}

// Public returns the signing public key.
func (s *Signer) Public() *babyjub.PublicKey { return s.priv.Public() }

// PublicHex returns the compressed public key as hex. Used as the signer
// component of payment keys.
func (s *Signer) PublicHex() string {
	comp := s.priv.Public().Compress()
	return hex.EncodeToString(comp[:])
}

// PublicXY returns the public key's curve coordinates as seen by the circuit.
func (s *Signer) PublicXY() (core.Uint, core.Uint) {
	pub := s.priv.Public()
	x, _ := core.UintFromBig(pub.X)
	y, _ := core.UintFromBig(pub.Y)
	return x, y
}

// SignPayment signs the Poseidon digest of (nonce, recipient, account,
// amount) and returns the R8 point and S scalar.
func (s *Signer) SignPayment(p *core.Payment) (*core.Signature, error) {
	msg, err := PaymentDigest(p)
	if err != nil {
		return nil, err
	}
	sig := s.priv.SignPoseidon(msg)
	r8x, err := core.UintFromBig(sig.R8.X)
	if err != nil {
		return nil, err
	}
	r8y, err := core.UintFromBig(sig.R8.Y)
	if err != nil {
		return nil, err
	}
	ss, err := core.UintFromBig(sig.S)
	if err != nil {
		return nil, err
	}
	return &core.Signature{R8x: r8x, R8y: r8y, S: ss}, nil
}

// PaymentDigest computes the Poseidon hash binding nonce, recipient,
// payment account and amount. The signature over this digest is what makes
// a payment non-replayable and non-forgeable.
func PaymentDigest(p *core.Payment) (*big.Int, error) {
	recipient, err := AddressScalar(p.Recipient)
	if err != nil {
		return nil, err
	}
	account, err := AddressScalar(p.PaymentAccount)
	if err != nil {
		return nil, err
	}
	return poseidon.Hash([]*big.Int{p.Nonce.BigInt(), recipient, account, p.Amount.BigInt()})
}

// AddressScalar maps an address string into the scalar field the circuit
// works over.
func AddressScalar(addr string) (*big.Int, error) {
	return poseidon.HashBytes([]byte(addr))
}

// VerifyPayment checks a payment's signature against pub.
func VerifyPayment(pub *babyjub.PublicKey, p *core.Payment) bool {
	if p.Signature == nil {
		return false
	}
	msg, err := PaymentDigest(p)
	if err != nil {
		return false
	}
	sig := &babyjub.Signature{
		R8: &babyjub.Point{X: p.Signature.R8x.BigInt(), Y: p.Signature.R8y.BigInt()},
		S:  p.Signature.S.BigInt(),
	}
	return pub.VerifyPoseidon(msg, sig)
}
