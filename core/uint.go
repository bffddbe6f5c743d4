package core

import (
	"fmt"
	"math/big"
	"strings"
)

// Uint is an arbitrary-precision unsigned integer used for nonces, rewards
// and payment amounts. It JSON-encodes as a decimal string so values survive
// any JSON round-trip losslessly, on the wire and on disk.
type Uint struct {
	v big.Int
}

// NewUint returns a Uint holding x.
func NewUint(x uint64) Uint {
	var u Uint
	u.v.SetUint64(x)
	return u
}

// UintFromBig returns a Uint holding a copy of x. Negative values are invalid.
func UintFromBig(x *big.Int) (Uint, error) {
	if x == nil || x.Sign() < 0 {
		return Uint{}, fmt.Errorf("uint: negative or nil value")
	}
	var u Uint
	u.v.Set(x)
	return u, nil
}

// ParseUint parses a decimal string into a Uint.
func ParseUint(s string) (Uint, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Uint{}, fmt.Errorf("uint: empty string")
	}
	var v big.Int
	if _, ok := v.SetString(s, 10); !ok || v.Sign() < 0 {
		return Uint{}, fmt.Errorf("uint: invalid decimal %q", s)
	}
	var u Uint
	u.v.Set(&v)
	return u, nil
}

// Add returns u + n without mutating u.
func (u Uint) Add(n uint64) Uint {
	var r Uint
	r.v.Add(&u.v, new(big.Int).SetUint64(n))
	return r
}

// Plus returns u + o without mutating either operand.
func (u Uint) Plus(o Uint) Uint {
	var r Uint
	r.v.Add(&u.v, &o.v)
	return r
}

// Cmp compares u and o, returning -1, 0 or 1.
func (u Uint) Cmp(o Uint) int { return u.v.Cmp(&o.v) }

// IsZero reports whether u equals zero.
func (u Uint) IsZero() bool { return u.v.Sign() == 0 }

// Uint64 returns the value as uint64; callers use it only for
// known-small values (counters, test fixtures).
func (u Uint) Uint64() uint64 { return u.v.Uint64() }

// BigInt returns a copy of the underlying big integer.
func (u Uint) BigInt() *big.Int { return new(big.Int).Set(&u.v) }

func (u Uint) String() string { return u.v.String() }

// MarshalJSON encodes the value as a quoted decimal string.
func (u Uint) MarshalJSON() ([]byte, error) {
	return []byte(`"` + u.v.String() + `"`), nil
}

// UnmarshalJSON accepts both a quoted decimal string and a bare JSON number.
func (u *Uint) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := ParseUint(s)
	if err != nil {
		return err
	}
	u.v.Set(&parsed.v)
	return nil
}
