package storage

// Err is a simple string error helper.
type Err string

func (e Err) Error() string { return string(e) }

var (
	ErrNotFound     = Err("entity not found")
	ErrInvalidKey   = Err("invalid key")
	ErrCodeRedeemed = Err("access code already redeemed")
)
