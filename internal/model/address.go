package model

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

// AddressLength is the size of a participant identity in bytes.
const AddressLength = 32

// Address is an opaque 32-byte participant identity. 20-byte account
// addresses are stored right-aligned, the same way an ABI word carries them.
type Address [AddressLength]byte

// ParseAddress accepts 0x-prefixed hex (20 or 32 bytes) or base58 (32 bytes).
func ParseAddress(s string) (Address, error) {
	var a Address
	s = strings.TrimSpace(s)
	if s == "" {
		return a, fmt.Errorf("empty address")
	}

	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		raw, err := hex.DecodeString(s[2:])
		if err != nil {
			return a, fmt.Errorf("invalid hex address %q: %w", s, err)
		}
		switch len(raw) {
		case 20:
			copy(a[AddressLength-20:], raw)
		case AddressLength:
			copy(a[:], raw)
		default:
			return a, fmt.Errorf("invalid hex address %q: %d bytes", s, len(raw))
		}
		return a, nil
	}

	raw, err := base58.Decode(s)
	if err != nil {
		return a, fmt.Errorf("invalid base58 address %q: %w", s, err)
	}
	if len(raw) != AddressLength {
		return a, fmt.Errorf("invalid base58 address %q: %d bytes", s, len(raw))
	}
	copy(a[:], raw)
	return a, nil
}

// MustParseAddress is ParseAddress for constants and tests.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool {
	return a == Address{}
}

// IsShort reports whether the address is a right-aligned 20-byte account.
func (a Address) IsShort() bool {
	for _, b := range a[:AddressLength-20] {
		if b != 0 {
			return false
		}
	}
	return true
}

// String renders short addresses as 20-byte hex and full identities as 32-byte hex.
func (a Address) String() string {
	if a.IsShort() {
		return "0x" + hex.EncodeToString(a[AddressLength-20:])
	}
	return "0x" + hex.EncodeToString(a[:])
}

// Base58 renders the full 32-byte identity in base58.
func (a Address) Base58() string {
	return base58.Encode(a[:])
}

// MarshalText implements encoding.TextMarshaler so addresses read well in JSON.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
