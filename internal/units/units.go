// Package units converts between human token amounts and the ledger's smallest
// indivisible unit, and owns the hex encoding used in transfer instructions.
package units

import (
	"encoding/hex"
	"fmt"
	"math"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/yourorg/stake-reward-distributor/internal/model"
)

// DefaultDecimals is the precision of most ledger tokens.
const DefaultDecimals int32 = 18

// ToUnits converts a token amount to smallest units, truncating anything
// below one unit.
func ToUnits(amount decimal.Decimal, decimals int32) (*uint256.Int, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("negative amount %s", amount)
	}
	b := amount.Shift(decimals).Truncate(0).BigInt()
	u, overflow := uint256.FromBig(b)
	if overflow {
		return nil, fmt.Errorf("amount %s overflows 256 bits", amount)
	}
	return u, nil
}

// FromUnits converts smallest units back to a token amount.
func FromUnits(u *uint256.Int, decimals int32) decimal.Decimal {
	if u == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(u.ToBig(), -decimals)
}

// FromFloat converts a float token amount using its shortest decimal
// representation, so 0.85 becomes exactly 850000000000000000 at 18 decimals.
func FromFloat(f float64, decimals int32) (*uint256.Int, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("invalid amount %v", f)
	}
	return ToUnits(decimal.NewFromFloat(f), decimals)
}

// EncodeHex renders an amount as a 0x-prefixed base-16 string whose digit
// count is always even. uint256's own Hex drops leading zeros, which yields
// odd-length strings for roughly half of all amounts (0.85 and 1.0 tokens
// included), and byte-oriented decoders reject those.
func EncodeHex(u *uint256.Int) string {
	if u == nil {
		u = new(uint256.Int)
	}
	digits := strings.TrimPrefix(u.Hex(), "0x")
	if len(digits)%2 == 1 {
		digits = "0" + digits
	}
	return "0x" + digits
}

// CheckHex asserts an encoded amount is safe to embed in a transfer instruction.
func CheckHex(s string) error {
	if !strings.HasPrefix(s, "0x") {
		return fmt.Errorf("%w: %q lacks 0x prefix", model.ErrEncodingInvalid, s)
	}
	digits := s[2:]
	if len(digits) == 0 || len(digits)%2 != 0 {
		return fmt.Errorf("%w: %q has odd or empty digit count", model.ErrEncodingInvalid, s)
	}
	if len(digits) > 64 {
		return fmt.Errorf("%w: %q exceeds 32 bytes", model.ErrEncodingInvalid, s)
	}
	if _, err := hex.DecodeString(digits); err != nil {
		return fmt.Errorf("%w: %q: %v", model.ErrEncodingInvalid, s, err)
	}
	return nil
}

// DecodeHex parses an encoded amount produced by EncodeHex.
func DecodeHex(s string) (*uint256.Int, error) {
	if err := CheckHex(s); err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(s[2:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrEncodingInvalid, err)
	}
	return new(uint256.Int).SetBytes(raw), nil
}

// Bytes32 returns the amount as a big-endian 32-byte word, decoded from its
// hex encoding so a malformed string can never reach the ledger.
func Bytes32(encoded string) ([]byte, error) {
	if err := CheckHex(encoded); err != nil {
		return nil, err
	}
	raw, _ := hex.DecodeString(encoded[2:])
	word := make([]byte, 32)
	copy(word[32-len(raw):], raw)
	return word, nil
}
