// Package address parses and formats account addresses.
//
// One 20-byte account has two accepted spellings:
//   - TRON base58check ("T..."), the canonical form used in responses
//   - hex, with or without 0x, either 20 bytes (EVM) or 21 bytes with the 0x41 TRON prefix
package address

import (
	"bytes"
	"crypto/sha256"
	"database/sql/driver"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mr-tron/base58"
)

// tronPrefix is the network byte prepended to every TRON mainnet/testnet address.
const tronPrefix = 0x41

// Length is the size of an account identifier in bytes.
const Length = 20

// ErrInvalid is returned for anything that is not a well-formed address.
var ErrInvalid = errors.New("address: invalid")

// Address is a 20-byte account identifier.
type Address [Length]byte

// Zero is the all-zero address. It is never a legal escrow party.
var Zero Address

// Parse accepts base58check or hex input and returns the account.
func Parse(s string) (Address, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return Zero, fmt.Errorf("%w: empty", ErrInvalid)
	case strings.HasPrefix(s, "T") && len(s) == 34:
		return parseBase58(s)
	case common.IsHexAddress(s):
		return Address(common.HexToAddress(s)), nil
	default:
		return parseTronHex(s)
	}
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Address {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromCommon converts a go-ethereum address.
func FromCommon(c common.Address) Address {
	return Address(c)
}

func parseBase58(s string) (Address, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return Zero, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if len(raw) != 1+Length+4 {
		return Zero, fmt.Errorf("%w: decoded length %d", ErrInvalid, len(raw))
	}
	payload, sum := raw[:1+Length], raw[1+Length:]
	if payload[0] != tronPrefix {
		return Zero, fmt.Errorf("%w: network prefix 0x%02x", ErrInvalid, payload[0])
	}
	if !bytes.Equal(checksum(payload), sum) {
		return Zero, fmt.Errorf("%w: checksum mismatch", ErrInvalid)
	}
	var a Address
	copy(a[:], payload[1:])
	return a, nil
}

func parseTronHex(s string) (Address, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(s), "0x"))
	if err != nil || len(raw) != 1+Length || raw[0] != tronPrefix {
		return Zero, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	var a Address
	copy(a[:], raw[1:])
	return a, nil
}

func checksum(payload []byte) []byte {
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	return second[:4]
}

// String returns the base58check form.
func (a Address) String() string {
	payload := make([]byte, 0, 1+Length+4)
	payload = append(payload, tronPrefix)
	payload = append(payload, a[:]...)
	payload = append(payload, checksum(payload)...)
	return base58.Encode(payload)
}

// Hex returns the lowercase 0x-prefixed 20-byte form.
func (a Address) Hex() string {
	return "0x" + hex.EncodeToString(a[:])
}

// Common returns the go-ethereum representation.
func (a Address) Common() common.Address {
	return common.Address(a)
}

// IsZero reports whether a is the zero address.
func (a Address) IsZero() bool {
	return a == Zero
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Value stores the canonical base58 form.
func (a Address) Value() (driver.Value, error) {
	return a.String(), nil
}

// Scan reads either spelling back from the database.
func (a *Address) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return a.UnmarshalText([]byte(v))
	case []byte:
		return a.UnmarshalText(v)
	case nil:
		*a = Zero
		return nil
	default:
		return fmt.Errorf("%w: cannot scan %T", ErrInvalid, src)
	}
}
