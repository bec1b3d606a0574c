// Package passenc implements the device-panel PIN obfuscation used when
// registering a password-protected scan destination (see BRID in the
// registration descriptor).
package passenc

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrInvalidLength is returned by Encode when the password is not exactly
// 4 ASCII bytes.
var ErrInvalidLength = errors.New("password must be exactly 4 bytes")

// permutation maps input bit position k to the output bit position it feeds:
// permutation[k] is where input bit k lands. Bit 0 is the LSB of byte 0,
// bit 8 the LSB of byte 1, and so on.
var permutation = [32]int{
	5, 10, 31, 24, 8, 30, 28, 1,
	17, 13, 12, 14, 27, 3, 21, 22,
	29, 20, 0, 7, 16, 11, 25, 4,
	19, 18, 6, 26, 9, 2, 15, 23,
}

var xorKey = [4]byte{0xCA, 0xFE, 0x28, 0xA9}

// Encode permutes and XOR-obfuscates a 4-byte device password, returning an
// 8-character uppercase hex string (BRID). The same input always yields the
// same output.
func Encode(password [4]byte) string {
	var in [32]bool
	for i, b := range password {
		for j := 0; j < 8; j++ {
			in[8*i+j] = b&(1<<uint(j)) != 0
		}
	}

	var out [32]bool
	for k := 0; k < 32; k++ {
		out[permutation[k]] = in[k]
	}

	var raw [4]byte
	for i := 0; i < 4; i++ {
		var b byte
		for j := 0; j < 8; j++ {
			if out[8*i+j] {
				b |= 1 << uint(j)
			}
		}
		raw[i] = b ^ xorKey[i]
	}

	return fmt.Sprintf("%02X%02X%02X%02X", raw[0], raw[1], raw[2], raw[3])
}

// EncodeString validates and encodes a password supplied as a string, as it
// arrives from configuration.
func EncodeString(password string) (string, error) {
	if len(password) != 4 {
		return "", errors.Wrapf(ErrInvalidLength, "got %d bytes", len(password))
	}
	var buf [4]byte
	copy(buf[:], password)
	return Encode(buf), nil
}
