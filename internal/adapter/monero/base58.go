package monero

import (
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

// Monero's base58 splits input into 8-byte blocks, each encoded to a
// fixed width padded with the zero digit '1'. A standard base58 encoding
// of one block, left-padded with '1', is exactly that.
const (
	fullBlockSize        = 8
	fullEncodedBlockSize = 11
)

var encodedBlockSizes = [...]int{0, 2, 3, 5, 6, 7, 9, 10, 11}

// EncodeBase58 encodes data with Monero's block base58.
func EncodeBase58(data []byte) string {
	var sb strings.Builder
	for len(data) > 0 {
		n := min(fullBlockSize, len(data))
		enc := base58.Encode(data[:n])
		size := encodedBlockSizes[n]
		sb.WriteString(strings.Repeat("1", size-len(enc)))
		sb.WriteString(enc)
		data = data[n:]
	}
	return sb.String()
}

// DecodeBase58 reverses EncodeBase58.
func DecodeBase58(s string) ([]byte, error) {
	out := make([]byte, 0, len(s)*fullBlockSize/fullEncodedBlockSize+fullBlockSize)
	for len(s) > 0 {
		chunk := min(fullEncodedBlockSize, len(s))
		n := blockSizeFor(chunk)
		if n < 0 {
			return nil, fmt.Errorf("invalid base58 block length %d", chunk)
		}
		raw, err := base58.Decode(s[:chunk])
		if err != nil {
			return nil, fmt.Errorf("invalid base58 block %q: %w", s[:chunk], err)
		}
		if len(raw) > n {
			for _, b := range raw[:len(raw)-n] {
				if b != 0 {
					return nil, fmt.Errorf("base58 block %q overflows %d bytes", s[:chunk], n)
				}
			}
			raw = raw[len(raw)-n:]
		}
		out = append(out, make([]byte, n-len(raw))...)
		out = append(out, raw...)
		s = s[chunk:]
	}
	return out, nil
}

func blockSizeFor(encoded int) int {
	for n, size := range encodedBlockSizes {
		if size == encoded {
			return n
		}
	}
	return -1
}
