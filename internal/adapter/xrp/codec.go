package xrp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

// Serialized type codes.
const (
	typeUInt16    = 1
	typeUInt32    = 2
	typeAmount    = 6
	typeBlob      = 7
	typeAccountID = 8
)

// field identifies a serialized field by (type code, field code).
type field struct {
	typ  int
	code int
}

// Payment fields.
var (
	fieldTransactionType    = field{typeUInt16, 2}
	fieldFlags              = field{typeUInt32, 2}
	fieldSequence           = field{typeUInt32, 4}
	fieldDestinationTag     = field{typeUInt32, 14}
	fieldLastLedgerSequence = field{typeUInt32, 27}
	fieldAmount             = field{typeAmount, 1}
	fieldFee                = field{typeAmount, 8}
	fieldSigningPubKey      = field{typeBlob, 3}
	fieldTxnSignature       = field{typeBlob, 4}
	fieldAccount            = field{typeAccountID, 1}
	fieldDestination        = field{typeAccountID, 3}
)

// Hash prefixes.
var (
	prefixTxSign = []byte{0x53, 0x54, 0x58, 0x00} // "STX\0"
	prefixTxID   = []byte{0x54, 0x58, 0x4e, 0x00} // "TXN\0"
)

const (
	txTypePayment       = 0
	tfFullyCanonicalSig = 0x80000000

	// MaxDrops is the total XRP supply in drops.
	MaxDrops = 100_000_000_000_000_000

	nativePositive = 0x4000000000000000
)

// header encodes a field id in one to three bytes.
func (f field) header() []byte {
	switch {
	case f.typ < 16 && f.code < 16:
		return []byte{byte(f.typ<<4 | f.code)}
	case f.typ < 16:
		return []byte{byte(f.typ << 4), byte(f.code)}
	case f.code < 16:
		return []byte{byte(f.code), byte(f.typ)}
	default:
		return []byte{0, byte(f.typ), byte(f.code)}
	}
}

// encodeVL returns the variable length prefix for n bytes.
func encodeVL(n int) ([]byte, error) {
	switch {
	case n <= 192:
		return []byte{byte(n)}, nil
	case n <= 12480:
		n -= 193
		return []byte{byte(193 + n>>8), byte(n)}, nil
	case n <= 918744:
		n -= 12481
		return []byte{byte(241 + n>>16), byte(n >> 8), byte(n)}, nil
	default:
		return nil, fmt.Errorf("vl length %d too large", n)
	}
}

// encodeNativeAmount encodes drops as a positive native amount.
func encodeNativeAmount(drops uint64) ([]byte, error) {
	if drops > MaxDrops {
		return nil, fmt.Errorf("amount %d drops exceeds supply", drops)
	}
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, nativePositive|drops)
	return out, nil
}

type encodedField struct {
	f     field
	value []byte
}

// fieldSet collects encoded field values and serializes them in canonical
// order.
type fieldSet []encodedField

func (s *fieldSet) uint16(f field, v uint16) {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	*s = append(*s, encodedField{f, b})
}

func (s *fieldSet) uint32(f field, v uint32) {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	*s = append(*s, encodedField{f, b})
}

func (s *fieldSet) amount(f field, drops uint64) error {
	b, err := encodeNativeAmount(drops)
	if err != nil {
		return err
	}
	*s = append(*s, encodedField{f, b})
	return nil
}

func (s *fieldSet) vl(f field, data []byte) error {
	prefix, err := encodeVL(len(data))
	if err != nil {
		return err
	}
	*s = append(*s, encodedField{f, append(prefix, data...)})
	return nil
}

// serialize writes the fields sorted by (type code, field code).
func (s fieldSet) serialize() []byte {
	sorted := append(fieldSet(nil), s...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].f.typ != sorted[j].f.typ {
			return sorted[i].f.typ < sorted[j].f.typ
		}
		return sorted[i].f.code < sorted[j].f.code
	})
	var buf bytes.Buffer
	for _, ef := range sorted {
		buf.Write(ef.f.header())
		buf.Write(ef.value)
	}
	return buf.Bytes()
}
