// Package varint implements unsigned LEB128 variable-length integer
// encoding: 7 data bits per byte, continuation bit set on all but the last
// byte, low-order groups first. It is the self-delimiting integer encoding
// used throughout the BM25 index's binary layout.
package varint

import (
	"strconv"

	pwerrors "github.com/pocketwiki/pocketwikirag/internal/errors"
)

// maxBytes bounds a well-formed varint to 10 bytes: ceil(64/7) groups.
const maxBytes = 10

// Encode returns the LEB128 encoding of x, 1 to 10 bytes long.
func Encode(x uint64) []byte {
	buf := make([]byte, 0, maxBytes)
	for {
		b := byte(x & 0x7f)
		x >>= 7
		if x != 0 {
			b |= 0x80
		}
		buf = append(buf, b)
		if x == 0 {
			return buf
		}
	}
}

// AppendEncode appends the LEB128 encoding of x to dst and returns the
// extended slice, avoiding an intermediate allocation for callers building a
// larger buffer incrementally.
func AppendEncode(dst []byte, x uint64) []byte {
	for {
		b := byte(x & 0x7f)
		x >>= 7
		if x != 0 {
			b |= 0x80
		}
		dst = append(dst, b)
		if x == 0 {
			return dst
		}
	}
}

// Decode reads a varint starting at pos in b and returns the decoded value
// along with the position immediately after it. It fails with
// ErrCodeMalformedVarint if the stream ends mid-varint or the encoded value
// would exceed 64 bits.
func Decode(b []byte, pos int) (uint64, int, error) {
	var result uint64
	var shift uint

	for i := 0; i < maxBytes; i++ {
		if pos >= len(b) {
			return 0, pos, pwerrors.New(pwerrors.ErrCodeMalformedVarint, "varint: truncated stream", nil).
				WithDetail("pos", strconv.Itoa(pos))
		}
		byt := b[pos]
		pos++

		if shift == 63 && byt > 1 {
			return 0, pos, pwerrors.New(pwerrors.ErrCodeMalformedVarint, "varint: value exceeds 64 bits", nil)
		}

		result |= uint64(byt&0x7f) << shift

		if byt&0x80 == 0 {
			return result, pos, nil
		}
		shift += 7
	}

	return 0, pos, pwerrors.New(pwerrors.ErrCodeMalformedVarint, "varint: exceeds maximum length", nil)
}

