package rxdjango

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// SpanId is a monotonic, sortable identifier used for trace correlation
// inside a single process. It is never sent over the wire; RPC callId
// values use callIdGenerator instead, since the wire protocol requires
// a plain integer (§6).
type SpanId [16]byte

func NewSpanId() SpanId {
	return SpanId(ulid.Make())
}

func (self SpanId) String() string {
	return encodeSpanId(self)
}

// LessThan orders SpanIds by their embedded ulid timestamp, then
// entropy, matching ulid.ULID's byte-lexicographic ordering. SpanIds
// minted from the same process sort in creation order.
func (self SpanId) LessThan(other SpanId) bool {
	return bytes.Compare(self[:], other[:]) < 0
}

func (self *SpanId) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('"')
	buf.WriteString(encodeSpanId(*self))
	buf.WriteByte('"')
	return buf.Bytes(), nil
}

func (self *SpanId) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for SpanId: %v", len(src))
	}
	id, err := parseSpanId(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = id
	return nil
}

func encodeSpanId(src SpanId) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

func parseSpanId(src string) (dst SpanId, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		return dst, fmt.Errorf("cannot parse SpanId %v", src)
	}
	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}
	copy(dst[:], buf)
	return dst, err
}
