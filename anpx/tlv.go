package anpx

import "encoding/binary"

// Tag identifies a TLV field within an ANPX body.
type Tag uint8

const (
	TagRequestID   Tag = 0x01
	TagHTTPMeta    Tag = 0x02
	TagHTTPBody    Tag = 0x03
	TagRespMeta    Tag = 0x04
	TagChunkIndex  Tag = 0x0A
	TagChunkTotal  Tag = 0x0B
	TagFinalChunk  Tag = 0x0C
)

// reservedTagLow/High bound the reserved tag range (0xF0..0xFF) that
// future protocol versions may define; unknown tags outside recognized
// values are skipped by length, never rejected.
const (
	reservedTagLow  = 0xF0
	reservedTagHigh = 0xFF
)

// tlv is a single decoded (tag, value) pair.
type tlv struct {
	Tag   Tag
	Value []byte
}

// encodeTLV appends one TLV triple (1-byte tag, 4-byte BE length, value)
// to dst and returns the extended slice.
func encodeTLV(dst []byte, tag Tag, value []byte) []byte {
	dst = append(dst, byte(tag))
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(value)))
	dst = append(dst, lenBuf[:]...)
	dst = append(dst, value...)
	return dst
}

// decodeTLVs parses every TLV triple in body. Unknown tags are kept (the
// caller decides what to do with them) since skip-by-length tolerance is
// the wire contract, not a parse-time decision.
func decodeTLVs(body []byte) ([]tlv, error) {
	var out []tlv
	off := 0
	for off < len(body) {
		if off+5 > len(body) {
			return nil, newErr(ErrBadTLV, false, "truncated TLV header at offset %d", off)
		}
		tag := Tag(body[off])
		length := binary.BigEndian.Uint32(body[off+1 : off+5])
		valStart := off + 5
		valEnd := valStart + int(length)
		if valEnd < valStart || valEnd > len(body) {
			return nil, newErr(ErrBadTLV, false, "TLV value overruns body: tag=%d len=%d", tag, length)
		}
		out = append(out, tlv{Tag: tag, Value: body[valStart:valEnd]})
		off = valEnd
	}
	return out, nil
}

func findTLV(fields []tlv, tag Tag) (tlv, bool) {
	for _, f := range fields {
		if f.Tag == tag {
			return f, true
		}
	}
	return tlv{}, false
}

func findUint32TLV(fields []tlv, tag Tag) (uint32, bool) {
	f, ok := findTLV(fields, tag)
	if !ok || len(f.Value) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(f.Value), true
}
