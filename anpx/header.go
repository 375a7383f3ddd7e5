package anpx

import (
	"encoding/binary"
	"hash/crc32"
)

// Wire layout (24 bytes, big-endian):
//
//	[0:4]   magic        "ANPX"
//	[4]     version      0x01
//	[5]     type         Type
//	[6]     flags        bit0 = chunked
//	[7]     reserved     0x00
//	[8:12]  total_length header(24) + body
//	[12:16] header_crc   CRC-32 of bytes [0:12]
//	[16:20] body_crc     CRC-32 of the full logical body
//	[20:24] reserved tail (zero)
const (
	HeaderSize = 24
	Version    = 0x01
)

var magic = [4]byte{'A', 'N', 'P', 'X'}

// Type identifies the kind of ANPX message.
type Type uint8

const (
	TypeRequest  Type = 0x01
	TypeResponse Type = 0x02
	TypeError    Type = 0xFF
)

const flagChunked uint8 = 0x01

// Header is the fixed 24-byte frame header. It is immutable once built —
// total_length and both CRCs are computed by the encoder before the
// frame is materialized, never mutated after the fact.
type Header struct {
	Version    uint8
	Type       Type
	Flags      uint8
	TotalLen   uint32
	HeaderCRC  uint32
	BodyCRC    uint32
}

// IsChunked reports whether the chunked flag bit is set.
func (h Header) IsChunked() bool { return h.Flags&flagChunked != 0 }

func encodeHeader(typ Type, chunked bool, totalLen uint32, bodyCRC uint32) []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], magic[:])
	buf[4] = Version
	buf[5] = byte(typ)
	if chunked {
		buf[6] = flagChunked
	}
	buf[7] = 0 // reserved
	binary.BigEndian.PutUint32(buf[8:12], totalLen)
	// header_crc is computed over bytes [0:12] and written at [12:16];
	// leave zeroed until after that computation.
	binary.BigEndian.PutUint32(buf[16:20], bodyCRC)

	headerCRC := crc32.ChecksumIEEE(buf[0:12])
	binary.BigEndian.PutUint32(buf[12:16], headerCRC)
	return buf
}

// decodeHeader parses and validates the fixed 24-byte header. It does not
// validate the body CRC — that happens once the body bytes are available.
func decodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, newErr(ErrTruncatedFrame, true, "short header: got %d bytes", len(buf))
	}

	// Validate the CRC over bytes 0..11 before interpreting any field in
	// that range, so a single corrupted bit anywhere in the magic,
	// version, type, flags or total_length always surfaces as
	// HeaderCrcMismatch rather than a field-specific error.
	headerCRC := binary.BigEndian.Uint32(buf[12:16])
	computed := crc32.ChecksumIEEE(buf[0:12])
	if computed != headerCRC {
		return Header{}, newErr(ErrHeaderCrcMismatch, true, "got %08x, want %08x", headerCRC, computed)
	}

	if buf[0] != magic[0] || buf[1] != magic[1] || buf[2] != magic[2] || buf[3] != magic[3] {
		return Header{}, newErr(ErrBadMagic, true, "got %q", buf[0:4])
	}
	if buf[4] != Version {
		return Header{}, newErr(ErrBadVersion, true, "got %d, want %d", buf[4], Version)
	}

	h := Header{
		Version:   buf[4],
		Type:      Type(buf[5]),
		Flags:     buf[6],
		TotalLen:  binary.BigEndian.Uint32(buf[8:12]),
		HeaderCRC: headerCRC,
		BodyCRC:   binary.BigEndian.Uint32(buf[16:20]),
	}
	return h, nil
}
