package anpx

import (
	"hash/crc32"
	"time"
)

// DefaultChunkSize is the chunk_size applied when a caller passes <= 0.
const DefaultChunkSize = 64 * 1024

// verifyBodyCRC checks the CRC-32 of body (the HTTP body content only,
// concatenated across chunks when the message arrived chunked) against
// the value carried in the frame header(s).
func verifyBodyCRC(expected uint32, body []byte) error {
	if got := crc32.ChecksumIEEE(body); got != expected {
		return newErr(ErrBodyCrcMismatch, true, "got %08x, want %08x", got, expected)
	}
	return nil
}

// Encode serializes msg into one or more wire frames. A body longer than
// chunkSize (DefaultChunkSize if <= 0) is split across N = ceil(body_len /
// chunkSize) frames; every chunk carries request_id, chunk_index and
// chunk_total, and only the last carries final_chunk plus the non-body
// TLV (http_meta or resp_meta). body_crc32 is the CRC of the full body on
// every frame of the sequence, so reassembly can validate it without
// tracking per-chunk state.
func Encode(msg Message, chunkSize int) ([][]byte, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	if len(msg.Body) <= chunkSize {
		return [][]byte{encodeSingle(msg)}, nil
	}

	bodyCRC := crc32.ChecksumIEEE(msg.Body)
	n := (len(msg.Body) + chunkSize - 1) / chunkSize
	frames := make([][]byte, 0, n)

	for i := 0; i < n; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(msg.Body) {
			end = len(msg.Body)
		}
		final := i == n-1

		fields := make([]tlv, 0, 6)
		if msg.RequestID != "" {
			fields = append(fields, tlv{Tag: TagRequestID, Value: []byte(msg.RequestID)})
		}
		fields = encodeUint32Field(fields, TagChunkIndex, uint32(i))
		fields = encodeUint32Field(fields, TagChunkTotal, uint32(n))
		if final {
			if msg.Type == TypeRequest && msg.HTTPMeta != nil {
				fields = append(fields, tlv{Tag: TagHTTPMeta, Value: msg.HTTPMeta})
			}
			if msg.Type == TypeResponse && msg.RespMeta != nil {
				fields = append(fields, tlv{Tag: TagRespMeta, Value: msg.RespMeta})
			}
		}
		fields = append(fields, tlv{Tag: TagHTTPBody, Value: msg.Body[start:end]})
		if final {
			fields = append(fields, tlv{Tag: TagFinalChunk, Value: []byte{0x01}})
		}

		frames = append(frames, assembleFrame(msg.Type, true, bodyCRC, fields))
	}
	return frames, nil
}

func encodeSingle(msg Message) []byte {
	bodyCRC := crc32.ChecksumIEEE(msg.Body)
	return assembleFrame(msg.Type, false, bodyCRC, msg.tlvFields())
}

func encodeUint32Field(fields []tlv, tag Tag, v uint32) []tlv {
	var buf [4]byte
	buf[0] = byte(v >> 24)
	buf[1] = byte(v >> 16)
	buf[2] = byte(v >> 8)
	buf[3] = byte(v)
	return append(fields, tlv{Tag: tag, Value: buf[:]})
}

// assembleFrame renders the TLV body and wraps it with the 24-byte header.
func assembleFrame(typ Type, chunked bool, bodyCRC uint32, fields []tlv) []byte {
	var body []byte
	for _, f := range fields {
		body = encodeTLV(body, f.Tag, f.Value)
	}
	totalLen := uint32(HeaderSize + len(body))
	header := encodeHeader(typ, chunked, totalLen, bodyCRC)
	frame := make([]byte, 0, len(header)+len(body))
	frame = append(frame, header...)
	frame = append(frame, body...)
	return frame
}

// Decoder turns a stream of wire frames from one tunnel into logical
// Messages, transparently reassembling chunked sequences. It holds the
// mutable state for exactly one tunnel's read side, matching the
// single-reader-goroutine-per-tunnel ownership model.
type Decoder struct {
	reassembler *Reassembler
}

// NewDecoder creates a Decoder whose chunk reassembly buffers expire
// after idleTTL of inactivity (a default of 300s applies when
// idleTTL <= 0, see NewReassembler).
func NewDecoder(idleTTL time.Duration) *Decoder {
	return &Decoder{reassembler: NewReassembler(idleTTL)}
}

// NewDecoderWithReassembler allows callers to share a pre-built
// Reassembler across decoders, e.g. in tests that need direct access to
// sweepStale.
func NewDecoderWithReassembler(r *Reassembler) *Decoder {
	return &Decoder{reassembler: r}
}

// Decode consumes exactly one wire frame (header + body, no extra
// trailing bytes) and returns a logical Message once it is complete. A
// nil Message with a nil error means the frame was a chunk of a sequence
// that is still incomplete (possibly its final chunk, arriving early).
func (d *Decoder) Decode(frame []byte) (*Message, error) {
	h, err := decodeHeader(frame)
	if err != nil {
		return nil, err
	}
	if uint32(len(frame)) < h.TotalLen {
		return nil, newErr(ErrTruncatedFrame, true, "frame declares %d bytes, got %d", h.TotalLen, len(frame))
	}
	body := frame[HeaderSize:h.TotalLen]
	fields, err := decodeTLVs(body)
	if err != nil {
		return nil, err
	}

	if !h.IsChunked() {
		bodyField, _ := findTLV(fields, TagHTTPBody)
		if err := verifyBodyCRC(h.BodyCRC, bodyField.Value); err != nil {
			return nil, err
		}
		reqIDField, _ := findTLV(fields, TagRequestID)
		metaField, hasMeta := findTLV(fields, TagHTTPMeta)
		respMetaField, hasRespMeta := findTLV(fields, TagRespMeta)

		msg := &Message{
			Type:      h.Type,
			RequestID: string(reqIDField.Value),
			Body:      bodyField.Value,
		}
		if hasMeta {
			msg.HTTPMeta = metaField.Value
		}
		if hasRespMeta {
			msg.RespMeta = respMetaField.Value
		}
		return msg, nil
	}

	reqIDField, ok := findTLV(fields, TagRequestID)
	if !ok {
		return nil, newErr(ErrBadTLV, true, "chunked frame missing request_id")
	}
	return d.reassembler.addChunk(string(reqIDField.Value), h, fields)
}

// Reassembler exposes the decoder's chunk-reassembly state so callers
// can run periodic idle sweeps and discards from the tunnel's owning
// goroutine.
func (d *Decoder) Reassembler() *Reassembler { return d.reassembler }

// SweepStale drops reassembly buffers idle beyond the decoder's idleTTL
// and returns the request ids that were discarded, per spec §3's "buffers
// older than a configurable idle age are garbage-collected" and §4.1's
// ReassemblyTimeout failure kind. Callers fail any pending correlator
// slot depending on a returned request id.
func (d *Decoder) SweepStale() []string {
	return d.reassembler.sweepStale(time.Now())
}
