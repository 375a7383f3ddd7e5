package anpx

import (
	"sync"
	"time"
)

// reassembly is the accumulator for one chunked request_id. Chunk value
// slices are stored by index so that out-of-order and duplicate arrival
// can be detected and tolerated per spec §4.1.
type reassembly struct {
	msgType    Type
	bodyCRC    uint32
	httpMeta   []byte // non-body TLVs travel on the final chunk only
	respMeta   []byte
	chunks     map[uint32][]byte
	total      uint32 // 0 means unknown until final_chunk seen
	haveTotal  bool
	finalSeen  bool
	finalIndex uint32
	updatedAt  time.Time
}

// Reassembler tracks in-flight chunked messages across one tunnel's
// decode stream, keyed by request_id. Every method takes mu, so the
// tunnel's single reader goroutine and its periodic stale-buffer sweep
// can use the same Reassembler concurrently.
type Reassembler struct {
	mu      sync.Mutex
	idleTTL time.Duration
	bufs    map[string]*reassembly
}

// NewReassembler creates a Reassembler that drops buffers idle longer
// than idleTTL (spec default 300s).
func NewReassembler(idleTTL time.Duration) *Reassembler {
	if idleTTL <= 0 {
		idleTTL = 300 * time.Second
	}
	return &Reassembler{
		idleTTL: idleTTL,
		bufs:    make(map[string]*reassembly),
	}
}

// addChunk merges one decoded chunk frame into its reassembly buffer and
// returns the completed Message once the sequence is whole. A nil
// Message with a nil error means more chunks are still expected.
func (r *Reassembler) addChunk(requestID string, h Header, fields []tlv) (*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rb, ok := r.bufs[requestID]
	if !ok {
		rb = &reassembly{msgType: h.Type, bodyCRC: h.BodyCRC, chunks: make(map[uint32][]byte)}
		r.bufs[requestID] = rb
	}
	rb.updatedAt = time.Now()

	idx, ok := findUint32TLV(fields, TagChunkIndex)
	if !ok {
		delete(r.bufs, requestID)
		return nil, newErr(ErrBadTLV, false, "chunk missing chunk_index for request %s", requestID)
	}
	if _, dup := rb.chunks[idx]; dup {
		delete(r.bufs, requestID)
		return nil, newErr(ErrDuplicateChunkIndex, false, "duplicate chunk_index %d for request %s", idx, requestID)
	}

	if total, ok := findUint32TLV(fields, TagChunkTotal); ok {
		rb.total = total
		rb.haveTotal = true
		if idx >= total {
			delete(r.bufs, requestID)
			return nil, newErr(ErrChunkIndexOutOfRange, false, "chunk_index %d >= chunk_total %d", idx, total)
		}
	}

	if bodyField, ok := findTLV(fields, TagHTTPBody); ok {
		rb.chunks[idx] = bodyField.Value
	} else {
		rb.chunks[idx] = nil
	}

	if metaField, ok := findTLV(fields, TagHTTPMeta); ok {
		rb.httpMeta = metaField.Value
	}
	if metaField, ok := findTLV(fields, TagRespMeta); ok {
		rb.respMeta = metaField.Value
	}

	if finalField, ok := findTLV(fields, TagFinalChunk); ok && len(finalField.Value) == 1 && finalField.Value[0] == 0x01 {
		rb.finalSeen = true
		rb.finalIndex = idx
	}

	complete := rb.finalSeen || (rb.haveTotal && uint32(len(rb.chunks)) == rb.total)
	if !complete {
		return nil, nil
	}

	// finalSeen alone (chunk_total absent) means the final chunk's index
	// is the highest index: the sequence spans 0..finalIndex inclusive.
	expectedCount := rb.total
	if !rb.haveTotal {
		expectedCount = rb.finalIndex + 1
	}
	if uint32(len(rb.chunks)) != expectedCount {
		// Final chunk arrived but earlier chunks are still missing;
		// keep waiting rather than assembling a short body.
		return nil, nil
	}

	body := make([]byte, 0, 4096)
	for i := uint32(0); i < expectedCount; i++ {
		part, ok := rb.chunks[i]
		if !ok {
			delete(r.bufs, requestID)
			return nil, newErr(ErrChunkIndexOutOfRange, false, "missing chunk %d of %d for request %s", i, expectedCount, requestID)
		}
		body = append(body, part...)
	}

	msg := &Message{
		Type:      rb.msgType,
		RequestID: requestID,
		HTTPMeta:  rb.httpMeta,
		RespMeta:  rb.respMeta,
		Body:      body,
	}
	delete(r.bufs, requestID)

	if err := verifyBodyCRC(rb.bodyCRC, body); err != nil {
		return nil, err
	}
	return msg, nil
}

// sweepStale drops reassembly buffers idle beyond idleTTL and returns the
// request ids that were discarded, so the caller (the tunnel's owner) can
// fail any pending slot depending on them.
func (r *Reassembler) sweepStale(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stale []string
	for id, rb := range r.bufs {
		if now.Sub(rb.updatedAt) > r.idleTTL {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		delete(r.bufs, id)
	}
	return stale
}

// discard drops any in-flight reassembly for requestID, used when a chunk
// in that sequence fails validation.
func (r *Reassembler) discard(requestID string) {
	r.mu.Lock()
	delete(r.bufs, requestID)
	r.mu.Unlock()
}
