package anpx

// Message is the logical (type, request_id, meta?, body?) tuple the
// codec translates to and from wire frames. Chunking is entirely an
// encoder/decoder concern — callers never see individual chunks.
type Message struct {
	Type Type

	RequestID string

	// HTTPMeta carries the raw JSON of the request's {method,path,headers,
	// query} object. Only meaningful when Type == TypeRequest.
	HTTPMeta []byte

	// RespMeta carries the raw JSON of the response's {status,reason,
	// headers} object. Only meaningful when Type == TypeResponse.
	RespMeta []byte

	// Body is the opaque HTTP body bytes, request or response depending
	// on Type.
	Body []byte
}

func (m Message) tlvFields() []tlv {
	fields := make([]tlv, 0, 3)
	if m.RequestID != "" {
		fields = append(fields, tlv{Tag: TagRequestID, Value: []byte(m.RequestID)})
	}
	if m.HTTPMeta != nil {
		fields = append(fields, tlv{Tag: TagHTTPMeta, Value: m.HTTPMeta})
	}
	if m.RespMeta != nil {
		fields = append(fields, tlv{Tag: TagRespMeta, Value: m.RespMeta})
	}
	if m.Body != nil {
		fields = append(fields, tlv{Tag: TagHTTPBody, Value: m.Body})
	}
	return fields
}
