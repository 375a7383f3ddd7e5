package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// UnmarshalStrict decodes data into v like json.Unmarshal, but first
// rejects any JSON object (at any nesting depth) that repeats a key, per
// spec §6's "JSON TLVs are UTF-8, strict (duplicate keys disallowed)".
// The standard decoder alone lets the last occurrence silently win, which
// the wire contract does not permit for http_meta and resp_meta payloads
// arriving from an untrusted tunnel.
func UnmarshalStrict(data []byte, v any) error {
	if err := checkNoDuplicateKeys(data); err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// ErrDuplicateKey reports a JSON object that repeated a key.
type ErrDuplicateKey struct {
	Key string
}

func (e *ErrDuplicateKey) Error() string {
	return fmt.Sprintf("wire: duplicate JSON key %q", e.Key)
}

// jsonFrame tracks one level of object/array nesting while walking
// json.Decoder's token stream. For object frames, expectKey alternates
// on every token consumed directly inside the frame: true before a key,
// false after a key while its value is awaited.
type jsonFrame struct {
	isObject  bool
	expectKey bool
	seen      map[string]struct{}
}

// checkNoDuplicateKeys walks data's full token stream with
// json.Decoder.Token, which reports '{', '[', '}', ']' delimiters and
// scalar values but does not itself distinguish an object key from a
// string value — that parity has to be tracked by the caller, one frame
// per nesting level, which is what this does.
func checkNoDuplicateKeys(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	var stack []*jsonFrame

	consumeValue := func() {
		if len(stack) == 0 {
			return
		}
		top := stack[len(stack)-1]
		if top.isObject {
			top.expectKey = true
		}
	}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		switch t := tok.(type) {
		case json.Delim:
			switch t {
			case '{':
				stack = append(stack, &jsonFrame{isObject: true, expectKey: true, seen: map[string]struct{}{}})
			case '[':
				stack = append(stack, &jsonFrame{isObject: false})
			case '}', ']':
				stack = stack[:len(stack)-1]
				consumeValue()
			}
		case string:
			if len(stack) > 0 && stack[len(stack)-1].isObject && stack[len(stack)-1].expectKey {
				top := stack[len(stack)-1]
				if _, dup := top.seen[t]; dup {
					return &ErrDuplicateKey{Key: t}
				}
				top.seen[t] = struct{}{}
				top.expectKey = false
			} else {
				consumeValue()
			}
		default:
			// number, bool, nil scalar value
			consumeValue()
		}
	}
}
