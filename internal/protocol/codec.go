// Package protocol implements the hub wire codec: a length-prefixed JSON
// envelope framed as "<decimal-length>\n<json-bytes>". The codec is pure;
// it performs no I/O.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Version is the current envelope version.
const Version = 1

// Message types carried in the envelope "type" field.
const (
	TypeCommand = "cmd"
	TypeAck     = "ack"
	TypeError   = "error"
	TypeEvent   = "event"
)

// Envelope is the versioned protocol message. Extra payload fields are
// flattened into the same JSON object on encode and collected back into
// Payload on decode. Envelopes are immutable once constructed.
type Envelope struct {
	V       int            `json:"v"`
	ID      int64          `json:"id,omitempty"`
	AckID   int64          `json:"ack_id,omitempty"`
	Type    string         `json:"type"`
	Command string         `json:"command,omitempty"`
	Name    string         `json:"name,omitempty"`
	Code    string         `json:"code,omitempty"`
	Message string         `json:"message,omitempty"`
	Payload map[string]any `json:"-"`
}

// reserved envelope keys; everything else round-trips through Payload.
var reservedKeys = map[string]struct{}{
	"v": {}, "id": {}, "ack_id": {}, "type": {},
	"command": {}, "name": {}, "code": {}, "message": {},
}

// MarshalJSON flattens Payload fields into the envelope object. Reserved
// keys in Payload are ignored rather than allowed to shadow header fields.
func (e Envelope) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(e.Payload)+8)
	for k, v := range e.Payload {
		if _, reserved := reservedKeys[k]; reserved {
			continue
		}
		obj[k] = v
	}
	obj["v"] = e.V
	obj["type"] = e.Type
	if e.ID != 0 {
		obj["id"] = e.ID
	}
	if e.AckID != 0 {
		obj["ack_id"] = e.AckID
	}
	if e.Command != "" {
		obj["command"] = e.Command
	}
	if e.Name != "" {
		obj["name"] = e.Name
	}
	if e.Code != "" {
		obj["code"] = e.Code
	}
	if e.Message != "" {
		obj["message"] = e.Message
	}
	return json.Marshal(obj)
}

// UnmarshalJSON splits header fields from payload fields.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = Envelope{}
	for k, raw := range obj {
		switch k {
		case "v":
			if err := json.Unmarshal(raw, &e.V); err != nil {
				return fmt.Errorf("envelope field %q: %w", k, err)
			}
		case "id":
			if err := json.Unmarshal(raw, &e.ID); err != nil {
				return fmt.Errorf("envelope field %q: %w", k, err)
			}
		case "ack_id":
			if err := json.Unmarshal(raw, &e.AckID); err != nil {
				return fmt.Errorf("envelope field %q: %w", k, err)
			}
		case "type":
			if err := json.Unmarshal(raw, &e.Type); err != nil {
				return fmt.Errorf("envelope field %q: %w", k, err)
			}
		case "command":
			if err := json.Unmarshal(raw, &e.Command); err != nil {
				return fmt.Errorf("envelope field %q: %w", k, err)
			}
		case "name":
			if err := json.Unmarshal(raw, &e.Name); err != nil {
				return fmt.Errorf("envelope field %q: %w", k, err)
			}
		case "code":
			if err := json.Unmarshal(raw, &e.Code); err != nil {
				return fmt.Errorf("envelope field %q: %w", k, err)
			}
		case "message":
			if err := json.Unmarshal(raw, &e.Message); err != nil {
				return fmt.Errorf("envelope field %q: %w", k, err)
			}
		default:
			var v any
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("envelope field %q: %w", k, err)
			}
			if e.Payload == nil {
				e.Payload = make(map[string]any)
			}
			e.Payload[k] = v
		}
	}
	return nil
}

// Field returns a payload field by name, if present.
func (e *Envelope) Field(key string) (any, bool) {
	v, ok := e.Payload[key]
	return v, ok
}

// StringField returns a payload field as a string; empty if absent or
// not a string.
func (e *Envelope) StringField(key string) string {
	s, _ := e.Payload[key].(string)
	return s
}

// IntField returns a payload field as an int64. JSON numbers decode as
// float64; values beyond 2^53 should be sent as strings instead.
func (e *Envelope) IntField(key string) (int64, bool) {
	switch v := e.Payload[key].(type) {
	case float64:
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	}
	return 0, false
}

// Encode serializes an envelope into one length-prefixed frame.
func Encode(e Envelope) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	frame := make([]byte, 0, len(payload)+12)
	frame = strconv.AppendInt(frame, int64(len(payload)), 10)
	frame = append(frame, '\n')
	frame = append(frame, payload...)
	return frame, nil
}

// Decoder incrementally splits a byte stream into envelopes. Feed appends
// network reads; already-consumed bytes are never re-parsed. A frame whose
// length prefix is not all digits stops decoding and leaves the buffer
// unconsumed so the caller can fall back to the legacy bare-line format.
// Frames with malformed JSON are skipped, not fatal.
type Decoder struct {
	buf     []byte
	skipped int
}

// Feed appends data and returns all complete envelopes now available.
func (d *Decoder) Feed(data []byte) []Envelope {
	d.buf = append(d.buf, data...)

	var out []Envelope
	for {
		nl := bytes.IndexByte(d.buf, '\n')
		if nl < 0 {
			return out
		}
		prefix := d.buf[:nl]
		if !allDigits(prefix) {
			// Not a length prefix. Hand the buffer back via Buffered so the
			// connection layer can try the legacy newline-delimited format.
			return out
		}
		size, err := strconv.Atoi(string(prefix))
		if err != nil || size < 0 {
			return out
		}
		total := nl + 1 + size
		if len(d.buf) < total {
			return out // incomplete frame, wait for more data
		}
		body := d.buf[nl+1 : total]

		var env Envelope
		if err := json.Unmarshal(body, &env); err != nil {
			d.skipped++
		} else {
			out = append(out, env)
		}
		d.buf = d.buf[total:]
	}
}

// Buffered returns the unconsumed remainder of the stream.
func (d *Decoder) Buffered() []byte {
	return d.buf
}

// Skipped returns the number of frames dropped for malformed JSON.
func (d *Decoder) Skipped() int {
	return d.skipped
}

// Reset discards buffered bytes, e.g. after the caller consumed them via
// the legacy fallback path.
func (d *Decoder) Reset() {
	d.buf = nil
}

// DecodeLegacyLines parses bare newline-delimited JSON objects, the format
// spoken by pre-versioned spokes. Returns parsed envelopes and the trailing
// incomplete line.
func DecodeLegacyLines(data []byte) ([]Envelope, []byte) {
	var out []Envelope
	for {
		nl := bytes.IndexByte(data, '\n')
		if nl < 0 {
			return out, data
		}
		line := bytes.TrimSpace(data[:nl])
		data = data[nl+1:]
		if len(line) == 0 {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			continue
		}
		out = append(out, env)
	}
}

func allDigits(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
