package payment

import (
	"bytes"
	"crypto/hmac"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Field is one key of an ordered JSON object.
type Field struct {
	Key   string
	Value any
}

// Payload is a JSON object whose keys serialise in insertion order.
type Payload []Field

// Get returns the value stored under key.
func (p Payload) Get(key string) (any, bool) {
	for _, f := range p {
		if f.Key == key {
			return f.Value, true
		}
	}
	return nil, false
}

// String returns the value under key when it is a JSON string.
func (p Payload) String(key string) string {
	v, ok := p.Get(key)
	if !ok {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case json.RawMessage:
		var s string
		if err := json.Unmarshal(val, &s); err == nil {
			return s
		}
	}
	return ""
}

// Without returns a copy of p with every field named key removed.
func (p Payload) Without(key string) Payload {
	out := make(Payload, 0, len(p))
	for _, f := range p {
		if f.Key != key {
			out = append(out, f)
		}
	}
	return out
}

// Canonical serialises p as compact JSON in key insertion order, dropping
// top-level fields whose value is null, "" or []. HTML characters are not
// escaped. The result is both the signed bytes and the request body.
func (p Payload) Canonical() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	written := 0
	for _, f := range p {
		val, err := encodeValue(f.Value)
		if err != nil {
			return nil, fmt.Errorf("payment: encode %s: %w", f.Key, err)
		}
		if isEmptyValue(val) {
			continue
		}
		key, err := encodeValue(f.Key)
		if err != nil {
			return nil, err
		}
		if written > 0 {
			buf.WriteByte(',')
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
		written++
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// MarshalJSON lets a Payload be stored as JSON metadata without reordering.
func (p Payload) MarshalJSON() ([]byte, error) {
	return p.Canonical()
}

// Sign computes the provider signature: hex(md5(base64(body) + apiKey)).
// MD5 is what the provider contract mandates for wire compatibility; the
// signature authenticates only as far as the api key stays secret.
func Sign(body []byte, apiKey string) string {
	encoded := base64.StdEncoding.EncodeToString(body)
	sum := md5.Sum([]byte(encoded + apiKey))
	return hex.EncodeToString(sum[:])
}

// VerifySignature compares the provided signature against the one computed
// for body in constant time.
func VerifySignature(body []byte, apiKey, provided string) bool {
	provided = strings.ToLower(strings.TrimSpace(provided))
	if provided == "" || apiKey == "" {
		return false
	}
	expected := Sign(body, apiKey)
	return hmac.Equal([]byte(expected), []byte(provided))
}

// ParsePayload decodes a JSON object keeping its top-level key order. Values
// are kept as normalised raw JSON.
func ParsePayload(body []byte) (Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("payment: parse payload: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, errors.New("payment: payload is not a json object")
	}
	var out Payload
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("payment: parse payload: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, errors.New("payment: payload key is not a string")
		}
		var buf bytes.Buffer
		if err := writeNormalised(dec, &buf); err != nil {
			return nil, fmt.Errorf("payment: parse %s: %w", key, err)
		}
		out = append(out, Field{Key: key, Value: json.RawMessage(buf.Bytes())})
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("payment: parse payload: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("payment: trailing data after payload")
	}
	return out, nil
}

// writeNormalised re-emits the next JSON value from dec compactly, keeping
// key order and re-encoding strings without HTML escaping.
func writeNormalised(dec *json.Decoder, buf *bytes.Buffer) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	switch v := tok.(type) {
	case json.Delim:
		switch v {
		case '{':
			buf.WriteByte('{')
			first := true
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return err
				}
				if !first {
					buf.WriteByte(',')
				}
				first = false
				key, err := encodeValue(keyTok)
				if err != nil {
					return err
				}
				buf.Write(key)
				buf.WriteByte(':')
				if err := writeNormalised(dec, buf); err != nil {
					return err
				}
			}
			if _, err := dec.Token(); err != nil {
				return err
			}
			buf.WriteByte('}')
		case '[':
			buf.WriteByte('[')
			first := true
			for dec.More() {
				if !first {
					buf.WriteByte(',')
				}
				first = false
				if err := writeNormalised(dec, buf); err != nil {
					return err
				}
			}
			if _, err := dec.Token(); err != nil {
				return err
			}
			buf.WriteByte(']')
		default:
			return fmt.Errorf("unexpected delimiter %q", v)
		}
	case json.Number:
		buf.WriteString(v.String())
	case nil:
		buf.WriteString("null")
	default:
		encoded, err := encodeValue(v)
		if err != nil {
			return err
		}
		buf.Write(encoded)
	}
	return nil
}

func encodeValue(v any) ([]byte, error) {
	if raw, ok := v.(json.RawMessage); ok {
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func isEmptyValue(encoded []byte) bool {
	switch string(encoded) {
	case "null", `""`, "[]":
		return true
	default:
		return false
	}
}
