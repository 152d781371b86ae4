// Package codec classifies raw payload bytes into a tagged value.
//
// Decoding always degrades, never fails: invalid JSON degrades to text,
// invalid UTF-8 degrades to opaque binary. No payload aborts ingestion.
package codec

import (
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Kind tags how far a payload could be decoded.
type Kind string

// Payload kinds, most specific first.
const (
	KindJSON   Kind = "json"
	KindText   Kind = "text"
	KindBinary Kind = "binary"
)

// Value is a decoded payload. Text carries the UTF-8 form for JSON and text
// kinds (hex for binary, so raw capture always has a printable form); JSON
// carries the parsed document only when Kind is KindJSON.
type Value struct {
	Kind Kind
	Text string
	JSON any
}

// Decode classifies raw payload bytes.
//
// Attempts, in order: UTF-8 text, then JSON parse of that text. Each failure
// degrades to the less specific tag rather than returning an error.
func Decode(payload []byte) Value {
	if !utf8.Valid(payload) {
		return Value{Kind: KindBinary, Text: hex.EncodeToString(payload)}
	}

	text := string(payload)

	var doc any
	if err := json.Unmarshal(payload, &doc); err == nil {
		return Value{Kind: KindJSON, Text: text, JSON: doc}
	}

	return Value{Kind: KindText, Text: text}
}

// Float coerces the value to a float64. Returns false when the payload has no
// numeric reading; the caller drops that single field and continues.
func (v Value) Float() (float64, bool) {
	if v.Kind == KindJSON {
		if f, ok := v.JSON.(float64); ok {
			return f, true
		}

		if s, ok := v.JSON.(string); ok {
			return parseFloat(s)
		}

		return 0, false
	}

	if v.Kind == KindText {
		return parseFloat(v.Text)
	}

	return 0, false
}

// Int coerces the value to an int64 via Float, truncating any fraction.
func (v Value) Int() (int64, bool) {
	f, ok := v.Float()
	if !ok {
		return 0, false
	}

	return int64(f), true
}

// String returns the textual form of the value. Empty strings report false so
// callers skip blank retained messages; a JSON null document is absent, not
// the text "null".
func (v Value) String() (string, bool) {
	if v.Kind == KindJSON {
		if v.JSON == nil {
			return "", false
		}

		if s, ok := v.JSON.(string); ok {
			return s, s != ""
		}
	}

	return v.Text, v.Text != ""
}

func parseFloat(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}

	return f, true
}
