package util

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
)

// ErrTrailingData is returned by DecodeJSON when the input holds more than a
// single JSON value.
var ErrTrailingData = errors.New("unexpected data after top-level JSON value")

// DecodeJSON decodes exactly one JSON value. Numbers decode to float64 so the
// result can be handed to schema validators.
func DecodeJSON(data []byte) (any, error) {
	return decode(data, false)
}

// Canonical renders v as compact JSON with sorted object keys, no HTML
// escaping and numbers preserved as written.
func Canonical(v any) (string, error) {
	return canonical(v, "")
}

// CanonicalIndent is Canonical with two-space indentation.
func CanonicalIndent(v any) (string, error) {
	return canonical(v, "  ")
}

// CanonicalBytes canonicalizes an already encoded JSON document.
func CanonicalBytes(data []byte) (string, error) {
	generic, err := decode(data, true)
	if err != nil {
		return "", err
	}
	return encode(generic, "")
}

func canonical(v any, indent string) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	// Round-trip through a generic value so struct field order does not leak
	// into the output; encoding/json sorts map keys.
	generic, err := decode(data, true)
	if err != nil {
		return "", err
	}
	return encode(generic, indent)
}

func decode(data []byte, useNumber bool) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	if useNumber {
		dec.UseNumber()
	}
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, ErrTrailingData
	}
	return v, nil
}

func encode(v any, indent string) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if indent != "" {
		enc.SetIndent("", indent)
	}
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

// StripCodeFence removes a single markdown code fence (``` or ```json)
// surrounding s. The input is returned trimmed when no fence is present.
func StripCodeFence(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") || !strings.HasSuffix(trimmed, "```") || len(trimmed) < 6 {
		return trimmed
	}
	body := strings.TrimSuffix(strings.TrimPrefix(trimmed, "```"), "```")
	// Drop the info string ("json", "JSON", ...) on the opening line.
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		if info := strings.TrimSpace(body[:nl]); !strings.ContainsAny(info, "{[") {
			body = body[nl+1:]
		}
	}
	return strings.TrimSpace(body)
}

// ExtractJSON returns the first balanced JSON object or array embedded in s.
// Brackets inside string literals are ignored.
func ExtractJSON(s string) (string, bool) {
	if spans := JSONCandidates(s); len(spans) > 0 {
		return spans[0], true
	}
	return "", false
}

// JSONCandidates returns every top-level balanced object or array span in s,
// in order. Spans nested inside an earlier span are not reported. The spans
// are not guaranteed to be valid JSON.
func JSONCandidates(s string) []string {
	var spans []string
	for i := 0; i < len(s); {
		next := strings.IndexAny(s[i:], "{[")
		if next < 0 {
			break
		}
		start := i + next
		if end, ok := matchClose(s, start); ok {
			spans = append(spans, s[start:end+1])
			i = end + 1
			continue
		}
		i = start + 1
	}
	return spans
}

func matchClose(s string, start int) (int, bool) {
	var (
		stack    []byte
		inString bool
		escaped  bool
	)
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != ch {
				return 0, false
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return i, true
			}
		}
	}
	return 0, false
}
