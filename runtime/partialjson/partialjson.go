// Package partialjson parses JSON documents that are still being streamed.
// It is used to render tool call arguments progressively while fragments
// arrive; results are best effort and never used for execution.
package partialjson

import (
	"encoding/json"
	"errors"
)

// maxAttempts bounds the number of truncation points tried by Parse.
const maxAttempts = 16

// ErrIncomplete is returned when no usable prefix of the input parses.
var ErrIncomplete = errors.New("partialjson: no parseable prefix")

type cut struct {
	pos      int
	stack    []byte
	inString bool
}

// Parse returns the value of the longest prefix of s that can be completed
// into valid JSON by closing any open string, array and object. Incomplete
// trailing tokens (a dangling key, a partial literal, a trailing comma) are
// dropped. Complete documents parse exactly as with encoding/json.
func Parse(s string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v, nil
	}
	cuts := scan(s)
	tried := 0
	for i := len(cuts) - 1; i >= 0 && tried < maxAttempts; i-- {
		tried++
		candidate := complete(s, cuts[i])
		if err := json.Unmarshal([]byte(candidate), &v); err == nil {
			return v, nil
		}
	}
	return nil, ErrIncomplete
}

// scan records the positions at which s may be truncated and closed.
func scan(s string) []cut {
	var (
		cuts     []cut
		stack    []byte
		inString bool
		escaped  bool
	)
	snapshot := func(pos int, str bool) {
		cuts = append(cuts, cut{pos: pos, stack: append([]byte(nil), stack...), inString: str})
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
				snapshot(i+1, false)
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, c)
			snapshot(i+1, false)
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
			snapshot(i+1, false)
		case ',':
			snapshot(i, false)
		}
	}
	snapshot(len(s), inString && !escaped)
	return cuts
}

func complete(s string, c cut) string {
	buf := make([]byte, 0, c.pos+len(c.stack)+1)
	buf = append(buf, s[:c.pos]...)
	if c.inString {
		buf = append(buf, '"')
	}
	for i := len(c.stack) - 1; i >= 0; i-- {
		if c.stack[i] == '{' {
			buf = append(buf, '}')
		} else {
			buf = append(buf, ']')
		}
	}
	return string(buf)
}
