package modelcall

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

// ErrNoMatch is returned when no parseable JSON payload is found in a response
var ErrNoMatch = errors.New("no json payload found in response")

var (
	outputTagRe  = regexp.MustCompile(`(?s)<output>\s*(.*?)\s*</output>`)
	fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n(.*?)\\n\\s*```")
)

// ExtractJSON pulls a structured payload out of model output text. Candidates
// are tried in order, first one that parses wins:
//  1. content of an <output> tag
//  2. content of a fenced code block (optionally tagged json)
//  3. the largest brace-delimited substring that is valid JSON
func ExtractJSON(text string) (string, error) {
	if m := outputTagRe.FindStringSubmatch(text); m != nil {
		candidate := strings.TrimSpace(m[1])
		if json.Valid([]byte(candidate)) {
			return candidate, nil
		}
	}

	if m := fencedJSONRe.FindStringSubmatch(text); m != nil {
		candidate := strings.TrimSpace(m[1])
		if json.Valid([]byte(candidate)) {
			return candidate, nil
		}
	}

	if candidate := largestJSONObject(text); candidate != "" {
		return candidate, nil
	}

	return "", ErrNoMatch
}

// largestJSONObject scans for balanced brace spans and returns the longest
// one that parses as JSON, or "" if none do.
func largestJSONObject(text string) string {
	best := ""
	for start := 0; start < len(text); start++ {
		if text[start] != '{' {
			continue
		}
		end := matchingBrace(text, start)
		if end < 0 {
			continue
		}
		candidate := text[start : end+1]
		if len(candidate) > len(best) && json.Valid([]byte(candidate)) {
			best = candidate
		}
	}
	return best
}

// matchingBrace returns the index of the brace closing the one at start,
// skipping braces inside JSON string literals, or -1 if unbalanced.
func matchingBrace(text string, start int) int {
	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(text); i++ {
		ch := text[i]
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
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
