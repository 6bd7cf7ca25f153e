// Package validation checks structured model output against each step's
// contract and drives the bounded repair/retry policy. Model responses arrive
// in several raw shapes (tool-call argument JSON, fenced code blocks, bare
// JSON text, JSON with prose around it); Normalize reduces them all to a
// single JSON document before validation.
package validation

import (
	"encoding/json"
	"errors"
	"strings"
)

var ErrNoJSON = errors.New("validation: no JSON document found in model output")

// Normalize extracts the first JSON object from raw model output.
func Normalize(raw string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, ErrNoJSON
	}

	// Bare JSON object.
	if candidate, ok := tryObject(trimmed); ok {
		return candidate, nil
	}

	// Fenced code block, with or without a language tag.
	if inner, ok := extractFence(trimmed); ok {
		if candidate, ok := tryObject(inner); ok {
			return candidate, nil
		}
	}

	// First balanced top-level object inside surrounding prose.
	if inner, ok := extractBalanced(trimmed); ok {
		if candidate, ok := tryObject(inner); ok {
			return candidate, nil
		}
	}

	return nil, ErrNoJSON
}

func tryObject(s string) (json.RawMessage, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") {
		return nil, false
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &doc); err != nil {
		return nil, false
	}
	return json.RawMessage(s), true
}

func extractFence(s string) (string, bool) {
	start := strings.Index(s, "```")
	if start < 0 {
		return "", false
	}
	rest := s[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		// Drop a language tag such as "json" on the fence line.
		firstLine := strings.TrimSpace(rest[:nl])
		if firstLine == "" || !strings.ContainsAny(firstLine, "{}") {
			rest = rest[nl+1:]
		}
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

// extractBalanced finds the first brace-balanced object, tracking strings and
// escapes so braces inside values do not break the scan.
func extractBalanced(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case c == '{' && !inString:
			depth++
		case c == '}' && !inString:
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
