// Package lenientjson implements the single LenientJson.Parse utility spec
// called for: a tolerant extractor for JSON embedded in LLM output, used
// wherever an LLM return must be parsed as structured data (TaskAnalyzer
// scoring responses, inline-evaluation responses, tool-call argument
// repair).
//
// Grounded on the Python original's utils/json_parser.py SmartJSONParser:
// strip a markdown code fence if present, slice to the first bracket and
// its matching closing bracket, try json.Unmarshal, and on failure retry
// after removing trailing commas. This port adds two documented fix-ups
// the spec's design notes call for beyond the original's exact behavior:
// accepting Python/Go-literal booleans and None/null spelling variants,
// and unwrapping a single-element array around an otherwise-valid object.
package lenientjson

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
)

var (
	codeFenceRe   = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
	trailingCommaRe = regexp.MustCompile(`,\s*([\]}])`)
)

// Parse extracts and decodes a JSON value from arbitrary LLM output text
// into v (as encoding/json.Unmarshal would). It returns false if no value
// could be recovered even after all documented fix-ups; callers should fall
// back to a default in that case rather than treating it as a hard error.
func Parse(text string, v any) bool {
	raw, ok := extract(text)
	if !ok {
		return false
	}
	if json.Unmarshal([]byte(raw), v) == nil {
		return true
	}

	fixed := applyFixups(raw)
	if json.Unmarshal([]byte(fixed), v) == nil {
		return true
	}

	// Last resort: a single-element array wrapping the intended object.
	var wrapped []json.RawMessage
	if json.Unmarshal([]byte(fixed), &wrapped) == nil && len(wrapped) == 1 {
		if json.Unmarshal(wrapped[0], v) == nil {
			return true
		}
	}
	return false
}

// extract isolates the JSON payload from surrounding prose: strips a
// markdown code fence if present, then slices from the first '{' or '['
// to its matching closing bracket.
func extract(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", false
	}

	if m := codeFenceRe.FindStringSubmatch(text); m != nil {
		text = strings.TrimSpace(m[1])
	}
	if text == "" {
		return "", false
	}

	objIdx := strings.Index(text, "{")
	arrIdx := strings.Index(text, "[")

	startIdx := -1
	var endChar byte
	switch {
	case objIdx != -1 && (arrIdx == -1 || objIdx < arrIdx):
		startIdx = objIdx
		endChar = '}'
	case arrIdx != -1:
		startIdx = arrIdx
		endChar = ']'
	default:
		return text, true
	}

	endIdx := strings.LastIndexByte(text, endChar)
	if endIdx == -1 || endIdx < startIdx {
		return text, true
	}
	return text[startIdx : endIdx+1], true
}

// applyFixups removes trailing commas before a closing bracket and
// normalizes Python/Go-literal booleans and null spellings that LLMs
// sometimes emit instead of strict JSON tokens.
func applyFixups(raw string) string {
	fixed := trailingCommaRe.ReplaceAllString(raw, "$1")
	fixed = replaceLiteral(fixed, "True", "true")
	fixed = replaceLiteral(fixed, "False", "false")
	fixed = replaceLiteral(fixed, "None", "null")
	return fixed
}

// replaceLiteral swaps a bare word literal for its JSON equivalent,
// avoiding matches inside existing string values by only replacing
// whole-word occurrences outside quotes via a cheap heuristic: split on
// quoted spans and only touch the unquoted remainder.
func replaceLiteral(s, from, to string) string {
	var buf bytes.Buffer
	inString := false
	i := 0
	for i < len(s) {
		c := s[i]
		if c == '"' && (i == 0 || s[i-1] != '\\') {
			inString = !inString
			buf.WriteByte(c)
			i++
			continue
		}
		if !inString && strings.HasPrefix(s[i:], from) {
			boundaryBefore := i == 0 || !isWordChar(s[i-1])
			boundaryAfter := i+len(from) >= len(s) || !isWordChar(s[i+len(from)])
			if boundaryBefore && boundaryAfter {
				buf.WriteString(to)
				i += len(from)
				continue
			}
		}
		buf.WriteByte(c)
		i++
	}
	return buf.String()
}

func isWordChar(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}
