// Package tools implements the XML tool-call protocol: parsing calls out of
// free-form assistant text and executing the built-in tools in a sandboxed
// workspace.
package tools

import (
	"html"
	"strings"
)

// RawCall is one tool invocation found in assistant text, in document order.
type RawCall struct {
	Name   string
	Params map[string]string
	// Offset is the byte position of the opening tag, used for ordering.
	Offset int
}

// ParseCalls scans text for top-level elements whose local name matches a
// registered tool and returns them in document order. The parser tolerates
// surrounding prose, attributes on the opening tag, and multiple calls per
// turn. Parameter text content is HTML-unescaped.
func ParseCalls(text string, isTool func(string) bool) []RawCall {
	var calls []RawCall
	pos := 0
	for pos < len(text) {
		open := strings.IndexByte(text[pos:], '<')
		if open < 0 {
			break
		}
		start := pos + open
		name, tagEnd, ok := readOpenTag(text, start)
		if !ok {
			pos = start + 1
			continue
		}
		if !isTool(name) {
			pos = start + 1
			continue
		}
		body, after, ok := readElementBody(text, tagEnd, name)
		if !ok {
			pos = start + 1
			continue
		}
		calls = append(calls, RawCall{
			Name:   name,
			Params: parseParams(body),
			Offset: start,
		})
		pos = after
	}
	return calls
}

// ExtractElement returns the body of the first complete <name>…</name>
// element in text, HTML-unescaped. Used for the <plan> marker.
func ExtractElement(text, name string) (string, bool) {
	pos := 0
	for pos < len(text) {
		open := strings.IndexByte(text[pos:], '<')
		if open < 0 {
			return "", false
		}
		start := pos + open
		got, tagEnd, ok := readOpenTag(text, start)
		if ok && got == name {
			body, _, ok := readElementBody(text, tagEnd, name)
			if ok {
				return html.UnescapeString(body), true
			}
		}
		pos = start + 1
	}
	return "", false
}

// readOpenTag parses "<name ...>" at offset start. It returns the local name
// and the index just past the closing '>'.
func readOpenTag(text string, start int) (name string, end int, ok bool) {
	i := start + 1
	if i >= len(text) || !isNameStart(text[i]) {
		return "", 0, false
	}
	j := i
	for j < len(text) && isNameChar(text[j]) {
		j++
	}
	name = text[i:j]
	// Skip attributes up to '>'.
	k := strings.IndexByte(text[j:], '>')
	if k < 0 {
		return "", 0, false
	}
	// Self-closing tags carry no parameters; not a call.
	if strings.HasSuffix(strings.TrimSpace(text[j:j+k]), "/") {
		return "", 0, false
	}
	return name, j + k + 1, true
}

// readElementBody finds the matching close tag for name starting at bodyStart
// and returns the body and the index just past the close tag.
func readElementBody(text string, bodyStart int, name string) (body string, after int, ok bool) {
	close := "</" + name + ">"
	idx := strings.Index(text[bodyStart:], close)
	if idx < 0 {
		return "", 0, false
	}
	return text[bodyStart : bodyStart+idx], bodyStart + idx + len(close), true
}

// parseParams extracts child elements as string parameters.
func parseParams(body string) map[string]string {
	params := make(map[string]string)
	pos := 0
	for pos < len(body) {
		open := strings.IndexByte(body[pos:], '<')
		if open < 0 {
			break
		}
		start := pos + open
		name, tagEnd, ok := readOpenTag(body, start)
		if !ok {
			pos = start + 1
			continue
		}
		content, after, ok := readElementBody(body, tagEnd, name)
		if !ok {
			pos = start + 1
			continue
		}
		params[name] = html.UnescapeString(strings.TrimSpace(content))
		pos = after
	}
	return params
}

func isNameStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isNameChar(c byte) bool {
	return isNameStart(c) || (c >= '0' && c <= '9') || c == '-'
}
