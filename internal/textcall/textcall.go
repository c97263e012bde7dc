// Package textcall recognizes tool calls that a model wrote as plain
// text instead of using structured tool calling. Two shapes are
// understood:
//
//	tool_call_name: web_search
//	tool_call_arguments: {"query": "golang generics"}
//
// and, for tools the caller knows about, a bare tool name on its own
// line optionally followed by a JSON object:
//
//	get_current_time
//	{"timezone": "UTC"}
//
// Parsing never fails. Unknown names and malformed arguments are
// returned as-is so the executor can answer them with an error result.
package textcall

import (
	"strings"
)

const (
	namePrefix = "tool_call_name:"
	argsPrefix = "tool_call_arguments:"

	// argsLookahead is how many lines after a name line are searched
	// for a separate arguments marker.
	argsLookahead = 3
)

// Call is one tool call found in text.
type Call struct {
	Name      string
	Arguments string // raw JSON text, may be empty or malformed
	Line      int    // zero-based line index where the call starts
}

// Parsed is the result of scanning a response.
type Parsed struct {
	// Narration is the text preceding the first call, trimmed. When no
	// calls were found it is the whole trimmed text.
	Narration string
	Calls     []Call
}

// Known reports whether name is a registered tool. It enables bare-name
// recognition; a nil Known disables it.
type Known func(name string) bool

// Parse scans text for tool calls.
func Parse(text string, known Known) Parsed {
	lines := strings.Split(text, "\n")
	var calls []Call
	first := -1

	for i := 0; i < len(lines); {
		trimmed := trimLead(lines[i])

		if strings.HasPrefix(trimmed, namePrefix) {
			call, next := parseMarked(lines, i, trimmed)
			calls = append(calls, call)
			if first < 0 {
				first = i
			}
			i = next
			continue
		}

		if known != nil {
			if name := bareName(lines[i]); name != "" && known(name) {
				call := Call{Name: name, Line: i}
				next := i + 1
				if next < len(lines) && strings.HasPrefix(strings.TrimSpace(lines[next]), "{") {
					if args, end, ok := collectObject(lines, next, strings.TrimSpace(lines[next])); ok {
						call.Arguments = args
						next = end
					}
				}
				calls = append(calls, call)
				if first < 0 {
					first = i
				}
				i = next
				continue
			}
		}

		i++
	}

	if len(calls) == 0 {
		return Parsed{Narration: strings.TrimSpace(text)}
	}
	return Parsed{
		Narration: cleanNarration(strings.Join(lines[:first], "\n")),
		Calls:     calls,
	}
}

// parseMarked handles a tool_call_name: line at index i and returns the
// call plus the index of the first line after it.
func parseMarked(lines []string, i int, trimmed string) (Call, int) {
	rest := strings.TrimSpace(strings.TrimPrefix(trimmed, namePrefix))
	call := Call{Line: i}
	next := i + 1

	if idx := strings.Index(rest, argsPrefix); idx >= 0 {
		call.Name = cleanName(rest[:idx])
		value := strings.TrimSpace(rest[idx+len(argsPrefix):])
		call.Arguments, next = argumentValue(lines, i+1, value)
		return call, next
	}

	call.Name = cleanName(rest)
	for j := i + 1; j < len(lines) && j <= i+argsLookahead; j++ {
		t := trimLead(lines[j])
		if strings.HasPrefix(t, namePrefix) {
			break
		}
		if strings.HasPrefix(t, argsPrefix) {
			value := strings.TrimSpace(strings.TrimPrefix(t, argsPrefix))
			call.Arguments, next = argumentValue(lines, j+1, value)
			break
		}
	}
	return call, next
}

// argumentValue resolves the value of an arguments marker. value is the
// text after the marker; following lines start at index from. A value
// that opens an object absorbs lines until its braces balance. An empty
// value takes an object starting on the next line.
func argumentValue(lines []string, from int, value string) (string, int) {
	if value == "" && from < len(lines) && strings.HasPrefix(strings.TrimSpace(lines[from]), "{") {
		args, end, _ := collectObject(lines, from, strings.TrimSpace(lines[from]))
		return args, end
	}
	if !strings.HasPrefix(value, "{") {
		return strings.TrimRight(value, "` "), from
	}
	args, end, _ := collectObject(lines, from-1, value)
	return args, end
}

// collectObject starts with first (the content of line index at) and
// appends following lines until the object's braces balance. It returns
// the object text cut at the closing brace, the index of the first line
// after it, and whether balance was reached. Unbalanced input returns
// everything up to the end of the text.
func collectObject(lines []string, at int, first string) (string, int, bool) {
	var sc braceScanner
	var b strings.Builder

	segment := first
	for idx := at; ; {
		if end, done := sc.feed(segment); done {
			b.WriteString(segment[:end])
			return b.String(), idx + 1, true
		}
		b.WriteString(segment)
		idx++
		if idx >= len(lines) {
			return b.String(), idx, false
		}
		b.WriteByte('\n')
		segment = lines[idx]
	}
}

// braceScanner tracks object depth, ignoring braces inside JSON strings.
type braceScanner struct {
	depth    int
	opened   bool
	inString bool
	escaped  bool
}

// feed consumes s and reports the offset just past the brace that closed
// the outermost object, if it was reached within s.
func (s *braceScanner) feed(line string) (int, bool) {
	for i := 0; i < len(line); i++ {
		c := line[i]
		if s.inString {
			switch {
			case s.escaped:
				s.escaped = false
			case c == '\\':
				s.escaped = true
			case c == '"':
				s.inString = false
			}
			continue
		}
		switch c {
		case '"':
			s.inString = true
		case '{':
			s.depth++
			s.opened = true
		case '}':
			s.depth--
			if s.opened && s.depth == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}

func trimLead(line string) string {
	return strings.TrimLeft(line, "` \t")
}

func cleanName(s string) string {
	return strings.Trim(strings.TrimSpace(s), "`\"' ")
}

// bareName returns the line's content when it could be a bare tool
// name: a single identifier-like token, optionally wrapped in backticks.
func bareName(line string) string {
	s := strings.Trim(strings.TrimSpace(line), "`")
	if s == "" || len(s) > 128 {
		return ""
	}
	for _, r := range s {
		if !(r == '_' || r == '-' || r == '.' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return ""
		}
	}
	return s
}

// cleanNarration trims the narration and drops a dangling opening code
// fence left by a call wrapped in ``` blocks.
func cleanNarration(s string) string {
	s = strings.TrimSpace(s)
	lines := strings.Split(s, "\n")
	if n := len(lines); n > 0 && strings.HasPrefix(strings.TrimSpace(lines[n-1]), "```") {
		s = strings.TrimSpace(strings.Join(lines[:n-1], "\n"))
	}
	return s
}
