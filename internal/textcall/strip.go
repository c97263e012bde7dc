package textcall

import "strings"

// Strip removes tool-call markers and their argument objects from text,
// leaving only the prose. Code fences emptied by the removal are
// dropped too.
func Strip(text string) string {
	lines := strings.Split(text, "\n")
	kept := make([]string, 0, len(lines))

	for i := 0; i < len(lines); i++ {
		t := trimLead(lines[i])
		if !strings.HasPrefix(t, namePrefix) && !strings.HasPrefix(t, argsPrefix) {
			kept = append(kept, lines[i])
			continue
		}

		// Skip an object that opens on this line or, for a bare
		// arguments marker, on the next one.
		var value string
		if idx := strings.Index(t, argsPrefix); idx >= 0 {
			value = strings.TrimSpace(t[idx+len(argsPrefix):])
		}
		switch {
		case strings.HasPrefix(value, "{"):
			_, end, _ := collectObject(lines, i, value)
			i = end - 1
		case value == "" && strings.HasPrefix(t, argsPrefix) &&
			i+1 < len(lines) && strings.HasPrefix(strings.TrimSpace(lines[i+1]), "{"):
			_, end, _ := collectObject(lines, i+1, strings.TrimSpace(lines[i+1]))
			i = end - 1
		}
	}

	return strings.TrimSpace(collapse(dropEmptyFences(kept)))
}

// dropEmptyFences removes pairs of ``` lines with only blank lines
// between them.
func dropEmptyFences(lines []string) []string {
	out := make([]string, 0, len(lines))
	for i := 0; i < len(lines); i++ {
		if isFence(lines[i]) {
			j := i + 1
			for j < len(lines) && strings.TrimSpace(lines[j]) == "" {
				j++
			}
			if j < len(lines) && strings.TrimSpace(lines[j]) == "```" {
				i = j
				continue
			}
		}
		out = append(out, lines[i])
	}
	return out
}

func isFence(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), "```")
}

// collapse joins lines and squeezes runs of blank lines to one.
func collapse(lines []string) string {
	var b strings.Builder
	blank := false
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			if !blank && b.Len() > 0 {
				b.WriteByte('\n')
			}
			blank = true
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(l)
		blank = false
	}
	return b.String()
}
