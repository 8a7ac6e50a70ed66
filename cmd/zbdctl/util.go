//go:build linux

package zbdctl

import "strings"

const helpWrapWidth = 60

// wrapHelp reflows a flag's help text at helpWrapWidth characters so
// cobra's usage output stays readable in a normal terminal, the same role
// the teacher's cmd/util.WrapString plays for its own flag descriptions.
//
// Rather than accumulating words into a line buffer, this normalizes
// whitespace first and then repeatedly cuts the remaining text at the
// last space at-or-before helpWrapWidth (falling back to the first space
// past it for a single overlong word), so each cut point is found by a
// backward scan over the already-joined text instead of a running width
// counter.
func wrapHelp(text string) string {
	normalized := strings.Join(strings.Fields(text), " ")
	if normalized == "" {
		return ""
	}

	var lines []string
	for len(normalized) > helpWrapWidth {
		cut := strings.LastIndex(normalized[:helpWrapWidth+1], " ")
		if cut <= 0 {
			cut = strings.IndexByte(normalized, ' ')
			if cut < 0 {
				break
			}
		}
		lines = append(lines, normalized[:cut])
		normalized = normalized[cut+1:]
	}
	lines = append(lines, normalized)
	return strings.Join(lines, "\n")
}
