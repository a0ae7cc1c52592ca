package dialect

import (
	"strconv"
	"strings"
	"unicode"
)

// Segment is a run of SQL text that is either code or a quoted literal/comment.
type Segment struct {
	Text string
	// Verbatim marks string literals, quoted identifiers and comments, which must not be rewritten.
	Verbatim bool
}

// Segments splits query into code and verbatim runs. Concatenating the
// segments' Text yields query again.
func Segments(query string) []Segment {
	var (
		out   []Segment
		start int
	)
	flush := func(end int, verbatim bool) {
		if end > start {
			out = append(out, Segment{Text: query[start:end], Verbatim: verbatim})
		}
		start = end
	}

	for i := 0; i < len(query); {
		var end int
		switch {
		case query[i] == '\'' || query[i] == '"' || query[i] == '`':
			end = closeQuote(query, i)
		case strings.HasPrefix(query[i:], "--"):
			end = strings.IndexByte(query[i:], '\n')
			if end < 0 {
				end = len(query)
			} else {
				end += i + 1
			}
		case strings.HasPrefix(query[i:], "/*"):
			end = strings.Index(query[i+2:], "*/")
			if end < 0 {
				end = len(query)
			} else {
				end += i + 4
			}
		default:
			i++

			continue
		}
		flush(i, false)
		flush(end, true)
		i = end
	}
	flush(len(query), false)

	return out
}

// closeQuote returns the index just past the quote opened at i. Doubled quotes are escapes.
func closeQuote(query string, i int) int {
	quote := query[i]
	for j := i + 1; j < len(query); j++ {
		if query[j] != quote {
			continue
		}
		if j+1 < len(query) && query[j+1] == quote {
			j++

			continue
		}

		return j + 1
	}

	return len(query)
}

// mapCode applies fn to every code segment and keeps verbatim segments untouched.
func mapCode(query string, fn func(string) string) string {
	var b strings.Builder
	b.Grow(len(query))
	for _, seg := range Segments(query) {
		if seg.Verbatim {
			b.WriteString(seg.Text)
		} else {
			b.WriteString(fn(seg.Text))
		}
	}

	return b.String()
}

// SplitStatements splits a script on ';' outside literals, comments and BEGIN ... END blocks.
// Empty statements are dropped.
func SplitStatements(script string) []string {
	var (
		out     []string
		current strings.Builder
		depth   int
	)
	push := func() {
		stmt := strings.TrimSpace(current.String())
		if stmt != "" {
			out = append(out, stmt)
		}
		current.Reset()
	}

	for _, seg := range Segments(script) {
		if seg.Verbatim {
			current.WriteString(seg.Text)

			continue
		}
		words := wordSpans(seg.Text)
		from, written := 0, 0
		for i := 0; i < len(seg.Text); i++ {
			if seg.Text[i] != ';' {
				continue
			}
			depth = blockDepth(depth, words, from, i)
			from = i
			if depth > 0 {
				continue
			}
			current.WriteString(seg.Text[written:i])
			written = i + 1
			push()
		}
		depth = blockDepth(depth, words, from, len(seg.Text))
		current.WriteString(seg.Text[written:])
	}
	push()

	return out
}

type wordSpan struct {
	word  string
	start int
}

func wordSpans(text string) []wordSpan {
	var spans []wordSpan
	start := -1
	for i, r := range text {
		isWord := r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
		switch {
		case isWord && start < 0:
			start = i
		case !isWord && start >= 0:
			spans = append(spans, wordSpan{word: strings.ToUpper(text[start:i]), start: start})
			start = -1
		}
	}
	if start >= 0 {
		spans = append(spans, wordSpan{word: strings.ToUpper(text[start:]), start: start})
	}

	return spans
}

// blockDepth updates the BEGIN/CASE nesting depth with the words starting in [from, to).
func blockDepth(depth int, words []wordSpan, from, to int) int {
	for i := 0; i < len(words); i++ {
		w := words[i]
		if w.start < from || w.start >= to {
			continue
		}
		switch w.word {
		case "BEGIN", "CASE":
			depth++
		case "END":
			if i+1 < len(words) {
				switch words[i+1].word {
				case "IF", "LOOP", "WHILE":
					i++

					continue
				case "CASE":
					i++
				}
			}
			if depth > 0 {
				depth--
			}
		}
	}

	return depth
}

func requireSelect(query string) (string, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(query), "; \t\r\n")
	if len(trimmed) < len("SELECT") || !strings.EqualFold(trimmed[:len("SELECT")], "SELECT") {
		return "", ErrNotSelect
	}

	return trimmed, nil
}

// versionAtLeast compares a "major.minor[.patch][-suffix]" version. An empty version is current.
func versionAtLeast(version string, major, minor int) bool {
	version = strings.TrimSpace(version)
	if version == "" {
		return true
	}
	if idx := strings.IndexFunc(version, func(r rune) bool { return r != '.' && !unicode.IsDigit(r) }); idx >= 0 {
		version = version[:idx]
	}
	parts := strings.Split(version, ".")
	gotMajor, err := strconv.Atoi(parts[0])
	if err != nil {
		return true
	}
	gotMinor := 0
	if len(parts) > 1 {
		gotMinor, _ = strconv.Atoi(parts[1])
	}
	if gotMajor != major {
		return gotMajor > major
	}

	return gotMinor >= minor
}
