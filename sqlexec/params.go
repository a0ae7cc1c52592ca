package sqlexec

import (
	"fmt"
	"strings"

	"github.com/velmie/tablequeue/dialect"
)

const (
	namedStart = "?{"
	namedEnd   = "}"
)

// Param is a named query parameter.
type Param struct {
	Name  string
	Value any
}

// P is shorthand for Param{Name: name, Value: value}.
func P(name string, value any) Param {
	return Param{Name: name, Value: value}
}

type rewritten struct {
	sql          string
	names        []string
	positional   int
	unterminated bool
}

// rewriteNamed replaces every ?{name} outside literals with '?', recording the
// name of each occurrence left to right. A start token without an end is kept as text.
func rewriteNamed(query string) (rewritten, error) {
	var (
		out rewritten
		b   strings.Builder
	)
	b.Grow(len(query))

	for _, seg := range dialect.Segments(query) {
		if seg.Verbatim {
			b.WriteString(seg.Text)

			continue
		}
		text := seg.Text
		for len(text) > 0 {
			idx := strings.IndexByte(text, '?')
			if idx < 0 {
				b.WriteString(text)

				break
			}
			b.WriteString(text[:idx])
			text = text[idx:]
			if !strings.HasPrefix(text, namedStart) {
				out.positional++
				b.WriteByte('?')
				text = text[1:]

				continue
			}
			end := strings.Index(text, namedEnd)
			if end < 0 {
				out.unterminated = true
				b.WriteString(text)

				break
			}
			name := strings.TrimSpace(text[len(namedStart):end])
			out.names = append(out.names, name)
			b.WriteByte('?')
			text = text[end+len(namedEnd):]
		}
	}

	if len(out.names) > 0 && out.positional > 0 {
		return rewritten{}, fmt.Errorf("%w: %s", ErrMixedParams, query)
	}
	out.sql = b.String()

	return out, nil
}

func lookup(params []Param, name string) (any, bool) {
	for _, p := range params {
		if p.Name == name {
			return p.Value, true
		}
	}

	return nil, false
}
