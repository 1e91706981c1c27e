// Package render substitutes extracted webhook values into message
// templates.
//
// A template references values by dotted path between dollar signs, e.g.
//
//	PR $action$ on $repository.name$ by $pull_request.user.login$
//	First ID: $locations.search_id[0]$
//
// Substitution is a single left-to-right pass; the output is never
// re-scanned, so values containing '$' cannot inject further references.
package render

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.skia.org/genhook/go/extract"
	"go.skia.org/infra/go/skerr"
)

// ErrBadTemplate is the root cause of the only rendering failure: a template
// with an odd number of '$' delimiters.
var ErrBadTemplate = errors.New("invalid message template")

// varRefRE matches the text between two '$' delimiters that forms a variable
// reference: a dotted path with an optional 0-based index.
var varRefRE = regexp.MustCompile(`^([^.$\s{}\[\],]+(?:\.[^.$\s{}\[\],]+)*)(?:\[([0-9]+)\])?$`)

// Validate returns an error iff tmpl would fail to render. Used by the
// config store to reject templates at write time.
func Validate(tmpl string) error {
	if strings.Count(tmpl, "$")%2 != 0 {
		return skerr.Wrapf(ErrBadTemplate, "odd number of '$' delimiters")
	}
	return nil
}

// Render substitutes values into tmpl. Unknown variables render as the
// empty string; lists join their elements with ", "; anything between two
// '$' that is not a variable reference is emitted verbatim, delimiters
// included.
func Render(tmpl string, values extract.Values) (string, error) {
	segments := strings.Split(tmpl, "$")
	if len(segments)%2 == 0 {
		return "", skerr.Wrapf(ErrBadTemplate, "odd number of '$' delimiters")
	}
	var b strings.Builder
	for i, seg := range segments {
		if i%2 == 0 {
			b.WriteString(seg)
			continue
		}
		m := varRefRE.FindStringSubmatch(seg)
		if m == nil {
			b.WriteString("$")
			b.WriteString(seg)
			b.WriteString("$")
			continue
		}
		b.WriteString(substitute(values, m[1], m[2]))
	}
	return b.String(), nil
}

// substitute resolves one variable reference. index is the decimal string
// captured from "[N]", or "" for an unindexed reference.
func substitute(values extract.Values, path, index string) string {
	v, ok := values[path]
	if !ok {
		return ""
	}
	list, isList := v.([]interface{})
	if index != "" {
		// A collapsed single value indexes as a one-element list.
		if !isList {
			list = []interface{}{v}
		}
		i, err := strconv.Atoi(index)
		if err != nil || i >= len(list) {
			return ""
		}
		return formatScalar(list[i])
	}
	if !isList {
		return formatScalar(v)
	}
	parts := make([]string, 0, len(list))
	for _, elem := range list {
		parts = append(parts, formatScalar(elem))
	}
	return strings.Join(parts, ", ")
}

func formatScalar(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}
