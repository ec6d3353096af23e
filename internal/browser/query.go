// internal/browser/query.go
package browser

import (
	"fmt"
	"strings"
)

// By selects how a Query expression is interpreted.
type By int

const (
	// ByCSS interprets Expr as a CSS selector.
	ByCSS By = iota
	// ByXPath interprets Expr as an XPath 1.0 expression.
	ByXPath
	// ByText matches elements of Tag whose whitespace-normalized text contains Expr.
	ByText
)

func (b By) String() string {
	switch b {
	case ByCSS:
		return "css"
	case ByXPath:
		return "xpath"
	case ByText:
		return "text"
	default:
		return fmt.Sprintf("By(%d)", int(b))
	}
}

// Query is a single element query against a Session.
type Query struct {
	By   By
	Expr string
	// Tag restricts ByText queries. Several tags may be given separated by commas.
	// Empty means any element.
	Tag string
}

// CSS builds a CSS selector query.
func CSS(selector string) Query { return Query{By: ByCSS, Expr: selector} }

// XPath builds an XPath query.
func XPath(expr string) Query { return Query{By: ByXPath, Expr: expr} }

// Text builds a text-containment query over the given tags ("button,a"), or every element
// when tags is empty.
func Text(tags, text string) Query { return Query{By: ByText, Expr: text, Tag: tags} }

func (q Query) String() string {
	if q.By == ByText && q.Tag != "" {
		return fmt.Sprintf("text(%s)=%q", q.Tag, q.Expr)
	}
	return fmt.Sprintf("%s=%q", q.By, q.Expr)
}

// Tags returns the trimmed, non-empty tag names of a ByText query.
func (q Query) Tags() []string {
	var tags []string
	for _, t := range strings.Split(q.Tag, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, strings.ToLower(t))
		}
	}
	return tags
}

// TextXPath translates a ByText query into an equivalent XPath expression. Backends without
// native text matching use it.
func (q Query) TextXPath() string { return q.textXPath("//") }

// ScopedTextXPath is TextXPath relative to a context node, for searches below an element.
func (q Query) ScopedTextXPath() string { return q.textXPath(".//") }

func (q Query) textXPath(axis string) string {
	lit := xpathLiteral(q.Expr)
	cond := fmt.Sprintf("contains(normalize-space(.), %s)", lit)
	tags := q.Tags()
	if len(tags) == 0 {
		// Innermost match only, so ancestors of the matching node are not returned as well.
		return fmt.Sprintf("%s*[%s and not(*[%s])]", axis, cond, cond)
	}
	parts := make([]string, len(tags))
	for i, t := range tags {
		parts[i] = fmt.Sprintf("%s%s[%s]", axis, t, cond)
	}
	return strings.Join(parts, " | ")
}

// xpathLiteral quotes s for XPath 1.0, which has no escape syntax.
func xpathLiteral(s string) string {
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	pieces := strings.Split(s, "'")
	quoted := make([]string, 0, len(pieces)*2)
	for i, p := range pieces {
		if i > 0 {
			quoted = append(quoted, `"'"`)
		}
		quoted = append(quoted, "'"+p+"'")
	}
	return "concat(" + strings.Join(quoted, ", ") + ")"
}
