// Package expr implements the bracketed placeholder language used by feature
// titles, short descriptions and search rules, e.g. "Pipe [id] ([owner])".
package expr

import (
	"fmt"
	"strings"
)

// TokenKind distinguishes literal text from field references.
type TokenKind int

const (
	Literal TokenKind = iota
	FieldRef
)

// Token is one element of a parsed expression.
type Token struct {
	Kind  TokenKind
	Value string
}

func (t Token) String() string {
	if t.Kind == FieldRef {
		return "[" + t.Value + "]"
	}
	return t.Value
}

// Pseudo-fields that expand to other feature expressions.
const (
	PseudoTitle            = "title"
	PseudoShortDescription = "short_description"
	PseudoDisplayName      = "display_name"
)

// Parse splits an expression into literal and field-reference tokens.
// An unterminated "[" is treated as literal text. Adjacent literals are merged.
func Parse(s string) []Token {
	var toks []Token
	var lit strings.Builder

	flush := func() {
		if lit.Len() > 0 {
			toks = append(toks, Token{Kind: Literal, Value: lit.String()})
			lit.Reset()
		}
	}

	for i := 0; i < len(s); {
		if s[i] == '[' {
			end := strings.IndexByte(s[i+1:], ']')
			if end >= 0 {
				name := strings.TrimSpace(s[i+1 : i+1+end])
				if name != "" {
					flush()
					toks = append(toks, Token{Kind: FieldRef, Value: name})
					i += end + 2
					continue
				}
			}
		}
		lit.WriteByte(s[i])
		i++
	}
	flush()
	return toks
}

// String reassembles an expression from tokens.
func String(toks []Token) string {
	var b strings.Builder
	for _, t := range toks {
		b.WriteString(t.String())
	}
	return b.String()
}

// Fields returns the distinct field names referenced, in order of first use.
func Fields(toks []Token) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range toks {
		if t.Kind == FieldRef && !seen[t.Value] {
			seen[t.Value] = true
			out = append(out, t.Value)
		}
	}
	return out
}

// Context resolves pseudo-fields for a feature type.
type Context struct {
	// Fields is the set of stored field names; a real field shadows a pseudo-field.
	Fields map[string]bool

	// ExternalName is used for display_name.
	ExternalName string

	Title            string
	ShortDescription string
}

// Expand replaces pseudo-field references with the tokens of the expression
// they stand for. Expansion recurses; a cycle is an error.
func Expand(toks []Token, ctx Context) ([]Token, error) {
	return expand(toks, ctx, map[string]bool{})
}

func expand(toks []Token, ctx Context, active map[string]bool) ([]Token, error) {
	var out []Token
	for _, t := range toks {
		if t.Kind != FieldRef || ctx.Fields[t.Value] {
			out = append(out, t)
			continue
		}

		var src string
		switch t.Value {
		case PseudoTitle:
			src = ctx.Title
		case PseudoShortDescription:
			src = ctx.ShortDescription
		case PseudoDisplayName:
			out = append(out, Token{Kind: Literal, Value: ctx.ExternalName})
			continue
		default:
			out = append(out, t)
			continue
		}

		if active[t.Value] {
			return nil, fmt.Errorf("expr: recursive pseudo-field %q", t.Value)
		}
		active[t.Value] = true
		sub, err := expand(Parse(src), ctx, active)
		delete(active, t.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, sub...)
	}
	return merge(out), nil
}

func merge(toks []Token) []Token {
	var out []Token
	for _, t := range toks {
		if t.Kind == Literal {
			if t.Value == "" {
				continue
			}
			if n := len(out); n > 0 && out[n-1].Kind == Literal {
				out[n-1].Value += t.Value
				continue
			}
		}
		out = append(out, t)
	}
	return out
}

// Format evaluates an expression against a record. Missing and NULL fields render empty.
func Format(toks []Token, rec map[string]interface{}) string {
	var b strings.Builder
	for _, t := range toks {
		if t.Kind == Literal {
			b.WriteString(t.Value)
			continue
		}
		switch v := rec[t.Value].(type) {
		case nil:
		case []byte:
			b.Write(v)
		case string:
			b.WriteString(v)
		default:
			fmt.Fprint(&b, v)
		}
	}
	return b.String()
}

// SQL renders an expression as a string concatenation. quote renders a
// literal and field renders a reference; both must yield non-NULL text.
func SQL(toks []Token, quote func(string) string, field func(string) string) string {
	if len(toks) == 0 {
		return quote("")
	}
	parts := make([]string, len(toks))
	for i, t := range toks {
		if t.Kind == Literal {
			parts[i] = quote(t.Value)
		} else {
			parts[i] = field(t.Value)
		}
	}
	return strings.Join(parts, " || ")
}
