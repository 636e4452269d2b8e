package policy

import (
	"fmt"
	"strings"
)

// Rule grammar. A rule is a conjunction of clauses joined by "&&"; an
// empty rule matches every request. Each clause is one of:
//
//	action == read
//	action in [read, list]
//	resource.id == task-42
//	resource.id startswith /data/
//	principal.kind == agent
//	principal.permission == task:read
//	context.<key> == <value>
//
// Values may be bare words or double-quoted strings. Comparison is exact
// except "startswith", which is a prefix match on the resource id.

type clause struct {
	attr   string
	key    string // context key when attr == "context"
	op     string // "eq", "in", "prefix"
	value  string
	values []string
}

type compiledRule struct {
	clauses []clause
}

// compileRule parses rule text into an evaluable form. Errors name the
// offending clause so operators can fix the stored policy.
func compileRule(text string) (compiledRule, error) {
	var r compiledRule
	text = strings.TrimSpace(text)
	if text == "" {
		return r, nil
	}
	for _, raw := range strings.Split(text, "&&") {
		c, err := parseClause(strings.TrimSpace(raw))
		if err != nil {
			return compiledRule{}, err
		}
		r.clauses = append(r.clauses, c)
	}
	return r, nil
}

func parseClause(s string) (clause, error) {
	if s == "" {
		return clause{}, fmt.Errorf("empty clause")
	}
	fields := splitClause(s)
	if len(fields) != 3 {
		return clause{}, fmt.Errorf("clause %q: want <attr> <op> <value>", s)
	}
	attr, op, val := fields[0], fields[1], fields[2]

	c := clause{}
	switch {
	case attr == "action":
		c.attr = "action"
	case attr == "resource.id":
		c.attr = "resource.id"
	case attr == "principal.kind":
		c.attr = "principal.kind"
	case attr == "principal.permission":
		c.attr = "principal.permission"
	case strings.HasPrefix(attr, "context."):
		c.attr = "context"
		c.key = strings.TrimPrefix(attr, "context.")
		if c.key == "" {
			return clause{}, fmt.Errorf("clause %q: empty context key", s)
		}
	default:
		return clause{}, fmt.Errorf("clause %q: unknown attribute %q", s, attr)
	}

	switch op {
	case "==":
		c.op = "eq"
		c.value = unquote(val)
	case "startswith":
		if c.attr != "resource.id" {
			return clause{}, fmt.Errorf("clause %q: startswith only applies to resource.id", s)
		}
		c.op = "prefix"
		c.value = unquote(val)
	case "in":
		if !strings.HasPrefix(val, "[") || !strings.HasSuffix(val, "]") {
			return clause{}, fmt.Errorf("clause %q: in wants a [a, b] list", s)
		}
		c.op = "in"
		for _, v := range strings.Split(val[1:len(val)-1], ",") {
			v = unquote(strings.TrimSpace(v))
			if v != "" {
				c.values = append(c.values, v)
			}
		}
		if len(c.values) == 0 {
			return clause{}, fmt.Errorf("clause %q: empty list", s)
		}
	default:
		return clause{}, fmt.Errorf("clause %q: unknown operator %q", s, op)
	}
	return c, nil
}

// splitClause splits "attr op value" on whitespace, keeping bracketed
// lists and quoted strings as one field.
func splitClause(s string) []string {
	var out []string
	var cur strings.Builder
	depth := 0
	quoted := false
	for _, r := range s {
		switch {
		case r == '"':
			quoted = !quoted
			cur.WriteRune(r)
		case r == '[' && !quoted:
			depth++
			cur.WriteRune(r)
		case r == ']' && !quoted:
			depth--
			cur.WriteRune(r)
		case (r == ' ' || r == '\t') && depth == 0 && !quoted:
			if cur.Len() > 0 {
				out = append(out, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

func unquote(s string) string {
	if len(s) >= 2 && strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) {
		return s[1 : len(s)-1]
	}
	return s
}

// matches evaluates the rule against a request. Compiled rules cannot
// fail at evaluation time; all errors surface during compilation.
func (r compiledRule) matches(req *Request) bool {
	for _, c := range r.clauses {
		if !c.matches(req) {
			return false
		}
	}
	return true
}

func (c clause) matches(req *Request) bool {
	switch c.attr {
	case "action":
		if c.op == "in" {
			for _, v := range c.values {
				if req.Action == v {
					return true
				}
			}
			return false
		}
		return req.Action == c.value
	case "resource.id":
		if c.op == "prefix" {
			return strings.HasPrefix(req.ResourceID, c.value)
		}
		return req.ResourceID == c.value
	case "principal.kind":
		return req.Kind == c.value
	case "principal.permission":
		_, ok := req.Permissions[c.value]
		return ok
	case "context":
		return req.Context[c.key] == c.value
	}
	return false
}
