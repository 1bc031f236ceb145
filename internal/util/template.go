package util

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"text/template/parse"
)

// RenderTemplate expands text/template markers in text against data.
// Text without markers is returned unchanged. Fields the template references
// but data lacks render empty.
// This lives in internal to avoid committing to public API stability prematurely.
func RenderTemplate(text string, data map[string]any) (string, error) {
	if !strings.Contains(text, "{{") { // fast path: no template markers
		return text, nil
	}

	tmpl, err := template.New("instruction").Funcs(template.FuncMap{
		"default": func(defaultVal any, val any) any {
			if val == nil || val == "" {
				return defaultVal
			}
			return val
		},
		"upper": strings.ToUpper,
		"lower": strings.ToLower,
		"trim":  strings.TrimSpace,
		"join": func(sep string, items []string) string {
			return strings.Join(items, sep)
		},
	}).Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}

	filled := cloneMap(data)
	walkFields(tmpl.Root, func(path []string) { fillPath(filled, path) })

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, filled); err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}

	return buf.String(), nil
}

// walkFields calls fn with the identifier chain of every field reference
// (.a.b.c) in the tree.
func walkFields(node parse.Node, fn func(path []string)) {
	switch n := node.(type) {
	case nil:
	case *parse.ListNode:
		if n == nil {
			return
		}
		for _, c := range n.Nodes {
			walkFields(c, fn)
		}
	case *parse.ActionNode:
		walkFields(n.Pipe, fn)
	case *parse.IfNode:
		walkBranch(&n.BranchNode, fn)
	case *parse.RangeNode:
		walkBranch(&n.BranchNode, fn)
	case *parse.WithNode:
		walkBranch(&n.BranchNode, fn)
	case *parse.TemplateNode:
		walkFields(n.Pipe, fn)
	case *parse.PipeNode:
		if n == nil {
			return
		}
		for _, cmd := range n.Cmds {
			walkFields(cmd, fn)
		}
	case *parse.CommandNode:
		for _, arg := range n.Args {
			walkFields(arg, fn)
		}
	case *parse.FieldNode:
		fn(n.Ident)
	}
}

func walkBranch(b *parse.BranchNode, fn func(path []string)) {
	walkFields(b.Pipe, fn)
	walkFields(b.List, fn)
	walkFields(b.ElseList, fn)
}

// fillPath makes path resolvable in m, creating empty strings for missing
// leaves and maps for missing intermediate keys. Nested maps are copied
// before they are written to.
func fillPath(m map[string]any, path []string) {
	for i, key := range path {
		v, ok := m[key]
		if i == len(path)-1 {
			if !ok || v == nil {
				m[key] = ""
			}
			return
		}
		switch next := v.(type) {
		case map[string]any:
			cp := cloneMap(next)
			m[key] = cp
			m = cp
		case nil:
			cp := map[string]any{}
			m[key] = cp
			m = cp
		default:
			// Not a map: leave the value alone and let the template decide.
			return
		}
	}
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+4)
	for k, v := range m {
		out[k] = v
	}
	return out
}
