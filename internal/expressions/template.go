package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dhanush-chevuri/julep/pkg/schema"
)

const (
	openDelim  = "${{"
	closeDelim = "}}"
)

// Render expands each ${{ expression }} in tmpl. String results are
// spliced in as is; anything else is written as JSON.
func (e *Evaluator) Render(ctx context.Context, tmpl string, data map[string]any) (string, error) {
	if !strings.Contains(tmpl, openDelim) {
		return tmpl, nil
	}

	var out strings.Builder
	out.Grow(len(tmpl))
	rest := tmpl
	for {
		text, tail, found := strings.Cut(rest, openDelim)
		out.WriteString(text)
		if !found {
			return out.String(), nil
		}
		body, after, closed := strings.Cut(tail, closeDelim)
		if !closed {
			return "", schema.NewErrorf(schema.ErrCodeExpression, "unterminated %s in %q", openDelim, tmpl)
		}

		expression := strings.TrimSpace(body)
		switch {
		case expression == "":
			return "", schema.NewErrorf(schema.ErrCodeExpression, "empty %s %s in %q", openDelim, closeDelim, tmpl)
		case strings.Contains(expression, openDelim):
			return "", schema.NewErrorf(schema.ErrCodeExpression, "nested %s in %q", openDelim, tmpl)
		}

		val, err := e.Evaluate(ctx, expression, data)
		if err != nil {
			return "", err
		}
		out.WriteString(inline(val))
		rest = after
	}
}

// RenderValue applies Render to every string reachable through maps and
// lists in v. Other values are returned unchanged.
func (e *Evaluator) RenderValue(ctx context.Context, v any, data map[string]any) (any, error) {
	var err error
	switch val := v.(type) {
	case string:
		return e.Render(ctx, val, data)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			if out[k], err = e.RenderValue(ctx, inner, data); err != nil {
				return nil, err
			}
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			if out[i], err = e.RenderValue(ctx, inner, data); err != nil {
				return nil, err
			}
		}
		return out, nil
	}
	return v, nil
}

func inline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool, float64, int, int64:
		return fmt.Sprint(v)
	}
	b, err := json.Marshal(val)
	if err != nil {
		return fmt.Sprint(val)
	}
	return string(b)
}
