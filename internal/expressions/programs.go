package expressions

import (
	"sync"

	"github.com/dhanush-chevuri/julep/pkg/schema"
)

// programs memoizes compiled programs by their source text. Compilation of
// a text that is not yet cached happens at most once.
type programs[P any] struct {
	compile func(text string) (P, error)

	mu     sync.RWMutex
	byText map[string]P
}

func newPrograms[P any](compile func(string) (P, error)) *programs[P] {
	return &programs[P]{compile: compile, byText: make(map[string]P)}
}

func (c *programs[P]) get(text string) (P, error) {
	c.mu.RLock()
	p, ok := c.byText[text]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.byText[text]; ok {
		return p, nil
	}
	p, err := c.compile(text)
	if err != nil {
		return p, err
	}
	c.byText[text] = p
	return p, nil
}

// expressionError reports a compile or run failure of one engine.
func expressionError(engine, phase, expression string, err error) *schema.TaskError {
	return schema.NewErrorf(schema.ErrCodeExpression, "%s %s %q: %s", engine, phase, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"engine": engine, "expression": expression})
}

func emptyExpression(engine string) *schema.TaskError {
	return schema.NewErrorf(schema.ErrCodeValidation, "empty %s expression", engine)
}
