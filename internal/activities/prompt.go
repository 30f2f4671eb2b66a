package activities

import (
	"context"

	"github.com/dhanush-chevuri/julep/pkg/schema"
)

// PromptRequest is what a prompt step sends to the language model. Prompt
// is the rendered template string or the rendered message list.
type PromptRequest struct {
	Prompt   any            `json:"prompt"`
	Settings map[string]any `json:"settings,omitempty"`
	Input    any            `json:"input,omitempty"`
}

// PromptClient performs the language-model call.
type PromptClient interface {
	Complete(ctx context.Context, req PromptRequest) (any, error)
}

// PromptFunc adapts a function to PromptClient.
type PromptFunc func(ctx context.Context, req PromptRequest) (any, error)

func (f PromptFunc) Complete(ctx context.Context, req PromptRequest) (any, error) {
	return f(ctx, req)
}

// unconfiguredPrompt fails every call; it is used when no client is wired.
type unconfiguredPrompt struct{}

func (unconfiguredPrompt) Complete(context.Context, PromptRequest) (any, error) {
	return nil, schema.NewError(schema.ErrCodeStepFailed, "no prompt client configured").
		WithStep(schema.KindPrompt)
}
