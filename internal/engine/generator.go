package engine

import "context"

// Generator binds an Engine to one model and exposes single-prompt
// generation, the shape the model router dispatches to.
type Generator struct {
	Engine Engine
	Model  string
}

// Generate sends prompt as a single user message, attaching images when present.
func (g Generator) Generate(ctx context.Context, prompt string, images [][]byte) (string, error) {
	return g.Engine.Chat(ctx, g.Model, []Message{
		{Role: "user", Content: prompt, Images: images},
	})
}
