package eval

import "context"

// Result is the score envelope returned by an evaluation engine.
type Result struct {
	RawScore        float64            `json:"rawScore"`
	NormalizedScore float64            `json:"normalizedScore"`
	Breakdown       map[string]float64 `json:"breakdown,omitempty"`
}

// Engine scores a submitted prompt/move against a game. Implementations are
// black boxes to the scheduler; any returned error is treated as a retryable
// failure by the worker loop.
type Engine interface {
	Evaluate(ctx context.Context, game string, prompt string, extra map[string]string) (*Result, error)
}

// Func adapts a plain function to the Engine interface.
type Func func(ctx context.Context, game string, prompt string, extra map[string]string) (*Result, error)

func (f Func) Evaluate(ctx context.Context, game string, prompt string, extra map[string]string) (*Result, error) {
	return f(ctx, game, prompt, extra)
}
